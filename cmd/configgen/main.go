package main

import (
	"flag"
	"log"

	"github.com/vispy/GSP-API/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case "gspd":
		return "cmd/gspd/config.toml"
	case "gspctl":
		return "cmd/gspctl/config.toml"
	}
	log.Fatalf("unknown kind: %s", kind)
	return ""
}

func main() {
	kind := flag.String("kind", "gspd", "config kind: gspd|gspctl")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		switch *kind {
		case "gspd":
			if _, err := config.LoadDaemonConfig(path); err != nil {
				log.Fatal(err)
			}
		case "gspctl":
			if _, err := config.LoadClientConfig(path); err != nil {
				log.Fatal(err)
			}
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
