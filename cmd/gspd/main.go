package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vispy/GSP-API/internal/config"
	"github.com/vispy/GSP-API/internal/observability"
	"github.com/vispy/GSP-API/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a gspd config file (toml)")
	flag.Parse()

	logger := observability.InitLogger("gspd")
	cfg := config.DefaultDaemonConfig()
	if *configPath != "" {
		loaded, err := loadDaemonConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gspd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	applyEnv(&cfg, os.Getenv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("http_addr", cfg.HTTPAddr).
		Str("tcp_addr", cfg.TCPAddr).
		Str("security_mode", cfg.Transport.SecurityMode).
		Bool("auth", cfg.Token != "").
		Msg("gspd starting")
	if err := server.New(cfg).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("gspd stopped")
		os.Exit(1)
	}
	logger.Info().Msg("gspd stopped")
}
