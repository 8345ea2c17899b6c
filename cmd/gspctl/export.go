package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/protocol"
	"github.com/vispy/GSP-API/internal/protocol/session"
	"github.com/vispy/GSP-API/internal/render"
	"github.com/vispy/GSP-API/internal/scene"
	"github.com/vispy/GSP-API/internal/source"
	"github.com/vispy/GSP-API/internal/transform"

	_ "github.com/vispy/GSP-API/internal/render/jsonexport"
	_ "github.com/vispy/GSP-API/internal/render/netexport"
)

func readLogFile(path string) ([]protocol.Message, session.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	msgs, format, err := session.ReadLog(f)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	return msgs, format, nil
}

type replaySummary struct {
	Format   session.Format `json:"format"`
	Messages int            `json:"messages"`
	LastID   uint64         `json:"last_id"`
	State    string         `json:"state"`
	Counts   map[string]int `json:"counts"`
	Error    string         `json:"error,omitempty"`
}

func runReplay(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("replay", stdout)
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := oneArg(fs, "log file")
	if err != nil {
		return err
	}
	msgs, format, err := readLogFile(path)
	if err != nil {
		return err
	}
	sess, replayErr := session.Replay(msgs)
	sum := replaySummary{
		Format:   format,
		Messages: len(msgs),
		LastID:   sess.LastID(),
		State:    sess.State().String(),
	}
	if replayErr != nil {
		sum.Error = replayErr.Error()
	}
	_ = sess.Read(func(sc *scene.Scene) error {
		sum.Counts = sc.Counts()
		return nil
	})
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return err
	}
	return replayErr
}

type exportFlags struct {
	backend string
	output  string
	root    string
	opts    optionFlags
}

func parseExportFlags(name string, args []string, stdout io.Writer) (*exportFlags, string, error) {
	e := &exportFlags{opts: optionFlags{}}
	fs := newFlagSet(name, stdout)
	fs.StringVar(&e.backend, "backend", "json", "render backend: "+fmt.Sprint(render.Backends()))
	fs.StringVar(&e.output, "o", "", "output file (default stdout)")
	fs.StringVar(&e.root, "root", "", "data root for relative file sources (default: the log's directory)")
	fs.Var(e.opts, "opt", "backend option key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	path, err := oneArg(fs, "log file")
	if err != nil {
		return nil, "", err
	}
	if e.root == "" {
		e.root = filepath.Dir(path)
	}
	return e, path, nil
}

func localEngine(root string) *transform.Engine {
	resolver, network := source.New(source.Config{Root: root, HTTPTimeout: 30 * time.Second})
	return transform.NewEngine(
		transform.WithResolver(resolver),
		transform.WithFetcher(network),
		transform.WithCache(256),
	)
}

// exportLog replays the log at path and renders it with e's backend.
func exportLog(ctx context.Context, eng *transform.Engine, path string, e *exportFlags) ([]byte, error) {
	msgs, _, err := readLogFile(path)
	if err != nil {
		return nil, err
	}
	sess, err := session.Replay(msgs)
	if err != nil {
		return nil, err
	}
	b, err := render.Open(e.backend, e.opts)
	if err != nil {
		return nil, err
	}
	err = sess.Read(func(sc *scene.Scene) error {
		return render.NewPass(eng).Run(ctx, sc, b)
	})
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if _, err := b.WriteTo(&out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func runExport(ctx context.Context, args []string, stdout io.Writer) error {
	e, path, err := parseExportFlags("export", args, stdout)
	if err != nil {
		return err
	}
	out, err := exportLog(ctx, localEngine(e.root), path, e)
	if err != nil {
		return err
	}
	return writeOutput(e.output, stdout, out)
}

func runConvert(_ context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("convert", stdout)
	formatName := fs.String("format", "frames", "output format: json or frames")
	output := fs.String("o", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := oneArg(fs, "log file")
	if err != nil {
		return err
	}
	format, err := session.ParseFormat(*formatName)
	if err != nil {
		return err
	}
	msgs, _, err := readLogFile(path)
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := session.WriteLog(&out, format, msgs); err != nil {
		return err
	}
	return writeOutput(*output, stdout, out.Bytes())
}

const watchDebounce = 100 * time.Millisecond

// runWatch exports once, then again after every change to the log. The
// parent directory is watched so editors that replace the file still count.
func runWatch(ctx context.Context, args []string, stdout io.Writer) error {
	e, path, err := parseExportFlags("watch", args, stdout)
	if err != nil {
		return err
	}
	if e.output == "" {
		return fmt.Errorf("watch: -o is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	eng := localEngine(e.root)
	runs := 0
	export := func() {
		runs++
		// a new scope per run so edited sources are read again
		out, err := exportLog(transform.WithCacheScope(ctx, strconv.Itoa(runs)), eng, abs, e)
		if err != nil {
			log.Warn().Err(err).Str("log", abs).Msg("gspctl: export failed")
			return
		}
		if err := writeOutput(e.output, stdout, out); err != nil {
			log.Warn().Err(err).Str("output", e.output).Msg("gspctl: write failed")
			return
		}
		log.Info().Str("log", abs).Str("output", e.output).Int("bytes", len(out)).Msg("gspctl: exported")
	}
	export()

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			debounce.Reset(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("gspctl: watch error")
		case <-debounce.C:
			export()
		}
	}
}
