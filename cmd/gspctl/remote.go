package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vispy/GSP-API/internal/client"
	"github.com/vispy/GSP-API/internal/config"
)

// loadClientConfig reads path when set and applies the flag overrides.
func loadClientConfig(path string, overrides map[string]string) (config.ClientConfig, error) {
	cfg := config.DefaultClientConfig()
	if path != "" {
		loaded, err := config.LoadClientConfig(path)
		if err != nil {
			return config.ClientConfig{}, err
		}
		cfg = loaded
	}
	for key, value := range overrides {
		if value == "" {
			continue
		}
		switch key {
		case "addr":
			cfg.Addr = value
		case "url":
			cfg.HTTPURL = value
		case "producer":
			cfg.ProducerID = value
		case "token":
			cfg.Token = value
		}
	}
	return cfg, config.ValidateClientConfig(cfg)
}

type pushResult struct {
	SessionID string `json:"session_id"`
	Messages  int    `json:"messages"`
	LastAcked uint64 `json:"last_acked"`
	Status    string `json:"status"`
}

func runPush(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("push", stdout)
	cfgPath := fs.String("config", "", "client config file (toml)")
	addr := fs.String("addr", "", "gspd tcp address")
	producer := fs.String("producer", "", "producer id")
	token := fs.String("token", "", "bearer token")
	batch := fs.Int("batch", 64, "messages per acknowledged batch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := oneArg(fs, "log file")
	if err != nil {
		return err
	}
	if *batch <= 0 {
		return fmt.Errorf("push: -batch must be positive")
	}
	cfg, err := loadClientConfig(*cfgPath, map[string]string{"addr": *addr, "producer": *producer, "token": *token})
	if err != nil {
		return err
	}
	msgs, _, err := readLogFile(path)
	if err != nil {
		return err
	}

	cl, err := client.Dial(ctx, client.FromConfig(cfg))
	if err != nil {
		return err
	}
	defer cl.Close()

	res := pushResult{SessionID: cl.SessionID().String(), Messages: len(msgs)}
	for start := 0; start < len(msgs); start += *batch {
		end := min(start+*batch, len(msgs))
		ack, err := cl.Send(ctx, msgs[start:end]...)
		if err != nil {
			return fmt.Errorf("push: session %s: %w", res.SessionID, err)
		}
		res.LastAcked, res.Status = ack.MessageID, ack.Status
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// runInspect prints the session list, one session, or one session's render.
func runInspect(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("inspect", stdout)
	cfgPath := fs.String("config", "", "client config file (toml)")
	base := fs.String("url", "", "gspd http url")
	token := fs.String("token", "", "bearer token")
	backend := fs.String("render", "", "render the session with this backend instead of describing it")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadClientConfig(*cfgPath, map[string]string{"url": *base, "token": *token})
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(cfg.HTTPURL, "/") + "/v1/sessions"
	switch fs.NArg() {
	case 0:
		if *backend != "" {
			return fmt.Errorf("inspect: -render needs a session id")
		}
	case 1:
		endpoint += "/" + url.PathEscape(fs.Arg(0))
		if *backend != "" {
			endpoint += "/render?backend=" + url.QueryEscape(*backend)
		}
	default:
		return fmt.Errorf("inspect: expected at most one session id")
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inspect: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, err = stdout.Write(body)
	return err
}
