package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/vispy/GSP-API/internal/config"
)

// EnvToken overrides the configured bearer token.
const EnvToken = "GSPD_TOKEN"

type fileConfig struct {
	Name          string                 `toml:"name"`
	HTTPAddr      string                 `toml:"http_addr"`
	TCPAddr       string                 `toml:"tcp_addr"`
	CorsOrigins   []string               `toml:"cors_origins"`
	Token         string                 `toml:"token"`
	PublicURL     string                 `toml:"public_url"`
	DataRoot      string                 `toml:"data_root"`
	CacheCapacity int                    `toml:"cache_capacity"`
	FetchTimeout  config.Duration        `toml:"fetch_timeout"`
	MaxSessions   int                    `toml:"max_sessions"`
	Transport     config.TransportConfig `toml:"transport"`
	SSH           config.SSHConfig       `toml:"ssh"`
}

// loadDaemonConfig layers the keys present in path over the defaults, so an
// absent key keeps its default while an explicit empty value clears it.
func loadDaemonConfig(path string) (config.DaemonConfig, error) {
	cfg := config.DefaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config.DaemonConfig{}, fmt.Errorf("load gspd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return config.DaemonConfig{}, fmt.Errorf("load gspd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
	}
	if meta.IsDefined("tcp_addr") {
		cfg.TCPAddr = strings.TrimSpace(raw.TCPAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("public_url") {
		cfg.PublicURL = strings.TrimSpace(raw.PublicURL)
	}
	if meta.IsDefined("data_root") {
		cfg.DataRoot = strings.TrimSpace(raw.DataRoot)
	}
	if meta.IsDefined("cache_capacity") {
		cfg.CacheCapacity = raw.CacheCapacity
	}
	if meta.IsDefined("fetch_timeout") {
		cfg.FetchTimeout = raw.FetchTimeout
	}
	if meta.IsDefined("max_sessions") {
		cfg.MaxSessions = raw.MaxSessions
	}

	t := raw.Transport
	if meta.IsDefined("transport", "security_mode") {
		cfg.Transport.SecurityMode = strings.TrimSpace(t.SecurityMode)
	}
	if meta.IsDefined("transport", "connect_timeout") {
		cfg.Transport.ConnectTimeout = t.ConnectTimeout
	}
	if meta.IsDefined("transport", "handshake_timeout") {
		cfg.Transport.HandshakeTimeout = t.HandshakeTimeout
	}
	if meta.IsDefined("transport", "read_timeout") {
		cfg.Transport.ReadTimeout = t.ReadTimeout
	}
	if meta.IsDefined("transport", "write_timeout") {
		cfg.Transport.WriteTimeout = t.WriteTimeout
	}
	if meta.IsDefined("transport", "ack_timeout") {
		cfg.Transport.AckTimeout = t.AckTimeout
	}
	if meta.IsDefined("transport", "max_attempts") {
		cfg.Transport.MaxAttempts = t.MaxAttempts
	}
	if meta.IsDefined("transport", "tls") {
		cfg.Transport.TLS = t.TLS
	}
	if meta.IsDefined("ssh") {
		cfg.SSH = raw.SSH
	}

	if err := config.ValidateDaemonConfig(cfg); err != nil {
		return config.DaemonConfig{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *config.DaemonConfig, getenv func(string) string) {
	if token := strings.TrimSpace(getenv(EnvToken)); token != "" {
		cfg.Token = token
	}
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
