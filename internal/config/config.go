package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"github.com/vispy/GSP-API/internal/protocol/session"
	"github.com/vispy/GSP-API/internal/source"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// TransportConfig is the framed TCP transport section shared by the
// daemon and its producers.
type TransportConfig struct {
	SecurityMode     string            `toml:"security_mode"`
	ConnectTimeout   Duration          `toml:"connect_timeout"`
	HandshakeTimeout Duration          `toml:"handshake_timeout"`
	ReadTimeout      Duration          `toml:"read_timeout"`
	WriteTimeout     Duration          `toml:"write_timeout"`
	AckTimeout       Duration          `toml:"ack_timeout"`
	MaxAttempts      int               `toml:"max_attempts"`
	TLS              session.TLSConfig `toml:"tls"`
}

// SessionConfig converts t to a session config, filling unset values.
func (t TransportConfig) SessionConfig() session.Config {
	return session.Config{
		ConnectTimeout:   t.ConnectTimeout.Std(),
		HandshakeTimeout: t.HandshakeTimeout.Std(),
		ReadTimeout:      t.ReadTimeout.Std(),
		WriteTimeout:     t.WriteTimeout.Std(),
		AckTimeout:       t.AckTimeout.Std(),
		MaxAttempts:      t.MaxAttempts,
		SecurityMode:     session.SecurityMode(t.SecurityMode),
		TLS:              t.TLS,
	}.WithDefaults()
}

// SSHConfig enables ssh:// data sources on the daemon.
type SSHConfig struct {
	Enabled                     bool     `toml:"enabled"`
	User                        string   `toml:"user"`
	KeyPath                     string   `toml:"key_path"`
	KnownHostsPath              string   `toml:"known_hosts_path"`
	InsecureSkipHostKeyChecking bool     `toml:"insecure_skip_host_key_checking"`
	Timeout                     Duration `toml:"timeout"`
}

// DaemonConfig configures gspd.
type DaemonConfig struct {
	Name          string          `toml:"name"`
	HTTPAddr      string          `toml:"http_addr"`
	TCPAddr       string          `toml:"tcp_addr"`
	CorsOrigins   []string        `toml:"cors_origins"`
	Token         string          `toml:"token"`
	PublicURL     string          `toml:"public_url"`
	DataRoot      string          `toml:"data_root"`
	CacheCapacity int             `toml:"cache_capacity"`
	FetchTimeout  Duration        `toml:"fetch_timeout"`
	MaxSessions   int             `toml:"max_sessions"`
	Transport     TransportConfig `toml:"transport"`
	SSH           SSHConfig       `toml:"ssh"`
}

// ClientConfig configures a producer connecting to gspd.
type ClientConfig struct {
	Addr       string          `toml:"addr"`
	HTTPURL    string          `toml:"http_url"`
	ProducerID string          `toml:"producer_id"`
	Token      string          `toml:"token"`
	Transport  TransportConfig `toml:"transport"`
}

func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		Name:          "gspd",
		HTTPAddr:      ":7080",
		TCPAddr:       ":7070",
		CacheCapacity: 1024,
		FetchTimeout:  Duration(30 * time.Second),
		MaxSessions:   64,
		Transport:     TransportConfig{SecurityMode: string(session.SecurityModeDevelopment)},
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:       "127.0.0.1:7070",
		HTTPURL:    "http://127.0.0.1:7080",
		ProducerID: "gspctl",
		Transport:  TransportConfig{SecurityMode: string(session.SecurityModeDevelopment)},
	}
}

// SourceConfig builds the data source setup for the daemon.
func (c DaemonConfig) SourceConfig() source.Config {
	root := c.DataRoot
	if expanded, err := homedir.Expand(root); err == nil {
		root = expanded
	}
	cfg := source.Config{
		Root:         root,
		ConfineFiles: true,
		HTTPTimeout:  c.FetchTimeout.Std(),
		Token:        c.Token,
	}
	// the token only goes back to this daemon's own endpoints
	if c.PublicURL != "" {
		cfg.TrustedOrigins = []string{c.PublicURL}
	}
	if c.SSH.Enabled {
		cfg.SSH = &source.SSH{
			User:                        c.SSH.User,
			KeyPath:                     c.SSH.KeyPath,
			KnownHostsPath:              c.SSH.KnownHostsPath,
			InsecureSkipHostKeyChecking: c.SSH.InsecureSkipHostKeyChecking,
			Timeout:                     c.SSH.Timeout.Std(),
		}
	}
	return cfg
}

func LoadDaemonConfig(path string) (DaemonConfig, error) {
	cfg := DefaultDaemonConfig()
	if err := loadToml(path, &cfg); err != nil {
		return DaemonConfig{}, err
	}
	if err := ValidateDaemonConfig(cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadToml(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("config path (%s): %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateDaemonConfig(cfg DaemonConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("gspd config missing name")
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" && strings.TrimSpace(cfg.TCPAddr) == "" {
		return fmt.Errorf("gspd config needs http_addr or tcp_addr")
	}
	if err := checkAddr("http_addr", cfg.HTTPAddr); err != nil {
		return err
	}
	if err := checkAddr("tcp_addr", cfg.TCPAddr); err != nil {
		return err
	}
	if cfg.PublicURL != "" {
		u, err := url.Parse(cfg.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("gspd config public_url must be an http(s) url, got %q", cfg.PublicURL)
		}
	}
	if cfg.CacheCapacity < 0 {
		return fmt.Errorf("gspd config cache_capacity must be >= 0")
	}
	if cfg.MaxSessions < 0 {
		return fmt.Errorf("gspd config max_sessions must be >= 0")
	}
	if cfg.SSH.Enabled && strings.TrimSpace(cfg.SSH.KeyPath) == "" {
		return fmt.Errorf("gspd config ssh.key_path required when ssh is enabled")
	}
	if cfg.TCPAddr != "" {
		if err := cfg.Transport.SessionConfig().ValidateServerTransport(); err != nil {
			return fmt.Errorf("gspd config transport: %w", err)
		}
	}
	return nil
}

func checkAddr(key, addr string) error {
	if addr == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("gspd config %s: %w", key, err)
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	if strings.TrimSpace(cfg.ProducerID) == "" {
		return fmt.Errorf("client config missing producer_id")
	}
	if strings.TrimSpace(cfg.Addr) == "" && strings.TrimSpace(cfg.HTTPURL) == "" {
		return fmt.Errorf("client config needs addr or http_url")
	}
	if cfg.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
			return fmt.Errorf("client config addr: %w", err)
		}
		if err := cfg.Transport.SessionConfig().ValidateClientTransport(); err != nil {
			return fmt.Errorf("client config transport: %w", err)
		}
	}
	return nil
}
