package source

import (
	"time"

	"github.com/gorilla/websocket"
)

// Config selects the schemes a renderer will load data from.
type Config struct {
	Root string
	// ConfineFiles rejects file paths outside Root, and every file path
	// when Root is empty.
	ConfineFiles bool
	HTTPTimeout  time.Duration
	// Token is sent only to TrustedOrigins.
	Token          string
	TrustedOrigins []string
	RawImages      bool
	// SSH enables ssh:// URIs when set.
	SSH *SSH
}

// New builds the resolver and fetcher pair for cfg.
func New(cfg Config) (*Router, Network) {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	creds := Credentials{Token: cfg.Token, Origins: cfg.TrustedOrigins}
	h := NewHTTP(cfg.HTTPTimeout)
	h.Credentials = creds

	opts := []RouterOption{
		WithScheme("file", Files{Root: cfg.Root, Confine: cfg.ConfineFiles}),
		WithScheme("http", h),
		WithScheme("https", h),
	}
	if cfg.SSH != nil {
		opts = append(opts, WithScheme("ssh", *cfg.SSH))
	}
	if cfg.RawImages {
		opts = append(opts, WithRawImages())
	}

	ws := &WebSocket{
		Dialer:      &websocket.Dialer{HandshakeTimeout: cfg.HTTPTimeout},
		Credentials: creds,
	}
	return NewRouter(opts...), Network{HTTP: h, WebSocket: ws}
}
