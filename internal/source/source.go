// Package source loads the bytes behind DataSource URIs and NetworkSource
// endpoints. Router implements transform.Resolver and Network implements
// transform.Fetcher.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/transform"
)

var (
	ErrUnsupportedScheme = errors.New("source: unsupported scheme")
	ErrNotFound          = errors.New("source: not found")
)

// Scheme returns the lower-cased scheme of uri. Bare paths report "file".
func Scheme(uri string) string {
	if strings.HasPrefix(uri, EmbedPrefix) {
		return "embed"
	}
	u, err := url.Parse(uri)
	if err != nil || len(u.Scheme) < 2 {
		// single letters are windows drive names
		return "file"
	}
	return strings.ToLower(u.Scheme)
}

// Router dispatches DataSource URIs to per-scheme resolvers. Image content is
// decoded to RGBA8 pixels unless raw mode is set.
type Router struct {
	mu      sync.RWMutex
	schemes map[string]transform.Resolver
	raw     bool
}

type RouterOption func(*Router)

// WithScheme registers r for scheme, replacing any previous resolver.
func WithScheme(scheme string, r transform.Resolver) RouterOption {
	return func(rt *Router) { rt.schemes[strings.ToLower(scheme)] = r }
}

// WithRawImages disables image decoding.
func WithRawImages() RouterOption {
	return func(rt *Router) { rt.raw = true }
}

// NewRouter returns a router serving file and embed URIs plus any options.
func NewRouter(opts ...RouterOption) *Router {
	rt := &Router{schemes: map[string]transform.Resolver{
		"file":  Files{},
		"embed": DefaultEmbedded,
	}}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Register adds or replaces the resolver for scheme.
func (rt *Router) Register(scheme string, r transform.Resolver) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.schemes[strings.ToLower(scheme)] = r
}

// Supports reports whether a resolver is registered for scheme.
func (rt *Router) Supports(scheme string) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	_, ok := rt.schemes[strings.ToLower(scheme)]
	return ok
}

func (rt *Router) Resolve(ctx context.Context, uri string) ([]byte, error) {
	scheme := Scheme(uri)
	rt.mu.RLock()
	r, ok := rt.schemes[scheme]
	raw := rt.raw
	rt.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}

	data, err := r.Resolve(ctx, uri)
	if err != nil {
		return nil, err
	}
	if raw {
		return data, nil
	}
	pix, ok, err := DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", transform.ErrMalformedSource, uri, err)
	}
	if ok {
		log.Debug().Str("uri", uri).Int("bytes", len(pix)).Msg("source: decoded image")
		return pix, nil
	}
	return data, nil
}
