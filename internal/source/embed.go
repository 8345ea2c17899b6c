package source

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// EmbedPrefix marks URIs served from an Embedded registry.
const EmbedPrefix = "embed:"

// DefaultEmbedded backs embed: URIs in routers built by NewRouter.
var DefaultEmbedded = NewEmbedded()

// Embedded holds named in-memory blobs, such as sample data compiled into a
// binary with go:embed.
type Embedded struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewEmbedded() *Embedded {
	return &Embedded{blobs: make(map[string][]byte)}
}

// Register stores a copy of data under name.
func (e *Embedded) Register(name string, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blobs[name] = slices.Clone(data)
}

func (e *Embedded) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.blobs))
}

func (e *Embedded) Resolve(_ context.Context, uri string) ([]byte, error) {
	name := strings.TrimPrefix(uri, EmbedPrefix)
	e.mu.RLock()
	defer e.mu.RUnlock()
	data, ok := e.blobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: embedded %q", ErrNotFound, name)
	}
	return slices.Clone(data), nil
}
