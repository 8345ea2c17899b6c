// Package render resolves a scene's render items into concrete buffers and
// feeds them to output backends.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/scene"
	"github.com/vispy/GSP-API/internal/transform"
)

var (
	ErrUnknownBackend = errors.New("render: unknown backend")
	ErrBadMatrix      = errors.New("render: bad matrix")
	ErrBadPositions   = errors.New("render: bad positions")
	ErrNoCanvas       = errors.New("render: scene has no canvas")
)

// ResolvedItem is one render item with every slot resolved for its
// viewport and camera.
type ResolvedItem struct {
	Index      int
	Viewport   scene.Viewport
	CameraUUID uuid.UUID
	VisualUUID uuid.UUID
	Kind       scene.VisualKind
	Properties scene.Properties
	Attributes map[string]*buffer.Buffer
	// Env is the environment the non-position attributes resolved with.
	Env transform.Env
}

// AttributeNames returns the resolved attribute names, sorted.
func (it ResolvedItem) AttributeNames() []string {
	return slices.Sorted(maps.Keys(it.Attributes))
}

// Backend consumes resolved items. A pass calls Begin once, DrawItem for
// each item in order, then End; WriteTo emits the result afterwards.
type Backend interface {
	Name() string
	Begin(canvas scene.Canvas) error
	DrawItem(ctx context.Context, item ResolvedItem) error
	End() error
	io.WriterTo
}

// Factory creates a fresh backend. Options come from the caller, for
// example the query string of a render request.
type Factory func(opts map[string]string) (Backend, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register makes a backend available by name. It panics on a nil factory
// or a duplicate name, so mistakes surface at init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("render: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("render: Register called twice for " + name)
	}
	factories[name] = f
}

// Unregister drops name from the registry.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Open creates a backend by name.
func Open(name string, opts map[string]string) (Backend, error) {
	registryMu.RLock()
	f, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (forgotten import?)", ErrUnknownBackend, name)
	}
	return f(opts)
}

// Backends returns the registered names, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return slices.Sorted(maps.Keys(factories))
}
