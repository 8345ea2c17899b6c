package transform

import (
	"encoding/binary"
	"hash/fnv"
	"maps"
	"slices"

	"github.com/vispy/GSP-API/internal/buffer"
)

// Fields populated by the render pass for every render item.
const (
	FieldCameraView       = "camera.view"
	FieldCameraProjection = "camera.projection"
	FieldModel            = "model"
	FieldViewportSize     = "viewport.size"
	FieldCanvasDPI        = "canvas.dpi"
	FieldScreenX          = "screen.x"
	FieldScreenY          = "screen.y"
	FieldScreenZ          = "screen.z"
)

// Env is the immutable evaluation environment Accessor links read from.
// The zero value is an empty environment.
type Env struct {
	fields      map[string]*buffer.Buffer
	fingerprint uint64
}

// NewEnv copies fields into a new environment. Every buffer is published.
func NewEnv(fields map[string]*buffer.Buffer) Env {
	env := Env{fields: make(map[string]*buffer.Buffer, len(fields))}
	for name, b := range fields {
		if b == nil {
			continue
		}
		env.fields[name] = b.Publish()
	}
	env.fingerprint = env.hash()
	return env
}

// With returns a copy of e with name bound to b.
func (e Env) With(name string, b *buffer.Buffer) Env {
	next := make(map[string]*buffer.Buffer, len(e.fields)+1)
	maps.Copy(next, e.fields)
	next[name] = b
	return NewEnv(next)
}

// Lookup returns the buffer bound to name.
func (e Env) Lookup(name string) (*buffer.Buffer, bool) {
	b, ok := e.fields[name]
	return b, ok
}

// Names returns the bound field names in sorted order.
func (e Env) Names() []string {
	return slices.Sorted(maps.Keys(e.fields))
}

// Len returns the number of bound fields.
func (e Env) Len() int {
	return len(e.fields)
}

// Fingerprint is a content hash of the environment. Two environments with the
// same names, types and bytes share a fingerprint.
func (e Env) Fingerprint() uint64 {
	if e.fields == nil {
		return emptyFingerprint
	}
	return e.fingerprint
}

var emptyFingerprint = Env{fields: map[string]*buffer.Buffer{}}.hash()

func (e Env) hash() uint64 {
	h := fnv.New64a()
	var scratch [8]byte
	for _, name := range e.Names() {
		b := e.fields[name]
		_, _ = h.Write([]byte(name))
		_, _ = h.Write([]byte{0, byte(b.Type())})
		binary.LittleEndian.PutUint64(scratch[:], uint64(b.Count()))
		_, _ = h.Write(scratch[:])
		_, _ = h.Write(b.Data())
	}
	return h.Sum64()
}
