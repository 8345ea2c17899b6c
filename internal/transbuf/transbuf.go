// Package transbuf holds the attribute slot type: either a concrete buffer or
// a transform evaluated at render time.
package transbuf

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/transform"
)

var ErrEmptySlot = errors.New("transbuf: empty slot")

// TransBuffer is a Buffer or a Transform. The zero value is empty and fails
// to resolve.
type TransBuffer struct {
	buf *buffer.Buffer
	tr  *transform.Transform
}

// FromBuffer wraps b and publishes it.
func FromBuffer(b *buffer.Buffer) TransBuffer {
	if b == nil {
		return TransBuffer{}
	}
	return TransBuffer{buf: b.Publish()}
}

// FromTransform wraps t.
func FromTransform(t *transform.Transform) TransBuffer {
	return TransBuffer{tr: t}
}

// IsBuffer reports whether the slot holds a buffer.
func (tb TransBuffer) IsBuffer() bool { return tb.buf != nil }

// IsTransform reports whether the slot holds a transform.
func (tb TransBuffer) IsTransform() bool { return tb.tr != nil }

// IsZero reports whether the slot is empty.
func (tb TransBuffer) IsZero() bool { return tb.buf == nil && tb.tr == nil }

// Buffer returns the held buffer, if any.
func (tb TransBuffer) Buffer() (*buffer.Buffer, bool) { return tb.buf, tb.buf != nil }

// Transform returns the held transform, if any.
func (tb TransBuffer) Transform() (*transform.Transform, bool) { return tb.tr, tb.tr != nil }

// ID returns the identifier of whichever value is held.
func (tb TransBuffer) ID() uuid.UUID {
	switch {
	case tb.buf != nil:
		return tb.buf.ID()
	case tb.tr != nil:
		return tb.tr.ID()
	default:
		return uuid.Nil
	}
}

// Resolve returns the held buffer itself, or evaluates the held transform.
func (tb TransBuffer) Resolve(ctx context.Context, eng *transform.Engine, env transform.Env) (*buffer.Buffer, error) {
	switch {
	case tb.buf != nil:
		return tb.buf, nil
	case tb.tr != nil:
		if eng == nil {
			return nil, fmt.Errorf("transbuf: no engine to evaluate %s", tb.tr.ID())
		}
		return eng.Evaluate(ctx, tb.tr, env)
	default:
		return nil, ErrEmptySlot
	}
}

func (tb TransBuffer) String() string {
	switch {
	case tb.buf != nil:
		return tb.buf.String()
	case tb.tr != nil:
		return tb.tr.String()
	default:
		return "TransBuffer(empty)"
	}
}
