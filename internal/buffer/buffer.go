// Package buffer implements the typed, flat byte buffers every visual
// attribute and transform result is expressed in.
//
// A Buffer is owned by its creator until it is published. Publishing happens
// when the buffer is referenced from a transform, a slot or a message; from
// then on its bytes never change and it can be read from any goroutine
// without locking.
package buffer

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Buffer is a flat array of count elements of one Type.
type Buffer struct {
	id        uuid.UUID
	count     int
	typ       Type
	data      []byte
	published atomic.Bool
}

// New allocates a zero-filled buffer of count elements.
func New(count int, typ Type) (*Buffer, error) {
	if count < 0 {
		return nil, fmt.Errorf("%w: negative count %d", ErrInvalidArgument, count)
	}
	n, err := typ.ByteLen(count)
	if err != nil {
		return nil, err
	}
	return &Buffer{
		id:    uuid.New(),
		count: count,
		typ:   typ,
		data:  make([]byte, n),
	}, nil
}

// FromBytes copies data into a new buffer. len(data) must be a whole number
// of elements.
func FromBytes(data []byte, typ Type) (*Buffer, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, uint8(typ))
	}
	size := typ.Size()
	if len(data)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %s size %d", ErrSizeMismatch, len(data), typ, size)
	}
	b, err := New(len(data)/size, typ)
	if err != nil {
		return nil, err
	}
	copy(b.data, data)
	return b, nil
}

// WithID returns a buffer that carries id instead of a fresh one. It is used
// when rebuilding buffers received over the wire.
func WithID(id uuid.UUID, count int, typ Type, data []byte) (*Buffer, error) {
	b, err := New(count, typ)
	if err != nil {
		return nil, err
	}
	if len(data) != len(b.data) {
		return nil, fmt.Errorf("%w: got %d bytes want %d", ErrSizeMismatch, len(data), len(b.data))
	}
	copy(b.data, data)
	b.id = id
	return b, nil
}

// ID returns the buffer's unique identifier.
func (b *Buffer) ID() uuid.UUID { return b.id }

// Count returns the number of elements.
func (b *Buffer) Count() int { return b.count }

// Type returns the element type.
func (b *Buffer) Type() Type { return b.typ }

// Len returns the byte length, always Count()*Type().Size().
func (b *Buffer) Len() int { return len(b.data) }

// Data returns a view of the raw bytes. The view aliases the buffer storage
// and must not be written to.
func (b *Buffer) Data() []byte {
	return b.data[:len(b.data):len(b.data)]
}

// SetData overwrites count elements starting at element offset.
func (b *Buffer) SetData(data []byte, offset, count int) error {
	if b.published.Load() {
		return ErrPublished
	}
	if offset < 0 || count < 0 || offset+count > b.count {
		return fmt.Errorf("%w: offset=%d count=%d buffer count=%d", ErrOutOfRange, offset, count, b.count)
	}
	size := b.typ.Size()
	if len(data) != count*size {
		return fmt.Errorf("%w: got %d bytes want %d", ErrSizeMismatch, len(data), count*size)
	}
	copy(b.data[offset*size:], data)
	return nil
}

// Slice copies count elements starting at offset into a new buffer.
func (b *Buffer) Slice(offset, count int) (*Buffer, error) {
	if offset < 0 || count < 0 || offset+count > b.count {
		return nil, fmt.Errorf("%w: offset=%d count=%d buffer count=%d", ErrOutOfRange, offset, count, b.count)
	}
	size := b.typ.Size()
	return FromBytes(b.data[offset*size:(offset+count)*size], b.typ)
}

// Clone returns an unpublished copy with a new identifier.
func (b *Buffer) Clone() *Buffer {
	out := &Buffer{
		id:    uuid.New(),
		count: b.count,
		typ:   b.typ,
		data:  make([]byte, len(b.data)),
	}
	copy(out.data, b.data)
	return out
}

// Publish freezes the buffer. It is idempotent and returns b for chaining.
func (b *Buffer) Publish() *Buffer {
	b.published.Store(true)
	return b
}

// Published reports whether the buffer has been frozen.
func (b *Buffer) Published() bool {
	return b.published.Load()
}

// Equal reports whether both buffers hold the same type, count and bytes.
// Identifiers are not compared.
func (b *Buffer) Equal(other *Buffer) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.typ == other.typ && b.count == other.count && bytes.Equal(b.data, other.data)
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%s, %s x %d)", b.id, b.typ, b.count)
}
