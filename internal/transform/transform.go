// Package transform evaluates declarative chains of links into buffers.
//
// A chain folds left to right: the first link runs with no input and every
// following link receives the previous result. Only links that ignore their
// input (accessors, sources, immediates) may open a chain.
package transform

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/google/uuid"
	"github.com/vispy/GSP-API/internal/buffer"
)

// Transform is an immutable, identified link chain.
type Transform struct {
	id     uuid.UUID
	links  []Link
	digest uint64
}

// New validates links and returns a transform with a fresh identifier.
func New(links ...Link) (*Transform, error) {
	return NewWithID(uuid.New(), links...)
}

// NewWithID is New with a caller-chosen identifier, used when decoding.
func NewWithID(id uuid.UUID, links ...Link) (*Transform, error) {
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrInvalidChain)
	}
	for i, l := range links {
		if err := validateLink(l); err != nil {
			return nil, fmt.Errorf("link %d: %w", i, err)
		}
	}
	if !acceptsNilInput(links[0]) {
		return nil, fmt.Errorf("%w: chain cannot start with %s", ErrInvalidChain, links[0].Kind())
	}

	own := make([]Link, len(links))
	copy(own, links)
	for _, l := range own {
		switch v := l.(type) {
		case Immediate:
			v.Buffer.Publish()
		case Operator:
			if v.Operand.Buffer != nil {
				v.Operand.Buffer.Publish()
			}
		}
	}
	return &Transform{id: id, links: own, digest: chainDigest(own)}, nil
}

// Digest hashes the chain content, including the bytes of immediate and
// operand buffers. Two transforms with the same digest evaluate alike.
func (t *Transform) Digest() uint64 { return t.digest }

func chainDigest(links []Link) uint64 {
	h := fnv.New64a()
	var scratch [8]byte
	num := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		_, _ = h.Write(scratch[:])
	}
	str := func(v string) {
		num(uint64(len(v)))
		_, _ = h.Write([]byte(v))
	}
	buf := func(b *buffer.Buffer) {
		if b == nil {
			num(math.MaxUint64)
			return
		}
		num(uint64(b.Type()))
		num(uint64(b.Count()))
		_, _ = h.Write(b.Data())
	}
	for _, l := range links {
		str(string(l.Kind()))
		switch v := l.(type) {
		case Accessor:
			str(v.Field)
		case DataSource:
			str(v.URI)
			num(uint64(v.Type))
		case NetworkSource:
			str(v.Endpoint)
			num(uint64(v.Type))
			num(uint64(v.Timeout))
		case Immediate:
			buf(v.Buffer)
		case Operator:
			str(string(v.Op))
			num(math.Float64bits(v.Operand.Scalar))
			buf(v.Operand.Buffer)
		}
	}
	return h.Sum64()
}

// ID returns the transform identifier.
func (t *Transform) ID() uuid.UUID { return t.id }

// Len returns the number of links.
func (t *Transform) Len() int { return len(t.links) }

// Links returns a copy of the chain.
func (t *Transform) Links() []Link {
	out := make([]Link, len(t.links))
	copy(out, t.links)
	return out
}

func (t *Transform) String() string {
	return fmt.Sprintf("Transform(%s, %d links)", t.id, len(t.links))
}
