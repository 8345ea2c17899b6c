package buffer

import (
	"fmt"
	"slices"
	"strings"
)

// Descriptor is the dtype and shape of an external typed array. Shape
// includes the leading element count, so a list of n 3-vectors is
// {DType: "float32", Shape: [n 3]}.
type Descriptor struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

// Count returns the leading dimension, or 0 for an empty shape.
func (d Descriptor) Count() int {
	if len(d.Shape) == 0 {
		return 0
	}
	return d.Shape[0]
}

// FromDescriptor maps an array descriptor to the tag with exactly that
// component type and trailing shape. No widening or narrowing is done.
func FromDescriptor(d Descriptor) (Type, error) {
	if len(d.Shape) == 0 || d.Shape[0] < 0 {
		return 0, fmt.Errorf("%w: descriptor needs a leading count, got shape %v", ErrUnsupportedType, d.Shape)
	}
	dtype := strings.ToLower(strings.TrimSpace(d.DType))
	trailing := d.Shape[1:]
	for i, info := range typeTable {
		if info.kind.String() != dtype {
			continue
		}
		if slices.Equal(info.dims, trailing) {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("%w: dtype=%s shape=%v", ErrUnsupportedType, d.DType, d.Shape)
}

// Descriptor returns the array descriptor of the buffer contents.
func (b *Buffer) Descriptor() Descriptor {
	shape := append([]int{b.count}, b.typ.Shape().Dims...)
	return Descriptor{DType: b.typ.Kind().String(), Shape: shape}
}

// FromArray builds a buffer from raw little-endian array bytes described by d.
func FromArray(d Descriptor, data []byte) (*Buffer, error) {
	typ, err := FromDescriptor(d)
	if err != nil {
		return nil, err
	}
	want, err := typ.ByteLen(d.Count())
	if err != nil {
		return nil, err
	}
	if len(data) != want {
		return nil, fmt.Errorf("%w: got %d bytes want %d", ErrSizeMismatch, len(data), want)
	}
	return FromBytes(data, typ)
}
