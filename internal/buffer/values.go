package buffer

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Element data is little-endian.
var order = binary.LittleEndian

func FromFloat32s(vals []float32) *Buffer {
	return mustFromComponents(Float32, len(vals), func(put func(float64)) {
		for _, v := range vals {
			put(float64(v))
		}
	})
}

func FromVec2s(vals [][2]float32) *Buffer {
	return mustFromComponents(Vec2, len(vals), func(put func(float64)) {
		for _, v := range vals {
			for _, c := range v {
				put(float64(c))
			}
		}
	})
}

func FromVec3s(vals [][3]float32) *Buffer {
	return mustFromComponents(Vec3, len(vals), func(put func(float64)) {
		for _, v := range vals {
			for _, c := range v {
				put(float64(c))
			}
		}
	})
}

func FromVec4s(vals [][4]float32) *Buffer {
	return mustFromComponents(Vec4, len(vals), func(put func(float64)) {
		for _, v := range vals {
			for _, c := range v {
				put(float64(c))
			}
		}
	})
}

// FromMat4s stores each matrix as given; callers pass row-major order.
func FromMat4s(vals [][16]float32) *Buffer {
	return mustFromComponents(Mat4, len(vals), func(put func(float64)) {
		for _, v := range vals {
			for _, c := range v {
				put(float64(c))
			}
		}
	})
}

func FromRGBA(vals [][4]uint8) *Buffer {
	b, _ := New(len(vals), RGBA8)
	for i, v := range vals {
		copy(b.data[i*4:], v[:])
	}
	return b
}

func FromUVec4s(vals [][4]uint32) *Buffer {
	return mustFromComponents(UVec4, len(vals), func(put func(float64)) {
		for _, v := range vals {
			for _, c := range v {
				put(float64(c))
			}
		}
	})
}

func FromUint32s(vals []uint32) *Buffer {
	return mustFromComponents(Uint32, len(vals), func(put func(float64)) {
		for _, v := range vals {
			put(float64(v))
		}
	})
}

func FromInt32s(vals []int32) *Buffer {
	return mustFromComponents(Int32, len(vals), func(put func(float64)) {
		for _, v := range vals {
			put(float64(v))
		}
	})
}

func FromUint8s(vals []uint8) *Buffer {
	b, _ := New(len(vals), Uint8)
	copy(b.data, vals)
	return b
}

func FromInt8s(vals []int8) *Buffer {
	b, _ := New(len(vals), Int8)
	for i, v := range vals {
		b.data[i] = byte(v)
	}
	return b
}

func mustFromComponents(typ Type, count int, fill func(put func(float64))) *Buffer {
	b, _ := New(count, typ)
	kind := typ.Kind()
	step := kind.Size()
	off := 0
	fill(func(v float64) {
		putComponent(kind, b.data[off:off+step], v)
		off += step
	})
	return b
}

// FromComponents encodes a flat list of component values as typ. Values are
// converted to the component kind without range checks; callers clamp first
// when that matters.
func FromComponents(typ Type, comps []float64) (*Buffer, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, uint8(typ))
	}
	n := typ.Components()
	if len(comps)%n != 0 {
		return nil, fmt.Errorf("%w: %d components is not a multiple of %d", ErrSizeMismatch, len(comps), n)
	}
	b, err := New(len(comps)/n, typ)
	if err != nil {
		return nil, err
	}
	kind := typ.Kind()
	step := kind.Size()
	for i, v := range comps {
		putComponent(kind, b.data[i*step:(i+1)*step], v)
	}
	return b, nil
}

// Components decodes every component in element order as float64.
func (b *Buffer) Components() []float64 {
	kind := b.typ.Kind()
	step := kind.Size()
	out := make([]float64, len(b.data)/step)
	for i := range out {
		out[i] = component(kind, b.data[i*step:(i+1)*step])
	}
	return out
}

// Float32s decodes a float-component buffer.
func (b *Buffer) Float32s() ([]float32, error) {
	if b.typ.Kind() != KindFloat32 {
		return nil, fmt.Errorf("%w: %s has %s components", ErrUnsupportedType, b.typ, b.typ.Kind())
	}
	out := make([]float32, len(b.data)/4)
	for i := range out {
		out[i] = math.Float32frombits(order.Uint32(b.data[i*4:]))
	}
	return out, nil
}

// Uint32s decodes a uint32-component buffer.
func (b *Buffer) Uint32s() ([]uint32, error) {
	if b.typ.Kind() != KindUint32 {
		return nil, fmt.Errorf("%w: %s has %s components", ErrUnsupportedType, b.typ, b.typ.Kind())
	}
	out := make([]uint32, len(b.data)/4)
	for i := range out {
		out[i] = order.Uint32(b.data[i*4:])
	}
	return out, nil
}

// Int32s decodes an int32-component buffer.
func (b *Buffer) Int32s() ([]int32, error) {
	if b.typ.Kind() != KindInt32 {
		return nil, fmt.Errorf("%w: %s has %s components", ErrUnsupportedType, b.typ, b.typ.Kind())
	}
	out := make([]int32, len(b.data)/4)
	for i := range out {
		out[i] = int32(order.Uint32(b.data[i*4:]))
	}
	return out, nil
}

// Uint8s decodes a uint8-component buffer, including packed colors.
func (b *Buffer) Uint8s() ([]uint8, error) {
	if b.typ.Kind() != KindUint8 {
		return nil, fmt.Errorf("%w: %s has %s components", ErrUnsupportedType, b.typ, b.typ.Kind())
	}
	out := make([]uint8, len(b.data))
	copy(out, b.data)
	return out, nil
}

// Int8s decodes an int8-component buffer.
func (b *Buffer) Int8s() ([]int8, error) {
	if b.typ.Kind() != KindInt8 {
		return nil, fmt.Errorf("%w: %s has %s components", ErrUnsupportedType, b.typ, b.typ.Kind())
	}
	out := make([]int8, len(b.data))
	for i, v := range b.data {
		out[i] = int8(v)
	}
	return out, nil
}

func putComponent(kind ComponentKind, dst []byte, v float64) {
	switch kind {
	case KindFloat32:
		order.PutUint32(dst, math.Float32bits(float32(v)))
	case KindUint32:
		order.PutUint32(dst, uint32(v))
	case KindInt32:
		order.PutUint32(dst, uint32(int32(v)))
	case KindUint8:
		dst[0] = uint8(v)
	case KindInt8:
		dst[0] = byte(int8(v))
	}
}

func component(kind ComponentKind, src []byte) float64 {
	switch kind {
	case KindFloat32:
		return float64(math.Float32frombits(order.Uint32(src)))
	case KindUint32:
		return float64(order.Uint32(src))
	case KindInt32:
		return float64(int32(order.Uint32(src)))
	case KindUint8:
		return float64(src[0])
	case KindInt8:
		return float64(int8(src[0]))
	default:
		return 0
	}
}
