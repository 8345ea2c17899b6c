package buffer

import (
	"fmt"
	"math"
	"strings"
)

// Type tags the element layout of a Buffer. Values match the numbering used
// on the wire and must not be reordered.
type Type uint8

const (
	Float32 Type = iota
	Uint32
	Uint8
	Int32
	Int8
	Vec2
	Vec3
	Vec4
	UVec4
	Mat4
	RGBA8
)

// ComponentKind is the scalar type each element component is stored as.
type ComponentKind uint8

const (
	KindFloat32 ComponentKind = iota
	KindUint32
	KindUint8
	KindInt32
	KindInt8
)

// Size returns the byte width of one component.
func (k ComponentKind) Size() int {
	switch k {
	case KindFloat32, KindUint32, KindInt32:
		return 4
	case KindUint8, KindInt8:
		return 1
	default:
		return 0
	}
}

// Integral reports whether the component kind is an integer type.
func (k ComponentKind) Integral() bool {
	return k != KindFloat32
}

func (k ComponentKind) String() string {
	switch k {
	case KindFloat32:
		return "float32"
	case KindUint32:
		return "uint32"
	case KindUint8:
		return "uint8"
	case KindInt32:
		return "int32"
	case KindInt8:
		return "int8"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Shape describes how an element is laid out. Dims is the trailing shape of
// one element: empty for scalars, [n] for vectors and packed colors, [4 4] for
// matrices.
type Shape struct {
	Kind ComponentKind
	Dims []int
}

// Components returns the number of scalar components in one element.
func (s Shape) Components() int {
	n := 1
	for _, d := range s.Dims {
		n *= d
	}
	return n
}

type typeInfo struct {
	name  string
	kind  ComponentKind
	dims  []int
	color bool
}

// Element sizes are derived from this table; nothing else stores them.
var typeTable = [...]typeInfo{
	Float32: {name: "float32", kind: KindFloat32},
	Uint32:  {name: "uint32", kind: KindUint32},
	Uint8:   {name: "uint8", kind: KindUint8},
	Int32:   {name: "int32", kind: KindInt32},
	Int8:    {name: "int8", kind: KindInt8},
	Vec2:    {name: "vec2", kind: KindFloat32, dims: []int{2}},
	Vec3:    {name: "vec3", kind: KindFloat32, dims: []int{3}},
	Vec4:    {name: "vec4", kind: KindFloat32, dims: []int{4}},
	UVec4:   {name: "uvec4", kind: KindUint32, dims: []int{4}},
	Mat4:    {name: "mat4", kind: KindFloat32, dims: []int{4, 4}},
	RGBA8:   {name: "rgba8", kind: KindUint8, dims: []int{4}, color: true},
}

// Types returns every known tag in wire order.
func Types() []Type {
	out := make([]Type, len(typeTable))
	for i := range typeTable {
		out[i] = Type(i)
	}
	return out
}

// Valid reports whether t is a known tag.
func (t Type) Valid() bool {
	return int(t) < len(typeTable)
}

// Size returns the byte size of one element, or 0 for an unknown tag.
func (t Type) Size() int {
	if !t.Valid() {
		return 0
	}
	return t.Shape().Components() * typeTable[t].kind.Size()
}

// MaxCount is the largest element count whose byte length fits in an int.
func (t Type) MaxCount() int {
	if !t.Valid() {
		return 0
	}
	return math.MaxInt / t.Size()
}

// ByteLen returns count*t.Size(), failing when count is negative or the
// product would overflow.
func (t Type) ByteLen(count int) (int, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedType, uint8(t))
	}
	if count < 0 {
		return 0, fmt.Errorf("%w: negative count %d", ErrInvalidArgument, count)
	}
	if count > t.MaxCount() {
		return 0, fmt.Errorf("%w: %d x %s overflows", ErrInvalidArgument, count, t)
	}
	return count * t.Size(), nil
}

// Shape returns the element layout of t.
func (t Type) Shape() Shape {
	if !t.Valid() {
		return Shape{}
	}
	info := typeTable[t]
	dims := make([]int, len(info.dims))
	copy(dims, info.dims)
	return Shape{Kind: info.kind, Dims: dims}
}

// Components is shorthand for t.Shape().Components().
func (t Type) Components() int {
	if !t.Valid() {
		return 0
	}
	return t.Shape().Components()
}

// Kind returns the component kind of t.
func (t Type) Kind() ComponentKind {
	if !t.Valid() {
		return 0
	}
	return typeTable[t].kind
}

// Integral reports whether t stores integer components.
func (t Type) Integral() bool {
	return t.Valid() && typeTable[t].kind.Integral()
}

// Scalar reports whether one element holds exactly one component.
func (t Type) Scalar() bool {
	return t.Valid() && len(typeTable[t].dims) == 0
}

// PackedColor reports whether t is a packed color tag.
func (t Type) PackedColor() bool {
	return t.Valid() && typeTable[t].color
}

// Name returns the canonical name of t.
func (t Type) Name() string {
	if !t.Valid() {
		return ""
	}
	return typeTable[t].name
}

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("type(%d)", uint8(t))
	}
	return typeTable[t].name
}

// ParseType maps a canonical name back to its tag.
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, info := range typeTable {
		if info.name == name {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, name)
}

// MarshalText encodes t as its canonical name.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, uint8(t))
	}
	return []byte(t.Name()), nil
}

// UnmarshalText decodes a canonical name.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
