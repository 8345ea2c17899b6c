package transform

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/vispy/GSP-API/internal/buffer"
)

// LinkKind names a link variant. The values double as the link_type used in
// serialized chains.
type LinkKind string

const (
	KindAccessor      LinkKind = "accessor"
	KindDataSource    LinkKind = "data_source"
	KindOperator      LinkKind = "operator"
	KindNetworkSource LinkKind = "network_source"
	KindImmediate     LinkKind = "immediate"
)

// Link is one step of a transform chain. The set of variants is closed:
// Accessor, DataSource, Operator, NetworkSource and Immediate.
type Link interface {
	Kind() LinkKind
	link()
}

// Accessor reads a named field from the evaluation environment.
type Accessor struct {
	Field string
}

// DataSource loads bytes from a URI and reinterprets them as Type.
type DataSource struct {
	URI  string
	Type buffer.Type
}

// NetworkSource fetches a buffer from a remote renderer process. The fetch
// runs asynchronously; Timeout bounds it when non-zero.
type NetworkSource struct {
	Endpoint string
	Type     buffer.Type
	Timeout  time.Duration
}

// Immediate yields a fixed buffer.
type Immediate struct {
	Buffer *buffer.Buffer
}

// Operator combines its input elementwise with an operand.
type Operator struct {
	Op      Op
	Operand Operand
}

func (Accessor) Kind() LinkKind      { return KindAccessor }
func (DataSource) Kind() LinkKind    { return KindDataSource }
func (NetworkSource) Kind() LinkKind { return KindNetworkSource }
func (Immediate) Kind() LinkKind     { return KindImmediate }
func (Operator) Kind() LinkKind      { return KindOperator }

func (Accessor) link()      {}
func (DataSource) link()    {}
func (NetworkSource) link() {}
func (Immediate) link()     {}
func (Operator) link()      {}

// Op is an elementwise arithmetic operator.
type Op string

const (
	OpAdd Op = "add"
	OpSub Op = "sub"
	OpMul Op = "mul"
	OpDiv Op = "div"
)

// ParseOp validates an operator name.
func ParseOp(s string) (Op, error) {
	op := Op(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv:
		return op, nil
	default:
		return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidChain, s)
	}
}

// Operand is either a scalar or a buffer. A nil Buffer means scalar.
type Operand struct {
	Scalar float64
	Buffer *buffer.Buffer
}

// Scalar returns a scalar operand.
func Scalar(v float64) Operand {
	return Operand{Scalar: v}
}

// BufferOperand returns a buffer operand.
func BufferOperand(b *buffer.Buffer) Operand {
	return Operand{Buffer: b}
}

// IsBuffer reports whether the operand is a buffer.
func (o Operand) IsBuffer() bool {
	return o.Buffer != nil
}

// Convenience constructors for operator links.
func Add(o Operand) Operator { return Operator{Op: OpAdd, Operand: o} }
func Sub(o Operand) Operator { return Operator{Op: OpSub, Operand: o} }
func Mul(o Operand) Operator { return Operator{Op: OpMul, Operand: o} }
func Div(o Operand) Operator { return Operator{Op: OpDiv, Operand: o} }

// acceptsNilInput reports whether l may open a chain.
func acceptsNilInput(l Link) bool {
	_, isOperator := l.(Operator)
	return !isOperator
}

func validateLink(l Link) error {
	switch v := l.(type) {
	case nil:
		return fmt.Errorf("%w: nil link", ErrInvalidChain)
	case Accessor:
		if strings.TrimSpace(v.Field) == "" {
			return fmt.Errorf("%w: accessor without field", ErrInvalidChain)
		}
	case DataSource:
		if strings.TrimSpace(v.URI) == "" {
			return fmt.Errorf("%w: data source without uri", ErrInvalidChain)
		}
		if !v.Type.Valid() {
			return fmt.Errorf("%w: data source type %d", ErrInvalidChain, uint8(v.Type))
		}
	case NetworkSource:
		if strings.TrimSpace(v.Endpoint) == "" {
			return fmt.Errorf("%w: network source without endpoint", ErrInvalidChain)
		}
		if !v.Type.Valid() {
			return fmt.Errorf("%w: network source type %d", ErrInvalidChain, uint8(v.Type))
		}
		if v.Timeout < 0 {
			return fmt.Errorf("%w: negative network timeout", ErrInvalidChain)
		}
	case Immediate:
		if v.Buffer == nil {
			return fmt.Errorf("%w: immediate without buffer", ErrInvalidChain)
		}
	case Operator:
		if _, err := ParseOp(string(v.Op)); err != nil {
			return err
		}
		if !v.Operand.IsBuffer() && (math.IsNaN(v.Operand.Scalar) || math.IsInf(v.Operand.Scalar, 0)) {
			return fmt.Errorf("%w: operand %g is not finite", ErrInvalidChain, v.Operand.Scalar)
		}
	default:
		return fmt.Errorf("%w: unsupported link %T", ErrInvalidChain, l)
	}
	return nil
}
