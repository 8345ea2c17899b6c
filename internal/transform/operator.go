package transform

import (
	"fmt"
	"math"
	"slices"

	"github.com/vispy/GSP-API/internal/buffer"
)

// applyOperator computes in <op> operand componentwise.
//
// Float components use float32 arithmetic, so division by zero yields an
// IEEE infinity or NaN. Integer components are computed in float64, truncated
// toward zero and saturated to the component range. A zero divisor or a NaN
// result fails.
//
// A buffer operand must match the input's element count. It broadcasts along
// components when its type is scalar.
func applyOperator(in *buffer.Buffer, op Operator) (*buffer.Buffer, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: operator %s has no input", ErrInvalidChain, op.Op)
	}
	typ := in.Type()
	width := typ.Components()
	comps := in.Components()

	operand, err := operandAt(in, op.Operand)
	if err != nil {
		return nil, err
	}

	out := make([]float64, len(comps))
	integral := typ.Integral()
	for i, a := range comps {
		b := operand(i/width, i%width)
		if integral {
			v, err := integerOp(op.Op, a, b, typ.Kind())
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i/width, err)
			}
			out[i] = v
			continue
		}
		out[i] = float64(floatOp(op.Op, float32(a), float32(b)))
	}
	return buffer.FromComponents(typ, out)
}

func operandAt(in *buffer.Buffer, o Operand) (func(elem, comp int) float64, error) {
	if !o.IsBuffer() {
		v := o.Scalar
		return func(int, int) float64 { return v }, nil
	}
	ob := o.Buffer
	if ob.Count() != in.Count() {
		return nil, fmt.Errorf("%w: operand has %d elements, input has %d", ErrShapeMismatch, ob.Count(), in.Count())
	}
	sameShape := slices.Equal(ob.Type().Shape().Dims, in.Type().Shape().Dims)
	if !sameShape && !ob.Type().Scalar() {
		return nil, fmt.Errorf("%w: operand %s cannot combine with %s", ErrShapeMismatch, ob.Type(), in.Type())
	}
	vals := ob.Components()
	width := ob.Type().Components()
	return func(elem, comp int) float64 {
		if !sameShape {
			comp = 0
		}
		return vals[elem*width+comp]
	}, nil
}

func floatOp(op Op, a, b float32) float32 {
	switch op {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpMul:
		return a * b
	default:
		return a / b
	}
}

func integerOp(op Op, a, b float64, kind buffer.ComponentKind) (float64, error) {
	var r float64
	switch op {
	case OpAdd:
		r = a + b
	case OpSub:
		r = a - b
	case OpMul:
		r = a * b
	default:
		if b == 0 {
			return 0, ErrDivideByZero
		}
		r = a / b
	}
	if math.IsNaN(r) {
		return 0, fmt.Errorf("%w: %g %s %g", ErrNonFiniteResult, a, op, b)
	}
	lo, hi := integerRange(kind)
	return math.Max(lo, math.Min(hi, math.Trunc(r))), nil
}

func integerRange(kind buffer.ComponentKind) (float64, float64) {
	switch kind {
	case buffer.KindUint8:
		return 0, math.MaxUint8
	case buffer.KindInt8:
		return math.MinInt8, math.MaxInt8
	case buffer.KindUint32:
		return 0, math.MaxUint32
	default:
		return math.MinInt32, math.MaxInt32
	}
}
