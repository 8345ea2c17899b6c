package transform

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidChain      = errors.New("transform: invalid chain")
	ErrUnknownField      = errors.New("transform: unknown field")
	ErrMalformedSource   = errors.New("transform: malformed source")
	ErrShapeMismatch     = errors.New("transform: shape mismatch")
	ErrSourceUnavailable = errors.New("transform: source unavailable")
	ErrDivideByZero      = errors.New("transform: integer division by zero")
	ErrNonFiniteResult   = errors.New("transform: integer result is not a number")
)

// LinkError records which link of a chain failed. Err keeps the sentinel, so
// errors.Is matches through it.
type LinkError struct {
	Transform uuid.UUID
	Index     int
	Kind      LinkKind
	Err       error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("transform %s: link %d (%s): %v", e.Transform, e.Index, e.Kind, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}
