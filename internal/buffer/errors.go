package buffer

import "errors"

var (
	ErrInvalidArgument = errors.New("buffer: invalid argument")
	ErrOutOfRange      = errors.New("buffer: out of range")
	ErrSizeMismatch    = errors.New("buffer: size mismatch")
	ErrUnsupportedType = errors.New("buffer: unsupported type")
	ErrPublished       = errors.New("buffer: published buffers are immutable")
)
