package protocol

import "errors"

var (
	ErrUnknownCommand      = errors.New("protocol: unknown command")
	ErrInvalidMessage      = errors.New("protocol: invalid message")
	ErrInvalidSlot         = errors.New("protocol: invalid slot reference")
	ErrMessageTypeMismatch = errors.New("protocol: message type mismatch")
)
