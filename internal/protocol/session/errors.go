package session

import (
	"errors"
	"fmt"

	"github.com/vispy/GSP-API/internal/protocol"
)

// Protocol errors. Every one of them closes the session.
var (
	ErrDanglingReference = errors.New("session: dangling reference")
	ErrOutOfOrder        = errors.New("session: message out of order")
	ErrLifecycleOrder    = errors.New("session: lifecycle order violation")
	ErrDuplicateEntity   = errors.New("session: duplicate entity")
	ErrSessionClosed     = errors.New("session: closed")
)

// ProtocolError is the fatal error that closed a session.
type ProtocolError struct {
	MessageID uint64
	Command   protocol.Command
	Err       error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("session: message %d (%s): %v", e.MessageID, e.Command, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
