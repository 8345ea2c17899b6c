package protocol

import (
	"fmt"

	"github.com/vispy/GSP-API/internal/protocol/frame"
	"github.com/vispy/GSP-API/internal/protocol/schema"
	"github.com/vispy/GSP-API/internal/protocol/tlv"
)

// Ack statuses.
const (
	StatusAccepted = "accepted"
	StatusClosed   = "closed"
)

// Ack confirms every message up to and including MessageID.
type Ack struct {
	MessageID uint64 `json:"message_id"`
	Status    string `json:"status"`
}

// Reject reports the fatal error that closed a session at MessageID.
type Reject struct {
	MessageID uint64 `json:"message_id"`
	Reason    string `json:"reason"`
}

func (r Reject) Error() string {
	return fmt.Sprintf("protocol: message %d rejected: %s", r.MessageID, r.Reason)
}

// EncodeAck builds the response frame for an accepted message.
func EncodeAck(a Ack) frame.Frame {
	payload := tlv.EncodeFields([]tlv.Field{
		tlv.U64(schema.FieldAckMessageID, a.MessageID),
		tlv.String(schema.FieldStatus, a.Status),
	})
	return frame.New(a.MessageID, schema.MsgAck, frame.FlagIsResponse, payload)
}

// EncodeReject builds the error frame sent before a session is dropped.
func EncodeReject(r Reject) frame.Frame {
	payload := tlv.EncodeFields([]tlv.Field{
		tlv.U64(schema.FieldAckMessageID, r.MessageID),
		tlv.String(schema.FieldReason, r.Reason),
	})
	return frame.New(r.MessageID, schema.MsgError, frame.FlagIsResponse|frame.FlagIsError, payload)
}

// DecodeResponse reads an ack or error frame. An error frame comes back as
// a Reject error.
func DecodeResponse(f frame.Frame) (Ack, error) {
	if err := f.Header.Check(); err != nil {
		return Ack{}, err
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	r := fieldReader{fields: fields}
	switch f.Header.MessageType {
	case schema.MsgAck:
		a := Ack{MessageID: r.u64(schema.FieldAckMessageID), Status: r.text(schema.FieldStatus)}
		return a, r.err
	case schema.MsgError:
		rej := Reject{MessageID: r.u64(schema.FieldAckMessageID), Reason: r.text(schema.FieldReason)}
		if r.err != nil {
			return Ack{}, r.err
		}
		return Ack{}, rej
	}
	return Ack{}, fmt.Errorf("%w: message_type %d is not a response", ErrMessageTypeMismatch, f.Header.MessageType)
}
