// Package schema declares the binary message types, their TLV field IDs and
// the fields each message type requires.
package schema

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/protocol/tlv"
)

// Message type IDs.
const (
	MsgCanvasCreate        uint32 = 1
	MsgCanvasSetSize       uint32 = 2
	MsgCanvasSetDPI        uint32 = 3
	MsgViewportCreate      uint32 = 4
	MsgViewportSetPosition uint32 = 5
	MsgViewportSetSize     uint32 = 6
	MsgBufferCreate        uint32 = 7
	MsgTransformCreate     uint32 = 8
	MsgCameraCreate        uint32 = 9
	MsgCameraSetMatrices   uint32 = 10
	MsgVisualCreate        uint32 = 11
	MsgVisualSetAttributes uint32 = 12
	MsgRenderItemAdd       uint32 = 13
	MsgSessionClose        uint32 = 14

	MsgAck   uint32 = 100
	MsgError uint32 = 101
)

// Field IDs.
const (
	FieldCanvasUUID    uint16 = 1
	FieldViewportUUID  uint16 = 2
	FieldCameraUUID    uint16 = 3
	FieldVisualUUID    uint16 = 4
	FieldBufferUUID    uint16 = 5
	FieldTransformUUID uint16 = 6

	FieldWidth  uint16 = 100
	FieldHeight uint16 = 101
	FieldX      uint16 = 102
	FieldY      uint16 = 103
	FieldDPI    uint16 = 104

	FieldBufferType uint16 = 200
	FieldCount      uint16 = 201
	FieldData       uint16 = 202

	FieldLinks uint16 = 300

	FieldView       uint16 = 400
	FieldProjection uint16 = 401
	FieldModel      uint16 = 402

	FieldVisualKind uint16 = 500
	FieldAttribute  uint16 = 501
	FieldProperties uint16 = 502

	FieldAckMessageID uint16 = 600
	FieldStatus       uint16 = 601
	FieldReason       uint16 = 602
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgCanvasCreate: {
		{FieldCanvasUUID, tlv.TypeUUID},
		{FieldWidth, tlv.TypeU32},
		{FieldHeight, tlv.TypeU32},
		{FieldDPI, tlv.TypeF64},
	},
	MsgCanvasSetSize: {
		{FieldCanvasUUID, tlv.TypeUUID},
		{FieldWidth, tlv.TypeU32},
		{FieldHeight, tlv.TypeU32},
	},
	MsgCanvasSetDPI: {
		{FieldCanvasUUID, tlv.TypeUUID},
		{FieldDPI, tlv.TypeF64},
	},
	MsgViewportCreate: {
		{FieldViewportUUID, tlv.TypeUUID},
		{FieldCanvasUUID, tlv.TypeUUID},
		{FieldX, tlv.TypeI64},
		{FieldY, tlv.TypeI64},
		{FieldWidth, tlv.TypeU32},
		{FieldHeight, tlv.TypeU32},
	},
	MsgViewportSetPosition: {
		{FieldViewportUUID, tlv.TypeUUID},
		{FieldX, tlv.TypeI64},
		{FieldY, tlv.TypeI64},
	},
	MsgViewportSetSize: {
		{FieldViewportUUID, tlv.TypeUUID},
		{FieldWidth, tlv.TypeU32},
		{FieldHeight, tlv.TypeU32},
	},
	MsgBufferCreate: {
		{FieldBufferUUID, tlv.TypeUUID},
		{FieldBufferType, tlv.TypeU8},
		{FieldCount, tlv.TypeU64},
		{FieldData, tlv.TypeBytes},
	},
	MsgTransformCreate: {
		{FieldTransformUUID, tlv.TypeUUID},
		{FieldLinks, tlv.TypeBytes},
	},
	MsgCameraCreate: {
		{FieldCameraUUID, tlv.TypeUUID},
		{FieldView, tlv.TypeBytes},
		{FieldProjection, tlv.TypeBytes},
	},
	MsgCameraSetMatrices: {
		{FieldCameraUUID, tlv.TypeUUID},
		{FieldView, tlv.TypeBytes},
		{FieldProjection, tlv.TypeBytes},
	},
	MsgVisualCreate: {
		{FieldVisualUUID, tlv.TypeUUID},
		{FieldVisualKind, tlv.TypeString},
		{FieldProperties, tlv.TypeBytes},
	},
	MsgVisualSetAttributes: {
		{FieldVisualUUID, tlv.TypeUUID},
	},
	MsgRenderItemAdd: {
		{FieldViewportUUID, tlv.TypeUUID},
		{FieldVisualUUID, tlv.TypeUUID},
		{FieldCameraUUID, tlv.TypeUUID},
		{FieldModel, tlv.TypeBytes},
	},
	MsgSessionClose: {},
	MsgAck: {
		{FieldAckMessageID, tlv.TypeU64},
		{FieldStatus, tlv.TypeString},
	},
	MsgError: {
		{FieldAckMessageID, tlv.TypeU64},
		{FieldReason, tlv.TypeString},
	},
}

// Known reports whether messageType has a schema.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and their types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema: unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().Uint32("message_type", messageType).Uint16("field_id", req.ID).Msg("schema: missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema: type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
