package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/google/uuid"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/protocol/frame"
	"github.com/vispy/GSP-API/internal/protocol/schema"
	"github.com/vispy/GSP-API/internal/protocol/tlv"
	"github.com/vispy/GSP-API/internal/scene"
)

var messageTypes = map[Command]uint32{
	CmdCanvasCreate:        schema.MsgCanvasCreate,
	CmdCanvasSetSize:       schema.MsgCanvasSetSize,
	CmdCanvasSetDPI:        schema.MsgCanvasSetDPI,
	CmdViewportCreate:      schema.MsgViewportCreate,
	CmdViewportSetPosition: schema.MsgViewportSetPosition,
	CmdViewportSetSize:     schema.MsgViewportSetSize,
	CmdBufferCreate:        schema.MsgBufferCreate,
	CmdTransformCreate:     schema.MsgTransformCreate,
	CmdCameraCreate:        schema.MsgCameraCreate,
	CmdCameraSetMatrices:   schema.MsgCameraSetMatrices,
	CmdVisualCreate:        schema.MsgVisualCreate,
	CmdVisualSetAttributes: schema.MsgVisualSetAttributes,
	CmdRenderItemAdd:       schema.MsgRenderItemAdd,
	CmdSessionClose:        schema.MsgSessionClose,
}

var commandsByType = func() map[uint32]Command {
	out := make(map[uint32]Command, len(messageTypes))
	for c, t := range messageTypes {
		out[t] = c
	}
	return out
}()

// MessageType returns the frame message type for a command.
func MessageType(c Command) (uint32, bool) {
	t, ok := messageTypes[c]
	return t, ok
}

// Slot reference tags on the wire.
const (
	slotBuffer    byte = 1
	slotTransform byte = 2
	slotLen            = 17
)

// EncodeFrame validates m and converts it into a binary frame.
func EncodeFrame(m Message) (frame.Frame, error) {
	if err := m.Validate(); err != nil {
		return frame.Frame{}, err
	}
	mt, ok := messageTypes[m.Body.Command()]
	if !ok {
		return frame.Frame{}, fmt.Errorf("%w: %q", ErrUnknownCommand, m.Body.Command())
	}
	fields, err := bodyFields(m.Body)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("message %d (%s): %w", m.ID, m.Body.Command(), err)
	}
	return frame.New(m.ID, mt, 0, tlv.EncodeFields(fields)), nil
}

// DecodeFrame converts a binary frame back into a message.
func DecodeFrame(f frame.Frame) (Message, error) {
	if err := f.Header.Check(); err != nil {
		return Message{}, err
	}
	cmd, ok := commandsByType[f.Header.MessageType]
	if !ok {
		return Message{}, fmt.Errorf("%w: message_type %d", ErrUnknownCommand, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	body, err := bodyFromFields(cmd, fields)
	if err != nil {
		return Message{}, fmt.Errorf("message %d (%s): %w", f.Header.MessageID, cmd, err)
	}
	return Message{ID: f.Header.MessageID, Body: body}, nil
}

// WriteFrames writes messages as consecutive frames.
func WriteFrames(w io.Writer, msgs ...Message) error {
	for _, m := range msgs {
		f, err := EncodeFrame(m)
		if err != nil {
			return err
		}
		if err := frame.WriteFrame(w, f, frame.DefaultLimits()); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrames reads frames until EOF. Ack and error frames are rejected.
func ReadFrames(r io.Reader) ([]Message, error) {
	var out []Message
	for {
		f, err := frame.ReadFrame(r, frame.DefaultLimits())
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		m, err := DecodeFrame(f)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
}

func bodyFields(b Body) ([]tlv.Field, error) {
	switch v := b.(type) {
	case CanvasCreate:
		return []tlv.Field{
			tlv.UUID(schema.FieldCanvasUUID, v.CanvasUUID),
			u32(schema.FieldWidth, v.Width),
			u32(schema.FieldHeight, v.Height),
			tlv.F64(schema.FieldDPI, float64(v.DPI)),
		}, nil
	case CanvasSetSize:
		return []tlv.Field{
			tlv.UUID(schema.FieldCanvasUUID, v.CanvasUUID),
			u32(schema.FieldWidth, v.Width),
			u32(schema.FieldHeight, v.Height),
		}, nil
	case CanvasSetDPI:
		return []tlv.Field{
			tlv.UUID(schema.FieldCanvasUUID, v.CanvasUUID),
			tlv.F64(schema.FieldDPI, float64(v.DPI)),
		}, nil
	case ViewportCreate:
		return []tlv.Field{
			tlv.UUID(schema.FieldViewportUUID, v.ViewportUUID),
			tlv.UUID(schema.FieldCanvasUUID, v.CanvasUUID),
			tlv.I64(schema.FieldX, int64(v.X)),
			tlv.I64(schema.FieldY, int64(v.Y)),
			u32(schema.FieldWidth, v.Width),
			u32(schema.FieldHeight, v.Height),
		}, nil
	case ViewportSetPosition:
		return []tlv.Field{
			tlv.UUID(schema.FieldViewportUUID, v.ViewportUUID),
			tlv.I64(schema.FieldX, int64(v.X)),
			tlv.I64(schema.FieldY, int64(v.Y)),
		}, nil
	case ViewportSetSize:
		return []tlv.Field{
			tlv.UUID(schema.FieldViewportUUID, v.ViewportUUID),
			u32(schema.FieldWidth, v.Width),
			u32(schema.FieldHeight, v.Height),
		}, nil
	case BufferCreate:
		return []tlv.Field{
			tlv.UUID(schema.FieldBufferUUID, v.BufferUUID),
			tlv.U8(schema.FieldBufferType, uint8(v.Type)),
			tlv.U64(schema.FieldCount, uint64(v.Count)),
			tlv.Bytes(schema.FieldData, v.Data),
		}, nil
	case TransformCreate:
		links, err := json.Marshal(v.Links)
		if err != nil {
			return nil, err
		}
		return []tlv.Field{
			tlv.UUID(schema.FieldTransformUUID, v.TransformUUID),
			tlv.Bytes(schema.FieldLinks, links),
		}, nil
	case CameraCreate:
		return cameraFields(v.CameraUUID, v.View, v.Projection), nil
	case CameraSetMatrices:
		return cameraFields(v.CameraUUID, v.View, v.Projection), nil
	case VisualCreate:
		props, err := json.Marshal(v.Properties)
		if err != nil {
			return nil, err
		}
		fields := []tlv.Field{
			tlv.UUID(schema.FieldVisualUUID, v.VisualUUID),
			tlv.String(schema.FieldVisualKind, string(v.Kind)),
			tlv.Bytes(schema.FieldProperties, props),
		}
		return append(fields, attributeFields(v.Attributes)...), nil
	case VisualSetAttributes:
		fields := []tlv.Field{tlv.UUID(schema.FieldVisualUUID, v.VisualUUID)}
		return append(fields, attributeFields(v.Attributes)...), nil
	case RenderItemAdd:
		return []tlv.Field{
			tlv.UUID(schema.FieldViewportUUID, v.ViewportUUID),
			tlv.UUID(schema.FieldVisualUUID, v.VisualUUID),
			tlv.UUID(schema.FieldCameraUUID, v.CameraUUID),
			slotField(schema.FieldModel, v.Model),
		}, nil
	case SessionClose:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: body %T", ErrUnknownCommand, b)
}

func bodyFromFields(cmd Command, fields []tlv.Field) (Body, error) {
	r := fieldReader{fields: fields}
	var b Body
	switch cmd {
	case CmdCanvasCreate:
		b = CanvasCreate{
			CanvasUUID: r.id(schema.FieldCanvasUUID),
			Width:      r.size(schema.FieldWidth),
			Height:     r.size(schema.FieldHeight),
			DPI:        r.f32(schema.FieldDPI),
		}
	case CmdCanvasSetSize:
		b = CanvasSetSize{
			CanvasUUID: r.id(schema.FieldCanvasUUID),
			Width:      r.size(schema.FieldWidth),
			Height:     r.size(schema.FieldHeight),
		}
	case CmdCanvasSetDPI:
		b = CanvasSetDPI{
			CanvasUUID: r.id(schema.FieldCanvasUUID),
			DPI:        r.f32(schema.FieldDPI),
		}
	case CmdViewportCreate:
		b = ViewportCreate{
			ViewportUUID: r.id(schema.FieldViewportUUID),
			CanvasUUID:   r.id(schema.FieldCanvasUUID),
			X:            r.coord(schema.FieldX),
			Y:            r.coord(schema.FieldY),
			Width:        r.size(schema.FieldWidth),
			Height:       r.size(schema.FieldHeight),
		}
	case CmdViewportSetPosition:
		b = ViewportSetPosition{
			ViewportUUID: r.id(schema.FieldViewportUUID),
			X:            r.coord(schema.FieldX),
			Y:            r.coord(schema.FieldY),
		}
	case CmdViewportSetSize:
		b = ViewportSetSize{
			ViewportUUID: r.id(schema.FieldViewportUUID),
			Width:        r.size(schema.FieldWidth),
			Height:       r.size(schema.FieldHeight),
		}
	case CmdBufferCreate:
		b = BufferCreate{
			BufferUUID: r.id(schema.FieldBufferUUID),
			Type:       buffer.Type(r.u8(schema.FieldBufferType)),
			Count:      r.count(schema.FieldCount),
			Data:       r.raw(schema.FieldData),
		}
	case CmdTransformCreate:
		tc := TransformCreate{TransformUUID: r.id(schema.FieldTransformUUID)}
		r.decodeJSON(schema.FieldLinks, &tc.Links)
		b = tc
	case CmdCameraCreate:
		b = CameraCreate{
			CameraUUID: r.id(schema.FieldCameraUUID),
			View:       r.slot(schema.FieldView),
			Projection: r.slot(schema.FieldProjection),
		}
	case CmdCameraSetMatrices:
		b = CameraSetMatrices{
			CameraUUID: r.id(schema.FieldCameraUUID),
			View:       r.slot(schema.FieldView),
			Projection: r.slot(schema.FieldProjection),
		}
	case CmdVisualCreate:
		vc := VisualCreate{
			VisualUUID: r.id(schema.FieldVisualUUID),
			Kind:       scene.VisualKind(r.text(schema.FieldVisualKind)),
			Attributes: r.attributes(),
		}
		r.decodeJSON(schema.FieldProperties, &vc.Properties)
		b = vc
	case CmdVisualSetAttributes:
		b = VisualSetAttributes{
			VisualUUID: r.id(schema.FieldVisualUUID),
			Attributes: r.attributes(),
		}
	case CmdRenderItemAdd:
		b = RenderItemAdd{
			ViewportUUID: r.id(schema.FieldViewportUUID),
			VisualUUID:   r.id(schema.FieldVisualUUID),
			CameraUUID:   r.id(schema.FieldCameraUUID),
			Model:        r.slot(schema.FieldModel),
		}
	case CmdSessionClose:
		b = SessionClose{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	if r.err != nil {
		return nil, r.err
	}
	return b, nil
}

// u32 encodes a size already checked positive by Validate.
func u32(id uint16, v int) tlv.Field {
	return tlv.U32(id, uint32(v))
}

func cameraFields(id uuid.UUID, view, projection SlotRef) []tlv.Field {
	return []tlv.Field{
		tlv.UUID(schema.FieldCameraUUID, id),
		slotField(schema.FieldView, view),
		slotField(schema.FieldProjection, projection),
	}
}

func encodeSlot(s SlotRef) []byte {
	out := make([]byte, slotLen)
	switch {
	case s.BufferUUID != nil:
		out[0] = slotBuffer
		copy(out[1:], s.BufferUUID[:])
	case s.TransformUUID != nil:
		out[0] = slotTransform
		copy(out[1:], s.TransformUUID[:])
	}
	return out
}

func decodeSlot(b []byte) (SlotRef, error) {
	if len(b) < slotLen {
		return SlotRef{}, fmt.Errorf("%w: %d bytes", ErrInvalidSlot, len(b))
	}
	id, err := uuid.FromBytes(b[1:slotLen])
	if err != nil {
		return SlotRef{}, fmt.Errorf("%w: %v", ErrInvalidSlot, err)
	}
	switch b[0] {
	case slotBuffer:
		return BufferSlot(id), nil
	case slotTransform:
		return TransformSlot(id), nil
	}
	return SlotRef{}, fmt.Errorf("%w: tag %d", ErrInvalidSlot, b[0])
}

func slotField(id uint16, s SlotRef) tlv.Field {
	return tlv.Bytes(id, encodeSlot(s))
}

// attributeFields emits one field per attribute: slot bytes then the name.
func attributeFields(attrs map[string]SlotRef) []tlv.Field {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]tlv.Field, 0, len(names))
	for _, name := range names {
		v := append(encodeSlot(attrs[name]), name...)
		out = append(out, tlv.Field{ID: schema.FieldAttribute, Type: tlv.TypeBytes, Value: v})
	}
	return out
}

// fieldReader decodes typed fields and keeps the first error.
type fieldReader struct {
	fields []tlv.Field
	err    error
}

func (r *fieldReader) field(id uint16) (tlv.Field, bool) {
	if r.err != nil {
		return tlv.Field{}, false
	}
	f, ok := tlv.GetField(r.fields, id)
	if !ok {
		r.err = fmt.Errorf("%w: missing field %d", ErrInvalidMessage, id)
	}
	return f, ok
}

func (r *fieldReader) fail(err error) {
	if r.err == nil && err != nil {
		r.err = fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
}

func (r *fieldReader) id(id uint16) uuid.UUID {
	f, ok := r.field(id)
	if !ok {
		return uuid.Nil
	}
	v, err := f.AsUUID()
	r.fail(err)
	return v
}

func (r *fieldReader) u8(id uint16) uint8 {
	f, ok := r.field(id)
	if !ok {
		return 0
	}
	v, err := f.AsU8()
	r.fail(err)
	return v
}

func (r *fieldReader) size(id uint16) int {
	f, ok := r.field(id)
	if !ok {
		return 0
	}
	v, err := f.AsU32()
	r.fail(err)
	return int(v)
}

func (r *fieldReader) coord(id uint16) int {
	f, ok := r.field(id)
	if !ok {
		return 0
	}
	v, err := f.AsI64()
	r.fail(err)
	if v < math.MinInt32 || v > math.MaxInt32 {
		r.fail(fmt.Errorf("field %d out of range: %d", id, v))
		return 0
	}
	return int(v)
}

func (r *fieldReader) u64(id uint16) uint64 {
	f, ok := r.field(id)
	if !ok {
		return 0
	}
	v, err := f.AsU64()
	r.fail(err)
	return v
}

func (r *fieldReader) count(id uint16) int {
	f, ok := r.field(id)
	if !ok {
		return 0
	}
	v, err := f.AsU64()
	r.fail(err)
	if v > math.MaxInt32 {
		r.fail(fmt.Errorf("field %d count too large: %d", id, v))
		return 0
	}
	return int(v)
}

func (r *fieldReader) f32(id uint16) float32 {
	f, ok := r.field(id)
	if !ok {
		return 0
	}
	v, err := f.AsF64()
	r.fail(err)
	return float32(v)
}

func (r *fieldReader) text(id uint16) string {
	f, ok := r.field(id)
	if !ok {
		return ""
	}
	v, err := f.AsString()
	r.fail(err)
	return v
}

func (r *fieldReader) raw(id uint16) []byte {
	f, ok := r.field(id)
	if !ok {
		return nil
	}
	v, err := f.AsBytes()
	r.fail(err)
	return v
}

func (r *fieldReader) decodeJSON(id uint16, dst any) {
	raw := r.raw(id)
	if r.err != nil {
		return
	}
	r.fail(json.Unmarshal(raw, dst))
}

func (r *fieldReader) slot(id uint16) SlotRef {
	raw := r.raw(id)
	if r.err != nil {
		return SlotRef{}
	}
	s, err := decodeSlot(raw)
	r.fail(err)
	return s
}

func (r *fieldReader) attributes() map[string]SlotRef {
	if r.err != nil {
		return nil
	}
	out := make(map[string]SlotRef)
	for _, f := range tlv.GetFields(r.fields, schema.FieldAttribute) {
		raw, err := f.AsBytes()
		if err != nil {
			r.fail(err)
			return nil
		}
		s, err := decodeSlot(raw)
		if err != nil {
			r.fail(err)
			return nil
		}
		name := string(raw[slotLen:])
		if _, dup := out[name]; dup {
			r.fail(fmt.Errorf("duplicate attribute %q", name))
			return nil
		}
		out[name] = s
	}
	return out
}
