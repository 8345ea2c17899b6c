package protocol

import (
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/scene"
	"github.com/vispy/GSP-API/internal/transbuf"
	"github.com/vispy/GSP-API/internal/transform"
)

// Command is the command_name of a message.
type Command string

const (
	CmdCanvasCreate        Command = "canvas_create"
	CmdCanvasSetSize       Command = "canvas_set_size"
	CmdCanvasSetDPI        Command = "canvas_set_dpi"
	CmdViewportCreate      Command = "viewport_create"
	CmdViewportSetPosition Command = "viewport_set_position"
	CmdViewportSetSize     Command = "viewport_set_size"
	CmdBufferCreate        Command = "buffer_create"
	CmdTransformCreate     Command = "transform_create"
	CmdCameraCreate        Command = "camera_create"
	CmdCameraSetMatrices   Command = "camera_set_matrices"
	CmdVisualCreate        Command = "visual_create"
	CmdVisualSetAttributes Command = "visual_set_attributes"
	CmdRenderItemAdd       Command = "render_item_add"
	CmdSessionClose        Command = "session_close"
)

// Body is the command-specific part of a message.
type Body interface {
	Command() Command
	// Validate checks the body in isolation, without session state.
	Validate() error
}

// Message is one entry of a session stream.
type Message struct {
	ID   uint64
	Body Body
}

func (m Message) Command() Command {
	if m.Body == nil {
		return ""
	}
	return m.Body.Command()
}

func (m Message) Validate() error {
	if m.ID == 0 {
		return fmt.Errorf("%w: message_id must be positive", ErrInvalidMessage)
	}
	if m.Body == nil {
		return fmt.Errorf("%w: message %d has no body", ErrInvalidMessage, m.ID)
	}
	if err := m.Body.Validate(); err != nil {
		return fmt.Errorf("message %d (%s): %w", m.ID, m.Body.Command(), err)
	}
	return nil
}

var bodies = map[Command]func() Body{
	CmdCanvasCreate:        func() Body { return &CanvasCreate{} },
	CmdCanvasSetSize:       func() Body { return &CanvasSetSize{} },
	CmdCanvasSetDPI:        func() Body { return &CanvasSetDPI{} },
	CmdViewportCreate:      func() Body { return &ViewportCreate{} },
	CmdViewportSetPosition: func() Body { return &ViewportSetPosition{} },
	CmdViewportSetSize:     func() Body { return &ViewportSetSize{} },
	CmdBufferCreate:        func() Body { return &BufferCreate{} },
	CmdTransformCreate:     func() Body { return &TransformCreate{} },
	CmdCameraCreate:        func() Body { return &CameraCreate{} },
	CmdCameraSetMatrices:   func() Body { return &CameraSetMatrices{} },
	CmdVisualCreate:        func() Body { return &VisualCreate{} },
	CmdVisualSetAttributes: func() Body { return &VisualSetAttributes{} },
	CmdRenderItemAdd:       func() Body { return &RenderItemAdd{} },
	CmdSessionClose:        func() Body { return &SessionClose{} },
}

// Commands returns every known command name, sorted.
func Commands() []Command {
	return slices.Sorted(maps.Keys(bodies))
}

func newBody(c Command) (Body, error) {
	mk, ok := bodies[c]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, c)
	}
	return mk(), nil
}

// SlotRef names the buffer or the transform filling a slot. Exactly one is set.
type SlotRef struct {
	BufferUUID    *uuid.UUID `json:"buffer_uuid,omitempty"`
	TransformUUID *uuid.UUID `json:"transform_uuid,omitempty"`
}

func BufferSlot(id uuid.UUID) SlotRef {
	return SlotRef{BufferUUID: &id}
}

func TransformSlot(id uuid.UUID) SlotRef {
	return SlotRef{TransformUUID: &id}
}

// SlotOf describes a filled TransBuffer. The zero TransBuffer yields the
// zero SlotRef, which fails Validate.
func SlotOf(tb transbuf.TransBuffer) SlotRef {
	switch {
	case tb.IsBuffer():
		return BufferSlot(tb.ID())
	case tb.IsTransform():
		return TransformSlot(tb.ID())
	}
	return SlotRef{}
}

func (s SlotRef) Validate() error {
	switch {
	case s.BufferUUID != nil && s.TransformUUID != nil:
		return fmt.Errorf("%w: both buffer_uuid and transform_uuid set", ErrInvalidSlot)
	case s.BufferUUID == nil && s.TransformUUID == nil:
		return fmt.Errorf("%w: neither buffer_uuid nor transform_uuid set", ErrInvalidSlot)
	case s.BufferUUID != nil && *s.BufferUUID == uuid.Nil:
		return fmt.Errorf("%w: nil buffer_uuid", ErrInvalidSlot)
	case s.TransformUUID != nil && *s.TransformUUID == uuid.Nil:
		return fmt.Errorf("%w: nil transform_uuid", ErrInvalidSlot)
	}
	return nil
}

func (s SlotRef) IsBuffer() bool { return s.BufferUUID != nil }

// ID returns whichever id is set.
func (s SlotRef) ID() uuid.UUID {
	if s.BufferUUID != nil {
		return *s.BufferUUID
	}
	if s.TransformUUID != nil {
		return *s.TransformUUID
	}
	return uuid.Nil
}

func (s SlotRef) String() string {
	if s.BufferUUID != nil {
		return "buffer:" + s.BufferUUID.String()
	}
	if s.TransformUUID != nil {
		return "transform:" + s.TransformUUID.String()
	}
	return "empty"
}

type CanvasCreate struct {
	CanvasUUID uuid.UUID `json:"canvas_uuid"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	DPI        float32   `json:"dpi"`
}

func (CanvasCreate) Command() Command { return CmdCanvasCreate }

func (b CanvasCreate) Validate() error {
	if err := requireID("canvas_uuid", b.CanvasUUID); err != nil {
		return err
	}
	if err := requireSize(b.Width, b.Height); err != nil {
		return err
	}
	return requireDPI(b.DPI)
}

type CanvasSetSize struct {
	CanvasUUID uuid.UUID `json:"canvas_uuid"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
}

func (CanvasSetSize) Command() Command { return CmdCanvasSetSize }

func (b CanvasSetSize) Validate() error {
	if err := requireID("canvas_uuid", b.CanvasUUID); err != nil {
		return err
	}
	return requireSize(b.Width, b.Height)
}

type CanvasSetDPI struct {
	CanvasUUID uuid.UUID `json:"canvas_uuid"`
	DPI        float32   `json:"dpi"`
}

func (CanvasSetDPI) Command() Command { return CmdCanvasSetDPI }

func (b CanvasSetDPI) Validate() error {
	if err := requireID("canvas_uuid", b.CanvasUUID); err != nil {
		return err
	}
	return requireDPI(b.DPI)
}

type ViewportCreate struct {
	ViewportUUID uuid.UUID `json:"viewport_uuid"`
	CanvasUUID   uuid.UUID `json:"canvas_uuid"`
	X            int       `json:"x"`
	Y            int       `json:"y"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
}

func (ViewportCreate) Command() Command { return CmdViewportCreate }

func (b ViewportCreate) Validate() error {
	if err := requireID("viewport_uuid", b.ViewportUUID); err != nil {
		return err
	}
	if err := requireID("canvas_uuid", b.CanvasUUID); err != nil {
		return err
	}
	return requireSize(b.Width, b.Height)
}

type ViewportSetPosition struct {
	ViewportUUID uuid.UUID `json:"viewport_uuid"`
	X            int       `json:"x"`
	Y            int       `json:"y"`
}

func (ViewportSetPosition) Command() Command { return CmdViewportSetPosition }

func (b ViewportSetPosition) Validate() error {
	return requireID("viewport_uuid", b.ViewportUUID)
}

type ViewportSetSize struct {
	ViewportUUID uuid.UUID `json:"viewport_uuid"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
}

func (ViewportSetSize) Command() Command { return CmdViewportSetSize }

func (b ViewportSetSize) Validate() error {
	if err := requireID("viewport_uuid", b.ViewportUUID); err != nil {
		return err
	}
	return requireSize(b.Width, b.Height)
}

// BufferCreate carries a whole buffer. Data is base64 in JSON.
type BufferCreate struct {
	BufferUUID uuid.UUID   `json:"buffer_uuid"`
	Type       buffer.Type `json:"type"`
	Count      int         `json:"count"`
	Data       []byte      `json:"data"`
}

// NewBufferCreate describes b. The payload shares b's bytes.
func NewBufferCreate(b *buffer.Buffer) BufferCreate {
	return BufferCreate{BufferUUID: b.ID(), Type: b.Type(), Count: b.Count(), Data: b.Data()}
}

func (BufferCreate) Command() Command { return CmdBufferCreate }

func (b BufferCreate) Validate() error {
	if err := requireID("buffer_uuid", b.BufferUUID); err != nil {
		return err
	}
	if !b.Type.Valid() {
		return fmt.Errorf("%w: buffer type %d", buffer.ErrUnsupportedType, b.Type)
	}
	if b.Count < 0 {
		return fmt.Errorf("%w: negative count %d", ErrInvalidMessage, b.Count)
	}
	want, err := b.Type.ByteLen(b.Count)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if len(b.Data) != want {
		return fmt.Errorf("%w: %d bytes for %d x %s, want %d", buffer.ErrSizeMismatch, len(b.Data), b.Count, b.Type, want)
	}
	return nil
}

// Buffer builds the buffer the message describes.
func (b BufferCreate) Buffer() (*buffer.Buffer, error) {
	return buffer.WithID(b.BufferUUID, b.Count, b.Type, b.Data)
}

type TransformCreate struct {
	TransformUUID uuid.UUID                  `json:"transform_uuid"`
	Links         []transform.LinkDescriptor `json:"links"`
}

func NewTransformCreate(t *transform.Transform) (TransformCreate, error) {
	d, err := transform.Describe(t)
	if err != nil {
		return TransformCreate{}, err
	}
	return TransformCreate{TransformUUID: d.TransformUUID, Links: d.Links}, nil
}

func (TransformCreate) Command() Command { return CmdTransformCreate }

func (b TransformCreate) Validate() error {
	if err := requireID("transform_uuid", b.TransformUUID); err != nil {
		return err
	}
	if len(b.Links) == 0 {
		return fmt.Errorf("%w: transform has no links", transform.ErrInvalidChain)
	}
	for i, l := range b.Links {
		if l.LinkType == "" {
			return fmt.Errorf("%w: link %d has no link_type", transform.ErrInvalidChain, i)
		}
	}
	return nil
}

func (b TransformCreate) Descriptor() transform.Descriptor {
	return transform.Descriptor{TransformUUID: b.TransformUUID, Links: b.Links}
}

type CameraCreate struct {
	CameraUUID uuid.UUID `json:"camera_uuid"`
	View       SlotRef   `json:"view"`
	Projection SlotRef   `json:"projection"`
}

func (CameraCreate) Command() Command { return CmdCameraCreate }

func (b CameraCreate) Validate() error {
	return validateCamera(b.CameraUUID, b.View, b.Projection)
}

// CameraSetMatrices replaces both matrices of a camera.
type CameraSetMatrices struct {
	CameraUUID uuid.UUID `json:"camera_uuid"`
	View       SlotRef   `json:"view"`
	Projection SlotRef   `json:"projection"`
}

func (CameraSetMatrices) Command() Command { return CmdCameraSetMatrices }

func (b CameraSetMatrices) Validate() error {
	return validateCamera(b.CameraUUID, b.View, b.Projection)
}

type VisualCreate struct {
	VisualUUID uuid.UUID          `json:"visual_uuid"`
	Kind       scene.VisualKind   `json:"visual_kind"`
	Attributes map[string]SlotRef `json:"attributes"`
	Properties scene.Properties   `json:"properties"`
}

func (VisualCreate) Command() Command { return CmdVisualCreate }

func (b VisualCreate) Validate() error {
	if err := requireID("visual_uuid", b.VisualUUID); err != nil {
		return err
	}
	if b.Kind == "" {
		return fmt.Errorf("%w: visual_kind is empty", ErrInvalidMessage)
	}
	return validateAttributes(b.Attributes)
}

// VisualSetAttributes replaces the named attribute slots of a visual.
type VisualSetAttributes struct {
	VisualUUID uuid.UUID          `json:"visual_uuid"`
	Attributes map[string]SlotRef `json:"attributes"`
}

func (VisualSetAttributes) Command() Command { return CmdVisualSetAttributes }

func (b VisualSetAttributes) Validate() error {
	if err := requireID("visual_uuid", b.VisualUUID); err != nil {
		return err
	}
	if len(b.Attributes) == 0 {
		return fmt.Errorf("%w: no attributes to set", ErrInvalidMessage)
	}
	return validateAttributes(b.Attributes)
}

type RenderItemAdd struct {
	ViewportUUID uuid.UUID `json:"viewport_uuid"`
	VisualUUID   uuid.UUID `json:"visual_uuid"`
	CameraUUID   uuid.UUID `json:"camera_uuid"`
	Model        SlotRef   `json:"model"`
}

func (RenderItemAdd) Command() Command { return CmdRenderItemAdd }

func (b RenderItemAdd) Validate() error {
	if err := requireID("viewport_uuid", b.ViewportUUID); err != nil {
		return err
	}
	if err := requireID("visual_uuid", b.VisualUUID); err != nil {
		return err
	}
	if err := requireID("camera_uuid", b.CameraUUID); err != nil {
		return err
	}
	if err := b.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	return nil
}

type SessionClose struct{}

func (SessionClose) Command() Command { return CmdSessionClose }

func (SessionClose) Validate() error { return nil }

func requireID(name string, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: %s is nil", ErrInvalidMessage, name)
	}
	return nil
}

func requireSize(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidMessage, w, h)
	}
	return nil
}

func requireDPI(dpi float32) error {
	if !(dpi > 0) {
		return fmt.Errorf("%w: dpi %v", ErrInvalidMessage, dpi)
	}
	return nil
}

func validateCamera(id uuid.UUID, view, projection SlotRef) error {
	if err := requireID("camera_uuid", id); err != nil {
		return err
	}
	if err := view.Validate(); err != nil {
		return fmt.Errorf("view: %w", err)
	}
	if err := projection.Validate(); err != nil {
		return fmt.Errorf("projection: %w", err)
	}
	return nil
}

func validateAttributes(attrs map[string]SlotRef) error {
	for _, name := range slices.Sorted(maps.Keys(attrs)) {
		if name == "" {
			return fmt.Errorf("%w: empty attribute name", ErrInvalidMessage)
		}
		if err := attrs[name].Validate(); err != nil {
			return fmt.Errorf("attribute %q: %w", name, err)
		}
	}
	return nil
}
