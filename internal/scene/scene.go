// Package scene holds the object graph a session builds: one canvas, its
// viewports and cameras, the visuals and the render items that tie them
// together, plus every buffer and transform the graph references.
//
// A Scene is not safe for concurrent mutation; sessions serialize access.
package scene

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/transbuf"
	"github.com/vispy/GSP-API/internal/transform"
)

var (
	ErrInvalidVisual = errors.New("scene: invalid visual")
	ErrInvalidEntity = errors.New("scene: invalid entity")
	ErrNotFound      = errors.New("scene: entity not found")
	ErrDuplicate     = errors.New("scene: duplicate entity")
)

type Canvas struct {
	UUID   uuid.UUID `json:"canvas_uuid"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	DPI    float32   `json:"dpi"`
}

func (c Canvas) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: canvas size %dx%d", ErrInvalidEntity, c.Width, c.Height)
	}
	if c.DPI <= 0 {
		return fmt.Errorf("%w: canvas dpi %v", ErrInvalidEntity, c.DPI)
	}
	return nil
}

// Viewport is a pixel rectangle of the canvas, origin at the bottom left.
type Viewport struct {
	UUID       uuid.UUID `json:"viewport_uuid"`
	CanvasUUID uuid.UUID `json:"canvas_uuid"`
	X          int       `json:"x"`
	Y          int       `json:"y"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
}

func (v Viewport) Validate() error {
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("%w: viewport size %dx%d", ErrInvalidEntity, v.Width, v.Height)
	}
	return nil
}

// Camera carries the view and projection matrices as slots.
type Camera struct {
	UUID       uuid.UUID
	View       transbuf.TransBuffer
	Projection transbuf.TransBuffer
}

func (c Camera) Validate() error {
	if c.View.IsZero() || c.Projection.IsZero() {
		return fmt.Errorf("%w: camera needs view and projection", ErrInvalidEntity)
	}
	return nil
}

// RenderItem draws one visual in one viewport through one camera.
type RenderItem struct {
	ViewportUUID uuid.UUID
	VisualUUID   uuid.UUID
	CameraUUID   uuid.UUID
	Model        transbuf.TransBuffer
}

// Scene is the full object graph of one session.
type Scene struct {
	canvas     *Canvas
	viewports  map[uuid.UUID]*Viewport
	cameras    map[uuid.UUID]*Camera
	visuals    map[uuid.UUID]*Visual
	buffers    map[uuid.UUID]*buffer.Buffer
	transforms map[uuid.UUID]*transform.Transform
	items      []RenderItem
}

func New() *Scene {
	return &Scene{
		viewports:  make(map[uuid.UUID]*Viewport),
		cameras:    make(map[uuid.UUID]*Camera),
		visuals:    make(map[uuid.UUID]*Visual),
		buffers:    make(map[uuid.UUID]*buffer.Buffer),
		transforms: make(map[uuid.UUID]*transform.Transform),
	}
}

// Canvas returns the canvas, or nil before one is set.
func (s *Scene) Canvas() *Canvas { return s.canvas }

// SetCanvas installs the canvas. A scene has at most one.
func (s *Scene) SetCanvas(c Canvas) error {
	if s.canvas != nil {
		return fmt.Errorf("%w: canvas %s", ErrDuplicate, s.canvas.UUID)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	s.canvas = &c
	return nil
}

func (s *Scene) AddViewport(v Viewport) error {
	if _, dup := s.viewports[v.UUID]; dup {
		return fmt.Errorf("%w: viewport %s", ErrDuplicate, v.UUID)
	}
	if s.canvas == nil || s.canvas.UUID != v.CanvasUUID {
		return fmt.Errorf("%w: canvas %s", ErrNotFound, v.CanvasUUID)
	}
	if err := v.Validate(); err != nil {
		return err
	}
	s.viewports[v.UUID] = &v
	return nil
}

func (s *Scene) Viewport(id uuid.UUID) (*Viewport, bool) {
	v, ok := s.viewports[id]
	return v, ok
}

func (s *Scene) AddCamera(c Camera) error {
	if _, dup := s.cameras[c.UUID]; dup {
		return fmt.Errorf("%w: camera %s", ErrDuplicate, c.UUID)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	s.cameras[c.UUID] = &c
	return nil
}

func (s *Scene) Camera(id uuid.UUID) (*Camera, bool) {
	c, ok := s.cameras[id]
	return c, ok
}

func (s *Scene) AddVisual(v Visual) error {
	if _, dup := s.visuals[v.UUID]; dup {
		return fmt.Errorf("%w: visual %s", ErrDuplicate, v.UUID)
	}
	if err := v.Validate(); err != nil {
		return err
	}
	s.visuals[v.UUID] = &v
	return nil
}

func (s *Scene) Visual(id uuid.UUID) (*Visual, bool) {
	v, ok := s.visuals[id]
	return v, ok
}

// ReplaceCanvas swaps in a validated copy of the existing canvas.
func (s *Scene) ReplaceCanvas(c Canvas) error {
	if s.canvas == nil || s.canvas.UUID != c.UUID {
		return fmt.Errorf("%w: canvas %s", ErrNotFound, c.UUID)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	s.canvas = &c
	return nil
}

// ReplaceViewport swaps in a validated copy of an existing viewport.
func (s *Scene) ReplaceViewport(v Viewport) error {
	old, ok := s.viewports[v.UUID]
	if !ok {
		return fmt.Errorf("%w: viewport %s", ErrNotFound, v.UUID)
	}
	if old.CanvasUUID != v.CanvasUUID {
		return fmt.Errorf("%w: viewport %s cannot move canvas", ErrInvalidEntity, v.UUID)
	}
	if err := v.Validate(); err != nil {
		return err
	}
	s.viewports[v.UUID] = &v
	return nil
}

// ReplaceCamera swaps in a validated copy of an existing camera.
func (s *Scene) ReplaceCamera(c Camera) error {
	if _, ok := s.cameras[c.UUID]; !ok {
		return fmt.Errorf("%w: camera %s", ErrNotFound, c.UUID)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	s.cameras[c.UUID] = &c
	return nil
}

// ReplaceVisual swaps in a validated copy of an existing visual.
func (s *Scene) ReplaceVisual(v Visual) error {
	old, ok := s.visuals[v.UUID]
	if !ok {
		return fmt.Errorf("%w: visual %s", ErrNotFound, v.UUID)
	}
	if old.Kind != v.Kind {
		return fmt.Errorf("%w: visual %s cannot change kind", ErrInvalidVisual, v.UUID)
	}
	if err := v.Validate(); err != nil {
		return err
	}
	s.visuals[v.UUID] = &v
	return nil
}

// AddBuffer registers b and publishes it.
func (s *Scene) AddBuffer(b *buffer.Buffer) error {
	if _, dup := s.buffers[b.ID()]; dup {
		return fmt.Errorf("%w: buffer %s", ErrDuplicate, b.ID())
	}
	s.buffers[b.ID()] = b.Publish()
	return nil
}

func (s *Scene) Buffer(id uuid.UUID) (*buffer.Buffer, bool) {
	b, ok := s.buffers[id]
	return b, ok
}

func (s *Scene) AddTransform(t *transform.Transform) error {
	if _, dup := s.transforms[t.ID()]; dup {
		return fmt.Errorf("%w: transform %s", ErrDuplicate, t.ID())
	}
	s.transforms[t.ID()] = t
	return nil
}

func (s *Scene) Transform(id uuid.UUID) (*transform.Transform, bool) {
	t, ok := s.transforms[id]
	return t, ok
}

// AddRenderItem appends an item after checking every reference.
func (s *Scene) AddRenderItem(item RenderItem) error {
	if _, ok := s.viewports[item.ViewportUUID]; !ok {
		return fmt.Errorf("%w: viewport %s", ErrNotFound, item.ViewportUUID)
	}
	if _, ok := s.visuals[item.VisualUUID]; !ok {
		return fmt.Errorf("%w: visual %s", ErrNotFound, item.VisualUUID)
	}
	if _, ok := s.cameras[item.CameraUUID]; !ok {
		return fmt.Errorf("%w: camera %s", ErrNotFound, item.CameraUUID)
	}
	if item.Model.IsZero() {
		return fmt.Errorf("%w: render item without model matrix", ErrInvalidEntity)
	}
	s.items = append(s.items, item)
	return nil
}

// RenderItems returns the items in insertion order.
func (s *Scene) RenderItems() []RenderItem {
	out := make([]RenderItem, len(s.items))
	copy(out, s.items)
	return out
}

// Counts summarizes the scene size by entity type.
func (s *Scene) Counts() map[string]int {
	canvases := 0
	if s.canvas != nil {
		canvases = 1
	}
	return map[string]int{
		"canvases":     canvases,
		"viewports":    len(s.viewports),
		"cameras":      len(s.cameras),
		"visuals":      len(s.visuals),
		"buffers":      len(s.buffers),
		"transforms":   len(s.transforms),
		"render_items": len(s.items),
	}
}
