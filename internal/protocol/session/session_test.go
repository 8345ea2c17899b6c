package session

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/protocol"
	"github.com/vispy/GSP-API/internal/scene"
	"github.com/vispy/GSP-API/internal/testutil/testlog"
	"github.com/vispy/GSP-API/internal/transbuf"
	"github.com/vispy/GSP-API/internal/transform"
)

type fixture struct {
	producer *Producer
	canvas   uuid.UUID
	viewport uuid.UUID
	camera   uuid.UUID
	visual   uuid.UUID
	identity *buffer.Buffer
}

func mustTransform(t *testing.T, links ...transform.Link) *transform.Transform {
	t.Helper()
	tr, err := transform.New(links...)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	return tr
}

func mustSlot(t *testing.T, p *Producer, tb transbuf.TransBuffer) protocol.SlotRef {
	t.Helper()
	_, ref, err := p.Slot(tb)
	if err != nil {
		t.Fatalf("slot: %v", err)
	}
	return ref
}

// pointsScene emits a canvas, a viewport, a camera and one points visual
// whose sizes and edge widths are transforms.
func pointsScene(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		producer: NewProducer(),
		canvas:   uuid.New(),
		viewport: uuid.New(),
		camera:   uuid.New(),
		visual:   uuid.New(),
		identity: buffer.FromMat4s([][16]float32{{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}}),
	}
	p := f.producer
	p.Emit(protocol.CanvasCreate{CanvasUUID: f.canvas, Width: 800, Height: 600, DPI: 96})
	p.Emit(protocol.ViewportCreate{ViewportUUID: f.viewport, CanvasUUID: f.canvas, Width: 800, Height: 600})

	identity := mustSlot(t, p, transbuf.FromBuffer(f.identity))
	p.Emit(protocol.CameraCreate{CameraUUID: f.camera, View: identity, Projection: identity})

	positions := buffer.FromVec3s([][3]float32{{-1, -1, 0}, {0, 0, 0}, {1, 1, 0}})
	colors := buffer.FromRGBA([][4]uint8{{255, 0, 0, 255}, {0, 255, 0, 255}, {0, 0, 255, 255}})
	sizes := mustTransform(t, transform.Accessor{Field: transform.FieldScreenZ}, transform.Mul(transform.Scalar(10)))
	widths := mustTransform(t,
		transform.Immediate{Buffer: buffer.FromFloat32s([]float32{1, 2, 3})},
		transform.Add(transform.BufferOperand(buffer.FromFloat32s([]float32{0.5, 0.5, 0.5}))),
	)

	p.Emit(protocol.VisualCreate{
		VisualUUID: f.visual,
		Kind:       scene.KindPoints,
		Attributes: map[string]protocol.SlotRef{
			scene.AttrPositions:  mustSlot(t, p, transbuf.FromBuffer(positions)),
			scene.AttrSizes:      mustSlot(t, p, transbuf.FromTransform(sizes)),
			scene.AttrFaceColors: mustSlot(t, p, transbuf.FromBuffer(colors)),
			scene.AttrEdgeColors: mustSlot(t, p, transbuf.FromBuffer(colors)),
			scene.AttrEdgeWidths: mustSlot(t, p, transbuf.FromTransform(widths)),
		},
	})
	p.Emit(protocol.RenderItemAdd{ViewportUUID: f.viewport, VisualUUID: f.visual, CameraUUID: f.camera, Model: identity})
	return f
}

func screenEnv() transform.Env {
	return transform.NewEnv(map[string]*buffer.Buffer{
		transform.FieldScreenZ: buffer.FromFloat32s([]float32{0.1, 0.5, 0.9}),
	})
}

func resolveAttributes(t *testing.T, s *Session, visual uuid.UUID) map[string][]byte {
	t.Helper()
	eng := transform.NewEngine()
	out := make(map[string][]byte)
	err := s.Read(func(sc *scene.Scene) error {
		v, ok := sc.Visual(visual)
		if !ok {
			return errors.New("visual missing")
		}
		for _, name := range v.AttributeNames() {
			b, err := v.Attributes[name].Resolve(context.Background(), eng, screenEnv())
			if err != nil {
				return err
			}
			out[name] = append([]byte(nil), b.Data()...)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("resolve attributes: %v", err)
	}
	return out
}

func TestApplyBuildsScene(t *testing.T) {
	testlog.Start(t)
	f := pointsScene(t)
	s := New()
	for _, m := range f.producer.Log() {
		if err := s.Apply(m); err != nil {
			t.Fatalf("apply %d (%s): %v", m.ID, m.Command(), err)
		}
	}
	if s.State() != StateOpen {
		t.Fatalf("unexpected state %s", s.State())
	}
	if s.LastID() != f.producer.LastID() {
		t.Fatalf("last id mismatch: %d vs %d", s.LastID(), f.producer.LastID())
	}
	err := s.Read(func(sc *scene.Scene) error {
		counts := sc.Counts()
		if counts["visuals"] != 1 || counts["render_items"] != 1 || counts["transforms"] != 2 {
			t.Fatalf("unexpected counts: %v", counts)
		}
		// identity, positions, colors and the two buffers embedded in widths
		if counts["buffers"] != 5 {
			t.Fatalf("unexpected buffer count: %v", counts)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	attrs := resolveAttributes(t, s, f.visual)
	sizes, err := buffer.FromBytes(attrs[scene.AttrSizes], buffer.Float32)
	if err != nil {
		t.Fatalf("sizes: %v", err)
	}
	got, _ := sizes.Float32s()
	want := []float64{1, 5, 9}
	if len(got) != len(want) {
		t.Fatalf("unexpected sizes: %v", got)
	}
	for i := range want {
		if math.Abs(float64(got[i])-want[i]) > 1e-5 {
			t.Fatalf("size %d = %v want %v", i, got[i], want[i])
		}
	}
}

func TestViewportBeforeCanvasIsDanglingAndCloses(t *testing.T) {
	testlog.Start(t)
	s := New()
	err := s.Apply(protocol.Message{ID: 1, Body: protocol.ViewportCreate{
		ViewportUUID: uuid.New(), CanvasUUID: uuid.New(), Width: 10, Height: 10,
	}})
	if !errors.Is(err, ErrDanglingReference) {
		t.Fatalf("expected ErrDanglingReference, got %v", err)
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.MessageID != 1 || perr.Command != protocol.CmdViewportCreate {
		t.Fatalf("unexpected protocol error: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("session should be closed, state=%s", s.State())
	}

	err = s.Apply(protocol.Message{ID: 2, Body: protocol.CanvasCreate{CanvasUUID: uuid.New(), Width: 1, Height: 1, DPI: 1}})
	if !errors.Is(err, ErrSessionClosed) || !errors.Is(err, ErrDanglingReference) {
		t.Fatalf("expected closed error wrapping cause, got %v", err)
	}
}

func TestOutOfOrderIsFatal(t *testing.T) {
	testlog.Start(t)
	s := New()
	canvas := uuid.New()
	if err := s.Apply(protocol.Message{ID: 5, Body: protocol.CanvasCreate{CanvasUUID: canvas, Width: 1, Height: 1, DPI: 1}}); err != nil {
		t.Fatalf("canvas: %v", err)
	}
	err := s.Apply(protocol.Message{ID: 5, Body: protocol.CanvasSetDPI{CanvasUUID: canvas, DPI: 2}})
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if s.State() != StateClosed || s.LastID() != 5 {
		t.Fatalf("unexpected state=%s last=%d", s.State(), s.LastID())
	}
}

func TestLifecycleOrder(t *testing.T) {
	testlog.Start(t)
	s := New()
	b := buffer.FromFloat32s([]float32{1})
	err := s.Apply(protocol.Message{ID: 1, Body: protocol.NewBufferCreate(b)})
	if !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("expected ErrLifecycleOrder, got %v", err)
	}

	s = New()
	canvas := protocol.CanvasCreate{CanvasUUID: uuid.New(), Width: 1, Height: 1, DPI: 1}
	if err := s.Apply(protocol.Message{ID: 1, Body: canvas}); err != nil {
		t.Fatalf("canvas: %v", err)
	}
	canvas.CanvasUUID = uuid.New()
	if err := s.Apply(protocol.Message{ID: 2, Body: canvas}); !errors.Is(err, ErrLifecycleOrder) {
		t.Fatalf("expected ErrLifecycleOrder for second canvas, got %v", err)
	}
}

func TestDuplicateEntityIsFatal(t *testing.T) {
	testlog.Start(t)
	s := New()
	canvas := uuid.New()
	b := buffer.FromFloat32s([]float32{1, 2})
	msgs := []protocol.Message{
		{ID: 1, Body: protocol.CanvasCreate{CanvasUUID: canvas, Width: 1, Height: 1, DPI: 1}},
		{ID: 2, Body: protocol.NewBufferCreate(b)},
		{ID: 3, Body: protocol.NewBufferCreate(b)},
	}
	var err error
	for _, m := range msgs {
		if err = s.Apply(m); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrDuplicateEntity) {
		t.Fatalf("expected ErrDuplicateEntity, got %v", err)
	}
}

func TestTransformWithUnknownBufferIsDangling(t *testing.T) {
	testlog.Start(t)
	s := New()
	if err := s.Apply(protocol.Message{ID: 1, Body: protocol.CanvasCreate{CanvasUUID: uuid.New(), Width: 1, Height: 1, DPI: 1}}); err != nil {
		t.Fatalf("canvas: %v", err)
	}
	tr := mustTransform(t, transform.Immediate{Buffer: buffer.FromFloat32s([]float32{1})})
	tc, err := protocol.NewTransformCreate(tr)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if err := s.Apply(protocol.Message{ID: 2, Body: tc}); !errors.Is(err, ErrDanglingReference) {
		t.Fatalf("expected ErrDanglingReference, got %v", err)
	}
}

func TestInvalidVisualLeavesNoPartialState(t *testing.T) {
	testlog.Start(t)
	s := New()
	b := buffer.FromVec3s([][3]float32{{0, 0, 0}})
	msgs := []protocol.Message{
		{ID: 1, Body: protocol.CanvasCreate{CanvasUUID: uuid.New(), Width: 1, Height: 1, DPI: 1}},
		{ID: 2, Body: protocol.NewBufferCreate(b)},
	}
	for _, m := range msgs {
		if err := s.Apply(m); err != nil {
			t.Fatalf("apply %d: %v", m.ID, err)
		}
	}
	visual := uuid.New()
	err := s.Apply(protocol.Message{ID: 3, Body: protocol.VisualCreate{
		VisualUUID: visual,
		Kind:       scene.KindPixels,
		Attributes: map[string]protocol.SlotRef{scene.AttrPositions: protocol.BufferSlot(b.ID())},
	}})
	if !errors.Is(err, scene.ErrInvalidVisual) {
		t.Fatalf("expected ErrInvalidVisual, got %v", err)
	}
	_ = s.Read(func(sc *scene.Scene) error {
		if _, ok := sc.Visual(visual); ok {
			t.Fatalf("rejected visual must not be stored")
		}
		return nil
	})
	if len(s.Log()) != 2 {
		t.Fatalf("rejected message must not be logged, log=%d", len(s.Log()))
	}
}

func TestUpdatesAreFullFieldReplacements(t *testing.T) {
	testlog.Start(t)
	f := pointsScene(t)
	p := f.producer
	p.Emit(protocol.ViewportSetPosition{ViewportUUID: f.viewport, X: 5, Y: 7})
	p.Emit(protocol.ViewportSetSize{ViewportUUID: f.viewport, Width: 50, Height: 70})
	p.Emit(protocol.CanvasSetDPI{CanvasUUID: f.canvas, DPI: 192})
	newSizes := buffer.FromFloat32s([]float32{4, 5, 6})
	p.Emit(protocol.VisualSetAttributes{
		VisualUUID: f.visual,
		Attributes: map[string]protocol.SlotRef{scene.AttrSizes: mustSlot(t, p, transbuf.FromBuffer(newSizes))},
	})

	s, err := Replay(p.Log())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	_ = s.Read(func(sc *scene.Scene) error {
		vp, _ := sc.Viewport(f.viewport)
		if vp.X != 5 || vp.Y != 7 || vp.Width != 50 || vp.Height != 70 {
			t.Fatalf("unexpected viewport: %+v", vp)
		}
		if sc.Canvas().DPI != 192 || sc.Canvas().Width != 800 {
			t.Fatalf("unexpected canvas: %+v", sc.Canvas())
		}
		v, _ := sc.Visual(f.visual)
		if !v.Attributes[scene.AttrSizes].IsBuffer() || !v.Attributes[scene.AttrEdgeWidths].IsTransform() {
			t.Fatalf("attribute replacement touched the wrong slots")
		}
		return nil
	})
}

func TestReplayLogReconstructsIdenticalBuffers(t *testing.T) {
	testlog.Start(t)
	f := pointsScene(t)
	f.producer.Emit(protocol.SessionClose{})

	live, err := Replay(f.producer.Log())
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	if live.State() != StateClosed || live.Err() != nil {
		t.Fatalf("expected clean close, state=%s err=%v", live.State(), live.Err())
	}

	for _, format := range []Format{FormatJSON, FormatFrames} {
		var buf bytes.Buffer
		if err := WriteLog(&buf, format, live.Log()); err != nil {
			t.Fatalf("%s write: %v", format, err)
		}
		msgs, detected, err := ReadLog(&buf)
		if err != nil {
			t.Fatalf("%s read: %v", format, err)
		}
		if detected != format {
			t.Fatalf("detected %s, want %s", detected, format)
		}
		replayed, err := Replay(msgs)
		if err != nil {
			t.Fatalf("%s replay: %v", format, err)
		}
		want := resolveAttributes(t, live, f.visual)
		got := resolveAttributes(t, replayed, f.visual)
		if len(got) != len(want) {
			t.Fatalf("%s attribute count %d want %d", format, len(got), len(want))
		}
		for name, data := range want {
			if !bytes.Equal(got[name], data) {
				t.Fatalf("%s attribute %s differs after replay", format, name)
			}
		}
	}
}

func TestClosedSessionRejectsEverything(t *testing.T) {
	testlog.Start(t)
	s := New()
	if err := s.Apply(protocol.Message{ID: 1, Body: protocol.SessionClose{}}); err != nil {
		t.Fatalf("close: %v", err)
	}
	err := s.Apply(protocol.Message{ID: 2, Body: protocol.CanvasCreate{CanvasUUID: uuid.New(), Width: 1, Height: 1, DPI: 1}})
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestProducerEmitsSharedBuffersOnce(t *testing.T) {
	testlog.Start(t)
	p := NewProducer()
	b := buffer.FromFloat32s([]float32{1})
	tr := mustTransform(t, transform.Immediate{Buffer: b}, transform.Mul(transform.BufferOperand(b)))
	msgs, err := p.Transform(tr)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Command() != protocol.CmdBufferCreate || msgs[1].Command() != protocol.CmdTransformCreate {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	again, ref, err := p.Slot(transbuf.FromTransform(tr))
	if err != nil || len(again) != 0 || ref.ID() != tr.ID() {
		t.Fatalf("re-slot emitted %d messages ref=%v err=%v", len(again), ref, err)
	}
	if p.LastID() != 2 {
		t.Fatalf("unexpected last id %d", p.LastID())
	}
	if !b.Published() {
		t.Fatalf("emitted buffer must be published")
	}
}
