package session

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/protocol"
	"github.com/vispy/GSP-API/internal/scene"
	"github.com/vispy/GSP-API/internal/transbuf"
	"github.com/vispy/GSP-API/internal/transform"
)

// State is the lifecycle phase of a session.
type State int

const (
	StateUninitialized State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is the receiver side of one message stream. It owns the scene the
// stream builds and rejects anything that would leave it inconsistent.
type Session struct {
	id uuid.UUID

	mu     sync.Mutex
	state  State
	lastID uint64
	cause  error
	scene  *scene.Scene
	log    []protocol.Message
}

func New() *Session {
	return NewWithID(uuid.New())
}

func NewWithID(id uuid.UUID) *Session {
	return &Session{id: id, scene: scene.New()}
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastID returns the id of the last accepted message, 0 before any.
func (s *Session) LastID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Err returns the fatal error that closed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Log returns the accepted messages in order.
func (s *Session) Log() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, len(s.log))
	copy(out, s.log)
	return out
}

// Read runs fn with the scene while holding the session lock. fn must not
// retain or mutate the scene.
func (s *Session) Read(fn func(*scene.Scene) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.scene)
}

// Apply validates msg against the session and, if it is acceptable, applies
// it. Any rejection is fatal: the session closes and later calls fail with
// ErrSessionClosed.
func (s *Session) Apply(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		if s.cause != nil {
			return fmt.Errorf("%w: %w", ErrSessionClosed, s.cause)
		}
		return ErrSessionClosed
	}
	if msg.ID <= s.lastID {
		return s.fail(msg, fmt.Errorf("%w: id %d after %d", ErrOutOfOrder, msg.ID, s.lastID))
	}
	if err := msg.Validate(); err != nil {
		return s.fail(msg, err)
	}
	if err := s.checkLifecycle(msg.Body); err != nil {
		return s.fail(msg, err)
	}
	if err := s.apply(msg.Body); err != nil {
		return s.fail(msg, err)
	}

	s.lastID = msg.ID
	s.log = append(s.log, msg)
	switch msg.Command() {
	case protocol.CmdCanvasCreate:
		s.state = StateOpen
	case protocol.CmdSessionClose:
		s.state = StateClosed
	}
	log.Debug().
		Str("session", s.id.String()).
		Uint64("message_id", msg.ID).
		Str("command", string(msg.Command())).
		Msg("session: applied")
	return nil
}

func (s *Session) fail(msg protocol.Message, err error) error {
	perr := &ProtocolError{MessageID: msg.ID, Command: msg.Command(), Err: err}
	s.state = StateClosed
	s.cause = perr
	log.Warn().
		Str("session", s.id.String()).
		Uint64("message_id", msg.ID).
		Str("command", string(msg.Command())).
		Err(err).
		Msg("session: closed on protocol error")
	return perr
}

func (s *Session) checkLifecycle(b protocol.Body) error {
	switch v := b.(type) {
	case protocol.CanvasCreate:
		if s.state != StateUninitialized {
			return fmt.Errorf("%w: canvas %s already created", ErrLifecycleOrder, s.scene.Canvas().UUID)
		}
	case protocol.SessionClose:
	case protocol.ViewportCreate:
		if s.state == StateUninitialized {
			return fmt.Errorf("%w: canvas %s", ErrDanglingReference, v.CanvasUUID)
		}
	case protocol.CanvasSetSize:
		if s.state == StateUninitialized {
			return fmt.Errorf("%w: canvas %s", ErrDanglingReference, v.CanvasUUID)
		}
	case protocol.CanvasSetDPI:
		if s.state == StateUninitialized {
			return fmt.Errorf("%w: canvas %s", ErrDanglingReference, v.CanvasUUID)
		}
	default:
		if s.state == StateUninitialized {
			return fmt.Errorf("%w: %s before canvas_create", ErrLifecycleOrder, b.Command())
		}
	}
	return nil
}

// apply checks every reference of b before touching the scene.
func (s *Session) apply(b protocol.Body) error {
	sc := s.scene
	switch v := b.(type) {
	case protocol.CanvasCreate:
		return sc.SetCanvas(scene.Canvas{UUID: v.CanvasUUID, Width: v.Width, Height: v.Height, DPI: v.DPI})

	case protocol.CanvasSetSize:
		c, err := s.canvas(v.CanvasUUID)
		if err != nil {
			return err
		}
		c.Width, c.Height = v.Width, v.Height
		return sc.ReplaceCanvas(c)

	case protocol.CanvasSetDPI:
		c, err := s.canvas(v.CanvasUUID)
		if err != nil {
			return err
		}
		c.DPI = v.DPI
		return sc.ReplaceCanvas(c)

	case protocol.ViewportCreate:
		if _, err := s.canvas(v.CanvasUUID); err != nil {
			return err
		}
		if _, dup := sc.Viewport(v.ViewportUUID); dup {
			return fmt.Errorf("%w: viewport %s", ErrDuplicateEntity, v.ViewportUUID)
		}
		return sc.AddViewport(scene.Viewport{
			UUID: v.ViewportUUID, CanvasUUID: v.CanvasUUID,
			X: v.X, Y: v.Y, Width: v.Width, Height: v.Height,
		})

	case protocol.ViewportSetPosition:
		vp, err := s.viewport(v.ViewportUUID)
		if err != nil {
			return err
		}
		vp.X, vp.Y = v.X, v.Y
		return sc.ReplaceViewport(vp)

	case protocol.ViewportSetSize:
		vp, err := s.viewport(v.ViewportUUID)
		if err != nil {
			return err
		}
		vp.Width, vp.Height = v.Width, v.Height
		return sc.ReplaceViewport(vp)

	case protocol.BufferCreate:
		if _, dup := sc.Buffer(v.BufferUUID); dup {
			return fmt.Errorf("%w: buffer %s", ErrDuplicateEntity, v.BufferUUID)
		}
		buf, err := v.Buffer()
		if err != nil {
			return err
		}
		return sc.AddBuffer(buf)

	case protocol.TransformCreate:
		if _, dup := sc.Transform(v.TransformUUID); dup {
			return fmt.Errorf("%w: transform %s", ErrDuplicateEntity, v.TransformUUID)
		}
		d := v.Descriptor()
		refs, err := transform.BufferRefs(d)
		if err != nil {
			return err
		}
		for _, id := range refs {
			if _, ok := sc.Buffer(id); !ok {
				return fmt.Errorf("%w: buffer %s", ErrDanglingReference, id)
			}
		}
		t, err := transform.FromDescriptor(d, sc.Buffer)
		if err != nil {
			return err
		}
		return sc.AddTransform(t)

	case protocol.CameraCreate:
		if _, dup := sc.Camera(v.CameraUUID); dup {
			return fmt.Errorf("%w: camera %s", ErrDuplicateEntity, v.CameraUUID)
		}
		cam, err := s.camera(v.CameraUUID, v.View, v.Projection)
		if err != nil {
			return err
		}
		return sc.AddCamera(cam)

	case protocol.CameraSetMatrices:
		if _, ok := sc.Camera(v.CameraUUID); !ok {
			return fmt.Errorf("%w: camera %s", ErrDanglingReference, v.CameraUUID)
		}
		cam, err := s.camera(v.CameraUUID, v.View, v.Projection)
		if err != nil {
			return err
		}
		return sc.ReplaceCamera(cam)

	case protocol.VisualCreate:
		if _, dup := sc.Visual(v.VisualUUID); dup {
			return fmt.Errorf("%w: visual %s", ErrDuplicateEntity, v.VisualUUID)
		}
		attrs, err := s.slots(v.Attributes)
		if err != nil {
			return err
		}
		return sc.AddVisual(scene.Visual{
			UUID: v.VisualUUID, Kind: v.Kind, Attributes: attrs, Properties: v.Properties,
		})

	case protocol.VisualSetAttributes:
		old, ok := sc.Visual(v.VisualUUID)
		if !ok {
			return fmt.Errorf("%w: visual %s", ErrDanglingReference, v.VisualUUID)
		}
		updates, err := s.slots(v.Attributes)
		if err != nil {
			return err
		}
		next := *old
		next.Attributes = maps.Clone(old.Attributes)
		maps.Copy(next.Attributes, updates)
		return sc.ReplaceVisual(next)

	case protocol.RenderItemAdd:
		if _, ok := sc.Viewport(v.ViewportUUID); !ok {
			return fmt.Errorf("%w: viewport %s", ErrDanglingReference, v.ViewportUUID)
		}
		if _, ok := sc.Visual(v.VisualUUID); !ok {
			return fmt.Errorf("%w: visual %s", ErrDanglingReference, v.VisualUUID)
		}
		if _, ok := sc.Camera(v.CameraUUID); !ok {
			return fmt.Errorf("%w: camera %s", ErrDanglingReference, v.CameraUUID)
		}
		model, err := s.slot(v.Model)
		if err != nil {
			return fmt.Errorf("model: %w", err)
		}
		return sc.AddRenderItem(scene.RenderItem{
			ViewportUUID: v.ViewportUUID, VisualUUID: v.VisualUUID, CameraUUID: v.CameraUUID, Model: model,
		})

	case protocol.SessionClose:
		return nil
	}
	return fmt.Errorf("%w: %T", protocol.ErrUnknownCommand, b)
}

func (s *Session) canvas(id uuid.UUID) (scene.Canvas, error) {
	c := s.scene.Canvas()
	if c == nil || c.UUID != id {
		return scene.Canvas{}, fmt.Errorf("%w: canvas %s", ErrDanglingReference, id)
	}
	return *c, nil
}

func (s *Session) viewport(id uuid.UUID) (scene.Viewport, error) {
	vp, ok := s.scene.Viewport(id)
	if !ok {
		return scene.Viewport{}, fmt.Errorf("%w: viewport %s", ErrDanglingReference, id)
	}
	return *vp, nil
}

func (s *Session) camera(id uuid.UUID, view, projection protocol.SlotRef) (scene.Camera, error) {
	v, err := s.slot(view)
	if err != nil {
		return scene.Camera{}, fmt.Errorf("view: %w", err)
	}
	p, err := s.slot(projection)
	if err != nil {
		return scene.Camera{}, fmt.Errorf("projection: %w", err)
	}
	return scene.Camera{UUID: id, View: v, Projection: p}, nil
}

func (s *Session) slot(ref protocol.SlotRef) (transbuf.TransBuffer, error) {
	if ref.IsBuffer() {
		b, ok := s.scene.Buffer(ref.ID())
		if !ok {
			return transbuf.TransBuffer{}, fmt.Errorf("%w: buffer %s", ErrDanglingReference, ref.ID())
		}
		return transbuf.FromBuffer(b), nil
	}
	t, ok := s.scene.Transform(ref.ID())
	if !ok {
		return transbuf.TransBuffer{}, fmt.Errorf("%w: transform %s", ErrDanglingReference, ref.ID())
	}
	return transbuf.FromTransform(t), nil
}

func (s *Session) slots(refs map[string]protocol.SlotRef) (map[string]transbuf.TransBuffer, error) {
	out := make(map[string]transbuf.TransBuffer, len(refs))
	for _, name := range slices.Sorted(maps.Keys(refs)) {
		tb, err := s.slot(refs[name])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		out[name] = tb
	}
	return out, nil
}
