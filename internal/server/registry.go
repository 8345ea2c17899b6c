package server

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/observability"
	"github.com/vispy/GSP-API/internal/protocol"
	"github.com/vispy/GSP-API/internal/protocol/session"
	"github.com/vispy/GSP-API/internal/scene"
)

var (
	ErrSessionNotFound = errors.New("server: session not found")
	ErrTooManySessions = errors.New("server: session limit reached")
	ErrBufferNotFound  = errors.New("server: buffer not found")
)

// Summary is the externally visible state of one session.
type Summary struct {
	ID        uuid.UUID      `json:"id"`
	Producer  string         `json:"producer"`
	Transport string         `json:"transport"`
	State     string         `json:"state"`
	LastID    uint64         `json:"last_id"`
	Error     string         `json:"error,omitempty"`
	Counts    map[string]int `json:"counts"`
	Created   time.Time      `json:"created"`
}

// entry wraps a session with the buffers it has published. Buffers are
// indexed outside the session lock so fetches can run during a render.
type entry struct {
	sess      *session.Session
	producer  string
	transport string
	created   time.Time

	mu      sync.RWMutex
	buffers map[uuid.UUID]protocol.BufferCreate
}

func (e *entry) buffer(id uuid.UUID) (protocol.BufferCreate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	bc, ok := e.buffers[id]
	return bc, ok
}

func (e *entry) summary() Summary {
	sum := Summary{
		ID:        e.sess.ID(),
		Producer:  e.producer,
		Transport: e.transport,
		State:     e.sess.State().String(),
		LastID:    e.sess.LastID(),
		Created:   e.created,
	}
	if err := e.sess.Err(); err != nil {
		sum.Error = err.Error()
	}
	_ = e.sess.Read(func(sc *scene.Scene) error {
		sum.Counts = sc.Counts()
		return nil
	})
	return sum
}

// Registry holds the daemon's sessions. When full, the oldest closed session
// is evicted to make room; open sessions are never evicted.
type Registry struct {
	node string
	max  int

	mu       sync.RWMutex
	sessions map[uuid.UUID]*entry
}

func NewRegistry(node string, max int) *Registry {
	return &Registry{node: node, max: max, sessions: make(map[uuid.UUID]*entry)}
}

// Open registers a new session for producer arriving over transport.
func (r *Registry) Open(producer, transport string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.sessions) >= r.max && !r.evictClosedLocked() {
		return nil, ErrTooManySessions
	}
	e := &entry{
		sess:      session.New(),
		producer:  producer,
		transport: transport,
		created:   time.Now(),
		buffers:   make(map[uuid.UUID]protocol.BufferCreate),
	}
	r.sessions[e.sess.ID()] = e
	observability.SessionOpened(r.node)
	log.Info().
		Str("session", e.sess.ID().String()).
		Str("producer", producer).
		Str("transport", transport).
		Msg("server: session opened")
	return e.sess, nil
}

func (r *Registry) evictClosedLocked() bool {
	var oldest *entry
	for _, e := range r.sessions {
		if e.sess.State() != session.StateClosed {
			continue
		}
		if oldest == nil || e.created.Before(oldest.created) {
			oldest = e
		}
	}
	if oldest == nil {
		return false
	}
	delete(r.sessions, oldest.sess.ID())
	observability.SessionClosed(r.node)
	log.Debug().Str("session", oldest.sess.ID().String()).Msg("server: evicted closed session")
	return true
}

func (r *Registry) Get(id uuid.UUID) (*session.Session, bool) {
	e, ok := r.entry(id)
	if !ok {
		return nil, false
	}
	return e.sess, true
}

func (r *Registry) entry(id uuid.UUID) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	return e, ok
}

// Remove drops a session. It reports false when id is unknown.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	observability.SessionClosed(r.node)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Summary describes one session.
func (r *Registry) Summary(id uuid.UUID) (Summary, bool) {
	e, ok := r.entry(id)
	if !ok {
		return Summary{}, false
	}
	return e.summary(), true
}

// List returns every session, oldest first.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	slices.SortFunc(entries, func(a, b *entry) int { return a.created.Compare(b.created) })
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.summary())
	}
	return out
}

// Buffer returns a buffer published on session id.
func (r *Registry) Buffer(id, buf uuid.UUID) (protocol.BufferCreate, error) {
	e, ok := r.entry(id)
	if !ok {
		return protocol.BufferCreate{}, ErrSessionNotFound
	}
	bc, ok := e.buffer(buf)
	if !ok {
		return protocol.BufferCreate{}, ErrBufferNotFound
	}
	return bc, nil
}

// Apply feeds msgs to session id in order and stops at the first rejection.
// It returns the id of the last accepted message.
func (r *Registry) Apply(id uuid.UUID, transport string, msgs []protocol.Message) (uint64, error) {
	e, ok := r.entry(id)
	if !ok {
		return 0, ErrSessionNotFound
	}
	for _, msg := range msgs {
		err := e.sess.Apply(msg)
		observability.RecordSessionMessage(r.node, transport, string(msg.Command()), err == nil)
		if err != nil {
			return e.sess.LastID(), err
		}
		if bc, ok := msg.Body.(protocol.BufferCreate); ok {
			e.mu.Lock()
			e.buffers[bc.BufferUUID] = bc
			e.mu.Unlock()
		}
	}
	return e.sess.LastID(), nil
}
