package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/protocol"
	"github.com/vispy/GSP-API/internal/transbuf"
	"github.com/vispy/GSP-API/internal/transform"
)

// Producer numbers outgoing messages and keeps the log a receiver needs to
// rebuild the scene. It also remembers which buffers and transforms were
// already sent so slots are emitted once.
type Producer struct {
	mu   sync.Mutex
	next uint64
	log  []protocol.Message
	sent map[uuid.UUID]struct{}
}

func NewProducer() *Producer {
	return &Producer{next: 1, sent: make(map[uuid.UUID]struct{})}
}

// Emit stamps body with the next message id and records it.
func (p *Producer) Emit(body protocol.Body) protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emitLocked(body)
}

func (p *Producer) emitLocked(body protocol.Body) protocol.Message {
	m := protocol.Message{ID: p.next, Body: body}
	p.next++
	p.log = append(p.log, m)
	return m
}

// Buffer publishes b and emits its buffer_create unless already sent.
func (p *Producer) Buffer(b *buffer.Buffer) []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bufferLocked(b)
}

func (p *Producer) bufferLocked(b *buffer.Buffer) []protocol.Message {
	if _, ok := p.sent[b.ID()]; ok {
		return nil
	}
	p.sent[b.ID()] = struct{}{}
	return []protocol.Message{p.emitLocked(protocol.NewBufferCreate(b.Publish()))}
}

// Transform emits the buffers t embeds, then its transform_create.
func (p *Producer) Transform(t *transform.Transform) ([]protocol.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transformLocked(t)
}

func (p *Producer) transformLocked(t *transform.Transform) ([]protocol.Message, error) {
	if _, ok := p.sent[t.ID()]; ok {
		return nil, nil
	}
	body, err := protocol.NewTransformCreate(t)
	if err != nil {
		return nil, err
	}
	var out []protocol.Message
	for _, l := range t.Links() {
		switch v := l.(type) {
		case transform.Immediate:
			out = append(out, p.bufferLocked(v.Buffer)...)
		case transform.Operator:
			if v.Operand.IsBuffer() {
				out = append(out, p.bufferLocked(v.Operand.Buffer)...)
			}
		}
	}
	p.sent[t.ID()] = struct{}{}
	return append(out, p.emitLocked(body)), nil
}

// Slot emits whatever tb needs and returns the reference to put on the wire.
func (p *Producer) Slot(tb transbuf.TransBuffer) ([]protocol.Message, protocol.SlotRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := tb.Buffer(); ok {
		return p.bufferLocked(b), protocol.BufferSlot(b.ID()), nil
	}
	if t, ok := tb.Transform(); ok {
		msgs, err := p.transformLocked(t)
		return msgs, protocol.TransformSlot(t.ID()), err
	}
	return nil, protocol.SlotRef{}, protocol.ErrInvalidSlot
}

// Log returns every emitted message in order.
func (p *Producer) Log() []protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Message, len(p.log))
	copy(out, p.log)
	return out
}

// LastID returns the id of the last emitted message, 0 before any.
func (p *Producer) LastID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next - 1
}
