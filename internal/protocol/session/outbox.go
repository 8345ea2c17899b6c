package session

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vispy/GSP-API/internal/protocol"
)

// PendingMessage tracks one sent message awaiting its ack.
type PendingMessage struct {
	Message       protocol.Message
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	AckDeadlineAt time.Time
	LastError     string
}

// Outbox stores un-acked messages by message id. Acks are cumulative, so
// AckThrough drops everything up to the acked id.
type Outbox struct {
	mu    sync.RWMutex
	items map[uint64]PendingMessage
}

func NewOutbox() *Outbox {
	return &Outbox{items: make(map[uint64]PendingMessage)}
}

func (o *Outbox) Upsert(item PendingMessage) {
	if item.Message.ID == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[item.Message.ID] = item
}

func (o *Outbox) MarkAttempt(id uint64, at time.Time, ackTimeout time.Duration, lastErr string) (PendingMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[id]
	if !ok {
		return PendingMessage{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.AckDeadlineAt = at.Add(ackTimeout)
	item.LastError = strings.TrimSpace(lastErr)
	o.items[id] = item
	return item, true
}

// AckThrough removes every message with id <= id and returns how many.
func (o *Outbox) AckThrough(id uint64) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for k := range o.items {
		if k <= id {
			delete(o.items, k)
			n++
		}
	}
	return n
}

func (o *Outbox) Get(id uint64) (PendingMessage, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[id]
	return item, ok
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns pending messages in id order, the order they must be resent.
func (o *Outbox) List() []PendingMessage {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingMessage, 0, len(o.items))
	for _, id := range slices.Sorted(maps.Keys(o.items)) {
		out = append(out, o.items[id])
	}
	return out
}

// Overdue returns pending messages whose ack deadline passed, in id order.
func (o *Outbox) Overdue(now time.Time) []PendingMessage {
	var out []PendingMessage
	for _, item := range o.List() {
		if !item.AckDeadlineAt.IsZero() && now.After(item.AckDeadlineAt) {
			out = append(out, item)
		}
	}
	return out
}
