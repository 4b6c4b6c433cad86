package network

import (
	"sync"

	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

// Outbox holds events for peers that poll instead of receiving pushes.
type Outbox struct {
	mu     sync.Mutex
	queues map[rid.RID][]models.Event
}

// NewOutbox creates an empty Outbox.
func NewOutbox() *Outbox {
	return &Outbox{queues: make(map[rid.RID][]models.Event)}
}

// Push appends ev to peer's queue.
func (o *Outbox) Push(peer rid.RID, ev models.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queues[peer] = append(o.queues[peer], ev)
}

// Drain removes and returns up to limit events for peer in FIFO order.
// limit <= 0 drains everything.
func (o *Outbox) Drain(peer rid.RID, limit int) []models.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	q := o.queues[peer]
	if len(q) == 0 {
		return []models.Event{}
	}
	if limit <= 0 || limit > len(q) {
		limit = len(q)
	}
	out := make([]models.Event, limit)
	copy(out, q[:limit])
	if limit == len(q) {
		delete(o.queues, peer)
	} else {
		o.queues[peer] = append([]models.Event(nil), q[limit:]...)
	}
	return out
}

// Len returns the number of events waiting for peer.
func (o *Outbox) Len(peer rid.RID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues[peer])
}
