// Package notify carries the registry's event set to interested parties:
// worker processes (via the WebSocket feed) and in-process subscribers.
// Delivery is at-least-once at the protocol level; correctness never
// depends on it, because workers re-check task status before acting.
package notify

import (
	"sync"

	"accord/internal/logging"
)

// Kind enumerates the event types emitted by the registry and aggregators.
type Kind string

const (
	KindTaskCreated     Kind = "task.created"
	KindTaskFinalized   Kind = "task.finalized"
	KindTaskProcessed   Kind = "task.processed"
	KindTaskNoConsensus Kind = "task.no_consensus"
	KindRosterChanged   Kind = "roster.changed"
	KindQuorumCreated   Kind = "quorum.created"
	KindQuorumReached   Kind = "quorum.reached"
)

// Event is the wire shape of a single notification. Fields beyond Kind are
// populated per event type; unused ones are omitted from JSON.
type Event struct {
	Kind         Kind   `json:"kind"`
	TaskID       uint64 `json:"task_id,omitempty"`
	Redundancy   uint32 `json:"redundancy,omitempty"`
	QuorumID     uint64 `json:"quorum_id,omitempty"`
	VariantCount int    `json:"variant_count,omitempty"`
	Threshold    int    `json:"threshold,omitempty"`
	Worker       string `json:"worker,omitempty"`
	Change       string `json:"change,omitempty"` // "added" | "removed"
	CallbackOK   bool   `json:"callback_ok,omitempty"`
}

// Subscription is one receiver attached to a Hub. Events arrive on C until
// Close is called or the hub drops the subscriber for falling behind.
type Subscription struct {
	C    chan Event
	hub  *Hub
	once sync.Once
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub fans events out to every live subscription. Publish never blocks: a
// subscriber whose buffer is full is dropped, on the assumption that it
// reconnects and relies on its own status re-checks to catch up.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	logger logging.Logger
}

// NewHub creates an empty hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		logger: logging.OrNop(logger),
	}
}

// Subscribe attaches a new receiver with the given channel buffer.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscription{C: make(chan Event, buffer), hub: h}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.C <- ev:
		default:
			h.logger.Warn("notify: dropping slow subscriber (event %s)", ev.Kind)
			delete(h.subs, sub)
			close(sub.C)
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.C)
	}
}
