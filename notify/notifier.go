// Package notify is the best-effort announcement channel of a shard. The
// reader announces every decoded change record and the updater pool every
// applied batch; observers subscribe by topic. Delivery is never awaited:
// a subscriber that falls behind loses signals.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/lustre-irods/connector/telemetry"
)

// defaultSignalBufferSize is the buffer size for subscriber channels.
// Subscribers that can't keep up will have signals dropped (non-blocking send).
const defaultSignalBufferSize = 64

// Topics announced by a shard pipeline
const (
	TopicChangelog = "changelog" // Decoded change records
	TopicUpdates   = "updates"   // Applied batch summaries
)

// Signal is one announcement
type Signal struct {
	MDT     string
	Topic   string
	Seq     uint64
	Payload any
}

// Filter selects signals by topic. An empty filter matches everything.
type Filter struct {
	Topics []string
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

// matches checks if the topic matches this subscription's filter.
func (s *subscription) matches(topic string) bool {
	if len(s.filter.Topics) == 0 {
		return true
	}

	for _, t := range s.filter.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans signals of one shard out to subscribers. It is safe for
// concurrent use.
type Hub struct {
	mdt           string
	bufferSize    int
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	closed        bool
}

// NewHub creates a notification hub for shard mdt.
func NewHub(mdt string) *Hub {
	return &Hub{
		mdt:           mdt,
		bufferSize:    defaultSignalBufferSize,
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends a signal to all matching subscribers (non-blocking).
func (h *Hub) Signal(topic string, seq uint64, payload any) {
	signal := Signal{
		MDT:     h.mdt,
		Topic:   topic,
		Seq:     seq,
		Payload: payload,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(topic) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- signal:
		default:
			telemetry.BroadcastDropsTotal.With(h.mdt, topic).Inc()
		}
	}
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// The returned channel is buffered. If the subscriber cannot keep up with the signal rate,
// signals will be dropped silently by Signal(). The cancel function is idempotent.
// Subscribing to a closed hub returns a closed channel.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, h.bufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Close closes every subscription. Later signals are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.closed = true
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
