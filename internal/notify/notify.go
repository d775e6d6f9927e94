// Package notify is the subscription registry and fan-out hub. Engines
// publish events for a resource URI; every live subscriber of that URI
// receives them in publish order on a bounded channel feeding its transport
// writer. Slow or dead sinks never block a publish.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/contexthub-ai/contexthub/internal/store"
	"github.com/contexthub-ai/contexthub/pkg/protocol"
)

// DefaultQueueSize is the per-subscription outbound buffer.
const DefaultQueueSize = 256

// Subscription is one sink's registration for a URI. Events arrive on C in
// commit order for that URI. When the queue overflows the oldest event is
// dropped and an overflow event is delivered so the client re-reads the
// resource snapshot.
type Subscription struct {
	URI string
	// Filter, when set, suppresses events the subscriber must not see.
	// Visibility enforcement for message_added hangs off this.
	Filter func(protocol.Event) bool

	ch         chan protocol.Event
	done       chan struct{}
	closed     atomic.Bool
	overflowed atomic.Bool
}

// C is the event channel the transport writer drains.
func (s *Subscription) C() <-chan protocol.Event { return s.ch }

// Done closes when the subscription is torn down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close marks the subscription dead. The hub prunes it at the next publish.
// The event channel itself is never closed, so a publish racing with Close
// cannot panic. Safe to call more than once.
func (s *Subscription) Close() {
	if !s.closed.Swap(true) {
		close(s.done)
	}
}

// AckOverflow clears the overflow marker once the client has been told.
func (s *Subscription) AckOverflow() { s.overflowed.Store(false) }

// Hub is the URI-keyed subscription registry.
type Hub struct {
	queueSize int
	logger    *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// New creates a hub. queueSize <= 0 uses DefaultQueueSize.
func New(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		queueSize: queueSize,
		logger:    logger.With("component", "notify"),
		subs:      make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a sink for a URI and returns its subscription.
func (h *Hub) Subscribe(uri string, filter func(protocol.Event) bool) *Subscription {
	sub := &Subscription{
		URI:    uri,
		Filter: filter,
		ch:     make(chan protocol.Event, h.queueSize),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	if h.subs[uri] == nil {
		h.subs[uri] = make(map[*Subscription]struct{})
	}
	h.subs[uri][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscription.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.URI]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.URI)
		}
	}
	h.mu.Unlock()
	sub.Close()
}

// Publish fans an event out to every live subscriber of the URI. Sends are
// non-blocking; closed sinks found along the way are pruned.
func (h *Hub) Publish(uri string, ev protocol.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = store.Now()
	}
	ev.URI = uri

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[uri]))
	for sub := range h.subs[uri] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	var dead []*Subscription
	for _, sub := range targets {
		if sub.closed.Load() {
			dead = append(dead, sub)
			continue
		}
		if sub.Filter != nil && !sub.Filter(ev) {
			continue
		}
		h.deliver(sub, ev)
	}
	for _, sub := range dead {
		h.Unsubscribe(sub)
	}
}

// deliver enqueues without blocking. On a full queue the oldest event is
// dropped; the first overflow also queues an overflow marker so the client
// knows events were lost.
func (h *Hub) deliver(sub *Subscription, ev protocol.Event) {
	if offer(sub.ch, ev) {
		return
	}
	drainOne(sub.ch)
	if !sub.overflowed.Swap(true) {
		if !offer(sub.ch, protocol.Event{Type: protocol.TypeOverflow, URI: sub.URI, Timestamp: store.Now()}) {
			h.logger.Debug("overflow marker dropped", "uri", sub.URI)
		} else {
			drainOne(sub.ch)
		}
	}
	if !offer(sub.ch, ev) {
		h.logger.Debug("event dropped after overflow", "uri", sub.URI, "type", ev.Type)
	}
}

func offer(ch chan protocol.Event, ev protocol.Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

func drainOne(ch chan protocol.Event) {
	select {
	case <-ch:
	default:
	}
}

// SubscriberCount reports the live subscriptions for a URI.
func (h *Hub) SubscriberCount(uri string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[uri])
}

// CloseAll tears down every subscription; used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	all := h.subs
	h.subs = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()
	for _, set := range all {
		for sub := range set {
			sub.Close()
		}
	}
}
