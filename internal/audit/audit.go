// Package audit records security-relevant events to the append-only audit
// log. Writes are asynchronous: a bounded queue feeds a single writer
// goroutine, so primary operations never block or fail on audit. A full
// queue drops the event and counts the drop.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/store"
)

// Event types.
const (
	EventAuthentication = "authentication"
	EventAuthorization  = "authorization"
	EventSessionCreated = "session_created"
	EventSessionDeleted = "session_deleted"
	EventSessionExpired = "session_expired"
	EventMessageAdded   = "message_added"
	EventMessageFailed  = "message_add_failed"
	EventMemorySet      = "memory_set"
	EventMemoryDeleted  = "memory_deleted"
	EventTokenRefreshed = "token_refreshed"
	EventTokenRevoked   = "token_revoked"
	EventRateLimited    = "rate_limited"
)

// Results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

const queueSize = 1024

// Recorder buffers audit events and writes them in the background.
type Recorder struct {
	store   store.Store
	logger  *slog.Logger
	queue   chan store.AuditEvent
	dropped atomic.Int64

	// mu orders Record against Close: the queue is closed only after
	// in-flight sends release the read lock, and later Record calls see
	// closed and drop.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder starts the writer goroutine. Call Close to drain on shutdown.
func NewRecorder(s store.Store, logger *slog.Logger) *Recorder {
	r := &Recorder{
		store:  s,
		logger: logger.With("component", "audit"),
		queue:  make(chan store.AuditEvent, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.queue {
		if err := r.store.AppendAudit(context.Background(), &ev); err != nil {
			r.logger.Error("audit append failed", "event_type", ev.EventType, "error", err)
		}
	}
}

// Record enqueues an event without blocking. Metadata passes the sensitive
// key redaction before it is serialized. A nil Recorder is a no-op, which
// keeps tests light.
func (r *Recorder) Record(ev store.AuditEvent) {
	if r == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = store.Now()
	}
	ev.Metadata = auth.RedactMetadata(ev.Metadata)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- ev:
	default:
		if n := r.dropped.Add(1); n%100 == 1 {
			r.logger.Warn("audit queue full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped returns how many events were lost to a full queue.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Query returns audit events matching the filter, newest first. Admin only;
// the caller enforces that.
func (r *Recorder) Query(ctx context.Context, filter store.AuditFilter) ([]store.AuditEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	events, err := r.store.ListAuditEvents(ctx, filter)
	if err != nil {
		return nil, store.Translate(err)
	}
	return events, nil
}

// Close stops accepting events and drains the queue.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.queue)
		<-r.done
	})
}
