package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/store"
)

func newTestRecorder(t *testing.T) (*Recorder, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := NewRecorder(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(r.Close)
	return r, st
}

// waitFor polls until the asynchronous writer has landed the expected rows.
func waitFor(t *testing.T, r *Recorder, filter store.AuditFilter, want int) []store.AuditEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		events, err := r.Query(context.Background(), filter)
		require.NoError(t, err)
		if len(events) >= want {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit log has %d events, want %d", len(events), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRecordAndQuery(t *testing.T) {
	r, _ := newTestRecorder(t)

	r.Record(store.AuditEvent{
		EventType: EventSessionCreated,
		AgentID:   "alice",
		SessionID: "session_0123456789abcdef",
		Result:    ResultSuccess,
	})

	events := waitFor(t, r, store.AuditFilter{}, 1)
	ev := events[0]
	assert.Equal(t, EventSessionCreated, ev.EventType)
	assert.Equal(t, "alice", ev.AgentID)
	assert.Equal(t, ResultSuccess, ev.Result)
	assert.False(t, ev.Timestamp.IsZero(), "Record stamps the event")
}

func TestRecordRedactsMetadata(t *testing.T) {
	r, _ := newTestRecorder(t)

	r.Record(store.AuditEvent{
		EventType: EventAuthentication,
		AgentID:   "alice",
		Result:    ResultSuccess,
		Metadata:  map[string]any{"api_key": "sk-live-1", "agent_type": "claude"},
	})

	events := waitFor(t, r, store.AuditFilter{}, 1)
	assert.Equal(t, auth.Redacted, events[0].Metadata["api_key"])
	assert.Equal(t, "claude", events[0].Metadata["agent_type"])
}

func TestQueryFilters(t *testing.T) {
	r, _ := newTestRecorder(t)

	r.Record(store.AuditEvent{EventType: EventAuthentication, AgentID: "alice", Result: ResultSuccess})
	r.Record(store.AuditEvent{EventType: EventSessionCreated, AgentID: "alice", Result: ResultSuccess})
	r.Record(store.AuditEvent{EventType: EventAuthentication, AgentID: "bob", Result: ResultFailure})
	waitFor(t, r, store.AuditFilter{}, 3)

	auths, err := r.Query(context.Background(), store.AuditFilter{EventType: EventAuthentication})
	require.NoError(t, err)
	assert.Len(t, auths, 2)

	bobs, err := r.Query(context.Background(), store.AuditFilter{AgentID: "bob"})
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, ResultFailure, bobs[0].Result)

	one, err := r.Query(context.Background(), store.AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestCloseDrainsQueue(t *testing.T) {
	st, err := store.NewSQLite(":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := NewRecorder(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i := 0; i < 50; i++ {
		r.Record(store.AuditEvent{EventType: EventMessageAdded, AgentID: "alice", Result: ResultSuccess})
	}
	r.Close()

	// After Close returns every queued event is on disk.
	events, err := st.ListAuditEvents(context.Background(), store.AuditFilter{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, events, 50)

	r.Close()
}

func TestRecordAfterCloseDrops(t *testing.T) {
	st, err := store.NewSQLite(":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := NewRecorder(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.Close()

	// A late Record during teardown must not panic on the closed queue.
	r.Record(store.AuditEvent{EventType: EventMessageAdded, AgentID: "alice", Result: ResultSuccess})
	assert.Equal(t, int64(1), r.Dropped())

	events, err := st.ListAuditEvents(context.Background(), store.AuditFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestNilRecorderIsNoOp(t *testing.T) {
	var r *Recorder
	r.Record(store.AuditEvent{EventType: EventMessageAdded})
	assert.Equal(t, int64(0), r.Dropped())
	r.Close()
}

func TestDroppedCounter(t *testing.T) {
	r, _ := newTestRecorder(t)
	assert.Equal(t, int64(0), r.Dropped())
}
