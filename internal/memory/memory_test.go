package memory

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/cache"
	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/store"
	"github.com/contexthub-ai/contexthub/pkg/protocol"
)

func newTestEngine(t *testing.T) (*Engine, store.Store, *notify.Hub) {
	t.Helper()
	st, err := store.NewSQLite(":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	caches := cache.NewSet(
		cache.New(10, time.Minute), cache.New(10, time.Minute),
		cache.New(10, time.Minute), cache.New(10, time.Minute),
	)
	hub := notify.New(16, logger)
	return New(st, caches, hub, nil, logger), st, hub
}

func writer(id string) *auth.Identity {
	return &auth.Identity{AgentID: id, AgentType: "generic", Permissions: []string{auth.PermRead, auth.PermWrite}}
}

func admin(id string) *auth.Identity {
	return &auth.Identity{AgentID: id, AgentType: "admin", Permissions: []string{auth.PermRead, auth.PermWrite, auth.PermAdmin}}
}

func createSession(t *testing.T, st store.Store, createdBy string) string {
	t.Helper()
	now := store.Now()
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	sess := &store.Session{
		ID: "session_" + raw[:16], Purpose: "test", CreatedBy: createdBy,
		CreatedAt: now, UpdatedAt: now, IsActive: true,
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	return sess.ID
}

func TestSetAndGet(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	entry, err := e.Set(ctx, writer("alice"), SetRequest{
		Key: "task.state", Value: map[string]any{"step": 3}, Overwrite: true,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":3}`, entry.Value)
	assert.Nil(t, entry.SessionID)
	assert.Nil(t, entry.ExpiresAt)

	got, err := e.Get(ctx, writer("alice"), "task.state", nil)
	require.NoError(t, err)
	assert.Equal(t, entry.Value, got.Value)
}

func TestValueNormalization(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"json string kept verbatim", `{"a":1}`, `{"a":1}`},
		{"plain string wrapped", "hello", `"hello"`},
		{"number", 42, "42"},
		{"bool", true, "true"},
		{"slice", []any{1, "two"}, `[1,"two"]`},
		{"nil", nil, "null"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := e.Set(ctx, writer("alice"), SetRequest{
				Key: "k-" + strings.ReplaceAll(tt.name, " ", "-"), Value: tt.value, Overwrite: true,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, entry.Value)
		})
	}
}

func TestKeyValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	for _, bad := range []string{"", ".leading-dot", "has space", "ha$h", strings.Repeat("k", 256)} {
		_, err := e.Set(ctx, writer("alice"), SetRequest{Key: bad, Value: "x", Overwrite: true})
		assert.True(t, ctxerr.HasCode(err, ctxerr.CodeValidation), "key %q: %v", bad, err)
	}
	for _, good := range []string{"k", "task.state", "A-1_b.c", "0start"} {
		_, err := e.Set(ctx, writer("alice"), SetRequest{Key: good, Value: "x", Overwrite: true})
		assert.NoError(t, err, "key %q", good)
	}
}

func TestOverwriteConflict(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Set(ctx, writer("alice"), SetRequest{Key: "once", Value: "first", Overwrite: false})
	require.NoError(t, err)

	_, err = e.Set(ctx, writer("alice"), SetRequest{Key: "once", Value: "second", Overwrite: false})
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodeConflict), "got %v", err)

	entry, err := e.Set(ctx, writer("alice"), SetRequest{Key: "once", Value: "third", Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, `"third"`, entry.Value)
}

func TestScopeSeparation(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	sid := createSession(t, st, "alice")

	_, err := e.Set(ctx, writer("alice"), SetRequest{Key: "plan", Value: "global", Overwrite: true})
	require.NoError(t, err)
	_, err = e.Set(ctx, writer("alice"), SetRequest{Key: "plan", Value: "scoped", SessionID: &sid, Overwrite: true})
	require.NoError(t, err)

	global, err := e.Get(ctx, writer("alice"), "plan", nil)
	require.NoError(t, err)
	assert.Equal(t, `"global"`, global.Value)

	scoped, err := e.Get(ctx, writer("alice"), "plan", &sid)
	require.NoError(t, err)
	assert.Equal(t, `"scoped"`, scoped.Value)

	all, err := e.List(ctx, writer("alice"), nil, "", store.ScopeAll, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSetUnknownSession(t *testing.T) {
	e, _, _ := newTestEngine(t)
	missing := "session_ffffffffffffffff"
	_, err := e.Set(context.Background(), writer("alice"), SetRequest{
		Key: "k", Value: "v", SessionID: &missing, Overwrite: true,
	})
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodeNotFound))
}

func TestAgentIsolation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Set(ctx, writer("alice"), SetRequest{Key: "secret", Value: "mine", Overwrite: true})
	require.NoError(t, err)

	_, err = e.Get(ctx, writer("bob"), "secret", nil)
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodeNotFound))

	entries, err := e.List(ctx, writer("bob"), nil, "", store.ScopeGlobal, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTTLLazyExpiry(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Set(ctx, writer("alice"), SetRequest{
		Key: "ephemeral", Value: "soon gone", ExpiresIn: time.Millisecond, Overwrite: true,
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = e.Get(ctx, writer("alice"), "ephemeral", nil)
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodeNotFound))

	// The expired row was deleted by the read, so a no-overwrite write lands.
	_, err = e.Set(ctx, writer("alice"), SetRequest{Key: "ephemeral", Value: "reborn", Overwrite: false})
	assert.NoError(t, err)
}

func TestNegativeTTLRejected(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Set(context.Background(), writer("alice"), SetRequest{
		Key: "k", Value: "v", ExpiresIn: -time.Second, Overwrite: true,
	})
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodeValidation))
}

func TestListPrefixAndScopes(t *testing.T) {
	e, st, _ := newTestEngine(t)
	ctx := context.Background()
	sid := createSession(t, st, "alice")

	for _, key := range []string{"task.one", "task.two", "note.alpha"} {
		_, err := e.Set(ctx, writer("alice"), SetRequest{Key: key, Value: "v", Overwrite: true})
		require.NoError(t, err)
	}
	_, err := e.Set(ctx, writer("alice"), SetRequest{Key: "task.scoped", Value: "v", SessionID: &sid, Overwrite: true})
	require.NoError(t, err)

	tasks, err := e.List(ctx, writer("alice"), nil, "task.", store.ScopeGlobal, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task.one", tasks[0].Key)
	assert.Equal(t, "task.two", tasks[1].Key)

	scoped, err := e.List(ctx, writer("alice"), &sid, "", store.ScopeSession, 0)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "task.scoped", scoped[0].Key)

	// Session scope without a session id is a caller error.
	_, err = e.List(ctx, writer("alice"), nil, "", store.ScopeSession, 0)
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodeValidation))

	_, err = e.List(ctx, writer("alice"), nil, "", "cosmic", 0)
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodeValidation))
}

func TestListKeysAdminOnly(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Set(ctx, writer("alice"), SetRequest{Key: "hidden", Value: "payload", Overwrite: true})
	require.NoError(t, err)

	_, err = e.ListKeys(ctx, writer("bob"), "alice", nil)
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodePermissionDenied))

	keys, err := e.ListKeys(ctx, admin("root"), "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hidden"}, keys)
}

func TestDelete(t *testing.T) {
	e, _, hub := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Set(ctx, writer("alice"), SetRequest{Key: "doomed", Value: "v", Overwrite: true})
	require.NoError(t, err)

	sub := hub.Subscribe(protocol.MemoryURI("alice"), nil)
	t.Cleanup(func() { hub.Unsubscribe(sub) })

	require.NoError(t, e.Delete(ctx, writer("alice"), "doomed", nil))

	select {
	case ev := <-sub.C():
		assert.Equal(t, protocol.TypeMemoryUpdated, ev.Type)
		payload, ok := ev.Payload.(protocol.MemoryUpdated)
		require.True(t, ok)
		assert.True(t, payload.Deleted)
		assert.Equal(t, "doomed", payload.Key)
	default:
		t.Fatal("no memory_updated event delivered")
	}

	err = e.Delete(ctx, writer("alice"), "doomed", nil)
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodeNotFound))
}

func TestSetPublishes(t *testing.T) {
	e, _, hub := newTestEngine(t)
	ctx := context.Background()

	sub := hub.Subscribe(protocol.MemoryURI("alice"), nil)
	t.Cleanup(func() { hub.Unsubscribe(sub) })

	_, err := e.Set(ctx, writer("alice"), SetRequest{Key: "announce", Value: "v", Overwrite: true})
	require.NoError(t, err)

	select {
	case ev := <-sub.C():
		payload, ok := ev.Payload.(protocol.MemoryUpdated)
		require.True(t, ok)
		assert.Equal(t, "alice", payload.AgentID)
		assert.Equal(t, "announce", payload.Key)
		assert.False(t, payload.Deleted)
	default:
		t.Fatal("no memory_updated event delivered")
	}
}

func TestSweepExpired(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Set(ctx, writer("alice"), SetRequest{Key: "short", Value: "v", ExpiresIn: time.Millisecond, Overwrite: true})
	require.NoError(t, err)
	_, err = e.Set(ctx, writer("alice"), SetRequest{Key: "long", Value: "v", ExpiresIn: time.Hour, Overwrite: true})
	require.NoError(t, err)
	_, err = e.Set(ctx, writer("alice"), SetRequest{Key: "forever", Value: "v", Overwrite: true})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	n, err := e.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReadOnlyCannotWrite(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	readOnly := &auth.Identity{AgentID: "viewer", Permissions: []string{auth.PermRead}}

	_, err := e.Set(ctx, readOnly, SetRequest{Key: "k", Value: "v", Overwrite: true})
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodePermissionDenied))

	err = e.Delete(ctx, readOnly, "k", nil)
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodePermissionDenied))
}
