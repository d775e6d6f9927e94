package session

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/cache"
	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/store"
	"github.com/contexthub-ai/contexthub/pkg/protocol"
)

func newTestEngine(t *testing.T) (*Engine, *notify.Hub) {
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
	return New(st, caches, hub, nil, logger), hub
}

func writer(id string) *auth.Identity {
	return &auth.Identity{AgentID: id, AgentType: "generic", Permissions: []string{auth.PermRead, auth.PermWrite}}
}

func admin(id string) *auth.Identity {
	return &auth.Identity{AgentID: id, AgentType: "admin", Permissions: []string{auth.PermRead, auth.PermWrite, auth.PermAdmin}}
}

func TestGenerateID(t *testing.T) {
	re := regexp.MustCompile(`^session_[0-9a-f]{16}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateID()
		require.NoError(t, err)
		assert.Regexp(t, re, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("session_0123456789abcdef"))
	for _, bad := range []string{
		"", "session_", "session_XYZ", "session_0123456789abcde",
		"session_0123456789abcdef0", "sess_0123456789abcdef",
		"session_0123456789ABCDEF",
	} {
		err := ValidateID(bad)
		assert.True(t, ctxerr.HasCode(err, ctxerr.CodeValidation), "ValidateID(%q) = %v", bad, err)
	}
}

func TestCreate(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	sess, err := e.Create(ctx, writer("alice"), "  Plan the <b>rollout</b>  ", map[string]any{
		"team":    "infra",
		"api_key": "sk-live-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "Plan the rollout", sess.Purpose)
	assert.Equal(t, "alice", sess.CreatedBy)
	assert.True(t, sess.IsActive)
	assert.Equal(t, "infra", sess.Metadata["team"])
	assert.Equal(t, auth.Redacted, sess.Metadata["api_key"])

	got, err := e.Get(ctx, writer("bob"), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestCreateValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Create(ctx, writer("alice"), "   ", nil)
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodeValidation))

	long := make([]byte, 1100)
	for i := range long {
		long[i] = 'a'
	}
	_, err = e.Create(ctx, writer("alice"), string(long), nil)
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodeValidation))

	readOnly := &auth.Identity{AgentID: "viewer", Permissions: []string{auth.PermRead}}
	_, err = e.Create(ctx, readOnly, "anything", nil)
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodePermissionDenied))
}

func TestGetNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Get(context.Background(), writer("alice"), "session_0000000000000000")
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodeNotFound))
}

func TestList(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.Create(ctx, writer("alice"), "first", nil)
	require.NoError(t, err)
	_, err = e.Create(ctx, writer("bob"), "not mine", nil)
	require.NoError(t, err)

	sessions, err := e.List(ctx, writer("alice"), 0, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, first.ID, sessions[0].ID)
}

func TestDeleteRequiresAdmin(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	sess, err := e.Create(ctx, writer("alice"), "doomed", nil)
	require.NoError(t, err)

	err = e.Delete(ctx, writer("alice"), sess.ID)
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodePermissionDenied))

	require.NoError(t, e.Delete(ctx, admin("root"), sess.ID))
	_, err = e.Get(ctx, writer("alice"), sess.ID)
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodeNotFound))

	err = e.Delete(ctx, admin("root"), sess.ID)
	assert.True(t, ctxerr.HasCode(err, ctxerr.CodeNotFound))
}

func TestDeactivatePublishes(t *testing.T) {
	e, hub := newTestEngine(t)
	ctx := context.Background()

	sess, err := e.Create(ctx, writer("alice"), "idle soon", nil)
	require.NoError(t, err)

	sub := hub.Subscribe(protocol.SessionURI(sess.ID), nil)
	t.Cleanup(func() { hub.Unsubscribe(sub) })

	require.NoError(t, e.Deactivate(ctx, sess.ID))

	select {
	case ev := <-sub.C():
		assert.Equal(t, protocol.TypeSessionUpdated, ev.Type)
		payload, ok := ev.Payload.(protocol.SessionUpdated)
		require.True(t, ok)
		assert.False(t, payload.IsActive)
	default:
		t.Fatal("no session_updated event delivered")
	}

	got, err := e.Get(ctx, writer("alice"), sess.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}
