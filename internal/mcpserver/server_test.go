package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexthub-ai/contexthub/internal/audit"
	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/cache"
	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/memory"
	"github.com/contexthub-ai/contexthub/internal/message"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/search"
	"github.com/contexthub-ai/contexthub/internal/session"
	"github.com/contexthub-ai/contexthub/internal/store"
)

const testAPIKey = "test-api-key"

func newTestMCP(t *testing.T) (*Server, *audit.Recorder) {
	t.Helper()
	st, err := store.NewSQLite(":memory:", false)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := auth.NewService(st, testAPIKey,
		"0123456789abcdef0123456789abcdef",
		bytes.Repeat([]byte{0x42}, 32),
		time.Minute, logger)
	require.NoError(t, err)

	rec := audit.NewRecorder(st, logger)
	t.Cleanup(rec.Close)
	caches := cache.NewSet(
		cache.New(10, time.Minute), cache.New(10, time.Minute),
		cache.New(10, time.Minute), cache.New(10, time.Minute),
	)
	hub := notify.New(16, logger)
	messages := message.New(st, caches, hub, rec, logger)

	return New(Deps{
		Auth:     svc,
		Sessions: session.New(st, caches, hub, rec, logger),
		Messages: messages,
		Memory:   memory.New(st, caches, hub, rec, logger),
		Search:   search.New(messages, caches, logger),
		Audit:    rec,
	}, logger), rec
}

func callReq(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

// waitForAudit polls until the asynchronous writer has landed the rows.
func waitForAudit(t *testing.T, rec *audit.Recorder, filter store.AuditFilter, want int) []store.AuditEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		events, err := rec.Query(context.Background(), filter)
		require.NoError(t, err)
		if len(events) >= want {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit log has %d events matching %+v, want %d", len(events), filter, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok, "tool result should be text content")
	return text.Text
}

func TestOkPayload(t *testing.T) {
	res, err := ok(map[string]any{"session_id": "session_0123456789abcdef"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &decoded))
	assert.Equal(t, true, decoded["success"])
	assert.Equal(t, "session_0123456789abcdef", decoded["session_id"])
}

func TestFailPayloadCarriesTaxonomy(t *testing.T) {
	res, err := fail(ctxerr.NotFound("session %s not found", "session_0123456789abcdef"))
	require.NoError(t, err, "tool failures are protocol-level successes")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &decoded))
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, "NotFound", decoded["code"])
	assert.NotEmpty(t, decoded["error"])
	assert.Contains(t, decoded, "recoverable")
	assert.NotContains(t, decoded, "retry_after", "no retry hint without one")
}

func TestFailPayloadRetryAfter(t *testing.T) {
	res, err := fail(ctxerr.RateLimited(3 * time.Second))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &decoded))
	assert.Equal(t, "RateLimited", decoded["code"])
	assert.Equal(t, float64(3), decoded["retry_after"])
	assert.Equal(t, true, decoded["recoverable"])
}

func TestAuthenticateToolRecordsAudit(t *testing.T) {
	s, rec := newTestMCP(t)
	ctx := context.Background()

	res, err := s.toolAuthenticate(ctx, callReq(map[string]any{
		"api_key":    testAPIKey,
		"agent_id":   "alice",
		"agent_type": "claude",
	}))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &decoded))
	require.Equal(t, true, decoded["success"])

	events := waitForAudit(t, rec, store.AuditFilter{EventType: audit.EventAuthentication}, 1)
	assert.Equal(t, "alice", events[0].AgentID)
	assert.Equal(t, audit.ResultSuccess, events[0].Result)
	assert.Equal(t, "claude", events[0].Metadata["agent_type"])
}

func TestAuthenticateToolRecordsFailure(t *testing.T) {
	s, rec := newTestMCP(t)

	res, err := s.toolAuthenticate(context.Background(), callReq(map[string]any{
		"api_key":  "wrong-key",
		"agent_id": "mallory",
	}))
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &decoded))
	require.Equal(t, false, decoded["success"])

	events := waitForAudit(t, rec, store.AuditFilter{EventType: audit.EventAuthentication}, 1)
	assert.Equal(t, "mallory", events[0].AgentID)
	assert.Equal(t, audit.ResultFailure, events[0].Result)
}

func TestRefreshToolRecordsAudit(t *testing.T) {
	s, rec := newTestMCP(t)
	ctx := context.Background()

	res, err := s.toolAuthenticate(ctx, callReq(map[string]any{
		"api_key":  testAPIKey,
		"agent_id": "alice",
	}))
	require.NoError(t, err)
	var minted map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &minted))
	token, _ := minted["token"].(string)
	require.NotEmpty(t, token)

	res, err = s.toolRefreshToken(ctx, callReq(map[string]any{"auth_token": token}))
	require.NoError(t, err)
	var refreshed map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &refreshed))
	require.Equal(t, true, refreshed["success"])

	events := waitForAudit(t, rec, store.AuditFilter{EventType: audit.EventTokenRefreshed}, 1)
	assert.Equal(t, "alice", events[0].AgentID)
	assert.Equal(t, audit.ResultSuccess, events[0].Result)
}

func TestFailWrapsPlainErrors(t *testing.T) {
	res, err := fail(errors.New("disk on fire"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &decoded))
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, "Internal", decoded["code"])
}
