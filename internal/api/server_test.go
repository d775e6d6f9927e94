package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contexthub-ai/contexthub/internal/audit"
	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/cache"
	"github.com/contexthub-ai/contexthub/internal/config"
	"github.com/contexthub-ai/contexthub/internal/memory"
	"github.com/contexthub-ai/contexthub/internal/message"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/search"
	"github.com/contexthub-ai/contexthub/internal/session"
	"github.com/contexthub-ai/contexthub/internal/store"
)

const testAPIKey = "test-api-key"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			MaxBodyBytes:  1024 * 1024,
			RatePerMinute: 6000,
			RateBurst:     1000,
		},
		Notify: config.NotifyConfig{
			HeartbeatInterval: 30 * time.Second,
			QueueSize:         64,
			DrainTimeout:      time.Second,
		},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestServerWith(t, testConfig())
}

func newTestServerWith(t *testing.T, cfg *config.Config) *httptest.Server {
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
	sessions := session.New(st, caches, hub, rec, logger)
	messages := message.New(st, caches, hub, rec, logger)
	mem := memory.New(st, caches, hub, rec, logger)

	srv := NewServer(Deps{
		Store:    st,
		Auth:     svc,
		Sessions: sessions,
		Messages: messages,
		Memory:   mem,
		Search:   search.New(messages, caches, logger),
		Audit:    rec,
		Caches:   caches,
		Hub:      hub,
	}, cfg, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// do issues a JSON request and decodes the JSON response body.
func do(t *testing.T, ts *httptest.Server, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

// mint authenticates an agent over the API and returns its token.
func mint(t *testing.T, ts *httptest.Server, agentID, agentType string) string {
	t.Helper()
	return mintWith(t, ts, agentID, agentType, nil)
}

func mintWith(t *testing.T, ts *httptest.Server, agentID, agentType string, perms []string) string {
	t.Helper()
	payload := map[string]any{"agent_id": agentID, "agent_type": agentType}
	if perms != nil {
		payload["permissions"] = perms
	}
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/auth/token", bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.NotEmpty(t, decoded.Token)
	return decoded.Token
}

func errCode(t *testing.T, body map[string]any) string {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "error envelope missing: %v", body)
	code, _ := e["code"].(string)
	return code
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	status, body := do(t, ts, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, body = do(t, ts, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body["status"])
}

func TestAuthTokenWrongKey(t *testing.T) {
	ts := newTestServer(t)

	b, _ := json.Marshal(map[string]any{"agent_id": "alice", "agent_type": "generic"})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/auth/token", bytes.NewReader(b))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "wrong")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Unauthenticated", errCode(t, body))
}

func TestRequestWithoutToken(t *testing.T) {
	ts := newTestServer(t)
	status, body := do(t, ts, http.MethodGet, "/api/v1/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Unauthenticated", errCode(t, body))
}

func TestRequestWithGarbageToken(t *testing.T) {
	ts := newTestServer(t)
	status, _ := do(t, ts, http.MethodGet, "/api/v1/sessions", "sct_not-a-real-token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token := mint(t, ts, "alice", "generic")

	status, body := do(t, ts, http.MethodPost, "/api/v1/sessions", token,
		map[string]any{"purpose": "integration run"})
	require.Equal(t, http.StatusCreated, status)
	sess := body["session"].(map[string]any)
	sid := sess["id"].(string)
	assert.Equal(t, "integration run", sess["purpose"])
	assert.Equal(t, "alice", sess["created_by"])

	status, body = do(t, ts, http.MethodGet, "/api/v1/sessions/"+sid, token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, sid, body["session"].(map[string]any)["id"])

	status, body = do(t, ts, http.MethodGet, "/api/v1/sessions", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, body = do(t, ts, http.MethodGet, "/api/v1/sessions/session_ffffffffffffffff", token, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFound", errCode(t, body))
}

func TestSessionValidationError(t *testing.T) {
	ts := newTestServer(t)
	token := mint(t, ts, "alice", "generic")

	status, body := do(t, ts, http.MethodPost, "/api/v1/sessions", token,
		map[string]any{"purpose": "   "})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ValidationError", errCode(t, body))
}

func TestMessageFlow(t *testing.T) {
	ts := newTestServer(t)
	alice := mint(t, ts, "alice", "generic")
	bob := mint(t, ts, "bob", "generic")

	_, body := do(t, ts, http.MethodPost, "/api/v1/sessions", alice,
		map[string]any{"purpose": "message flow"})
	sid := body["session"].(map[string]any)["id"].(string)

	status, body := do(t, ts, http.MethodPost, "/api/v1/sessions/"+sid+"/messages", alice,
		map[string]any{"content": "public hello"})
	require.Equal(t, http.StatusCreated, status)
	msg := body["message"].(map[string]any)
	assert.Equal(t, "public", msg["visibility"])

	status, _ = do(t, ts, http.MethodPost, "/api/v1/sessions/"+sid+"/messages", alice,
		map[string]any{"content": "my secret", "visibility": "private"})
	require.Equal(t, http.StatusCreated, status)

	// Bob only sees the public message.
	status, body = do(t, ts, http.MethodGet, "/api/v1/sessions/"+sid+"/messages", bob, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, body = do(t, ts, http.MethodGet, "/api/v1/sessions/"+sid+"/messages", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["count"])

	// A private message reads as absent for others.
	privateID := int64(msg["id"].(float64)) + 1
	status, _ = do(t, ts, http.MethodGet, fmt.Sprintf("/api/v1/messages/%d", privateID), bob, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSearchEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token := mint(t, ts, "alice", "generic")

	_, body := do(t, ts, http.MethodPost, "/api/v1/sessions", token,
		map[string]any{"purpose": "search"})
	sid := body["session"].(map[string]any)["id"].(string)

	_, _ = do(t, ts, http.MethodPost, "/api/v1/sessions/"+sid+"/messages", token,
		map[string]any{"content": "deploy the billing service"})

	status, body := do(t, ts, http.MethodPost, "/api/v1/sessions/"+sid+"/search", token,
		map[string]any{"query": "billing service"})
	require.Equal(t, http.StatusOK, status)
	assert.GreaterOrEqual(t, body["count"].(float64), float64(1))

	status, body = do(t, ts, http.MethodPost, "/api/v1/sessions/"+sid+"/search", token,
		map[string]any{"query": "x", "fuzzy_threshold": 200})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "ValidationError", errCode(t, body))
}

func TestMemoryEndpoints(t *testing.T) {
	ts := newTestServer(t)
	token := mint(t, ts, "alice", "generic")

	status, body := do(t, ts, http.MethodPut, "/api/v1/memory/task.state", token,
		map[string]any{"value": map[string]any{"step": 1}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])

	status, body = do(t, ts, http.MethodGet, "/api/v1/memory/task.state", token, nil)
	require.Equal(t, http.StatusOK, status)
	entry := body["entry"].(map[string]any)
	assert.JSONEq(t, `{"step":1}`, entry["value"].(string))

	// overwrite=false against the live row conflicts.
	status, body = do(t, ts, http.MethodPut, "/api/v1/memory/task.state", token,
		map[string]any{"value": "other", "overwrite": false})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Conflict", errCode(t, body))

	status, body = do(t, ts, http.MethodGet, "/api/v1/memory?prefix=task.", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, _ = do(t, ts, http.MethodDelete, "/api/v1/memory/task.state", token, nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = do(t, ts, http.MethodGet, "/api/v1/memory/task.state", token, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	ts := newTestServer(t)
	alice := mint(t, ts, "alice", "generic")
	root := mint(t, ts, "root", "admin")

	_, body := do(t, ts, http.MethodPost, "/api/v1/sessions", alice,
		map[string]any{"purpose": "admin target"})
	sid := body["session"].(map[string]any)["id"].(string)

	status, body := do(t, ts, http.MethodDelete, "/api/v1/sessions/"+sid, alice, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "PermissionDenied", errCode(t, body))

	status, _ = do(t, ts, http.MethodDelete, "/api/v1/sessions/"+sid, root, nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = do(t, ts, http.MethodGet, "/api/v1/admin/audit", alice, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = do(t, ts, http.MethodGet, "/api/v1/admin/audit", root, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])

	status, body = do(t, ts, http.MethodGet, "/api/v1/admin/cache-stats", root, nil)
	require.Equal(t, http.StatusOK, status)
	caches := body["caches"].(map[string]any)
	for _, class := range []string{"sessions", "message_pages", "search", "memory"} {
		_, ok := caches[class]
		assert.True(t, ok, "cache class %q missing", class)
	}
}

func TestTokenRefreshEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token := mint(t, ts, "alice", "generic")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/auth/refresh", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Token)
	assert.NotEqual(t, token, body.Token)

	// The rotated-out token is dead.
	status, _ := do(t, ts, http.MethodGet, "/api/v1/sessions", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = do(t, ts, http.MethodGet, "/api/v1/sessions", body.Token, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestRateLimitReturns429(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RatePerMinute = 60
	cfg.Server.RateBurst = 3
	ts := newTestServerWith(t, cfg)
	token := mint(t, ts, "burster", "generic")

	var status int
	var body map[string]any
	for i := 0; i < 10; i++ {
		status, body = do(t, ts, http.MethodGet, "/api/v1/sessions", token, nil)
		if status == http.StatusTooManyRequests {
			break
		}
	}
	require.Equal(t, http.StatusTooManyRequests, status, "burst should exhaust")
	assert.Equal(t, "RateLimited", errCode(t, body))

	// The limited response carries retry guidance.
	e := body["error"].(map[string]any)
	assert.GreaterOrEqual(t, e["retry_after"].(float64), float64(1))
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestMalformedJSONBody(t *testing.T) {
	ts := newTestServer(t)
	token := mint(t, ts, "alice", "generic")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/sessions", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
