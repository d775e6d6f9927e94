package auth

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/store"
)

const testAPIKey = "test-api-key"

func newTestService(t *testing.T, ttl time.Duration) *Service {
	t.Helper()
	st, err := store.NewSQLite(":memory:", false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	svc, err := NewService(st, testAPIKey,
		"0123456789abcdef0123456789abcdef",
		bytes.Repeat([]byte{0x42}, 32),
		ttl,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestAuthenticateAndValidate(t *testing.T) {
	svc := newTestService(t, time.Minute)
	ctx := context.Background()

	token, expiresAt, err := svc.Authenticate(ctx, testAPIKey, "claude-main", "claude", nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !strings.HasPrefix(token, "sct_") {
		t.Errorf("token prefix: got %q", token)
	}
	if !expiresAt.After(store.Now()) {
		t.Errorf("expiry in the past: %v", expiresAt)
	}

	ident, err := svc.Validate(ctx, token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ident.AgentID != "claude-main" || ident.AgentType != "claude" {
		t.Errorf("identity: %+v", ident)
	}
	for _, perm := range []string{PermRead, PermWrite, PermRefresh} {
		if !ident.Has(perm) {
			t.Errorf("default identity lacks %q", perm)
		}
	}
	if ident.IsAdmin() {
		t.Error("default identity should not be admin")
	}
}

func TestAuthenticateRejections(t *testing.T) {
	svc := newTestService(t, time.Minute)
	ctx := context.Background()

	tests := []struct {
		name      string
		apiKey    string
		agentID   string
		agentType string
		perms     []string
		wantCode  ctxerr.Code
	}{
		{"wrong api key", "nope", "alice", "generic", nil, ctxerr.CodeUnauthenticated},
		{"empty agent id", testAPIKey, "", "generic", nil, ctxerr.CodeValidation},
		{"bad agent id chars", testAPIKey, "bad agent!", "generic", nil, ctxerr.CodeValidation},
		{"unknown agent type", testAPIKey, "alice", "robot", nil, ctxerr.CodeValidation},
		{"unknown permission", testAPIKey, "alice", "generic", []string{"fly"}, ctxerr.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Authenticate(ctx, tt.apiKey, tt.agentID, tt.agentType, tt.perms)
			if !ctxerr.HasCode(err, tt.wantCode) {
				t.Fatalf("got %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestAdminTypeImpliesAdminPermission(t *testing.T) {
	svc := newTestService(t, time.Minute)
	ctx := context.Background()

	token, _, err := svc.Authenticate(ctx, testAPIKey, "root", "admin", []string{PermRead})
	if err != nil {
		t.Fatal(err)
	}
	ident, err := svc.Validate(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if !ident.IsAdmin() {
		t.Error("admin agent type should carry the admin permission")
	}
	// Admin implies everything except refresh_token.
	if !ident.Has(PermWrite) {
		t.Error("admin should imply write")
	}
	if ident.Has(PermRefresh) {
		t.Error("admin must not imply refresh_token")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	svc := newTestService(t, time.Minute)
	ctx := context.Background()

	for _, token := range []string{"", "not-a-token", "sct_not-a-uuid"} {
		if _, err := svc.Validate(ctx, token); err == nil {
			t.Errorf("Validate(%q) should fail", token)
		}
	}

	// Well-formed but unknown id.
	if _, err := svc.Validate(ctx, "sct_00000000-0000-0000-0000-000000000000"); !ctxerr.HasCode(err, ctxerr.CodeUnauthenticated) {
		t.Errorf("unknown token: got %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	svc := newTestService(t, time.Minute)
	ctx := context.Background()

	// Issue with a tiny ttl and wait it out.
	token, _, err := svc.Issue(ctx, "alice", "generic", []string{PermRead}, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := svc.Validate(ctx, token); !ctxerr.HasCode(err, ctxerr.CodeUnauthenticated) {
		t.Fatalf("expired token: got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc := newTestService(t, time.Minute)
	ctx := context.Background()

	token, _, err := svc.Authenticate(ctx, testAPIKey, "alice", "generic", nil)
	if err != nil {
		t.Fatal(err)
	}

	fresh, _, err := svc.Refresh(ctx, token)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if fresh == token {
		t.Fatal("refresh returned the same token")
	}

	// The old token died the moment the new one exists.
	if _, err := svc.Validate(ctx, token); err == nil {
		t.Error("old token still validates after refresh")
	}
	ident, err := svc.Validate(ctx, fresh)
	if err != nil {
		t.Fatalf("fresh token: %v", err)
	}
	if ident.AgentID != "alice" {
		t.Errorf("identity after refresh: %+v", ident)
	}
}

func TestRefreshRequiresPermission(t *testing.T) {
	svc := newTestService(t, time.Minute)
	ctx := context.Background()

	token, _, err := svc.Authenticate(ctx, testAPIKey, "alice", "generic", []string{PermRead, PermWrite})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Refresh(ctx, token); !ctxerr.HasCode(err, ctxerr.CodePermissionDenied) {
		t.Fatalf("refresh without refresh_token: got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	svc := newTestService(t, time.Minute)
	ctx := context.Background()

	token, _, err := svc.Authenticate(ctx, testAPIKey, "alice", "generic", nil)
	if err != nil {
		t.Fatal(err)
	}
	ident, err := svc.Validate(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Revoke(ctx, ident.TokenID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := svc.Validate(ctx, token); err == nil {
		t.Error("revoked token still validates")
	}
}

func TestSweepExpired(t *testing.T) {
	svc := newTestService(t, time.Minute)
	ctx := context.Background()

	if _, _, err := svc.Issue(ctx, "alice", "generic", []string{PermRead}, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Issue(ctx, "bob", "generic", []string{PermRead}, time.Hour); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("sweep: deleted %d, want 1", n)
	}
}

func TestRequire(t *testing.T) {
	if err := Require(nil, PermRead); !ctxerr.HasCode(err, ctxerr.CodeUnauthenticated) {
		t.Errorf("nil identity: got %v", err)
	}
	ident := &Identity{AgentID: "alice", Permissions: []string{PermRead}}
	if err := Require(ident, PermRead); err != nil {
		t.Errorf("held permission: got %v", err)
	}
	if err := Require(ident, PermWrite); !ctxerr.HasCode(err, ctxerr.CodePermissionDenied) {
		t.Errorf("missing permission: got %v", err)
	}
}

func TestIdentityContextRoundTrip(t *testing.T) {
	ident := &Identity{AgentID: "alice"}
	ctx := WithIdentity(context.Background(), ident)
	if got := FromContext(ctx); got != ident {
		t.Errorf("FromContext: got %+v", got)
	}
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("empty context: got %+v", got)
	}
}
