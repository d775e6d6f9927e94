// Package session implements the session engine: named workspaces that hold
// messages and scoped agent memory.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/contexthub-ai/contexthub/internal/audit"
	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/cache"
	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/store"
	"github.com/contexthub-ai/contexthub/pkg/protocol"
)

const (
	maxPurposeLen  = 1000
	maxMetadataLen = 8 * 1024
)

var idRe = regexp.MustCompile(`^session_[0-9a-f]{16}$`)

// Engine is the session engine.
type Engine struct {
	store  store.Store
	caches *cache.Set
	hub    *notify.Hub
	audit  *audit.Recorder
	logger *slog.Logger
}

// New creates the engine.
func New(s store.Store, caches *cache.Set, hub *notify.Hub, rec *audit.Recorder, logger *slog.Logger) *Engine {
	return &Engine{
		store:  s,
		caches: caches,
		hub:    hub,
		audit:  rec,
		logger: logger.With("component", "session"),
	}
}

// GenerateID returns a fresh session id: "session_" plus 16 lowercase hex
// characters from the cryptographic RNG.
func GenerateID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return "session_" + hex.EncodeToString(b), nil
}

// ValidateID checks the id shape before any storage access.
func ValidateID(id string) error {
	if !idRe.MatchString(id) {
		return ctxerr.Validation("session_id must match %s", idRe.String())
	}
	return nil
}

// Create persists a new session owned by the caller. Requires write.
func (e *Engine) Create(ctx context.Context, ident *auth.Identity, purpose string, metadata map[string]any) (*store.Session, error) {
	if err := auth.Require(ident, auth.PermWrite); err != nil {
		e.denied(ident, "create_session")
		return nil, err
	}

	purpose = sanitizePurpose(purpose)
	if purpose == "" {
		return nil, ctxerr.Validation("purpose must not be empty")
	}
	if len(purpose) > maxPurposeLen {
		return nil, ctxerr.Validation("purpose exceeds %d characters", maxPurposeLen)
	}
	if err := checkMetadataSize(metadata); err != nil {
		return nil, err
	}

	id, err := GenerateID()
	if err != nil {
		return nil, ctxerr.Internal(err)
	}

	now := store.Now()
	sess := &store.Session{
		ID:        id,
		Purpose:   purpose,
		CreatedBy: ident.AgentID,
		CreatedAt: now,
		UpdatedAt: now,
		IsActive:  true,
		Metadata:  auth.RedactMetadata(metadata),
	}
	if err := store.WithRetry(ctx, func() error {
		return e.store.CreateSession(ctx, sess)
	}); err != nil {
		return nil, err
	}

	e.audit.Record(store.AuditEvent{
		EventType: audit.EventSessionCreated,
		AgentID:   ident.AgentID,
		SessionID: id,
		Result:    audit.ResultSuccess,
	})
	e.logger.Info("session created", "session_id", id, "created_by", ident.AgentID)
	return sess, nil
}

// Get returns a session by id. Requires read.
func (e *Engine) Get(ctx context.Context, ident *auth.Identity, id string) (*store.Session, error) {
	if err := auth.Require(ident, auth.PermRead); err != nil {
		return nil, err
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	cacheKey := "session:" + id
	if cached, ok := e.caches.Sessions.Get(cacheKey); ok {
		return cached.(*store.Session), nil
	}

	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, store.Translate(err)
	}
	if sess == nil {
		return nil, ctxerr.NotFound("session %s not found", id)
	}
	e.caches.Sessions.Set(cacheKey, sess)
	return sess, nil
}

// List returns the sessions the caller created plus any they have sent a
// message in, newest activity first.
func (e *Engine) List(ctx context.Context, ident *auth.Identity, limit, offset int) ([]store.Session, error) {
	if err := auth.Require(ident, auth.PermRead); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		return nil, ctxerr.Validation("offset must not be negative")
	}
	sessions, err := e.store.ListSessionsForAgent(ctx, ident.AgentID, limit, offset)
	if err != nil {
		return nil, store.Translate(err)
	}
	return sessions, nil
}

// Deactivate marks an idle session inactive; the retention reaper calls it.
func (e *Engine) Deactivate(ctx context.Context, id string) error {
	now := store.Now()
	if err := store.WithRetry(ctx, func() error {
		return e.store.SetSessionActive(ctx, id, false, now)
	}); err != nil {
		return err
	}
	e.caches.Sessions.Delete("session:" + id)
	e.audit.Record(store.AuditEvent{
		EventType: audit.EventSessionExpired,
		AgentID:   "system",
		SessionID: id,
		Result:    audit.ResultSuccess,
	})
	e.hub.Publish(protocol.SessionURI(id), protocol.Event{
		Type:    protocol.TypeSessionUpdated,
		Payload: protocol.SessionUpdated{SessionID: id, UpdatedAt: now, IsActive: false},
	})
	return nil
}

// Delete removes a session and, via the storage cascade, its messages and
// session-scoped memory. Admin only; clients never delete data.
func (e *Engine) Delete(ctx context.Context, ident *auth.Identity, id string) error {
	if err := auth.Require(ident, auth.PermAdmin); err != nil {
		e.denied(ident, "delete_session")
		return err
	}
	if err := ValidateID(id); err != nil {
		return err
	}

	var deleted bool
	if err := store.WithRetry(ctx, func() error {
		var err error
		deleted, err = e.store.DeleteSession(ctx, id)
		return err
	}); err != nil {
		return err
	}
	if !deleted {
		return ctxerr.NotFound("session %s not found", id)
	}

	e.caches.Sessions.Delete("session:" + id)
	e.caches.Messages.InvalidatePrefix("messages:" + id + ":")
	e.caches.Search.InvalidatePrefix("search:")
	e.audit.Record(store.AuditEvent{
		EventType: audit.EventSessionDeleted,
		AgentID:   ident.AgentID,
		SessionID: id,
		Result:    audit.ResultSuccess,
	})
	e.logger.Info("session deleted", "session_id", id, "by", ident.AgentID)
	return nil
}

// ReapIdle marks sessions with no activity since the cutoff as inactive.
// Returns how many were deactivated.
func (e *Engine) ReapIdle(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := store.Now().Add(-retention)
	idle, err := e.store.ListSessionsIdleSince(ctx, cutoff)
	if err != nil {
		return 0, store.Translate(err)
	}
	n := 0
	for _, sess := range idle {
		if err := e.Deactivate(ctx, sess.ID); err != nil {
			e.logger.Warn("deactivate idle session failed", "session_id", sess.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (e *Engine) denied(ident *auth.Identity, action string) {
	agentID := ""
	if ident != nil {
		agentID = ident.AgentID
	}
	e.audit.Record(store.AuditEvent{
		EventType: audit.EventAuthorization,
		AgentID:   agentID,
		Action:    action,
		Result:    audit.ResultDenied,
	})
}

// sanitizePurpose strips control characters and collapses whitespace runs.
var (
	controlRe   = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	tagRe       = regexp.MustCompile(`<[^>]*>`)
	spaceRunsRe = regexp.MustCompile(`\s+`)
)

func sanitizePurpose(s string) string {
	s = tagRe.ReplaceAllString(s, "")
	s = controlRe.ReplaceAllString(s, "")
	return strings.TrimSpace(spaceRunsRe.ReplaceAllString(s, " "))
}

func checkMetadataSize(m map[string]any) error {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ctxerr.Validation("metadata is not JSON-encodable")
	}
	if len(b) > maxMetadataLen {
		return ctxerr.Validation("metadata exceeds %d bytes", maxMetadataLen)
	}
	return nil
}
