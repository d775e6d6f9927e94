// Package memory implements per-agent key-value memory, optionally scoped to
// a session and optionally expiring. An agent reads and writes only its own
// entries; admins may enumerate another agent's keys but never read values.
package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"time"

	"github.com/contexthub-ai/contexthub/internal/audit"
	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/cache"
	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/session"
	"github.com/contexthub-ai/contexthub/internal/store"
	"github.com/contexthub-ai/contexthub/pkg/protocol"
)

const (
	maxKeyLen   = 255
	maxValueLen = 100 * 1024
)

var keyRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Engine is the agent memory engine.
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
		logger: logger.With("component", "memory"),
	}
}

// SetRequest carries the arguments of a Set.
type SetRequest struct {
	Key       string
	Value     any
	SessionID *string
	ExpiresIn time.Duration // 0 = permanent
	Overwrite bool
	Metadata  map[string]any
}

// Set upserts an entry under (agent, scope, key). Overwrite=false against a
// live record fails with Conflict. The stored value is always valid JSON:
// non-strings are encoded, strings are kept verbatim when they already parse
// and wrapped otherwise.
func (e *Engine) Set(ctx context.Context, ident *auth.Identity, req SetRequest) (*store.MemoryEntry, error) {
	if err := auth.Require(ident, auth.PermWrite); err != nil {
		return nil, err
	}
	if err := validateKey(req.Key); err != nil {
		return nil, err
	}
	if req.ExpiresIn < 0 {
		return nil, ctxerr.Validation("expires_in must not be negative")
	}
	if req.SessionID != nil {
		if err := session.ValidateID(*req.SessionID); err != nil {
			return nil, err
		}
		sess, err := e.store.GetSession(ctx, *req.SessionID)
		if err != nil {
			return nil, store.Translate(err)
		}
		if sess == nil {
			return nil, ctxerr.NotFound("session %s not found", *req.SessionID)
		}
	}

	value, err := encodeValue(req.Value)
	if err != nil {
		return nil, err
	}
	if len(value) > maxValueLen {
		return nil, ctxerr.Validation("value exceeds %d bytes", maxValueLen)
	}

	now := store.Now()
	entry := &store.MemoryEntry{
		AgentID:   ident.AgentID,
		SessionID: req.SessionID,
		Key:       req.Key,
		Value:     value,
		Metadata:  auth.RedactMetadata(req.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.ExpiresIn > 0 {
		t := now.Add(req.ExpiresIn)
		entry.ExpiresAt = &t
	}

	if err := store.WithRetry(ctx, func() error {
		return e.store.UpsertMemory(ctx, entry, req.Overwrite)
	}); err != nil {
		return nil, err
	}

	e.caches.Memory.InvalidatePrefix("memory:" + ident.AgentID + ":")
	e.audit.Record(store.AuditEvent{
		EventType: audit.EventMemorySet,
		AgentID:   ident.AgentID,
		SessionID: deref(req.SessionID),
		Resource:  req.Key,
		Result:    audit.ResultSuccess,
	})
	e.hub.Publish(protocol.MemoryURI(ident.AgentID), protocol.Event{
		Type: protocol.TypeMemoryUpdated,
		Payload: protocol.MemoryUpdated{
			AgentID:   ident.AgentID,
			Key:       req.Key,
			SessionID: req.SessionID,
		},
	})
	return entry, nil
}

// Get returns the caller's entry for (scope, key), or NotFound. An expired
// row counts as absent and is deleted on the way out.
func (e *Engine) Get(ctx context.Context, ident *auth.Identity, key string, sessionID *string) (*store.MemoryEntry, error) {
	if err := auth.Require(ident, auth.PermRead); err != nil {
		return nil, err
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if sessionID != nil {
		if err := session.ValidateID(*sessionID); err != nil {
			return nil, err
		}
	}

	cacheKey := "memory:" + ident.AgentID + ":" + deref(sessionID) + ":" + key
	if cached, ok := e.caches.Memory.Get(cacheKey); ok {
		entry := cached.(*store.MemoryEntry)
		if !expired(entry) {
			return entry, nil
		}
		e.caches.Memory.Delete(cacheKey)
	}

	entry, err := e.store.GetMemory(ctx, ident.AgentID, key, sessionID)
	if err != nil {
		return nil, store.Translate(err)
	}
	if entry == nil {
		return nil, ctxerr.NotFound("memory key %q not found", key)
	}
	if expired(entry) {
		// Lazy expiry: the read removes the dead row itself.
		if _, err := e.store.DeleteMemory(ctx, ident.AgentID, key, sessionID); err != nil {
			e.logger.Warn("lazy expiry delete failed", "key", key, "error", err)
		}
		return nil, ctxerr.NotFound("memory key %q not found", key)
	}

	e.caches.Memory.Set(cacheKey, entry)
	return entry, nil
}

// List returns the caller's non-expired entries for the requested scope,
// sorted by key. Scope defaults from the presence of sessionID; ScopeAll
// crosses both buckets.
func (e *Engine) List(ctx context.Context, ident *auth.Identity, sessionID *string, prefix string, scope store.MemoryScope, limit int) ([]store.MemoryEntry, error) {
	if err := auth.Require(ident, auth.PermRead); err != nil {
		return nil, err
	}
	if sessionID != nil {
		if err := session.ValidateID(*sessionID); err != nil {
			return nil, err
		}
	}
	switch scope {
	case "":
		if sessionID != nil {
			scope = store.ScopeSession
		} else {
			scope = store.ScopeGlobal
		}
	case store.ScopeGlobal, store.ScopeAll:
	case store.ScopeSession:
		if sessionID == nil {
			return nil, ctxerr.Validation("session scope requires a session_id")
		}
	default:
		return nil, ctxerr.Validation("scope must be global, session, or all")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	entries, err := e.store.ListMemory(ctx, store.MemoryQuery{
		AgentID:   ident.AgentID,
		SessionID: sessionID,
		Scope:     scope,
		Prefix:    prefix,
		Limit:     limit,
		Now:       store.Now(),
	})
	if err != nil {
		return nil, store.Translate(err)
	}
	return entries, nil
}

// ListKeys enumerates another agent's keys for admins. Values are withheld:
// audit-restricted mode lets an operator see what exists, never what it says.
func (e *Engine) ListKeys(ctx context.Context, ident *auth.Identity, agentID string, sessionID *string) ([]string, error) {
	if err := auth.Require(ident, auth.PermAdmin); err != nil {
		return nil, err
	}
	scope := store.ScopeGlobal
	if sessionID != nil {
		scope = store.ScopeSession
	}
	entries, err := e.store.ListMemory(ctx, store.MemoryQuery{
		AgentID:   agentID,
		SessionID: sessionID,
		Scope:     scope,
		Limit:     500,
		Now:       store.Now(),
	})
	if err != nil {
		return nil, store.Translate(err)
	}
	keys := make([]string, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key
	}
	return keys, nil
}

// Delete removes the caller's entry, or NotFound.
func (e *Engine) Delete(ctx context.Context, ident *auth.Identity, key string, sessionID *string) error {
	if err := auth.Require(ident, auth.PermWrite); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if sessionID != nil {
		if err := session.ValidateID(*sessionID); err != nil {
			return err
		}
	}

	var deleted bool
	if err := store.WithRetry(ctx, func() error {
		var err error
		deleted, err = e.store.DeleteMemory(ctx, ident.AgentID, key, sessionID)
		return err
	}); err != nil {
		return err
	}
	if !deleted {
		return ctxerr.NotFound("memory key %q not found", key)
	}

	e.caches.Memory.InvalidatePrefix("memory:" + ident.AgentID + ":")
	e.audit.Record(store.AuditEvent{
		EventType: audit.EventMemoryDeleted,
		AgentID:   ident.AgentID,
		SessionID: deref(sessionID),
		Resource:  key,
		Result:    audit.ResultSuccess,
	})
	e.hub.Publish(protocol.MemoryURI(ident.AgentID), protocol.Event{
		Type: protocol.TypeMemoryUpdated,
		Payload: protocol.MemoryUpdated{
			AgentID:   ident.AgentID,
			Key:       key,
			SessionID: sessionID,
			Deleted:   true,
		},
	})
	return nil
}

// SweepExpired deletes every expired row. The background sweeper calls it
// every sweep interval.
func (e *Engine) SweepExpired(ctx context.Context) (int64, error) {
	n, err := e.store.SweepExpiredMemory(ctx, store.Now())
	if err != nil {
		return 0, store.Translate(err)
	}
	if n > 0 {
		e.logger.Debug("memory sweep", "deleted", n)
	}
	return n, nil
}

func validateKey(key string) error {
	if key == "" || len(key) > maxKeyLen {
		return ctxerr.Validation("key must be 1..%d characters", maxKeyLen)
	}
	if !keyRe.MatchString(key) {
		return ctxerr.Validation("key must match %s", keyRe.String())
	}
	return nil
}

// encodeValue normalizes a value to a JSON text payload.
func encodeValue(v any) (string, error) {
	if s, ok := v.(string); ok {
		if json.Valid([]byte(s)) {
			return s, nil
		}
		b, err := json.Marshal(s)
		if err != nil {
			return "", ctxerr.Validation("value is not JSON-encodable")
		}
		return string(b), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", ctxerr.Validation("value is not JSON-encodable")
	}
	return string(b), nil
}

func expired(entry *store.MemoryEntry) bool {
	return entry.ExpiresAt != nil && !entry.ExpiresAt.After(store.Now())
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
