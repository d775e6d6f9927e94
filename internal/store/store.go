// Package store defines the persistence interface for the context server and
// provides SQLite and PostgreSQL implementations behind it. Engines depend on
// the Store interface only; driver selection happens once at startup.
//
// Row-to-record mapping happens here: callers never see raw rows, JSON
// metadata columns are decoded at this boundary, and all timestamps are
// normalized to UTC in both directions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors drivers classify into. Engines translate these into the
// client-facing taxonomy; the wrapped cause keeps the driver detail.
var (
	// ErrBusy marks lock or serialization failures worth retrying.
	ErrBusy = errors.New("store: busy")
	// ErrUnavailable marks a backend that cannot be reached.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrConflict marks unique-key violations and refused non-overwrite upserts.
	ErrConflict = errors.New("store: conflict")
	// ErrNotFound marks foreign-key violations and replace targets that vanished.
	ErrNotFound = errors.New("store: not found")
)

// Store is the persistence interface for the context server.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionsForAgent(ctx context.Context, agentID string, limit, offset int) ([]Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	SetSessionActive(ctx context.Context, id string, active bool, at time.Time) error
	DeleteSession(ctx context.Context, id string) (bool, error)
	ListSessionsIdleSince(ctx context.Context, cutoff time.Time) ([]Session, error)

	// Messages. AppendMessage inserts the row and bumps the session's
	// updated_at in one transaction, returning the assigned id.
	AppendMessage(ctx context.Context, msg *Message) (int64, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	ListMessages(ctx context.Context, sessionID string, q MessageQuery) ([]Message, error)

	// Agent memory
	UpsertMemory(ctx context.Context, entry *MemoryEntry, overwrite bool) error
	GetMemory(ctx context.Context, agentID, key string, sessionID *string) (*MemoryEntry, error)
	ListMemory(ctx context.Context, q MemoryQuery) ([]MemoryEntry, error)
	DeleteMemory(ctx context.Context, agentID, key string, sessionID *string) (bool, error)
	SweepExpiredMemory(ctx context.Context, now time.Time) (int64, error)

	// Secure tokens
	InsertToken(ctx context.Context, tok *SecureToken) error
	GetToken(ctx context.Context, tokenID string) (*SecureToken, error)
	// ReplaceToken deletes the old record and inserts the fresh one
	// atomically; ErrNotFound if the old record is already gone.
	ReplaceToken(ctx context.Context, oldID string, fresh *SecureToken) error
	DeleteToken(ctx context.Context, tokenID string) (bool, error)
	SweepExpiredTokens(ctx context.Context, now time.Time) (int64, error)

	// Audit
	AppendAudit(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Session is a named workspace for messages and scoped memory.
type Session struct {
	ID        string         `json:"id"`
	Purpose   string         `json:"purpose"`
	CreatedBy string         `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	IsActive  bool           `json:"is_active"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Message is one append-only entry in a session transcript.
type Message struct {
	ID              int64          `json:"id"`
	SessionID       string         `json:"session_id"`
	Sender          string         `json:"sender"`
	Content         string         `json:"content"`
	Visibility      string         `json:"visibility"`
	MessageType     string         `json:"message_type"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	ParentMessageID *int64         `json:"parent_message_id,omitempty"`
}

// MemoryEntry is one per-agent key-value record, optionally session-scoped
// (nil SessionID = global) and optionally expiring.
type MemoryEntry struct {
	ID        int64          `json:"id"`
	AgentID   string         `json:"agent_id"`
	SessionID *string        `json:"session_id,omitempty"`
	Key       string         `json:"key"`
	Value     string         `json:"value"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// SecureToken is the at-rest form of an issued token: the signed JWT is
// AEAD-sealed before it is stored, and only the opaque token_id circulates.
type SecureToken struct {
	TokenID      string    `json:"token_id"`
	EncryptedJWT []byte    `json:"-"`
	AgentID      string    `json:"agent_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuditEvent is one append-only security log entry.
type AuditEvent struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	AgentID   string         `json:"agent_id"`
	SessionID string         `json:"session_id,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action,omitempty"`
	Result    string         `json:"result"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MessageQuery narrows a ListMessages call. The visibility prefilter encodes
// the policy rule in SQL; engine code re-checks every returned row.
type MessageQuery struct {
	CallerID string
	Admin    bool
	// Visibility restricts to one class when non-empty.
	Visibility string
	Limit      int
	Offset     int
	// Cursor position: rows strictly after (AfterTime, AfterID) when
	// UseCursor is set. Offset is ignored then.
	UseCursor bool
	AfterTime time.Time
	AfterID   int64
}

// MemoryScope selects which buckets a ListMemory call sees.
type MemoryScope string

const (
	ScopeGlobal  MemoryScope = "global"
	ScopeSession MemoryScope = "session"
	ScopeAll     MemoryScope = "all"
)

// MemoryQuery narrows a ListMemory call.
type MemoryQuery struct {
	AgentID   string
	SessionID *string
	Scope     MemoryScope
	Prefix    string
	Limit     int
	// Now filters out rows expiring at or before this instant.
	Now time.Time
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	EventType string
	AgentID   string
	SessionID string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// timeLayout is RFC 3339 with a fixed-width 9-digit fraction so that the TEXT
// encoding sorts lexicographically in chronological order. Values are always
// UTC, so the suffix is a constant "Z".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Now returns the current instant in UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime reads a stored timestamp, accepting both "Z" and numeric-offset
// forms, and normalizes to UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q", s)
}

// encodeMetadata renders a metadata map as JSON text, "" for none.
func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

// decodeMetadata parses stored JSON metadata text, nil for none.
func decodeMetadata(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
