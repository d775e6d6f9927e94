// Package message implements the append-only message engine: writes with
// content sanitization and metadata redaction, reads filtered by the
// visibility rule, and offset or cursor pagination.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/contexthub-ai/contexthub/internal/audit"
	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/cache"
	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/session"
	"github.com/contexthub-ai/contexthub/internal/store"
	"github.com/contexthub-ai/contexthub/pkg/protocol"
)

// Visibility classes.
const (
	VisibilityPublic    = "public"
	VisibilityPrivate   = "private"
	VisibilityAgentOnly = "agent_only"
	VisibilityAdminOnly = "admin_only"
)

// Message types.
const (
	TypeAgentResponse = "agent_response"
	TypeHumanInput    = "human_input"
	TypeSystemStatus  = "system_status"
	TypeToolOutput    = "tool_output"
	TypeCoordination  = "coordination"
)

var visibilities = map[string]bool{
	VisibilityPublic:    true,
	VisibilityPrivate:   true,
	VisibilityAgentOnly: true,
	VisibilityAdminOnly: true,
}

var messageTypes = map[string]bool{
	TypeAgentResponse: true,
	TypeHumanInput:    true,
	TypeSystemStatus:  true,
	TypeToolOutput:    true,
	TypeCoordination:  true,
}

const (
	maxContentLen  = 100 * 1024
	maxMetadataLen = 8 * 1024
	defaultLimit   = 50
	maxLimit       = 500
)

// Visible is the single source of truth for the visibility rule. Every read
// path (list, get-by-id, search, resources, WebSocket fan-out) goes through
// it.
func Visible(ident *auth.Identity, m *store.Message) bool {
	if ident == nil {
		return false
	}
	if ident.IsAdmin() {
		return true
	}
	switch m.Visibility {
	case VisibilityPublic:
		return true
	case VisibilityPrivate, VisibilityAgentOnly, VisibilityAdminOnly:
		return m.Sender == ident.AgentID
	default:
		return false
	}
}

// Engine is the message engine.
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
		logger: logger.With("component", "message"),
	}
}

// AppendRequest carries the validated arguments of an append.
type AppendRequest struct {
	SessionID       string
	Content         string
	Visibility      string
	MessageType     string
	Metadata        map[string]any
	ParentMessageID *int64
}

// Append writes one message: sanitize, redact, insert plus session touch in
// one transaction, invalidate caches, publish, audit. The sender is always
// the authenticated caller.
func (e *Engine) Append(ctx context.Context, ident *auth.Identity, req AppendRequest) (*store.Message, error) {
	if err := auth.Require(ident, auth.PermWrite); err != nil {
		e.auditAppend(ident, req.SessionID, audit.ResultDenied)
		return nil, err
	}
	if err := session.ValidateID(req.SessionID); err != nil {
		return nil, err
	}

	content := SanitizeContent(req.Content)
	if content == "" {
		e.auditAppend(ident, req.SessionID, audit.ResultFailure)
		return nil, ctxerr.Validation("content must not be empty after sanitization")
	}
	if len(content) > maxContentLen {
		e.auditAppend(ident, req.SessionID, audit.ResultFailure)
		return nil, ctxerr.Validation("content exceeds %d bytes", maxContentLen)
	}

	visibility := req.Visibility
	if visibility == "" {
		visibility = VisibilityPublic
	}
	if !visibilities[visibility] {
		return nil, ctxerr.Validation("unknown visibility %q", visibility)
	}
	msgType := req.MessageType
	if msgType == "" {
		msgType = TypeAgentResponse
	}
	if !messageTypes[msgType] {
		return nil, ctxerr.Validation("unknown message_type %q", msgType)
	}
	if err := checkMetadataSize(req.Metadata); err != nil {
		return nil, err
	}

	sess, err := e.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, store.Translate(err)
	}
	if sess == nil {
		e.auditAppend(ident, req.SessionID, audit.ResultFailure)
		return nil, ctxerr.NotFound("session %s not found", req.SessionID)
	}

	if req.ParentMessageID != nil {
		parent, err := e.store.GetMessage(ctx, *req.ParentMessageID)
		if err != nil {
			return nil, store.Translate(err)
		}
		if parent == nil || parent.SessionID != req.SessionID {
			return nil, ctxerr.Validation("parent_message_id must reference a message in the same session")
		}
	}

	msg := &store.Message{
		SessionID:       req.SessionID,
		Sender:          ident.AgentID,
		Content:         content,
		Visibility:      visibility,
		MessageType:     msgType,
		Metadata:        auth.RedactMetadata(req.Metadata),
		Timestamp:       store.Now(),
		ParentMessageID: req.ParentMessageID,
	}
	if err := store.WithRetry(ctx, func() error {
		_, err := e.store.AppendMessage(ctx, msg)
		return err
	}); err != nil {
		e.auditAppend(ident, req.SessionID, audit.ResultFailure)
		return nil, err
	}

	e.invalidateSession(req.SessionID)
	e.hub.Publish(protocol.SessionURI(req.SessionID), protocol.Event{
		Type: protocol.TypeMessageAdded,
		Payload: protocol.MessageAdded{
			SessionID: req.SessionID,
			MessageID: msg.ID,
			Sender:    msg.Sender,
			Message:   msg,
		},
	})
	e.audit.Record(store.AuditEvent{
		EventType: audit.EventMessageAdded,
		AgentID:   ident.AgentID,
		SessionID: req.SessionID,
		Result:    audit.ResultSuccess,
		Metadata:  map[string]any{"message_id": msg.ID, "visibility": visibility},
	})
	e.logger.Debug("message appended", "session_id", req.SessionID, "message_id", msg.ID, "sender", ident.AgentID)
	return msg, nil
}

// ListOptions narrows a List call. When Cursor is set it wins over Offset.
type ListOptions struct {
	Limit            int
	Offset           int
	VisibilityFilter string
	Cursor           string
}

// Page is one page of visible messages.
type Page struct {
	Messages   []store.Message `json:"messages"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// List returns the messages in a session the caller may see, ordered by
// (timestamp, id) ascending. An explicit visibility filter restricts
// further and still requires sender = caller for non-public classes.
func (e *Engine) List(ctx context.Context, ident *auth.Identity, sessionID string, opts ListOptions) (*Page, error) {
	if err := auth.Require(ident, auth.PermRead); err != nil {
		return nil, err
	}
	if err := session.ValidateID(sessionID); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if opts.Offset < 0 {
		return nil, ctxerr.Validation("offset must not be negative")
	}
	if opts.VisibilityFilter != "" {
		switch opts.VisibilityFilter {
		case VisibilityPublic, VisibilityPrivate, VisibilityAgentOnly:
		default:
			return nil, ctxerr.Validation("visibility_filter must be public, private, or agent_only")
		}
	}

	q := store.MessageQuery{
		CallerID:   ident.AgentID,
		Admin:      ident.IsAdmin(),
		Visibility: opts.VisibilityFilter,
		Limit:      limit,
		Offset:     opts.Offset,
	}
	if opts.Cursor != "" {
		afterID, afterTime, err := DecodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		q.UseCursor = true
		q.AfterID = afterID
		q.AfterTime = afterTime
	}

	cacheKey := fmt.Sprintf("messages:%s:%s:%v:%s:%d:%d:%s",
		sessionID, ident.AgentID, ident.IsAdmin(), opts.VisibilityFilter, limit, opts.Offset, opts.Cursor)
	if cached, ok := e.caches.Messages.Get(cacheKey); ok {
		return cached.(*Page), nil
	}

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, store.Translate(err)
	}
	if sess == nil {
		return nil, ctxerr.NotFound("session %s not found", sessionID)
	}

	rows, err := e.store.ListMessages(ctx, sessionID, q)
	if err != nil {
		return nil, store.Translate(err)
	}

	// The SQL prefilter is an optimization; the rule is re-checked per row.
	// Non-public classes under an explicit filter still require sender =
	// caller, which Visible already guarantees for non-admins; admins get
	// the filter applied verbatim.
	page := &Page{Messages: make([]store.Message, 0, len(rows))}
	for i := range rows {
		m := &rows[i]
		if !Visible(ident, m) {
			continue
		}
		if opts.VisibilityFilter != "" && m.Visibility != opts.VisibilityFilter {
			continue
		}
		page.Messages = append(page.Messages, *m)
	}
	if n := len(page.Messages); n == limit && n > 0 {
		last := page.Messages[n-1]
		page.NextCursor = EncodeCursor(last.ID, last.Timestamp)
	}

	e.caches.Messages.Set(cacheKey, page)
	return page, nil
}

// GetByID returns one message iff the visibility rule permits. A message the
// caller must not see reads as absent.
func (e *Engine) GetByID(ctx context.Context, ident *auth.Identity, messageID int64) (*store.Message, error) {
	if err := auth.Require(ident, auth.PermRead); err != nil {
		return nil, err
	}
	if messageID <= 0 {
		return nil, ctxerr.Validation("message_id must be positive")
	}
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, store.Translate(err)
	}
	if msg == nil || !Visible(ident, msg) {
		return nil, ctxerr.NotFound("message %d not found", messageID)
	}
	return msg, nil
}

// VisibleMessages returns every message of the session the caller may see,
// in order. Search and the session resource build on it.
func (e *Engine) VisibleMessages(ctx context.Context, ident *auth.Identity, sessionID string, limit int) ([]store.Message, error) {
	if err := auth.Require(ident, auth.PermRead); err != nil {
		return nil, err
	}
	if err := session.ValidateID(sessionID); err != nil {
		return nil, err
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, store.Translate(err)
	}
	if sess == nil {
		return nil, ctxerr.NotFound("session %s not found", sessionID)
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := e.store.ListMessages(ctx, sessionID, store.MessageQuery{
		CallerID: ident.AgentID,
		Admin:    ident.IsAdmin(),
		Limit:    limit,
	})
	if err != nil {
		return nil, store.Translate(err)
	}
	out := rows[:0]
	for i := range rows {
		if Visible(ident, &rows[i]) {
			out = append(out, rows[i])
		}
	}
	return out, nil
}

func (e *Engine) invalidateSession(sessionID string) {
	e.caches.Messages.InvalidatePrefix("messages:" + sessionID + ":")
	e.caches.Search.InvalidatePrefix("search:" + sessionID + ":")
	e.caches.Sessions.Delete("session:" + sessionID)
}

func (e *Engine) auditAppend(ident *auth.Identity, sessionID, result string) {
	agentID := ""
	if ident != nil {
		agentID = ident.AgentID
	}
	e.audit.Record(store.AuditEvent{
		EventType: audit.EventMessageFailed,
		AgentID:   agentID,
		SessionID: sessionID,
		Result:    result,
	})
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

// SanitizeContent strips HTML/script tags and control characters and
// collapses whitespace runs, preserving newlines as single spaces only when
// they run together with other whitespace.
func SanitizeContent(s string) string {
	s = scriptRe.ReplaceAllString(s, "")
	s = tagRe.ReplaceAllString(s, "")
	s = controlRe.ReplaceAllString(s, "")
	return strings.TrimSpace(spaceRunsRe.ReplaceAllString(s, " "))
}
