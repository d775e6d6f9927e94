package mcpserver

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/contexthub-ai/contexthub/internal/audit"
	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/memory"
	"github.com/contexthub-ai/contexthub/internal/message"
	"github.com/contexthub-ai/contexthub/internal/search"
	"github.com/contexthub-ai/contexthub/internal/store"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("authenticate_agent",
		mcp.WithDescription("Exchange the deployment API key for an agent token. Call this first."),
		mcp.WithString("api_key", mcp.Required(), mcp.Description("Deployment API key")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent identifier, e.g. claude-main")),
		mcp.WithString("agent_type", mcp.Description("One of claude, gemini, generic, admin, test (default generic)")),
		mcp.WithArray("permissions", mcp.Description("Requested permissions; defaults to read, write, refresh_token")),
	), s.toolAuthenticate)

	s.mcp.AddTool(mcp.NewTool("refresh_token",
		mcp.WithDescription("Rotate a token before it expires. The old token stops working immediately."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Current token")),
	), s.toolRefreshToken)

	s.mcp.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Create a shared context session."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Agent token")),
		mcp.WithString("purpose", mcp.Required(), mcp.Description("What this session coordinates")),
		mcp.WithObject("metadata", mcp.Description("Optional session metadata")),
	), s.toolCreateSession)

	s.mcp.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Fetch one session by id."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Agent token")),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	), s.toolGetSession)

	s.mcp.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List sessions you created or participated in, newest activity first."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Agent token")),
		mcp.WithNumber("limit", mcp.Description("Max sessions to return (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Rows to skip")),
	), s.toolListSessions)

	s.mcp.AddTool(mcp.NewTool("add_message",
		mcp.WithDescription("Append a message to a session."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Agent token")),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message body")),
		mcp.WithString("visibility", mcp.Description("public, private, agent_only, or admin_only (default public)")),
		mcp.WithString("message_type", mcp.Description("agent_response, human_input, system_status, tool_output, or coordination")),
		mcp.WithObject("metadata", mcp.Description("Optional message metadata")),
		mcp.WithNumber("parent_message_id", mcp.Description("Message this one replies to")),
	), s.toolAddMessage)

	s.mcp.AddTool(mcp.NewTool("get_messages",
		mcp.WithDescription("List the messages in a session you are allowed to see."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Agent token")),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithNumber("limit", mcp.Description("Max messages per page (default 50, max 500)")),
		mcp.WithNumber("offset", mcp.Description("Rows to skip; ignored when cursor is set")),
		mcp.WithString("cursor", mcp.Description("Opaque pagination cursor from a previous page")),
		mcp.WithString("visibility_filter", mcp.Description("Restrict to public, private, or agent_only")),
	), s.toolGetMessages)

	s.mcp.AddTool(mcp.NewTool("get_message",
		mcp.WithDescription("Fetch one message by id. Messages you may not see read as absent."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Agent token")),
		mcp.WithNumber("message_id", mcp.Required(), mcp.Description("Message id")),
	), s.toolGetMessage)

	s.mcp.AddTool(mcp.NewTool("search_context",
		mcp.WithDescription("Fuzzy-search the visible messages of a session."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Agent token")),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text, 1 to 500 characters")),
		mcp.WithNumber("fuzzy_threshold", mcp.Description("Minimum match score 0-100 (default 60)")),
		mcp.WithNumber("limit", mcp.Description("Max results (default 10, max 100)")),
		mcp.WithBoolean("search_metadata", mcp.Description("Also match against metadata string values")),
		mcp.WithString("search_scope", mcp.Description("all, public, or private (default all)")),
	), s.toolSearchContext)

	s.mcp.AddTool(mcp.NewTool("set_memory",
		mcp.WithDescription("Store a value in your agent memory, optionally scoped to a session and expiring."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Agent token")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Memory key")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Value; JSON text is stored as-is, anything else is JSON-encoded")),
		mcp.WithString("session_id", mcp.Description("Scope the entry to a session")),
		mcp.WithNumber("expires_in", mcp.Description("Seconds until expiry; 0 or absent means permanent")),
		mcp.WithBoolean("overwrite", mcp.Description("Replace an existing entry (default true)")),
		mcp.WithObject("metadata", mcp.Description("Optional entry metadata")),
	), s.toolSetMemory)

	s.mcp.AddTool(mcp.NewTool("get_memory",
		mcp.WithDescription("Read one of your memory entries."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Agent token")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Memory key")),
		mcp.WithString("session_id", mcp.Description("Session scope; absent means global")),
	), s.toolGetMemory)

	s.mcp.AddTool(mcp.NewTool("list_memory",
		mcp.WithDescription("List your memory entries."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Agent token")),
		mcp.WithString("session_id", mcp.Description("Session scope")),
		mcp.WithString("prefix", mcp.Description("Only keys starting with this prefix")),
		mcp.WithString("scope", mcp.Description("global, session, or all; defaults from session_id")),
		mcp.WithNumber("limit", mcp.Description("Max entries (default 50, max 500)")),
	), s.toolListMemory)

	s.mcp.AddTool(mcp.NewTool("delete_memory",
		mcp.WithDescription("Delete one of your memory entries."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Agent token")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Memory key")),
		mcp.WithString("session_id", mcp.Description("Session scope; absent means global")),
	), s.toolDeleteMemory)

	s.mcp.AddTool(mcp.NewTool("get_usage_guidance",
		mcp.WithDescription("Explain what this server offers and how your role should use it."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Agent token")),
		mcp.WithString("guidance_type", mcp.Description("quick_start, tools, visibility, or memory (default quick_start)")),
	), s.toolUsageGuidance)
}

func (s *Server) toolAuthenticate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	apiKey, err := req.RequireString("api_key")
	if err != nil {
		return fail(ctxerr.Validation("api_key is required"))
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return fail(ctxerr.Validation("agent_id is required"))
	}
	agentType := req.GetString("agent_type", "")
	token, expiresAt, err := s.auth.Authenticate(ctx, apiKey, agentID,
		agentType, req.GetStringSlice("permissions", nil))
	if err != nil {
		s.audit.Record(store.AuditEvent{
			EventType: audit.EventAuthentication,
			AgentID:   agentID,
			Result:    audit.ResultFailure,
		})
		return fail(err)
	}
	s.audit.Record(store.AuditEvent{
		EventType: audit.EventAuthentication,
		AgentID:   agentID,
		Result:    audit.ResultSuccess,
		Metadata:  map[string]any{"agent_type": agentType},
	})
	return ok(map[string]any{"token": token, "expires_at": expiresAt})
}

func (s *Server) toolRefreshToken(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token := req.GetString("auth_token", "")
	if token == "" {
		return fail(ctxerr.Unauthenticated("auth_token is required"))
	}
	fresh, expiresAt, err := s.auth.Refresh(ctx, token)
	if err != nil {
		return fail(err)
	}
	ident, _ := s.auth.Validate(ctx, fresh)
	agentID := ""
	if ident != nil {
		agentID = ident.AgentID
	}
	s.audit.Record(store.AuditEvent{
		EventType: audit.EventTokenRefreshed,
		AgentID:   agentID,
		Result:    audit.ResultSuccess,
	})
	return ok(map[string]any{"token": fresh, "expires_at": expiresAt})
}

func (s *Server) toolCreateSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, err := s.identify(ctx, req)
	if err != nil {
		return fail(err)
	}
	purpose, err := req.RequireString("purpose")
	if err != nil {
		return fail(ctxerr.Validation("purpose is required"))
	}
	sess, err := s.sessions.Create(ctx, ident, purpose, objectArg(req, "metadata"))
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"session": sess})
}

func (s *Server) toolGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, err := s.identify(ctx, req)
	if err != nil {
		return fail(err)
	}
	sess, err := s.sessions.Get(ctx, ident, req.GetString("session_id", ""))
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"session": sess})
}

func (s *Server) toolListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, err := s.identify(ctx, req)
	if err != nil {
		return fail(err)
	}
	sessions, err := s.sessions.List(ctx, ident, req.GetInt("limit", 0), req.GetInt("offset", 0))
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) toolAddMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, err := s.identify(ctx, req)
	if err != nil {
		return fail(err)
	}
	content, err := req.RequireString("content")
	if err != nil {
		return fail(ctxerr.Validation("content is required"))
	}
	ar := message.AppendRequest{
		SessionID:   req.GetString("session_id", ""),
		Content:     content,
		Visibility:  req.GetString("visibility", ""),
		MessageType: req.GetString("message_type", ""),
		Metadata:    objectArg(req, "metadata"),
	}
	if parent := req.GetInt("parent_message_id", 0); parent > 0 {
		p := int64(parent)
		ar.ParentMessageID = &p
	}
	msg, err := s.messages.Append(ctx, ident, ar)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"message": msg})
}

func (s *Server) toolGetMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, err := s.identify(ctx, req)
	if err != nil {
		return fail(err)
	}
	page, err := s.messages.List(ctx, ident, req.GetString("session_id", ""), message.ListOptions{
		Limit:            req.GetInt("limit", 0),
		Offset:           req.GetInt("offset", 0),
		Cursor:           req.GetString("cursor", ""),
		VisibilityFilter: req.GetString("visibility_filter", ""),
	})
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{
		"messages":    page.Messages,
		"count":       len(page.Messages),
		"next_cursor": page.NextCursor,
	})
}

func (s *Server) toolGetMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, err := s.identify(ctx, req)
	if err != nil {
		return fail(err)
	}
	msg, err := s.messages.GetByID(ctx, ident, int64(req.GetInt("message_id", 0)))
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"message": msg})
}

func (s *Server) toolSearchContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, err := s.identify(ctx, req)
	if err != nil {
		return fail(err)
	}
	query, err := req.RequireString("query")
	if err != nil {
		return fail(ctxerr.Validation("query is required"))
	}
	results, err := s.search.Search(ctx, ident, search.Request{
		SessionID:      req.GetString("session_id", ""),
		Query:          query,
		Threshold:      intArg(req, "fuzzy_threshold"),
		Limit:          req.GetInt("limit", 0),
		SearchMetadata: req.GetBool("search_metadata", false),
		Scope:          req.GetString("search_scope", ""),
	})
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"results": results, "count": len(results)})
}

func (s *Server) toolSetMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, err := s.identify(ctx, req)
	if err != nil {
		return fail(err)
	}
	key, err := req.RequireString("key")
	if err != nil {
		return fail(ctxerr.Validation("key is required"))
	}
	value, ok2 := req.GetArguments()["value"]
	if !ok2 {
		return fail(ctxerr.Validation("value is required"))
	}
	entry, err := s.memory.Set(ctx, ident, memory.SetRequest{
		Key:       key,
		Value:     value,
		SessionID: sessionIDArg(req),
		ExpiresIn: time.Duration(req.GetInt("expires_in", 0)) * time.Second,
		Overwrite: req.GetBool("overwrite", true),
		Metadata:  objectArg(req, "metadata"),
	})
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"entry": entry})
}

func (s *Server) toolGetMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, err := s.identify(ctx, req)
	if err != nil {
		return fail(err)
	}
	key, err := req.RequireString("key")
	if err != nil {
		return fail(ctxerr.Validation("key is required"))
	}
	entry, err := s.memory.Get(ctx, ident, key, sessionIDArg(req))
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"entry": entry})
}

func (s *Server) toolListMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, err := s.identify(ctx, req)
	if err != nil {
		return fail(err)
	}
	entries, err := s.memory.List(ctx, ident, sessionIDArg(req),
		req.GetString("prefix", ""),
		store.MemoryScope(req.GetString("scope", "")),
		req.GetInt("limit", 0))
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) toolDeleteMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, err := s.identify(ctx, req)
	if err != nil {
		return fail(err)
	}
	key, err := req.RequireString("key")
	if err != nil {
		return fail(ctxerr.Validation("key is required"))
	}
	if err := s.memory.Delete(ctx, ident, key, sessionIDArg(req)); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"deleted": key})
}

// objectArg pulls a map-valued argument, tolerating absence.
func objectArg(req mcp.CallToolRequest, name string) map[string]any {
	if v, ok := req.GetArguments()[name]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// intArg distinguishes an absent number argument from an explicit zero.
// JSON numbers decode as float64; direct callers may pass int.
func intArg(req mcp.CallToolRequest, name string) *int {
	v, ok := req.GetArguments()[name]
	if !ok {
		return nil
	}
	switch n := v.(type) {
	case float64:
		i := int(n)
		return &i
	case int:
		return &n
	default:
		return nil
	}
}

// sessionIDArg returns the optional session_id as the pointer shape the
// memory engine expects.
func sessionIDArg(req mcp.CallToolRequest) *string {
	if v := req.GetString("session_id", ""); v != "" {
		return &v
	}
	return nil
}
