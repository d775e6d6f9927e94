package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/store"
)

func (s *Server) registerResources() {
	s.mcp.AddResourceTemplate(mcp.NewResourceTemplate(
		"session://{session_id}",
		"Session transcript",
		mcp.WithTemplateDescription("A session and the messages visible to the authenticated agent"),
		mcp.WithTemplateMIMEType("application/json"),
	), s.readSessionResource)

	s.mcp.AddResourceTemplate(mcp.NewResourceTemplate(
		"agent://{agent_id}/memory",
		"Agent memory",
		mcp.WithTemplateDescription("The authenticated agent's memory entries"),
		mcp.WithTemplateMIMEType("application/json"),
	), s.readMemoryResource)
}

// resourceIdentity attributes a resource read to the identity of the last
// successful tool call on this stdio pipe. Resource reads carry no token.
func (s *Server) resourceIdentity() (*auth.Identity, error) {
	ident := s.lastIdent.Load()
	if ident == nil {
		return nil, ctxerr.Unauthenticated("call authenticate_agent before reading resources")
	}
	return ident, nil
}

func (s *Server) readSessionResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	ident, err := s.resourceIdentity()
	if err != nil {
		return nil, err
	}
	sessionID := strings.TrimPrefix(req.Params.URI, "session://")
	sess, err := s.sessions.Get(ctx, ident, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages.VisibleMessages(ctx, ident, sessionID, 0)
	if err != nil {
		return nil, err
	}
	body, err := json.MarshalIndent(map[string]any{
		"session":  sess,
		"messages": msgs,
		"count":    len(msgs),
	}, "", "  ")
	if err != nil {
		return nil, ctxerr.Internal(err)
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      req.Params.URI,
		MIMEType: "application/json",
		Text:     string(body),
	}}, nil
}

func (s *Server) readMemoryResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	ident, err := s.resourceIdentity()
	if err != nil {
		return nil, err
	}
	agentID := strings.TrimSuffix(strings.TrimPrefix(req.Params.URI, "agent://"), "/memory")
	if agentID != ident.AgentID {
		return nil, ctxerr.PermissionDenied("memory resources are owner-only")
	}
	entries, err := s.memory.List(ctx, ident, nil, "", store.ScopeAll, 500)
	if err != nil {
		return nil, err
	}
	body, err := json.MarshalIndent(map[string]any{
		"agent_id": agentID,
		"entries":  entries,
		"count":    len(entries),
	}, "", "  ")
	if err != nil {
		return nil, ctxerr.Internal(err)
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      req.Params.URI,
		MIMEType: "application/json",
		Text:     string(body),
	}}, nil
}

func (s *Server) toolUsageGuidance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident, err := s.identify(ctx, req)
	if err != nil {
		return fail(err)
	}
	kind := req.GetString("guidance_type", "quick_start")
	text, found := guidance[kind]
	if !found {
		return fail(ctxerr.Validation("guidance_type must be quick_start, tools, visibility, or memory"))
	}
	if kind == "quick_start" && ident.IsAdmin() {
		text += adminGuidance
	}
	return ok(map[string]any{
		"guidance_type": kind,
		"role":          fmt.Sprintf("%s (%s)", ident.AgentID, ident.AgentType),
		"guidance":      text,
	})
}

var guidance = map[string]string{
	"quick_start": "Create a session with create_session, then exchange messages with add_message " +
		"and get_messages. Store durable facts with set_memory. Tokens expire; call refresh_token " +
		"before expiry to stay connected.",
	"tools": "Sessions: create_session, get_session, list_sessions. Messages: add_message, " +
		"get_messages, get_message, search_context. Memory: set_memory, get_memory, list_memory, " +
		"delete_memory. Auth: authenticate_agent, refresh_token.",
	"visibility": "public messages are visible to every agent in the session. private and " +
		"agent_only messages are visible only to their sender. admin_only messages are visible to " +
		"the sender and admins. Visibility is fixed at write time.",
	"memory": "Memory is private per agent. Entries are global unless a session_id scopes them; " +
		"scoped entries disappear with their session. Set expires_in for working state that " +
		"should vanish on its own.",
}

const adminGuidance = " As an admin you additionally see all messages regardless of visibility " +
	"and may delete sessions and query the audit log."
