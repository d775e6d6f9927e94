// Package mcpserver exposes the engines as MCP tools over stdio. Every tool
// except authenticate_agent takes an auth_token argument; tool failures are
// reported inside the result payload so MCP clients can branch on the error
// code without parsing protocol-level errors.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/contexthub-ai/contexthub/internal/audit"
	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/memory"
	"github.com/contexthub-ai/contexthub/internal/message"
	"github.com/contexthub-ai/contexthub/internal/search"
	"github.com/contexthub-ai/contexthub/internal/session"
)

// Version is stamped by the build; the CLI sets it.
var Version = "dev"

// Server wires the engines into an MCP tool surface.
type Server struct {
	auth     *auth.Service
	sessions *session.Engine
	messages *message.Engine
	memory   *memory.Engine
	search   *search.Engine
	audit    *audit.Recorder
	logger   *slog.Logger

	mcp *server.MCPServer

	// lastIdent remembers the most recently validated identity so resource
	// reads, which carry no token argument, can be attributed to the local
	// client that authenticated on this stdio pipe.
	lastIdent atomic.Pointer[auth.Identity]
}

// Deps bundles what the MCP surface needs.
type Deps struct {
	Auth     *auth.Service
	Sessions *session.Engine
	Messages *message.Engine
	Memory   *memory.Engine
	Search   *search.Engine
	Audit    *audit.Recorder
}

// New builds the MCP server and registers every tool and resource template.
func New(d Deps, logger *slog.Logger) *Server {
	s := &Server{
		auth:     d.Auth,
		sessions: d.Sessions,
		messages: d.Messages,
		memory:   d.Memory,
		search:   d.Search,
		audit:    d.Audit,
		logger:   logger.With("component", "mcp"),
	}
	s.mcp = server.NewMCPServer(
		"contexthub",
		Version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("Shared context server for multi-agent coordination. "+
			"Call authenticate_agent first, then pass the returned token as auth_token to every other tool."),
	)
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout until the stream closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// identify resolves the auth_token argument to an identity.
func (s *Server) identify(ctx context.Context, req mcp.CallToolRequest) (*auth.Identity, error) {
	token := req.GetString("auth_token", "")
	if token == "" {
		return nil, ctxerr.Unauthenticated("auth_token is required")
	}
	ident, err := s.auth.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	s.lastIdent.Store(ident)
	return ident, nil
}

// ok renders a success payload.
func ok(payload map[string]any) (*mcp.CallToolResult, error) {
	payload["success"] = true
	b, err := json.Marshal(payload)
	if err != nil {
		return fail(ctxerr.Internal(err))
	}
	return mcp.NewToolResultText(string(b)), nil
}

// fail renders a taxonomy error as a structured failure payload. The MCP call
// itself succeeds; clients branch on the code field.
func fail(err error) (*mcp.CallToolResult, error) {
	e := ctxerr.As(err)
	if e == nil {
		e = ctxerr.Internal(err)
	}
	body := map[string]any{
		"success":     false,
		"error":       e.Message,
		"code":        string(e.Code),
		"severity":    string(e.Severity),
		"recoverable": e.Recoverable,
	}
	if e.RetryAfter > 0 {
		body["retry_after"] = int64(e.RetryAfter.Seconds())
	}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	if e.CorrelationID != "" {
		body["correlation_id"] = e.CorrelationID
	}
	b, merr := json.Marshal(body)
	if merr != nil {
		return mcp.NewToolResultError(e.Message), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
