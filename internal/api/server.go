// Package api exposes the engines over HTTP and WebSocket: a chi router with
// the usual middleware stack in front of JSON handlers, plus the /ws push
// endpoint.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/contexthub-ai/contexthub/internal/audit"
	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/cache"
	"github.com/contexthub-ai/contexthub/internal/config"
	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/memory"
	"github.com/contexthub-ai/contexthub/internal/message"
	"github.com/contexthub-ai/contexthub/internal/notify"
	"github.com/contexthub-ai/contexthub/internal/ratelimit"
	"github.com/contexthub-ai/contexthub/internal/search"
	"github.com/contexthub-ai/contexthub/internal/session"
	"github.com/contexthub-ai/contexthub/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store    store.Store
	auth     *auth.Service
	sessions *session.Engine
	messages *message.Engine
	memory   *memory.Engine
	search   *search.Engine
	audit    *audit.Recorder
	caches   *cache.Set
	hub      *notify.Hub
	cfg      *config.Config
	logger   *slog.Logger
	mux      *chi.Mux

	rl     *ratelimit.Limiter
	authRL *ratelimit.Limiter
}

// Deps bundles what the server needs; app wires it.
type Deps struct {
	Store    store.Store
	Auth     *auth.Service
	Sessions *session.Engine
	Messages *message.Engine
	Memory   *memory.Engine
	Search   *search.Engine
	Audit    *audit.Recorder
	Caches   *cache.Set
	Hub      *notify.Hub
}

// NewServer builds the router.
func NewServer(d Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:    d.Store,
		auth:     d.Auth,
		sessions: d.Sessions,
		messages: d.Messages,
		memory:   d.Memory,
		search:   d.Search,
		audit:    d.Audit,
		caches:   d.Caches,
		hub:      d.Hub,
		cfg:      cfg,
		logger:   logger.With("component", "api"),
		rl:       ratelimit.PerMinute(cfg.Server.RatePerMinute, cfg.Server.RateBurst),
		authRL:   ratelimit.New(5, 10),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(srv.requestLogger)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Token mint and refresh, rate-limited by remote IP.
	mux.With(ipRateLimitMiddleware(srv.authRL)).Post("/api/v1/auth/token", srv.handleAuthToken)
	mux.With(ipRateLimitMiddleware(srv.authRL)).Post("/api/v1/auth/refresh", srv.handleAuthRefresh)

	// WebSocket push; auth handled inside the upgrade.
	mux.Get("/ws", srv.handleWS)

	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(srv.rateLimitMiddleware)

		r.Post("/api/v1/sessions", srv.handleCreateSession)
		r.Get("/api/v1/sessions", srv.handleListSessions)
		r.Get("/api/v1/sessions/{sessionID}", srv.handleGetSession)
		r.Post("/api/v1/sessions/{sessionID}/messages", srv.handleAddMessage)
		r.Get("/api/v1/sessions/{sessionID}/messages", srv.handleGetMessages)
		r.Post("/api/v1/sessions/{sessionID}/search", srv.handleSearch)
		r.Get("/api/v1/messages/{messageID}", srv.handleGetMessage)
		r.Put("/api/v1/memory/{key}", srv.handleSetMemory)
		r.Get("/api/v1/memory/{key}", srv.handleGetMemory)
		r.Delete("/api/v1/memory/{key}", srv.handleDeleteMemory)
		r.Get("/api/v1/memory", srv.handleListMemory)

		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Delete("/api/v1/sessions/{sessionID}", srv.handleDeleteSession)
			r.Get("/api/v1/admin/audit", srv.handleAdminAudit)
			r.Get("/api/v1/admin/cache-stats", srv.handleAdminCacheStats)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// StartBackgroundTasks starts the limiter cleanup loops.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.authRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeErr(w, s.logger, ctxerr.StorageUnavailable(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth ---

func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID     string   `json:"agent_id"`
		AgentType   string   `json:"agent_type"`
		Permissions []string `json:"permissions"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	apiKey := r.Header.Get("X-API-Key")

	token, expiresAt, err := s.auth.Authenticate(r.Context(), apiKey, req.AgentID, req.AgentType, req.Permissions)
	if err != nil {
		s.audit.Record(store.AuditEvent{
			EventType: audit.EventAuthentication,
			AgentID:   req.AgentID,
			Result:    audit.ResultFailure,
		})
		writeErr(w, s.logger, err)
		return
	}
	s.audit.Record(store.AuditEvent{
		EventType: audit.EventAuthentication,
		AgentID:   req.AgentID,
		Result:    audit.ResultSuccess,
		Metadata:  map[string]any{"agent_type": req.AgentType},
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (s *Server) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeErr(w, s.logger, ctxerr.Unauthenticated("missing bearer token"))
		return
	}
	fresh, expiresAt, err := s.auth.Refresh(r.Context(), token)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	ident, _ := s.auth.Validate(r.Context(), fresh)
	agentID := ""
	if ident != nil {
		agentID = ident.AgentID
	}
	s.audit.Record(store.AuditEvent{
		EventType: audit.EventTokenRefreshed,
		AgentID:   agentID,
		Result:    audit.ResultSuccess,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"token":      fresh,
		"expires_at": expiresAt,
	})
}

// --- JSON plumbing ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeErr(w, s.logger, ctxerr.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errBody is the wire form of a taxonomy error.
type errBody struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	Severity    string            `json:"severity"`
	Recoverable bool              `json:"recoverable"`
	RetryAfter  int64             `json:"retry_after,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

func writeErr(w http.ResponseWriter, logger *slog.Logger, err error) {
	e := ctxerr.As(err)
	if e == nil {
		e = ctxerr.Internal(err)
	}
	if e.Severity == ctxerr.SeverityCritical {
		logger.Error("request failed", "error", e)
	} else if e.Severity == ctxerr.SeverityError {
		logger.Warn("request failed", "error", e)
	}

	status := statusOf(e.Code)
	if e.RetryAfter > 0 {
		secs := int64(e.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	body := errBody{
		Code:        string(e.Code),
		Message:     e.Message,
		Severity:    string(e.Severity),
		Recoverable: e.Recoverable,
		Details:     e.Details,
	}
	if e.RetryAfter > 0 {
		body.RetryAfter = int64(e.RetryAfter.Round(time.Second) / time.Second)
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func statusOf(code ctxerr.Code) int {
	switch code {
	case ctxerr.CodeUnauthenticated, ctxerr.CodeInvalidToken:
		return http.StatusUnauthorized
	case ctxerr.CodePermissionDenied:
		return http.StatusForbidden
	case ctxerr.CodeValidation:
		return http.StatusBadRequest
	case ctxerr.CodeNotFound:
		return http.StatusNotFound
	case ctxerr.CodeConflict:
		return http.StatusConflict
	case ctxerr.CodeStorageBusy, ctxerr.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case ctxerr.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return ""
}
