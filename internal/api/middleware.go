package api

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/contexthub-ai/contexthub/internal/audit"
	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/ratelimit"
	"github.com/contexthub-ai/contexthub/internal/store"
)

// requestLogger logs one line per request at debug, slower or failing
// requests at info/warn.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		}
		switch {
		case ww.Status() >= 500:
			s.logger.Warn("request", attrs...)
		case ww.Status() >= 400:
			s.logger.Info("request", attrs...)
		default:
			s.logger.Debug("request", attrs...)
		}
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// makeCORSMiddleware allows only the configured origins. An empty list means
// same-origin only: no CORS headers at all.
func makeCORSMiddleware(allowed []string) func(http.Handler) http.Handler {
	allowedSet := make(map[string]bool, len(allowed))
	allowAll := false
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		allowedSet[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowedSet[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authMiddleware resolves the bearer token to an identity and stores it in
// the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeErr(w, s.logger, ctxerr.Unauthenticated("missing bearer token"))
			return
		}
		ident, err := s.auth.Validate(r.Context(), token)
		if err != nil {
			writeErr(w, s.logger, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), ident)))
	})
}

// rateLimitMiddleware buckets authenticated requests per agent id.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident := auth.FromContext(r.Context())
		if ident == nil {
			writeErr(w, s.logger, ctxerr.Unauthenticated("no identity"))
			return
		}
		if !s.rl.Allow(ident.AgentID) {
			retryAfter := s.rl.RetryAfter(ident.AgentID)
			s.audit.Record(store.AuditEvent{
				EventType: audit.EventRateLimited,
				AgentID:   ident.AgentID,
				Result:    audit.ResultDenied,
				Metadata:  map[string]any{"path": r.URL.Path},
			})
			writeErr(w, s.logger, ctxerr.RateLimited(retryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminMiddleware gates the admin routes.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident := auth.FromContext(r.Context())
		if ident == nil || !ident.IsAdmin() {
			s.audit.Record(store.AuditEvent{
				EventType: audit.EventAuthorization,
				AgentID:   agentIDOf(ident),
				Result:    audit.ResultDenied,
				Metadata:  map[string]any{"path": r.URL.Path},
			})
			writeErr(w, s.logger, ctxerr.PermissionDenied("admin permission required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipRateLimitMiddleware buckets unauthenticated requests by remote IP. It
// protects the token endpoints from credential stuffing.
func ipRateLimitMiddleware(rl *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if !rl.Allow(key) {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error": errBody{
						Code:        string(ctxerr.CodeRateLimited),
						Message:     "too many requests",
						Severity:    "warning",
						Recoverable: true,
						RetryAfter:  1,
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func agentIDOf(ident *auth.Identity) string {
	if ident == nil {
		return ""
	}
	return ident.AgentID
}
