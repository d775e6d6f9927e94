package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/memory"
	"github.com/contexthub-ai/contexthub/internal/message"
	"github.com/contexthub-ai/contexthub/internal/search"
	"github.com/contexthub-ai/contexthub/internal/store"
)

// --- Sessions ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Purpose  string         `json:"purpose"`
		Metadata map[string]any `json:"metadata"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.sessions.Create(r.Context(), auth.FromContext(r.Context()), req.Purpose, req.Metadata)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "session": sess})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": sess})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	sessions, err := s.sessions.List(r.Context(), auth.FromContext(r.Context()), limit, offset)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "sessionID")); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- Messages ---

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content         string         `json:"content"`
		Visibility      string         `json:"visibility"`
		MessageType     string         `json:"message_type"`
		Metadata        map[string]any `json:"metadata"`
		ParentMessageID *int64         `json:"parent_message_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	msg, err := s.messages.Append(r.Context(), auth.FromContext(r.Context()), message.AppendRequest{
		SessionID:       chi.URLParam(r, "sessionID"),
		Content:         req.Content,
		Visibility:      req.Visibility,
		MessageType:     req.MessageType,
		Metadata:        req.Metadata,
		ParentMessageID: req.ParentMessageID,
	})
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "message": msg})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	page, err := s.messages.List(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "sessionID"), message.ListOptions{
		Limit:            limit,
		Offset:           offset,
		VisibilityFilter: r.URL.Query().Get("visibility"),
		Cursor:           r.URL.Query().Get("cursor"),
	})
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"messages":    page.Messages,
		"count":       len(page.Messages),
		"next_cursor": page.NextCursor,
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil {
		writeErr(w, s.logger, ctxerr.Validation("message id must be an integer"))
		return
	}
	msg, err := s.messages.GetByID(r.Context(), auth.FromContext(r.Context()), id)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

// --- Search ---

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query          string `json:"query"`
		Threshold      *int   `json:"fuzzy_threshold"`
		Limit          int    `json:"limit"`
		SearchMetadata bool   `json:"search_metadata"`
		Scope          string `json:"search_scope"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	results, err := s.search.Search(r.Context(), auth.FromContext(r.Context()), search.Request{
		SessionID:      chi.URLParam(r, "sessionID"),
		Query:          req.Query,
		Threshold:      req.Threshold,
		Limit:          req.Limit,
		SearchMetadata: req.SearchMetadata,
		Scope:          req.Scope,
	})
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": results, "count": len(results)})
}

// --- Memory ---

func (s *Server) handleSetMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value            any            `json:"value"`
		SessionID        *string        `json:"session_id"`
		ExpiresInSeconds int64          `json:"expires_in"`
		Overwrite        *bool          `json:"overwrite"`
		Metadata         map[string]any `json:"metadata"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	overwrite := true
	if req.Overwrite != nil {
		overwrite = *req.Overwrite
	}
	entry, err := s.memory.Set(r.Context(), auth.FromContext(r.Context()), memory.SetRequest{
		Key:       chi.URLParam(r, "key"),
		Value:     req.Value,
		SessionID: req.SessionID,
		ExpiresIn: time.Duration(req.ExpiresInSeconds) * time.Second,
		Overwrite: overwrite,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entry": entry})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	entry, err := s.memory.Get(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "key"), querySessionID(r))
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entry": entry})
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.memory.Delete(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "key"), querySessionID(r)); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListMemory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	entries, err := s.memory.List(r.Context(), auth.FromContext(r.Context()),
		querySessionID(r),
		r.URL.Query().Get("prefix"),
		store.MemoryScope(r.URL.Query().Get("scope")),
		limit,
	)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entries": entries, "count": len(entries)})
}

// --- Admin ---

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	q := r.URL.Query()
	filter := store.AuditFilter{
		EventType: q.Get("event_type"),
		AgentID:   q.Get("agent_id"),
		SessionID: q.Get("session_id"),
		Limit:     limit,
		Offset:    offset,
	}
	if v := q.Get("since"); v != "" {
		t, perr := time.Parse(time.RFC3339, v)
		if perr != nil {
			writeErr(w, s.logger, ctxerr.Validation("since must be RFC 3339"))
			return
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, perr := time.Parse(time.RFC3339, v)
		if perr != nil {
			writeErr(w, s.logger, ctxerr.Validation("until must be RFC 3339"))
			return
		}
		filter.Until = t
	}
	events, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"events":  events,
		"count":   len(events),
		"dropped": s.audit.Dropped(),
	})
}

func (s *Server) handleAdminCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"caches":  s.caches.StatsByClass(),
	})
}

// --- query helpers ---

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, ctxerr.Validation("%s must be an integer", name)
	}
	return n, nil
}

func querySessionID(r *http.Request) *string {
	if v := r.URL.Query().Get("session_id"); v != "" {
		return &v
	}
	return nil
}
