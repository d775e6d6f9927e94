// Package search ranks the messages of a session against a query with
// weighted fuzzy similarity. Candidates are always filtered through the
// message visibility rule first; scoring never widens what a caller can see.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"

	"github.com/contexthub-ai/contexthub/internal/auth"
	"github.com/contexthub-ai/contexthub/internal/cache"
	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/message"
	"github.com/contexthub-ai/contexthub/internal/store"
)

// Scopes restrict candidates beyond the visibility rule.
const (
	ScopeAll     = "all"
	ScopePublic  = "public"
	ScopePrivate = "private"
)

const (
	maxQueryLen      = 500
	defaultThreshold = 60
	defaultLimit     = 10
	maxLimit         = 100
	candidateCap     = 1000
	previewLen       = 160
)

// Request carries the validated search arguments.
type Request struct {
	SessionID string
	Query     string
	// Threshold is the minimum match score, 0..100. nil means the default;
	// an explicit 0 keeps every visible candidate.
	Threshold      *int
	Limit          int // 0 means default
	SearchMetadata bool
	Scope          string // empty means all
}

// Result is one ranked hit.
type Result struct {
	Message store.Message `json:"message"`
	Score   int           `json:"score"`
	Preview string        `json:"preview"`
}

// Engine is the fuzzy search engine.
type Engine struct {
	messages *message.Engine
	caches   *cache.Set
	logger   *slog.Logger
}

// New creates the engine.
func New(messages *message.Engine, caches *cache.Set, logger *slog.Logger) *Engine {
	return &Engine{
		messages: messages,
		caches:   caches,
		logger:   logger.With("component", "search"),
	}
}

// Search returns visible messages scoring at or above the threshold, best
// first, ties broken by newer timestamp.
func (e *Engine) Search(ctx context.Context, ident *auth.Identity, req Request) ([]Result, error) {
	if err := auth.Require(ident, auth.PermRead); err != nil {
		return nil, err
	}
	query := strings.TrimSpace(req.Query)
	if query == "" || len(query) > maxQueryLen {
		return nil, ctxerr.Validation("query must be 1..%d characters", maxQueryLen)
	}
	threshold := defaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if threshold < 0 || threshold > 100 {
		return nil, ctxerr.Validation("threshold must be within 0..100")
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultLimit
	}
	if limit < 1 || limit > maxLimit {
		return nil, ctxerr.Validation("limit must be within 1..%d", maxLimit)
	}
	scope := req.Scope
	if scope == "" {
		scope = ScopeAll
	}
	switch scope {
	case ScopeAll, ScopePublic, ScopePrivate:
	default:
		return nil, ctxerr.Validation("scope must be all, public, or private")
	}

	cacheKey := fmt.Sprintf("search:%s:%s:%s:%d:%d:%t:%s",
		req.SessionID, ident.AgentID, scope, threshold, limit, req.SearchMetadata, query)
	if cached, ok := e.caches.Search.Get(cacheKey); ok {
		return cached.([]Result), nil
	}

	candidates, err := e.messages.VisibleMessages(ctx, ident, req.SessionID, candidateCap)
	if err != nil {
		return nil, err
	}

	loweredQuery := strings.ToLower(query)
	results := make([]Result, 0, limit)
	for i := range candidates {
		m := &candidates[i]
		if !inScope(ident, m, scope) {
			continue
		}
		haystack := searchable(m, req.SearchMetadata)
		score := fuzzy.WRatio(loweredQuery, haystack)
		if score < threshold {
			continue
		}
		results = append(results, Result{
			Message: *m,
			Score:   score,
			Preview: preview(m.Content, loweredQuery),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Message.Timestamp.After(results[j].Message.Timestamp)
	})
	if len(results) > limit {
		results = results[:limit]
	}

	e.caches.Search.Set(cacheKey, results)
	return results, nil
}

// inScope applies the explicit scope on top of the visibility rule.
func inScope(ident *auth.Identity, m *store.Message, scope string) bool {
	switch scope {
	case ScopePublic:
		return m.Visibility == message.VisibilityPublic
	case ScopePrivate:
		return m.Sender == ident.AgentID &&
			(m.Visibility == message.VisibilityPrivate || m.Visibility == message.VisibilityAgentOnly)
	default:
		return true
	}
}

// searchable builds the lowercased haystack: sender + content, plus metadata
// string values when enabled.
func searchable(m *store.Message, withMetadata bool) string {
	var b strings.Builder
	b.Grow(len(m.Sender) + len(m.Content) + 1)
	b.WriteString(m.Sender)
	b.WriteByte(' ')
	b.WriteString(m.Content)
	if withMetadata {
		for _, v := range m.Metadata {
			if s, ok := v.(string); ok {
				b.WriteByte(' ')
				b.WriteString(s)
			}
		}
	}
	return strings.ToLower(b.String())
}

// preview windows the content around the first query hit, or takes the head
// when the query only matches fuzzily.
func preview(content, loweredQuery string) string {
	lowered := strings.ToLower(content)
	start := 0
	if idx := strings.Index(lowered, loweredQuery); idx > previewLen/4 {
		start = idx - previewLen/4
	}
	end := start + previewLen
	if end >= len(content) {
		end = len(content)
		if end-previewLen > 0 {
			start = end - previewLen
		} else {
			start = 0
		}
	}
	out := content[start:end]
	if start > 0 {
		out = "…" + out
	}
	if end < len(content) {
		out += "…"
	}
	return out
}
