package auth

import (
	"context"

	"github.com/contexthub-ai/contexthub/internal/ctxerr"
)

// Permission strings an identity may carry.
const (
	PermRead    = "read"
	PermWrite   = "write"
	PermRefresh = "refresh_token"
	PermAdmin   = "admin"
)

// Agent types accepted by authenticate_agent. The admin type receives the
// admin permission implicitly.
var AgentTypes = map[string]bool{
	"claude":  true,
	"gemini":  true,
	"generic": true,
	"admin":   true,
	"test":    true,
}

// Identity is the validated caller context. It flows through call chains as
// an explicit value; engines never consult ambient state.
type Identity struct {
	AgentID     string   `json:"agent_id"`
	AgentType   string   `json:"agent_type"`
	Permissions []string `json:"permissions"`
	TokenID     string   `json:"-"`
}

// Has reports whether the identity carries the given permission. Admin
// implies every permission except refresh_token, which is always explicit.
func (i *Identity) Has(perm string) bool {
	for _, p := range i.Permissions {
		if p == perm {
			return true
		}
	}
	if perm != PermRefresh && i.IsAdmin() {
		return true
	}
	return false
}

// IsAdmin reports whether the identity carries the admin permission.
func (i *Identity) IsAdmin() bool {
	for _, p := range i.Permissions {
		if p == PermAdmin {
			return true
		}
	}
	return false
}

// Require returns PermissionDenied unless the identity carries perm.
func Require(ident *Identity, perm string) error {
	if ident == nil {
		return ctxerr.Unauthenticated("no identity")
	}
	if !ident.Has(perm) {
		return ctxerr.PermissionDenied("agent %s lacks %q permission", ident.AgentID, perm)
	}
	return nil
}

type contextKey struct{}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, ident *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, ident)
}

// FromContext extracts the identity placed by WithIdentity, or nil.
func FromContext(ctx context.Context) *Identity {
	ident, _ := ctx.Value(contextKey{}).(*Identity)
	return ident
}
