// Package auth issues, validates, refreshes, and revokes agent tokens.
//
// A token is a signed JWT sealed with ChaCha20-Poly1305 before it touches the
// database; only the opaque id circulates to clients, as "sct_<uuid>". The
// signing secret and the AEAD key are process-wide state loaded at startup;
// their absence is fatal during configuration, never here.
package auth

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/contexthub-ai/contexthub/internal/ctxerr"
	"github.com/contexthub-ai/contexthub/internal/store"
)

const (
	issuer      = "contexthub"
	audience    = "mcp-shared-context-server"
	tokenPrefix = "sct_"
)

var agentIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// defaultPermissions is granted when authenticate_agent names none.
var defaultPermissions = []string{PermRead, PermWrite, PermRefresh}

var validPermissions = map[string]bool{
	PermRead:    true,
	PermWrite:   true,
	PermRefresh: true,
	PermAdmin:   true,
}

// Claims are the JWT claims carried inside a sealed token.
type Claims struct {
	AgentID     string   `json:"agent_id"`
	AgentType   string   `json:"agent_type"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Service is the identity and token store.
type Service struct {
	store  store.Store
	secret []byte
	aead   cipher.AEAD
	apiKey []byte
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates the token service. encryptionKey must be 32 bytes.
func NewService(s store.Store, apiKey, jwtSecret string, encryptionKey []byte, ttl time.Duration, logger *slog.Logger) (*Service, error) {
	aead, err := chacha20poly1305.New(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init AEAD: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{
		store:  s,
		secret: []byte(jwtSecret),
		aead:   aead,
		apiKey: []byte(apiKey),
		ttl:    ttl,
		logger: logger.With("component", "auth"),
	}, nil
}

// Authenticate is the bootstrap: exchange the deployment API key for a fresh
// agent token. The comparison is constant-time and the key is never logged.
func (s *Service) Authenticate(ctx context.Context, apiKey, agentID, agentType string, permissions []string) (string, time.Time, error) {
	if subtle.ConstantTimeCompare([]byte(apiKey), s.apiKey) != 1 {
		return "", time.Time{}, ctxerr.Unauthenticated("invalid API key")
	}
	if !agentIDRe.MatchString(agentID) {
		return "", time.Time{}, ctxerr.Validation("agent_id must match %s", agentIDRe.String())
	}
	if agentType == "" {
		agentType = "generic"
	}
	if !AgentTypes[agentType] {
		return "", time.Time{}, ctxerr.Validation("unknown agent_type %q", agentType)
	}
	if len(permissions) == 0 {
		permissions = slices.Clone(defaultPermissions)
	}
	for _, p := range permissions {
		if !validPermissions[p] {
			return "", time.Time{}, ctxerr.Validation("unknown permission %q", p)
		}
	}
	if agentType == "admin" && !slices.Contains(permissions, PermAdmin) {
		permissions = append(permissions, PermAdmin)
	}
	return s.Issue(ctx, agentID, agentType, permissions, s.ttl)
}

// Issue signs a JWT for the agent, seals it, persists the sealed form, and
// returns the opaque client token. Plaintext JWTs are never persisted.
func (s *Service) Issue(ctx context.Context, agentID, agentType string, permissions []string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := store.Now()
	expiresAt := now.Add(ttl)

	signed, err := s.sign(agentID, agentType, permissions, now, expiresAt)
	if err != nil {
		return "", time.Time{}, ctxerr.Internal(err)
	}

	tokenID := uuid.NewString()
	sealed, err := s.seal([]byte(signed))
	if err != nil {
		return "", time.Time{}, ctxerr.Internal(err)
	}

	if err := s.store.InsertToken(ctx, &store.SecureToken{
		TokenID:      tokenID,
		EncryptedJWT: sealed,
		AgentID:      agentID,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
	}); err != nil {
		return "", time.Time{}, translate(err)
	}

	s.logger.Debug("token issued", "agent_id", agentID, "agent_type", agentType, "expires_at", expiresAt)
	return tokenPrefix + tokenID, expiresAt, nil
}

// Validate resolves a client token to an Identity. A missing row covers
// revocation: once the record is deleted the sealed JWT is unrecoverable.
func (s *Service) Validate(ctx context.Context, token string) (*Identity, error) {
	tokenID, err := parseTokenID(token)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.GetToken(ctx, tokenID)
	if err != nil {
		return nil, translate(err)
	}
	if rec == nil {
		return nil, ctxerr.Unauthenticated("token not found or revoked")
	}
	if !rec.ExpiresAt.After(store.Now()) {
		return nil, ctxerr.Unauthenticated("token expired")
	}

	plain, err := s.open(rec.EncryptedJWT)
	if err != nil {
		// A row that cannot be opened means the AEAD key rotated or the
		// record was tampered with; either way the token is dead.
		s.logger.Warn("sealed token failed to open", "token_id", tokenID)
		return nil, ctxerr.Unauthenticated("token unreadable")
	}

	claims, err := s.verify(string(plain))
	if err != nil {
		return nil, ctxerr.Unauthenticated("token verification failed")
	}
	if claims.AgentID != rec.AgentID {
		return nil, ctxerr.Unauthenticated("token agent mismatch")
	}

	return &Identity{
		AgentID:     claims.AgentID,
		AgentType:   claims.AgentType,
		Permissions: claims.Permissions,
		TokenID:     tokenID,
	}, nil
}

// Refresh rotates a token. The presented token must currently validate and
// carry refresh_token; the old record is replaced atomically, so it fails
// validation the moment the new one exists.
func (s *Service) Refresh(ctx context.Context, token string) (string, time.Time, error) {
	ident, err := s.Validate(ctx, token)
	if err != nil {
		return "", time.Time{}, err
	}
	if !slices.Contains(ident.Permissions, PermRefresh) {
		return "", time.Time{}, ctxerr.PermissionDenied("token lacks refresh_token permission")
	}

	now := store.Now()
	expiresAt := now.Add(s.ttl)
	signed, err := s.sign(ident.AgentID, ident.AgentType, ident.Permissions, now, expiresAt)
	if err != nil {
		return "", time.Time{}, ctxerr.Internal(err)
	}
	sealed, err := s.seal([]byte(signed))
	if err != nil {
		return "", time.Time{}, ctxerr.Internal(err)
	}

	newID := uuid.NewString()
	err = s.store.ReplaceToken(ctx, ident.TokenID, &store.SecureToken{
		TokenID:      newID,
		EncryptedJWT: sealed,
		AgentID:      ident.AgentID,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
	})
	if err != nil {
		return "", time.Time{}, translate(err)
	}

	s.logger.Debug("token refreshed", "agent_id", ident.AgentID)
	return tokenPrefix + newID, expiresAt, nil
}

// Revoke deletes a token record. Subsequent validations fail.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	deleted, err := s.store.DeleteToken(ctx, tokenID)
	if err != nil {
		return translate(err)
	}
	if !deleted {
		return ctxerr.NotFound("token not found")
	}
	return nil
}

// SweepExpired deletes token rows past their expiry.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.store.SweepExpiredTokens(ctx, store.Now())
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

func (s *Service) sign(agentID, agentType string, permissions []string, now, expiresAt time.Time) (string, error) {
	claims := &Claims{
		AgentID:     agentID,
		AgentType:   agentType,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Service) verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid claims")
	}
	return claims, nil
}

// seal encrypts a signed JWT as nonce||ciphertext.
func (s *Service) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *Service) open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("sealed token too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	return s.aead.Open(nil, nonce, ciphertext, nil)
}

func parseTokenID(token string) (string, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return "", ctxerr.InvalidToken("token must start with %q", tokenPrefix)
	}
	id := token[len(tokenPrefix):]
	if _, err := uuid.Parse(id); err != nil {
		return "", ctxerr.InvalidToken("malformed token id")
	}
	return id, nil
}

// translate maps store sentinels onto the taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case ctxerr.As(err) != nil:
		return err
	default:
		return store.Translate(err)
	}
}
