package config

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setValidEnv sets the minimum environment a Load call needs.
func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef")
	key, err := GenerateEncryptionKey()
	require.NoError(t, err)
	t.Setenv("JWT_ENCRYPTION_KEY", key)
	t.Setenv("API_KEY", "test-api-key-test-api-key")
	// Nothing else: defaults must cover the rest.
	t.Setenv("DATABASE_URL", "")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("TOKEN_TTL_SECONDS", "")
	t.Setenv("WS_HEARTBEAT_SECONDS", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")
	t.Setenv("CI", "")
}

func TestLoadDefaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8580", cfg.Server.Addr)
	assert.Equal(t, "./contexthub.db", cfg.Storage.DSN)
	assert.Equal(t, 30*time.Minute, cfg.Auth.TokenTTL)
	assert.Equal(t, 30*time.Second, cfg.Notify.HeartbeatInterval)
	assert.Equal(t, 256, cfg.Notify.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.Notify.DrainTimeout)
	assert.Equal(t, 60*time.Second, cfg.Storage.SweepInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Len(t, cfg.Auth.EncryptionKey, 32)

	assert.Equal(t, CacheClass{50, 60 * time.Second}, cfg.Cache.Sessions)
	assert.Equal(t, CacheClass{100, 30 * time.Second}, cfg.Cache.Messages)
	assert.Equal(t, CacheClass{200, 120 * time.Second}, cfg.Cache.Search)
	assert.Equal(t, CacheClass{500, 300 * time.Second}, cfg.Cache.Memory)
}

func TestLoadOverrides(t *testing.T) {
	setValidEnv(t)
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("DATABASE_URL", "postgres://ch:pw@localhost/ch")
	t.Setenv("TOKEN_TTL_SECONDS", "60")
	t.Setenv("WS_HEARTBEAT_SECONDS", "5")
	t.Setenv("CACHE_CAPACITY_SEARCH", "10")
	t.Setenv("CACHE_TTL_SEARCH", "7")
	t.Setenv("SESSION_RETENTION_HOURS", "48")
	t.Setenv("CI", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "postgres://ch:pw@localhost/ch", cfg.Storage.DSN)
	assert.Equal(t, time.Minute, cfg.Auth.TokenTTL)
	assert.Equal(t, 5*time.Second, cfg.Notify.HeartbeatInterval)
	assert.Equal(t, CacheClass{10, 7 * time.Second}, cfg.Cache.Search)
	assert.Equal(t, 48*time.Hour, cfg.Storage.SessionRetention)
	assert.True(t, cfg.CI)
}

func TestLoadRejectsMissingSecrets(t *testing.T) {
	setValidEnv(t)
	t.Setenv("JWT_SECRET_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET_KEY")
}

func TestLoadRejectsShortSecret(t *testing.T) {
	setValidEnv(t)
	t.Setenv("JWT_SECRET_KEY", "too-short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}

func TestLoadRejectsWeakSecret(t *testing.T) {
	setValidEnv(t)
	t.Setenv("JWT_SECRET_KEY", "local-dev-secret-for-testing-only-32chars!")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weak secret")
}

func TestLoadRejectsBadEncryptionKey(t *testing.T) {
	setValidEnv(t)
	t.Setenv("JWT_ENCRYPTION_KEY", base64.URLEncoding.EncodeToString([]byte("short")))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestLoadRejectsMissingAPIKey(t *testing.T) {
	setValidEnv(t)
	t.Setenv("API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_KEY")
}

func TestLoadRejectsBadInteger(t *testing.T) {
	setValidEnv(t)
	t.Setenv("TOKEN_TTL_SECONDS", "ten")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_TTL_SECONDS")
}

func TestDecodeEncryptionKeyAcceptsRawBase64(t *testing.T) {
	key := make([]byte, 32)
	raw := base64.RawURLEncoding.EncodeToString(key)

	decoded, err := decodeEncryptionKey(raw)
	require.NoError(t, err)
	assert.Len(t, decoded, 32)
}

func TestRedactedMasksSecrets(t *testing.T) {
	setValidEnv(t)
	t.Setenv("DATABASE_URL", "postgres://user:hunter2@db:5432/ch")

	cfg, err := Load()
	require.NoError(t, err)

	red := cfg.Redacted()
	assert.NotContains(t, red["database_url"], "hunter2")
	assert.NotContains(t, red["api_key"], "test-api-key-test-api-key")
	assert.Equal(t, "[set]", red["jwt_encryption"])
}

func TestGenerateRandomSecretLengthAndUniqueness(t *testing.T) {
	a, err := GenerateRandomSecret()
	require.NoError(t, err)
	b, err := GenerateRandomSecret()
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
