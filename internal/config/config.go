// Package config handles server configuration loading and validation. All
// settings come from environment variables; flags on the serve command
// override individual values after Load.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as JWT_SECRET_KEY or API_KEY.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateEncryptionKey returns a fresh AEAD key as URL-safe base64 of 32
// random bytes, the format JWT_ENCRYPTION_KEY expects.
func GenerateEncryptionKey() (string, error) {
	b := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate encryption key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Config is the top-level server configuration.
type Config struct {
	Server  ServerConfig
	Auth    AuthConfig
	Storage StorageConfig
	Cache   CacheConfig
	Notify  NotifyConfig
	Logging LoggingConfig
	// CI reduces storage fan-out to suit ephemeral in-memory stores.
	CI bool
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Addr            string        // e.g. ":8580"
	AllowedOrigins  []string      // CORS / WebSocket origins; empty = same-origin only
	MaxBodyBytes    int64         // max request body size; default 1MB
	RequestTimeout  time.Duration // per-request deadline; default 30s
	RatePerMinute   int           // authenticated requests per agent per minute
	RateBurst       int
}

// AuthConfig defines token issuing settings.
type AuthConfig struct {
	APIKey        string // bootstrap credential for authenticate_agent
	JWTSecret     string // HS256 signing secret
	EncryptionKey []byte // decoded AEAD key, 32 bytes
	TokenTTL      time.Duration
}

// StorageConfig defines database settings.
type StorageConfig struct {
	DSN              string        // postgres://... or a sqlite path / :memory:
	SweepInterval    time.Duration // expired memory/token sweep cadence
	SessionRetention time.Duration // 0 disables the inactivity reaper
}

// CacheClass sizes one cache.
type CacheClass struct {
	Capacity int
	TTL      time.Duration
}

// CacheConfig defines the per-class cache sizes.
type CacheConfig struct {
	Sessions CacheClass
	Messages CacheClass
	Search   CacheClass
	Memory   CacheClass
}

// NotifyConfig defines WebSocket push settings.
type NotifyConfig struct {
	HeartbeatInterval time.Duration // server ping cadence
	QueueSize         int           // per-subscriber outbound buffer
	DrainTimeout      time.Duration // full-queue grace before the sink is dropped
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:           getenv("HTTP_ADDR", ""),
			AllowedOrigins: splitList(os.Getenv("ALLOWED_ORIGINS")),
		},
		Auth: AuthConfig{
			APIKey:    os.Getenv("API_KEY"),
			JWTSecret: os.Getenv("JWT_SECRET_KEY"),
		},
		Storage: StorageConfig{
			DSN: getenv("DATABASE_URL", ""),
		},
		Logging: LoggingConfig{
			Level:  os.Getenv("LOG_LEVEL"),
			Format: os.Getenv("LOG_FORMAT"),
		},
		CI: parseBool(os.Getenv("CI")),
	}

	var err error
	if cfg.Auth.TokenTTL, err = envSeconds("TOKEN_TTL_SECONDS"); err != nil {
		return nil, err
	}
	if cfg.Notify.HeartbeatInterval, err = envSeconds("WS_HEARTBEAT_SECONDS"); err != nil {
		return nil, err
	}
	if cfg.Storage.SweepInterval, err = envSeconds("SWEEP_INTERVAL_SECONDS"); err != nil {
		return nil, err
	}
	if cfg.Server.RequestTimeout, err = envSeconds("REQUEST_TIMEOUT_SECONDS"); err != nil {
		return nil, err
	}
	retentionHours, err := envInt("SESSION_RETENTION_HOURS")
	if err != nil {
		return nil, err
	}
	cfg.Storage.SessionRetention = time.Duration(retentionHours) * time.Hour
	if cfg.Server.RatePerMinute, err = envInt("RATE_LIMIT_PER_MINUTE"); err != nil {
		return nil, err
	}
	if cfg.Server.RateBurst, err = envInt("RATE_LIMIT_BURST"); err != nil {
		return nil, err
	}
	if cfg.Server.MaxBodyBytes, err = envInt64("MAX_BODY_BYTES"); err != nil {
		return nil, err
	}
	if err := cfg.loadCacheEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) loadCacheEnv() error {
	classes := []struct {
		name  string
		class *CacheClass
	}{
		{"SESSIONS", &c.Cache.Sessions},
		{"MESSAGES", &c.Cache.Messages},
		{"SEARCH", &c.Cache.Search},
		{"MEMORY", &c.Cache.Memory},
	}
	for _, cl := range classes {
		capacity, err := envInt("CACHE_CAPACITY_" + cl.name)
		if err != nil {
			return err
		}
		ttl, err := envSeconds("CACHE_TTL_" + cl.name)
		if err != nil {
			return err
		}
		cl.class.Capacity = capacity
		cl.class.TTL = ttl
	}
	return nil
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("JWT_SECRET_KEY is a well-known weak secret, generate a new one")
	}
	rawKey := os.Getenv("JWT_ENCRYPTION_KEY")
	if rawKey == "" {
		return fmt.Errorf("JWT_ENCRYPTION_KEY is required")
	}
	key, err := decodeEncryptionKey(rawKey)
	if err != nil {
		return fmt.Errorf("JWT_ENCRYPTION_KEY: %w", err)
	}
	c.Auth.EncryptionKey = key
	if c.Auth.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if c.Logging.Level != "" {
		switch c.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8580"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Server.RatePerMinute == 0 {
		c.Server.RatePerMinute = 60
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 120
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 30 * time.Minute
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "./contexthub.db"
	}
	if c.Storage.SweepInterval == 0 {
		c.Storage.SweepInterval = 60 * time.Second
	}
	if c.Notify.HeartbeatInterval == 0 {
		c.Notify.HeartbeatInterval = 30 * time.Second
	}
	if c.Notify.QueueSize == 0 {
		c.Notify.QueueSize = 256
	}
	if c.Notify.DrainTimeout == 0 {
		c.Notify.DrainTimeout = 5 * time.Second
	}
	applyCacheDefault(&c.Cache.Sessions, 50, 60*time.Second)
	applyCacheDefault(&c.Cache.Messages, 100, 30*time.Second)
	applyCacheDefault(&c.Cache.Search, 200, 120*time.Second)
	applyCacheDefault(&c.Cache.Memory, 500, 300*time.Second)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func applyCacheDefault(class *CacheClass, capacity int, ttl time.Duration) {
	if class.Capacity == 0 {
		class.Capacity = capacity
	}
	if class.TTL == 0 {
		class.TTL = ttl
	}
}

// Redacted returns a loggable snapshot with secrets masked. Logged once at
// startup so operators can confirm the effective configuration.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"addr":              c.Server.Addr,
		"database_url":      redactDSN(c.Storage.DSN),
		"token_ttl":         c.Auth.TokenTTL.String(),
		"api_key":           mask(c.Auth.APIKey),
		"jwt_secret_key":    mask(c.Auth.JWTSecret),
		"jwt_encryption":    "[set]",
		"heartbeat":         c.Notify.HeartbeatInterval.String(),
		"sweep_interval":    c.Storage.SweepInterval.String(),
		"session_retention": c.Storage.SessionRetention.String(),
		"log_level":         c.Logging.Level,
		"log_format":        c.Logging.Format,
		"ci":                c.CI,
	}
}

// decodeEncryptionKey accepts padded or raw URL-safe base64 and requires
// exactly a 32-byte key.
func decodeEncryptionKey(raw string) ([]byte, error) {
	key, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("must be URL-safe base64: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("must decode to %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

func redactDSN(dsn string) string {
	// Mask the password component of URL-style DSNs.
	if at := strings.Index(dsn, "@"); at >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 && scheme < at {
			if colon := strings.Index(dsn[scheme+3:at], ":"); colon >= 0 {
				return dsn[:scheme+3+colon+1] + "***" + dsn[at:]
			}
		}
	}
	return dsn
}

func mask(s string) string {
	if s == "" {
		return "[unset]"
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***"
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(s)
	return err == nil && v
}

func envInt(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return n, nil
}

func envInt64(key string) (int64, error) {
	n, err := envInt(key)
	return int64(n), err
}

func envSeconds(key string) (time.Duration, error) {
	n, err := envInt(key)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
