package auth

import (
	"log/slog"
	"regexp"
)

// sensitiveKeyRe matches metadata keys whose values must never be stored or
// logged in the clear.
var sensitiveKeyRe = regexp.MustCompile(`(?i)password|secret|token|api[_-]?key`)

// tokenLikeRe matches token material embedded in free text: our own opaque
// tokens and raw JWT triplets.
var tokenLikeRe = regexp.MustCompile(`sct_[0-9a-fA-F-]{8,}|eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)

// Redacted is the literal stored in place of a sensitive metadata value.
const Redacted = "[REDACTED]"

// IsSensitiveKey reports whether a metadata key matches the sensitive pattern.
func IsSensitiveKey(key string) bool {
	return sensitiveKeyRe.MatchString(key)
}

// RedactMetadata returns a copy of m with sensitive values replaced by the
// Redacted literal. Nested objects are walked; nil maps pass through.
func RedactMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = RedactMetadata(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// MaskToken shortens token-like strings for logs: the first 8 characters of
// the payload survive, the rest is elided.
func MaskToken(s string) string {
	return tokenLikeRe.ReplaceAllStringFunc(s, func(match string) string {
		if len(match) <= 12 {
			return match[:4] + "…"
		}
		return match[:12] + "…"
	})
}

// Secret wraps a string so slog output masks any token material in it.
type Secret string

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(MaskToken(string(s)))
}
