// Package ctxerr defines the error taxonomy shared by every engine and
// surface. Engines translate storage and framework errors into this taxonomy
// at their boundary; a *Error is the only error shape that crosses package
// boundaries. Each error carries a stable code string, a severity used by the
// logging layer, a recoverable flag, and an optional retry-after hint.
package ctxerr

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Code is the stable wire identifier for an error class.
type Code string

const (
	CodeUnauthenticated    Code = "Unauthenticated"
	CodeInvalidToken       Code = "InvalidToken"
	CodePermissionDenied   Code = "PermissionDenied"
	CodeValidation         Code = "ValidationError"
	CodeNotFound           Code = "NotFound"
	CodeConflict           Code = "Conflict"
	CodeStorageBusy        Code = "StorageBusy"
	CodeStorageUnavailable Code = "StorageUnavailable"
	CodeRateLimited        Code = "RateLimited"
	CodeInternal           Code = "Internal"
)

// Severity classifies how an error is logged.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Error is a taxonomy error. Message is safe to show to clients; Err (if any)
// holds the internal cause and never leaves the process.
type Error struct {
	Code        Code
	Message     string
	Severity    Severity
	Recoverable bool
	RetryAfter  time.Duration
	// Details carries field-level validation errors.
	Details map[string]string
	// CorrelationID ties an Internal error to its server-side log line.
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// LogValue renders the error for slog without leaking the wrapped cause's
// formatting into client-visible fields.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("code", string(e.Code)),
		slog.String("message", e.Message),
		slog.String("severity", string(e.Severity)),
	}
	if e.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", e.CorrelationID))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("cause", e.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// WithDetails attaches field-level details and returns the error.
func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

func newError(code Code, sev Severity, recoverable bool, msg string) *Error {
	return &Error{Code: code, Message: msg, Severity: sev, Recoverable: recoverable}
}

// Unauthenticated reports a missing, expired, or unverifiable token.
func Unauthenticated(format string, args ...any) *Error {
	return newError(CodeUnauthenticated, SeverityWarning, false, fmt.Sprintf(format, args...))
}

// InvalidToken reports a structurally malformed token.
func InvalidToken(format string, args ...any) *Error {
	return newError(CodeInvalidToken, SeverityWarning, false, fmt.Sprintf(format, args...))
}

// PermissionDenied reports a valid identity lacking a needed permission.
func PermissionDenied(format string, args ...any) *Error {
	return newError(CodePermissionDenied, SeverityWarning, false, fmt.Sprintf(format, args...))
}

// Validation reports input that fails schema or format checks.
func Validation(format string, args ...any) *Error {
	return newError(CodeValidation, SeverityWarning, false, fmt.Sprintf(format, args...))
}

// NotFound reports an entity that does not exist for this caller.
func NotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, SeverityWarning, false, fmt.Sprintf(format, args...))
}

// Conflict reports a unique-key violation or a refused non-overwrite write.
func Conflict(format string, args ...any) *Error {
	return newError(CodeConflict, SeverityWarning, false, fmt.Sprintf(format, args...))
}

// StorageBusy reports a lock or serialization failure the caller may retry.
func StorageBusy(retryAfter time.Duration, err error) *Error {
	e := newError(CodeStorageBusy, SeverityError, true, "storage busy, retry later")
	e.RetryAfter = retryAfter
	e.Err = err
	return e
}

// StorageUnavailable reports a backend that cannot be reached at all.
func StorageUnavailable(err error) *Error {
	e := newError(CodeStorageUnavailable, SeverityCritical, false, "storage unavailable")
	e.Err = err
	return e
}

// RateLimited reports a caller exceeding its request budget.
func RateLimited(retryAfter time.Duration) *Error {
	e := newError(CodeRateLimited, SeverityWarning, true, "rate limit exceeded")
	e.RetryAfter = retryAfter
	return e
}

// Internal wraps an unexpected error. The client message is generic; the
// cause stays server-side, tied to the log line by a short correlation id.
func Internal(err error) *Error {
	e := newError(CodeInternal, SeverityCritical, false, "internal server error")
	e.CorrelationID = uuid.NewString()[:8]
	e.Err = err
	return e
}

// As extracts a taxonomy error, or nil when err is not one.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// CodeOf returns the taxonomy code of err, defaulting to CodeInternal for
// anything outside the taxonomy.
func CodeOf(err error) Code {
	if e := As(err); e != nil {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the caller may retry after a backoff.
func IsRetryable(err error) bool {
	if e := As(err); e != nil {
		return e.Recoverable
	}
	return false
}

// HasCode reports whether err carries the given taxonomy code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
