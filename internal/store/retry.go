package store

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/contexthub-ai/contexthub/internal/ctxerr"
)

// Retry policy for busy storage: jittered exponential backoff.
const (
	retryBase    = 100 * time.Millisecond
	retryFactor  = 2
	retryCap     = 1 * time.Second
	retryAttempt = 3
)

// Translate maps store sentinel errors onto the client-facing taxonomy.
// Engines call it at their boundary so raw driver errors never escape.
func Translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBusy):
		return ctxerr.StorageBusy(retryBase, err)
	case errors.Is(err, ErrUnavailable):
		return ctxerr.StorageUnavailable(err)
	case errors.Is(err, ErrConflict):
		return ctxerr.Conflict("already exists")
	case errors.Is(err, ErrNotFound):
		return ctxerr.NotFound("referenced record not found")
	default:
		return ctxerr.Internal(err)
	}
}

// WithRetry runs fn, retrying ErrBusy failures with jittered exponential
// backoff. Other errors, and context cancellation, end the attempts
// immediately. The last error is translated into the taxonomy.
func WithRetry(ctx context.Context, fn func() error) error {
	delay := retryBase
	var err error
	for attempt := 0; attempt < retryAttempt; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, ErrBusy) {
			return Translate(err)
		}
		// Full jitter keeps concurrent retries from thundering together.
		sleep := time.Duration(rand.Int64N(int64(delay)) + int64(delay)/2)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		if delay *= retryFactor; delay > retryCap {
			delay = retryCap
		}
	}
	return Translate(err)
}
