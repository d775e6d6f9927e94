// Package ratelimit implements the per-key token bucket in front of the
// authenticated HTTP surface.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a per-key token bucket. Keys are agent ids on the API surface
// and remote IPs on the auth endpoints.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int
}

type bucket struct {
	tokens     float64
	lastCheck  time.Time
	lastAccess time.Time
}

// New creates a limiter refilling at requestsPerSecond up to burst.
func New(requestsPerSecond float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    requestsPerSecond,
		burst:   burst,
	}
}

// PerMinute creates a limiter from a per-minute budget.
func PerMinute(requestsPerMinute, burst int) *Limiter {
	return New(float64(requestsPerMinute)/60.0, burst)
}

// Allow consumes one token for key, reporting whether the request may
// proceed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.burst), lastCheck: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > float64(l.burst) {
		b.tokens = float64(l.burst)
	}
	b.lastCheck = now
	b.lastAccess = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter estimates how long until key has a token again.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.tokens >= 1 || l.rate <= 0 {
		return 0
	}
	missing := 1 - b.tokens
	return time.Duration(missing / l.rate * float64(time.Second))
}

// cleanup drops buckets idle longer than maxAge.
func (l *Limiter) cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// StartCleanup periodically removes stale buckets until the context ends.
func (l *Limiter) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.cleanup(maxAge)
			}
		}
	}()
}
