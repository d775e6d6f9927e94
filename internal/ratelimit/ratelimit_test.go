package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBurstThenDeny(t *testing.T) {
	l := New(1, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("alice"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("alice"), "burst exhausted")
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(1, 1)

	require.True(t, l.Allow("alice"))
	require.False(t, l.Allow("alice"))
	assert.True(t, l.Allow("bob"), "one key's exhaustion must not starve another")
}

func TestRefill(t *testing.T) {
	// 100 tokens per second refills one token in ~10ms.
	l := New(100, 1)

	require.True(t, l.Allow("alice"))
	require.False(t, l.Allow("alice"))

	time.Sleep(25 * time.Millisecond)
	assert.True(t, l.Allow("alice"), "bucket should refill over time")
}

func TestRefillCapsAtBurst(t *testing.T) {
	l := New(1000, 2)

	require.True(t, l.Allow("alice"))
	time.Sleep(20 * time.Millisecond)

	// Long idle never grants more than burst.
	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))
}

func TestRetryAfter(t *testing.T) {
	l := New(1, 1)

	assert.Equal(t, time.Duration(0), l.RetryAfter("unknown"), "unseen key owes nothing")

	require.True(t, l.Allow("alice"))
	require.False(t, l.Allow("alice"))

	wait := l.RetryAfter("alice")
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second+100*time.Millisecond)
}

func TestPerMinute(t *testing.T) {
	l := PerMinute(60, 2)

	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))

	// 60/min is 1/s; a full token is about a second away.
	wait := l.RetryAfter("alice")
	assert.Greater(t, wait, 500*time.Millisecond)
}

func TestCleanupDropsIdleBuckets(t *testing.T) {
	l := New(1, 1)
	require.True(t, l.Allow("alice"))

	time.Sleep(10 * time.Millisecond)
	l.cleanup(time.Millisecond)

	l.mu.Lock()
	_, ok := l.buckets["alice"]
	l.mu.Unlock()
	assert.False(t, ok, "idle bucket should be dropped")

	// The key starts fresh afterwards.
	assert.True(t, l.Allow("alice"))
}
