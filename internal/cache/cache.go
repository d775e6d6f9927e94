// Package cache provides the bounded TTL+LRU caches in front of the hot read
// paths. The cache is an optimization only: a zero capacity disables a class
// with no observable behavior change.
package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of one cache's counters.
type Stats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is a capacity-bounded LRU with per-entry TTL. Expired entries are
// evicted on access and by Cleanup. Safe for concurrent use. A nil or
// zero-capacity cache misses on every Get and drops every Set.
type Cache struct {
	capacity int
	ttl      time.Duration

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List

	hits   atomic.Uint64
	misses atomic.Uint64
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// New creates a cache. capacity <= 0 returns a disabled cache.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		return &Cache{}
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached value when present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	if c == nil || c.capacity == 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	e := elem.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.removeLocked(elem)
		c.misses.Add(1)
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.hits.Add(1)
	return e.value, true
}

// Set stores a value, evicting the least recently used entries at capacity.
func (c *Cache) Set(key string, value any) {
	if c == nil || c.capacity == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		e.value = value
		e.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}
	for c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}
	c.items[key] = c.order.PushFront(&entry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes one key.
func (c *Cache) Delete(key string) {
	if c == nil || c.capacity == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.removeLocked(elem)
	}
}

// InvalidatePrefix removes every key starting with prefix and returns how
// many were dropped.
func (c *Cache) InvalidatePrefix(prefix string) int {
	if c == nil || c.capacity == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	var next *list.Element
	for elem := c.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		if strings.HasPrefix(elem.Value.(*entry).key, prefix) {
			c.removeLocked(elem)
			removed++
		}
	}
	return removed
}

// Clear drops everything.
func (c *Cache) Clear() {
	if c == nil || c.capacity == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// Cleanup evicts expired entries and returns how many were removed.
func (c *Cache) Cleanup() int {
	if c == nil || c.capacity == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := time.Now()
	var prev *list.Element
	for elem := c.order.Back(); elem != nil; elem = prev {
		prev = elem.Prev()
		if now.After(elem.Value.(*entry).expiresAt) {
			c.removeLocked(elem)
			removed++
		}
	}
	return removed
}

// Stats returns the counter snapshot.
func (c *Cache) Stats() Stats {
	if c == nil || c.capacity == 0 {
		return Stats{}
	}
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{Size: size, Hits: hits, Misses: misses, HitRate: rate}
}

func (c *Cache) removeLocked(elem *list.Element) {
	delete(c.items, elem.Value.(*entry).key)
	c.order.Remove(elem)
}

// Set bundles the per-class caches the engines share.
type Set struct {
	Sessions *Cache
	Messages *Cache
	Search   *Cache
	Memory   *Cache
}

// NewSet builds the four cache classes.
func NewSet(sessions, messages, search, memory *Cache) *Set {
	return &Set{Sessions: sessions, Messages: messages, Search: search, Memory: memory}
}

// StatsByClass returns a per-class snapshot for the diagnostics surface.
func (s *Set) StatsByClass() map[string]Stats {
	return map[string]Stats{
		"sessions":      s.Sessions.Stats(),
		"message_pages": s.Messages.Stats(),
		"search":        s.Search.Stats(),
		"memory":        s.Memory.Stats(),
	}
}

// StartCleanup evicts expired entries from every class on a fixed tick until
// the context ends.
func (s *Set) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sessions.Cleanup()
				s.Messages.Cleanup()
				s.Search.Cleanup()
				s.Memory.Cleanup()
			}
		}
	}()
}
