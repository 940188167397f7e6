// Package resolve caches recorded-event manifest URLs. Resolving an event
// costs one upstream metadata fetch, and a single playback session can ask
// for the same manifest many times in quick succession, so results are kept
// fresh for a TTL and concurrent misses for one key share a single upstream
// call.
package resolve

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a resolved manifest URL is trusted.
const DefaultTTL = 5 * time.Minute

type entry struct {
	manifestURL string
	fetchedAt   time.Time
}

// Cache maps a "{deviceId}:{eventId}" key to a manifest URL. Entries are
// refreshed in place and never evicted; the key space is bounded by the
// number of recorded events a client actually plays back.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	sf      singleflight.Group

	// now is replaceable in tests.
	now func() time.Time
}

// NewCache returns a Cache with the given TTL. A non-positive ttl falls
// back to DefaultTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Resolve returns the manifest URL for key. A fresh cached value is
// returned without invoking compute. On a miss, concurrent callers for the
// same key share one compute invocation; its outcome (value or error) is
// delivered to all of them. A failed compute leaves any previously cached
// value in place and never wedges the key: the in-flight slot is released
// when the underlying call completes, not when a caller goes away.
func (c *Cache) Resolve(ctx context.Context, key string, compute func(context.Context) (string, error)) (string, error) {
	if url, ok := c.fresh(key); ok {
		return url, nil
	}

	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check under the flight: a sibling may have stored a value
		// between our freshness check and winning the slot.
		if url, ok := c.fresh(key); ok {
			return url, nil
		}
		// The computation deliberately ignores caller cancellation so
		// that other waiters on this key still get a usable result.
		url, err := compute(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.entries[key] = entry{manifestURL: url, fetchedAt: c.now()}
		c.mu.Unlock()
		return url, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Peek reports the cached URL for key if it is still fresh, without
// triggering a resolution.
func (c *Cache) Peek(key string) (string, bool) {
	return c.fresh(key)
}

// Len reports the number of cached keys. Used for metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) fresh(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.manifestURL == "" {
		return "", false
	}
	if c.now().Sub(e.fetchedAt) >= c.ttl {
		return "", false
	}
	return e.manifestURL, true
}
