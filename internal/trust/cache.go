package trust

import (
	"context"
	"sync"
	"time"
)

// Reader is the read-only view of trust state consumed by the
// authorization engine and the reputation gate.
type Reader interface {
	Get(ctx context.Context, entityID, orgID string) (*Record, error)
}

type cacheEntry struct {
	record    *Record
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// CachedReader is a TTL-bounded read cache over a Reader. Trust scores are
// allowed to lag by up to one flush interval, so the TTL should not exceed
// the batcher's flush interval. It must never be used for revocation or
// expiry state, which are always evaluated against the durable store.
type CachedReader struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	inner   Reader
	ttl     time.Duration
}

// NewCachedReader wraps inner with a TTL cache.
func NewCachedReader(inner Reader, ttl time.Duration) *CachedReader {
	return &CachedReader{
		entries: make(map[string]*cacheEntry),
		inner:   inner,
		ttl:     ttl,
	}
}

// Get implements Reader.
func (c *CachedReader) Get(ctx context.Context, entityID, orgID string) (*Record, error) {
	key := entityID + ":" + orgID

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && !e.expired() {
		return e.record, nil
	}

	rec, err := c.inner.Get(ctx, entityID, orgID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{record: rec, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return rec, nil
}

// Invalidate removes one key from the cache.
func (c *CachedReader) Invalidate(entityID, orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, entityID+":"+orgID)
}

// Evict removes all expired entries and reports how many were dropped.
func (c *CachedReader) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
			n++
		}
	}
	return n
}
