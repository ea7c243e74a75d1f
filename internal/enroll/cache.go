package enroll

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pending holds a captured enrollment awaiting confirmation. The embedding
// is the stabilized average over the sample frames.
type Pending struct {
	Token      string
	TenantID   int64
	CameraID   int64
	Embedding  []float32
	PreviewKey string
	CapturedAt time.Time
}

type cacheEntry struct {
	pending   Pending
	expiresAt time.Time
}

// Cache keeps pending enrollments for a bounded time. Tokens are single
// use; Consume removes the entry whether or not the caller succeeds, so a
// failed confirmation requires a fresh capture.
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Put stores a pending enrollment and returns its token.
func (c *Cache) Put(p Pending) string {
	token := uuid.NewString()
	p.Token = token

	c.mu.Lock()
	c.evictLocked(time.Now())
	c.entries[token] = cacheEntry{pending: p, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return token
}

// Consume returns and removes the pending enrollment for a token. Expired
// or unknown tokens report false.
func (c *Cache) Consume(token string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[token]
	if !ok {
		return Pending{}, false
	}
	delete(c.entries, token)
	if time.Now().After(e.expiresAt) {
		return Pending{}, false
	}
	return e.pending, true
}

// Len reports how many unexpired entries are held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(time.Now())
	return len(c.entries)
}

func (c *Cache) evictLocked(now time.Time) {
	for token, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, token)
		}
	}
}

// RunEvictor sweeps expired entries until the context ends. Put already
// evicts lazily; the sweep just keeps an idle cache from holding memory.
func (c *Cache) RunEvictor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.evictLocked(time.Now())
			c.mu.Unlock()
		}
	}
}
