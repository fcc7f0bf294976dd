package roster

import (
	"context"
	"sync"
	"time"

	"github.com/basket/taskforce/internal/persistence"
	"github.com/golang/groupcache/lru"
)

const (
	DefaultCacheTTL      = 5 * time.Minute
	DefaultCacheCapacity = 128
)

// TemplateLoader fetches the templates of a scope.
type TemplateLoader func(ctx context.Context, scope string) ([]persistence.AgentTemplate, error)

type cacheEntry struct {
	templates []persistence.AgentTemplate
	loadedAt  time.Time
}

// TemplateCache is a per-scope LRU of template lists with a TTL.
type TemplateCache struct {
	mu     sync.Mutex
	lru    *lru.Cache
	ttl    time.Duration
	load   TemplateLoader
	now    func() time.Time
	hits   int64
	misses int64
}

func NewTemplateCache(load TemplateLoader, capacity int, ttl time.Duration) *TemplateCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &TemplateCache{lru: lru.New(capacity), ttl: ttl, load: load, now: time.Now}
}

// WithClock replaces the clock used for expiry.
func (c *TemplateCache) WithClock(now func() time.Time) *TemplateCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// Get returns the cached templates of scope, loading them on miss or expiry.
func (c *TemplateCache) Get(ctx context.Context, scope string) ([]persistence.AgentTemplate, error) {
	c.mu.Lock()
	if v, ok := c.lru.Get(scope); ok {
		e := v.(cacheEntry)
		if c.now().Sub(e.loadedAt) < c.ttl {
			c.hits++
			c.mu.Unlock()
			return e.templates, nil
		}
		c.lru.Remove(scope)
	}
	c.misses++
	c.mu.Unlock()

	templates, err := c.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lru.Add(scope, cacheEntry{templates: templates, loadedAt: c.now()})
	c.mu.Unlock()
	return templates, nil
}

// Invalidate drops one scope.
func (c *TemplateCache) Invalidate(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(scope)
}

// Purge drops every scope.
func (c *TemplateCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Clear()
}

// Len is the number of cached scopes.
func (c *TemplateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns hit and miss counts.
func (c *TemplateCache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
