package scrapemeter

import (
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache stores authenticated accounts keyed by API key to spare the storage
// backend a lookup on every request. Cached accounts only carry identity and
// tier; quota counters are always read inside the atomic update.
type Cache interface {
	// GetAccount retrieves a cached account
	// Returns the account and true if found, nil and false otherwise
	GetAccount(apiKey string) (*Account, bool)

	// SetAccount stores an account with TTL
	SetAccount(apiKey string, acct *Account, ttl time.Duration)

	// InvalidateAccount removes an account from the cache
	InvalidateAccount(apiKey string)

	// Clear removes all entries from the cache
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64 // expired or invalidated entries
	Size      int
}

// NoopCache is a cache implementation that does nothing
// Used when caching is disabled
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) GetAccount(_ string) (*Account, bool) {
	return nil, false
}

func (c *NoopCache) SetAccount(_ string, _ *Account, _ time.Duration) {}

func (c *NoopCache) InvalidateAccount(_ string) {}

func (c *NoopCache) Clear() {}

func (c *NoopCache) Stats() CacheStats {
	return CacheStats{}
}

// TTLCache implements Cache on top of patrickmn/go-cache
type TTLCache struct {
	items     *gocache.Cache
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewTTLCache creates a cache whose entries expire after defaultTTL and are
// purged every cleanupInterval
func NewTTLCache(defaultTTL, cleanupInterval time.Duration) *TTLCache {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	c := &TTLCache{items: gocache.New(defaultTTL, cleanupInterval)}
	c.items.OnEvicted(func(string, interface{}) {
		c.evictions.Add(1)
	})
	return c
}

func (c *TTLCache) GetAccount(apiKey string) (*Account, bool) {
	v, found := c.items.Get(apiKey)
	if !found {
		c.misses.Add(1)
		return nil, false
	}
	acct, ok := v.(*Account)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	// Return a copy to prevent external modifications
	return acct.Clone(), true
}

func (c *TTLCache) SetAccount(apiKey string, acct *Account, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	c.items.Set(apiKey, acct.Clone(), ttl)
}

func (c *TTLCache) InvalidateAccount(apiKey string) {
	c.items.Delete(apiKey)
}

func (c *TTLCache) Clear() {
	c.items.Flush()
}

func (c *TTLCache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.items.ItemCount(),
	}
}
