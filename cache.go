package vfskit

import (
	"strings"
	"sync"
	"time"
)

// CacheStatistics contains cache performance metrics.
type CacheStatistics struct {
	Hits      int64
	Misses    int64
	Size      int64
	Evictions int64
	HitRate   float64
}

type cacheEntry struct {
	info       FileInfo
	expiration time.Time
}

// AttributeCache holds the attributes a listing returned for each entry so
// that the Stat that usually follows a List can skip a round trip. An entry
// is consumed by the first Take; any mutation of the path must Invalidate
// it.
//
// It is safe for concurrent use.
type AttributeCache struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	ttl       time.Duration
	now       func() time.Time
	hits      int64
	misses    int64
	evictions int64
}

// NewAttributeCache creates a cache whose entries live for ttl. A zero ttl
// disables expiry.
func NewAttributeCache(ttl time.Duration) *AttributeCache {
	return &AttributeCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// cacheKey keeps the authority before the path so that prefixes of a key
// are keys of ancestors.
func cacheKey(p VirtualPath) string {
	return p.auth.String() + p.auth.query() + "|" + p.String()
}

// Put records fi for its path.
func (c *AttributeCache) Put(fi FileInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &cacheEntry{info: fi}
	if c.ttl > 0 {
		entry.expiration = c.now().Add(c.ttl)
	}
	c.entries[cacheKey(fi.Path)] = entry
}

// Take returns and removes the cached attributes of p.
func (c *AttributeCache) Take(p VirtualPath) (FileInfo, bool) {
	key := cacheKey(p)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		c.misses++
		return FileInfo{}, false
	}
	delete(c.entries, key)

	if !entry.expiration.IsZero() && c.now().After(entry.expiration) {
		c.misses++
		c.evictions++
		return FileInfo{}, false
	}

	c.hits++
	return entry.info, true
}

// Invalidate drops the entry of p.
func (c *AttributeCache) Invalidate(p VirtualPath) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(p))
}

// InvalidatePrefix drops p and every entry below it.
func (c *AttributeCache) InvalidatePrefix(p VirtualPath) {
	key := cacheKey(p)
	prefix := strings.TrimSuffix(key, "/") + "/"

	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k == key || strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Clear removes all entries.
func (c *AttributeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Stats returns cache statistics.
func (c *AttributeCache) Stats() CacheStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return CacheStatistics{
		Hits:      c.hits,
		Misses:    c.misses,
		Size:      int64(len(c.entries)),
		Evictions: c.evictions,
		HitRate:   hitRate,
	}
}

// Cleanup removes expired entries from the cache.
func (c *AttributeCache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.entries {
		if !entry.expiration.IsZero() && now.After(entry.expiration) {
			delete(c.entries, key)
			c.evictions++
		}
	}
}
