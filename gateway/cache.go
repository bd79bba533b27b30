package gateway

import (
	"os"
	"strconv"
	"sync"
	"time"
)

const defaultMetadataTTL = 300 * time.Second

// metadataTTL reads ODOO_METADATA_CACHE_TTL_SECS; 0 disables caching.
func metadataTTL() time.Duration {
	raw := os.Getenv("ODOO_METADATA_CACHE_TTL_SECS")
	if raw == "" {
		return defaultMetadataTTL
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs < 0 {
		return defaultMetadataTTL
	}
	return time.Duration(secs) * time.Second
}

type cacheKey struct {
	instance string
	model    string
}

type cacheEntry struct {
	value  any
	expiry time.Time
}

// MetadataCache is a TTL cache for model-introspection results, keyed by
// (instance, model). Reads dominate, so lookups take the read lock only.
type MetadataCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
}

// NewMetadataCache creates an empty cache.
func NewMetadataCache() *MetadataCache {
	return &MetadataCache{entries: make(map[cacheKey]cacheEntry)}
}

// Get returns the cached value if present and unexpired.
func (c *MetadataCache) Get(instance, model string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[cacheKey{instance, model}]
	if !ok || !time.Now().Before(entry.expiry) {
		return nil, false
	}
	return entry.value, true
}

// Insert stores the value with an absolute expiry of now+ttl, overwriting
// unconditionally. A zero ttl produces an entry that is already expired.
func (c *MetadataCache) Insert(instance, model string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{instance, model}] = cacheEntry{
		value:  value,
		expiry: time.Now().Add(ttl),
	}
}

// SweepExpired removes expired entries in bulk. Expiry is also checked on
// every Get, so sweeping is optional upkeep.
func (c *MetadataCache) SweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, entry := range c.entries {
		if !now.Before(entry.expiry) {
			delete(c.entries, key)
		}
	}
}

// Clear drops every entry.
func (c *MetadataCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len reports the number of entries, including expired ones not yet swept.
func (c *MetadataCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
