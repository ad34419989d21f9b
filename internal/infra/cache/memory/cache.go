// Package memory provides an in-process implementation of the scan result
// cache, keyed by volume identifier.
package memory

import (
	"sync"
	"time"

	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/pkg/common/timeutil"
)

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries bounds the number of cached volumes. When full, the entry
// with the oldest scan is evicted. Zero means unbounded.
func WithMaxEntries(n int) Option { return func(c *Cache) { c.maxEntries = n } }

// WithMaxAge makes entries older than d read as misses. Zero means entries
// never expire.
func WithMaxAge(d time.Duration) Option { return func(c *Cache) { c.maxAge = d } }

// WithTimeProvider sets the clock used for expiry.
func WithTimeProvider(tp timeutil.Provider) Option { return func(c *Cache) { c.timeProvider = tp } }

// Cache holds the most recent result per volume. It is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]scanning.ScanResult

	maxEntries   int
	maxAge       time.Duration
	timeProvider timeutil.Provider
}

var _ scanning.ResultCache = (*Cache)(nil)

// NewCache creates an empty cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		entries:      make(map[string]scanning.ScanResult),
		timeProvider: timeutil.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached result for volumeID.
func (c *Cache) Get(volumeID string) (scanning.ScanResult, bool) {
	c.mu.RLock()
	r, ok := c.entries[volumeID]
	c.mu.RUnlock()
	if !ok {
		return scanning.ScanResult{}, false
	}

	if c.expired(r) {
		c.mu.Lock()
		// Re-check under the write lock; a fresh Put may have landed.
		if cur, ok := c.entries[volumeID]; ok && c.expired(cur) {
			delete(c.entries, volumeID)
		}
		c.mu.Unlock()
		return scanning.ScanResult{}, false
	}

	return r, true
}

// Put stores result for volumeID, replacing any cached result.
func (c *Cache) Put(volumeID string, result scanning.ScanResult) {
	result.CacheHit = false

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[volumeID]; !ok && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[volumeID] = result
}

// Invalidate drops the cached result for volumeID.
func (c *Cache) Invalidate(volumeID string) {
	c.mu.Lock()
	delete(c.entries, volumeID)
	c.mu.Unlock()
}

// Size returns the number of cached volumes, including expired entries not
// yet read.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) expired(r scanning.ScanResult) bool {
	return c.maxAge > 0 && c.timeProvider.Now().Sub(r.ScannedAt) > c.maxAge
}

func (c *Cache) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
		found    bool
	)
	for id, r := range c.entries {
		if !found || r.ScannedAt.Before(oldest) {
			oldestID, oldest, found = id, r.ScannedAt, true
		}
	}
	if found {
		delete(c.entries, oldestID)
	}
}
