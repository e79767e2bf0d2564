package cache

import (
	"strings"
	"sync"
	"time"

	"vkernel/internal/vfs"
)

// StatCache caches vfs.Stat results by absolute path with TTL expiration.
//
// Thread-safe: Uses RWMutex for concurrent access.
type StatCache struct {
	mu      sync.RWMutex
	entries map[string]*statEntry
	ttl     time.Duration
	maxSize int

	hits   uint64
	misses uint64
}

type statEntry struct {
	stat    vfs.Stat
	expires time.Time
}

// NewStatCache creates a new stat cache.
// ttl: Time-to-live for cached entries (use 0 for no expiration)
// maxSize: Maximum number of entries (use 0 for unlimited)
func NewStatCache(ttl time.Duration, maxSize int) *StatCache {
	return &StatCache{
		entries: make(map[string]*statEntry, 256),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns a copy of the cached stat for path.
// Returns nil if not found, expired, or caching is disabled.
func (c *StatCache) Get(path string) *vfs.Stat {
	if Disabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[path]
	if !ok || (c.ttl > 0 && time.Now().After(entry.expires)) {
		c.misses++
		return nil
	}
	c.hits++
	st := entry.stat
	return &st
}

// Set stores st for path. No-op if caching is disabled.
func (c *StatCache) Set(path string, st *vfs.Stat) {
	if Disabled || st == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		// At capacity: only refresh existing entries
		if _, exists := c.entries[path]; !exists {
			return
		}
	}

	var expires time.Time
	if c.ttl > 0 {
		expires = time.Now().Add(c.ttl)
	}
	c.entries[path] = &statEntry{stat: *st, expires: expires}
}

// Invalidate clears all entries from the cache.
func (c *StatCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		c.entries = make(map[string]*statEntry, 256)
	}
}

// InvalidatePath removes a specific path from the cache.
func (c *StatCache) InvalidatePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, path)
}

// InvalidatePrefix removes prefix and every path under it.
func (c *StatCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, prefix)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	for path := range c.entries {
		if strings.HasPrefix(path, prefix) {
			delete(c.entries, path)
		}
	}
}

// InvalidatePathAndParent invalidates a path and its parent directory.
// Used for create, remove, mkdir, symlink operations.
func (c *StatCache) InvalidatePathAndParent(path, parentPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, path)
	delete(c.entries, parentPath)
}

// StatCacheStats is a snapshot of cache counters
type StatCacheStats struct {
	Size    int
	MaxSize int
	TTL     time.Duration
	Hits    uint64
	Misses  uint64
}

// Stats returns current cache statistics.
func (c *StatCache) Stats() StatCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return StatCacheStats{
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		TTL:     c.ttl,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

var _ Invalidator = (*StatCache)(nil)
