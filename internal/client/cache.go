package client

import (
	"sort"
	"sync"

	"github.com/devrev/sitefs/internal/model"
)

// Cache is a client-local map of file name to cached content. Entries are
// replaced on refresh and flagged invalid on push; they are never evicted.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]model.CacheEntry
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{entries: make(map[string]model.CacheEntry)}
}

// Get returns the entry for name
func (c *Cache) Get(name string) (model.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[name]
	return entry, ok
}

// Put replaces the entry for name with a valid entry
func (c *Cache) Put(name, content string, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[name] = model.CacheEntry{
		Content: content,
		Version: version,
		Valid:   true,
	}
}

// Invalidate flags the entry for name invalid. It reports whether an entry
// existed.
func (c *Cache) Invalidate(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[name]
	if !ok {
		return false
	}
	entry.Valid = false
	c.entries[name] = entry
	return true
}

// Names returns the cached file names, sorted
func (c *Cache) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	c.mu.RUnlock()

	sort.Strings(names)
	return names
}
