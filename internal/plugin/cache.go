package plugin

import (
	"sync"

	"codeberg.org/depot-center/depot/internal/app"
)

// Cache is an identity-preserving app cache. Plugins use it to hand back
// the same record for the same computed identity across repeated calls, so
// state set on a record earlier (progress, metadata, lifecycle) survives
// re-enumeration of backend data.
type Cache struct {
	mu   sync.Mutex
	apps map[string]*app.App
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{apps: make(map[string]*app.App)}
}

// Lookup returns the cached record for key, or nil.
func (c *Cache) Lookup(key string) *app.App {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apps[key]
}

// Add stores a record under key, replacing any previous entry.
func (c *Cache) Add(key string, a *app.App) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apps[key] = a
}

// GetOrInsert returns the cached record for key, creating it with build
// when absent. Exactly one record per key is ever created.
func (c *Cache) GetOrInsert(key string, build func() *app.App) *app.App {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.apps[key]; ok {
		return a
	}
	a := build()
	c.apps[key] = a
	return a
}

// Invalidate drops all cached records.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apps = make(map[string]*app.App)
}
