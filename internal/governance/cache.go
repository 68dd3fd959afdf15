package governance

import (
	"sync"

	"github.com/ChuLiYu/drt-dist/pkg/types"
)

// ResultCache keeps the most recent exploration result per worker id so a
// requester can ask for it again instead of recomputing.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[int]types.WorkerResult
}

// NewResultCache returns an empty cache.
func NewResultCache() *ResultCache {
	return &ResultCache{entries: make(map[int]types.WorkerResult)}
}

// Reset drops every entry. Called when a new stubborn batch starts.
func (c *ResultCache) Reset() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

// Store records r as the latest result of worker r.ID.
func (c *ResultCache) Store(r types.WorkerResult) {
	c.mu.Lock()
	c.entries[r.ID] = r
	c.mu.Unlock()
}

// Lookup returns the cached result of worker id only when it was produced
// with strategy s; an entry for another strategy is a miss.
func (c *ResultCache) Lookup(id int, s types.Strategy) (types.WorkerResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.entries[id]
	if !ok || r.Strategy != s {
		return types.WorkerResult{}, false
	}
	return r, true
}

// Len returns the number of cached workers.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
