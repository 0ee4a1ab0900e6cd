package wiki

import (
	"fmt"
	"sync"
	"time"
)

const resultCacheTTL = time.Hour

type cacheEntry struct {
	results   []Article
	expiresAt time.Time
}

// resultCache memoizes search answers keyed by query and limit so that
// repeated lookups within the TTL avoid another network or index
// round-trip.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newResultCache() *resultCache {
	return &resultCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func cacheKey(query string, limit int) string {
	return fmt.Sprintf("%s|%d", query, limit)
}

func (c *resultCache) Get(query string, limit int) ([]Article, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(query, limit)]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, cacheKey(query, limit))
		return nil, false
	}
	return entry.results, true
}

func (c *resultCache) Put(query string, limit int, results []Article) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(query, limit)] = cacheEntry{
		results:   results,
		expiresAt: c.now().Add(resultCacheTTL),
	}
}
