package council

import (
	"encoding/json"
	"sync"
)

// Cache is the process-wide memo table for finished council runs. Council
// calls are expensive, and the inputs that matter for reuse are the company
// identity plus the schema version — not incidental UI parameters — so the
// orchestrator checks the cache before touching any provider and writes the
// normalized result after.
//
// Entries are immutable once inserted; implementations must be safe for
// concurrent use. The cache is injected rather than ambient so tests can
// swap in a fresh empty store per test.
type Cache interface {
	Get(key string) (Output, bool)
	Set(key string, out Output)
}

// MemoryCache is the default Cache: a mutex-guarded map that lives for the
// process lifetime. There is no eviction — the key space is one entry per
// analyzed company, which stays small in practice.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]Output
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Output)}
}

func (c *MemoryCache) Get(key string) (Output, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.entries[key]
	return out, ok
}

func (c *MemoryCache) Set(key string, out Output) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = out
}

// Len reports the number of cached runs. Exposed for tests and the health
// endpoint.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cacheKeyPayload fixes the field order so the marshalled key is stable.
type cacheKeyPayload struct {
	SchemaVersion string `json:"schema_version"`
	Company       string `json:"company"`
	Ticker        string `json:"ticker"`
	FailureYear   int    `json:"failure_year"`
}

// CacheKey derives the deterministic memo key for a company identity.
func CacheKey(company, ticker string, failureYear int) string {
	blob, _ := json.Marshal(cacheKeyPayload{
		SchemaVersion: SchemaVersion,
		Company:       company,
		Ticker:        ticker,
		FailureYear:   failureYear,
	})
	return string(blob)
}
