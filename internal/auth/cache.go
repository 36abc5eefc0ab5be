package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is a TTL-based in-memory cache for authenticated agent contexts.
// Uses sync.Map for lock-free reads on the hot path.
//
// Stale-while-revalidate: when an entry expires, Get still returns the
// stale value immediately and signals that a background refresh is
// needed, so no request blocks on DB + bcrypt after the first cold start.
type Cache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	agent      *AgentContext
	expiresAt  time.Time
	refreshing atomic.Bool // prevents duplicate background refreshes
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Agent        *AgentContext
	Hit          bool // a value was found, fresh or stale
	NeedsRefresh bool // the entry expired and this caller won the refresh
}

// Get looks up the API key. On a stale hit, CompareAndSwap ensures only
// one caller per key gets NeedsRefresh=true.
func (c *Cache) Get(apiKey string) GetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return GetResult{}
	}
	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return GetResult{Agent: entry.agent, Hit: true}
	}

	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return GetResult{
		Agent:        entry.agent,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set stores an agent context with the configured TTL.
func (c *Cache) Set(apiKey string, agent *AgentContext) {
	c.store.Store(apiKey, &cacheEntry{
		agent:     agent,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry.
func (c *Cache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
