// Package cache provides the sharded, short-TTL cache the pre-trade
// risk gate reads through instead of hitting sqlite on every tick.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// CachedUserConfig is the per-user snapshot the risk gate consults.
// It mirrors the subset of ai_user_config that changes during a
// session (balance, limits, status) plus a staleness marker.
type CachedUserConfig struct {
	InitialCapital float64
	SessionBalance float64
	ProfitTarget   float64
	LossLimit      float64
	SessionStatus  string
	IsActive       bool
	LastUpdate     time.Time
}

// ConfigCache is a sharded TTL cache of CachedUserConfig keyed by
// userID, grounded on the same sharding idea as a price cache but
// specialized to a single fixed-TTL policy and an explicit Invalidate
// call on every write, per spec.md §4.6/§9: the cache must be
// invalidated on any session-status mutation.
type ConfigCache struct {
	ttl    time.Duration
	shards [numShards]*configShard
}

type configShard struct {
	mu    sync.RWMutex
	items map[string]cacheEntry
}

type cacheEntry struct {
	value     CachedUserConfig
	expiresAt time.Time
}

// NewConfigCache creates a cache with the given TTL (spec.md default: 1s).
func NewConfigCache(ttl time.Duration) *ConfigCache {
	c := &ConfigCache{ttl: ttl}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &configShard{items: make(map[string]cacheEntry)}
	}
	return c
}

func (c *ConfigCache) shardFor(userID string) *configShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return c.shards[h.Sum32()%numShards]
}

// Get returns the cached config for userID if present and unexpired.
func (c *ConfigCache) Get(userID string) (CachedUserConfig, bool) {
	shard := c.shardFor(userID)
	shard.mu.RLock()
	entry, ok := shard.items[userID]
	shard.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return CachedUserConfig{}, false
	}
	return entry.value, true
}

// Set stores cfg for userID with a fresh TTL.
func (c *ConfigCache) Set(userID string, cfg CachedUserConfig) {
	cfg.LastUpdate = time.Now()
	shard := c.shardFor(userID)
	shard.mu.Lock()
	shard.items[userID] = cacheEntry{value: cfg, expiresAt: time.Now().Add(c.ttl)}
	shard.mu.Unlock()
}

// Invalidate evicts userID immediately, regardless of TTL. Callers use
// this on every session-status or balance mutation so the next
// pre-trade gate read is forced to recompute from persistence.
func (c *ConfigCache) Invalidate(userID string) {
	shard := c.shardFor(userID)
	shard.mu.Lock()
	delete(shard.items, userID)
	shard.mu.Unlock()
}

// GetOrLoad returns the cached value for userID, or calls load to
// recompute and populate the cache on a miss/expiry. Mirrors the
// compute-on-miss shape of the teacher's exposureCache helper.
func (c *ConfigCache) GetOrLoad(userID string, load func() (CachedUserConfig, error)) (CachedUserConfig, error) {
	if cfg, ok := c.Get(userID); ok {
		return cfg, nil
	}
	cfg, err := load()
	if err != nil {
		return CachedUserConfig{}, err
	}
	c.Set(userID, cfg)
	return cfg, nil
}

// Len returns the total number of entries across all shards, including
// ones that have expired but not yet been evicted by a Get.
func (c *ConfigCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Sweep removes expired entries proactively; callers may run this on a
// periodic ticker to bound memory for users who stop trading without a
// clean session deactivation.
func (c *ConfigCache) Sweep() int {
	removed := 0
	now := time.Now()
	for _, shard := range c.shards {
		shard.mu.Lock()
		for userID, entry := range shard.items {
			if now.After(entry.expiresAt) {
				delete(shard.items, userID)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
