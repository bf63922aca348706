package utility

import (
	"sync"

	"github.com/cespare/xxhash"
)

// Cache is a shared subset-key → utility store. Implementations must be
// safe for concurrent use by all sampling workers.
type Cache interface {
	Get(key string) (float64, bool, error)
	Put(key string, val float64) error
	Close() error
}

const memoryCacheShards = 64

type memoryShard struct {
	sync.RWMutex
	m map[string]float64
}

// MemoryCache is an in-process Cache striped across shards to keep worker
// contention low. Shard selection hashes the canonical subset key.
type MemoryCache struct {
	shards [memoryCacheShards]memoryShard
}

func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{}
	for i := range c.shards {
		c.shards[i].m = make(map[string]float64)
	}
	return c
}

func (c *MemoryCache) shard(key string) *memoryShard {
	return &c.shards[xxhash.Sum64String(key)%memoryCacheShards]
}

func (c *MemoryCache) Get(key string) (float64, bool, error) {
	sh := c.shard(key)
	sh.RLock()
	v, ok := sh.m[key]
	sh.RUnlock()
	return v, ok, nil
}

func (c *MemoryCache) Put(key string, val float64) error {
	sh := c.shard(key)
	sh.Lock()
	sh.m[key] = val
	sh.Unlock()
	return nil
}

func (c *MemoryCache) Close() error { return nil }

// Len returns the total number of cached evaluations.
func (c *MemoryCache) Len() int {
	total := 0
	for i := range c.shards {
		c.shards[i].RLock()
		total += len(c.shards[i].m)
		c.shards[i].RUnlock()
	}
	return total
}
