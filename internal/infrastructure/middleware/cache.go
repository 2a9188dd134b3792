package middleware

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Named caches, per spec.md §4.2: each domain gets its own capacity/TTL
// rather than sharing one pool, so a noisy RAG workload can't evict hot
// Ollama model-list entries.
const (
	CacheRAG     = "rag"
	CacheOllama  = "ollama"
	CacheScraper = "scraper"
	CacheGeneral = "general"
)

const defaultSweepInterval = 60 * time.Second

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// namedCache is one LRU+TTL cache keyed by a pure function of its inputs.
type namedCache struct {
	ttl time.Duration
	mu  sync.Mutex
	lru *lru.Cache[string, cacheEntry]
}

// Cache fronts the four named caches the gateway keeps: rag, ollama,
// scraper, and general. Eviction happens both lazily (on Get, expired
// entries are treated as misses) and via a background sweep.
type Cache struct {
	nowFn   func() time.Time
	caches  map[string]*namedCache
	stopped chan struct{}
	once    sync.Once
}

// CacheSpec configures one named cache's capacity and TTL.
type CacheSpec struct {
	Name     string
	Capacity int
	TTL      time.Duration
}

// DefaultCacheSpecs returns the spec's four named caches with reasonable
// defaults; callers may override via config.
func DefaultCacheSpecs() []CacheSpec {
	return []CacheSpec{
		{Name: CacheRAG, Capacity: 500, TTL: 5 * time.Minute},
		{Name: CacheOllama, Capacity: 50, TTL: 60 * time.Second},
		{Name: CacheScraper, Capacity: 200, TTL: 10 * time.Minute},
		{Name: CacheGeneral, Capacity: 1000, TTL: 2 * time.Minute},
	}
}

// NewCache builds the cache set from specs and starts its background sweep
// goroutine, stopped by calling Close.
func NewCache(specs []CacheSpec, sweepInterval time.Duration) *Cache {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	c := &Cache{
		nowFn:   time.Now,
		caches:  make(map[string]*namedCache),
		stopped: make(chan struct{}),
	}
	for _, spec := range specs {
		capacity := spec.Capacity
		if capacity <= 0 {
			capacity = 100
		}
		backing, _ := lru.New[string, cacheEntry](capacity)
		c.caches[spec.Name] = &namedCache{ttl: spec.TTL, lru: backing}
	}
	go c.sweepLoop(sweepInterval)
	return c
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopped:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := c.nowFn()
	for _, nc := range c.caches {
		nc.mu.Lock()
		for _, key := range nc.lru.Keys() {
			entry, ok := nc.lru.Peek(key)
			if ok && now.After(entry.expiresAt) {
				nc.lru.Remove(key)
			}
		}
		nc.mu.Unlock()
	}
}

// Get looks up key in the named cache, treating an expired entry as a
// miss. Returns (value, true) on a live hit.
func (c *Cache) Get(cacheName, key string) (interface{}, bool) {
	nc, ok := c.caches[cacheName]
	if !ok {
		return nil, false
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()

	entry, found := nc.lru.Get(key)
	if !found {
		return nil, false
	}
	if c.nowFn().After(entry.expiresAt) {
		nc.lru.Remove(key)
		return nil, false
	}
	return entry.value, true
}

// Set stores value under key in the named cache, evicting the least
// recently used entry if the cache is at capacity.
func (c *Cache) Set(cacheName, key string, value interface{}) {
	nc, ok := c.caches[cacheName]
	if !ok {
		return
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.lru.Add(key, cacheEntry{value: value, expiresAt: c.nowFn().Add(nc.ttl)})
}

// Close stops the background sweep goroutine.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stopped) })
}
