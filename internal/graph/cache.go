package graph

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

type cacheEntry struct {
	key       string
	records   []Record
	expiresAt time.Time
}

// QueryCache is an LRU cache of read query results with a TTL.
type QueryCache struct {
	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
	maxSize int
	ttl     time.Duration
	hits    int64
	misses  int64
}

// NewQueryCache creates a cache with given max entries and TTL.
func NewQueryCache(maxSize int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		order:   list.New(),
		entries: make(map[string]*list.Element),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func cacheKey(query string, params map[string]any) string {
	data, _ := json.Marshal(map[string]any{"q": query, "p": params})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// Get returns a cached result if present and fresh.
func (c *QueryCache) Get(query string, params map[string]any) ([]Record, bool) {
	key := cacheKey(query, params)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return entry.records, true
}

// Set stores a result, evicting the least recently used entry when full.
func (c *QueryCache) Set(query string, params map[string]any, records []Record) {
	key := cacheKey(query, params)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.records = records
		entry.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	for c.maxSize > 0 && c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{
		key:       key,
		records:   records,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Clear removes all cached entries.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.mu.Unlock()
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns cache statistics.
func (c *QueryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{Size: c.order.Len(), Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// CachedDriver wraps a Driver with read caching. Any write clears the cache.
type CachedDriver struct {
	Driver
	cache *QueryCache
}

// NewCachedDriver wraps a driver with caching.
func NewCachedDriver(d Driver, cache *QueryCache) *CachedDriver {
	return &CachedDriver{Driver: d, cache: cache}
}

// Execute serves from cache when possible.
func (d *CachedDriver) Execute(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	if records, ok := d.cache.Get(query, params); ok {
		return records, nil
	}
	records, err := d.Driver.Execute(ctx, query, params)
	if err != nil {
		return nil, err
	}
	d.cache.Set(query, params, records)
	return records, nil
}

// ExecuteWrite clears the cache and forwards the write.
func (d *CachedDriver) ExecuteWrite(ctx context.Context, query string, params map[string]any) error {
	d.cache.Clear()
	return d.Driver.ExecuteWrite(ctx, query, params)
}

// Cache returns the underlying cache for stats.
func (d *CachedDriver) Cache() *QueryCache {
	return d.cache
}
