package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-tae/vision/dataset"
)

// SampleCache keeps recently used decoded samples so validation passes that
// revisit the same files skip the decode and resize work. Share a cache only
// across deterministic transforms; augmented samples must not be reused.
type SampleCache struct {
	mu      sync.RWMutex
	items   map[string]*dataset.Sample
	lru     *list.List
	lruMap  map[string]*list.Element
	maxSize int

	hits   int64
	misses int64
}

// NewSampleCache creates a cache holding at most maxSize samples. Older
// samples are evicted least recently used first.
func NewSampleCache(maxSize int) *SampleCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &SampleCache{
		items:   make(map[string]*dataset.Sample),
		lru:     list.New(),
		lruMap:  make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get returns the cached sample for key, if present.
func (c *SampleCache) Get(key string) (*dataset.Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sample, exists := c.items[key]
	if !exists {
		c.misses++
		return nil, false
	}

	if elem, ok := c.lruMap[key]; ok {
		c.lru.MoveToFront(elem)
	}
	c.hits++
	return sample, true
}

// Put stores a sample under key, evicting the least recently used samples
// when the cache is full.
func (c *SampleCache) Put(key string, sample *dataset.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.lruMap[key]; exists {
		c.items[key] = sample
		c.lru.MoveToFront(elem)
		return
	}

	c.items[key] = sample
	c.lruMap[key] = c.lru.PushFront(key)

	for len(c.items) > c.maxSize {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		oldKey := oldest.Value.(string)
		c.lru.Remove(oldest)
		delete(c.lruMap, oldKey)
		delete(c.items, oldKey)
	}
}

// Clear removes all cached samples. Statistics are kept.
func (c *SampleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*dataset.Sample)
	c.lruMap = make(map[string]*list.Element)
	c.lru.Init()
}

// ResetStats zeroes the hit and miss counters without touching the cached
// samples.
func (c *SampleCache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hits = 0
	c.misses = 0
}

// CacheStats reports cache usage.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// Stats returns a snapshot of the cache counters.
func (c *SampleCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var hitRate float64
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total) * 100.0
	}
	return CacheStats{
		Size:    len(c.items),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: hitRate,
	}
}

// String returns a human-readable summary of the stats.
func (s CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d samples, %d hits, %d misses (%.1f%% hit rate)",
		s.Size, s.MaxSize, s.Hits, s.Misses, s.HitRate)
}
