package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-midline/vision/dataset"
)

// sampleCache keeps the most recently loaded samples of a split. Cached
// samples are shared between batches and must not be modified.
type sampleCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front is most recent, values are *cacheEntry
	entries  map[string]*list.Element

	hits, misses int64
}

type cacheEntry struct {
	key    string
	sample *dataset.Sample
}

func newSampleCache(capacity int) *sampleCache {
	return &sampleCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func (c *sampleCache) get(key string) (*dataset.Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(e)
	return e.Value.(*cacheEntry).sample, true
}

// put stores s under key, dropping the least recently used samples once
// the cache is over capacity
func (c *sampleCache) put(key string, s *dataset.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.order.MoveToFront(e)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, sample: s})
	for c.order.Len() > c.capacity {
		oldest := c.order.Remove(c.order.Back()).(*cacheEntry)
		delete(c.entries, oldest.key)
	}
}

func (c *sampleCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Size: c.order.Len(), Capacity: c.capacity, Hits: c.hits, Misses: c.misses}
}

// CacheStats counts sample cache lookups since the loader was created
type CacheStats struct {
	Size     int
	Capacity int
	Hits     int64
	Misses   int64
}

// HitRate is the share of lookups served from the cache, in [0, 1]
func (s CacheStats) HitRate() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Hits+s.Misses)
}

func (s CacheStats) String() string {
	return fmt.Sprintf("sample cache %d/%d, %d hits, %d misses (%.1f%%)",
		s.Size, s.Capacity, s.Hits, s.Misses, 100*s.HitRate())
}
