package pageidx

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// cacheStats tracks hit/miss counters with atomic ops so callers can read
// HitRate without taking the cache's mutex.
type cacheStats struct {
	hitCount  uint64
	missCount uint64
}

func (s *cacheStats) incrHit()  { atomic.AddUint64(&s.hitCount, 1) }
func (s *cacheStats) incrMiss() { atomic.AddUint64(&s.missCount, 1) }

func (s *cacheStats) HitCount() uint64  { return atomic.LoadUint64(&s.hitCount) }
func (s *cacheStats) MissCount() uint64 { return atomic.LoadUint64(&s.missCount) }

// HitRate returns hits / (hits + misses), or 0 when nothing has been
// looked up yet.
func (s *cacheStats) HitRate() float64 {
	hits := s.HitCount()
	misses := s.MissCount()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

type lruEntry struct {
	key  int64
	page []byte
}

// PageCache is a bounded least-recently-used cache of decompressed page
// images, keyed by the same int64 page key used by PageIndex. It exists
// to absorb the cost of random-access row decoding, where nearby records
// on the same page are revisited repeatedly.
type PageCache struct {
	mu       sync.Mutex
	maxPages int
	ll       *list.List
	items    map[int64]*list.Element
	stats    cacheStats
}

// NewPageCache constructs a cache holding at most maxPages page images.
// maxPages <= 0 is clamped to 1.
func NewPageCache(maxPages int) *PageCache {
	if maxPages <= 0 {
		maxPages = 1
	}
	return &PageCache{
		maxPages: maxPages,
		ll:       list.New(),
		items:    make(map[int64]*list.Element, maxPages),
	}
}

// Get returns the cached page for key and marks it most-recently-used.
// The returned slice is owned by the cache; callers must not mutate it.
func (c *PageCache) Get(key int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.incrMiss()
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.stats.incrHit()
	return el.Value.(*lruEntry).page, true
}

// Put inserts or updates the page image for key, evicting the least
// recently used entry first if the cache is at capacity.
func (c *PageCache) Put(key int64, page []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).page = page
		c.ll.MoveToFront(el)
		return
	}

	c.evictIfNeeded()
	el := c.ll.PushFront(&lruEntry{key: key, page: page})
	c.items[key] = el
}

// evictIfNeeded must be called with mu held.
func (c *PageCache) evictIfNeeded() {
	for len(c.items) >= c.maxPages {
		back := c.ll.Back()
		if back == nil {
			return
		}
		c.ll.Remove(back)
		delete(c.items, back.Value.(*lruEntry).key)
	}
}

// Contains reports whether key is cached, without affecting recency order
// or hit/miss counters.
func (c *PageCache) Contains(key int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Remove evicts key if present.
func (c *PageCache) Remove(key int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
}

// Clear empties the cache and resets hit/miss counters.
func (c *PageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[int64]*list.Element, c.maxPages)
	atomic.StoreUint64(&c.stats.hitCount, 0)
	atomic.StoreUint64(&c.stats.missCount, 0)
}

// Size returns the number of pages currently cached.
func (c *PageCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Resize changes the cache's capacity, evicting from the tail immediately
// if the new capacity is smaller than the current size.
func (c *PageCache) Resize(maxPages int) {
	if maxPages <= 0 {
		maxPages = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxPages = maxPages
	for len(c.items) > c.maxPages {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.ll.Remove(back)
		delete(c.items, back.Value.(*lruEntry).key)
	}
}

// MemoryUsageBytes approximates resident bytes: PageSize plus a fixed
// per-entry bookkeeping overhead for each cached page.
func (c *PageCache) MemoryUsageBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	const perEntryOverhead = 96
	return int64(len(c.items)) * int64(PageSize+perEntryOverhead)
}

// HitRate returns the cache's lifetime hit rate.
func (c *PageCache) HitRate() float64 { return c.stats.HitRate() }

// HitCount returns the number of Get calls that found a cached page.
func (c *PageCache) HitCount() uint64 { return c.stats.HitCount() }

// MissCount returns the number of Get calls that found nothing cached.
func (c *PageCache) MissCount() uint64 { return c.stats.MissCount() }
