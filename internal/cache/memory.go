package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// MemoryCache is a write-once LRU cache bounded by total bytes. Once a key
// holds audio it is never replaced; it leaves the cache only by eviction or
// Clear.
type MemoryCache struct {
	capacity int64 // Maximum size in bytes
	size     int64 // Current size in bytes

	// LRU implementation
	items    map[string]*list.Element
	eviction *list.List

	mu    sync.Mutex
	stats CacheStats
}

type entry struct {
	key    string
	value  []byte
	stored time.Time
}

// NewMemoryCache creates a cache holding at most capacity bytes. A
// non-positive capacity selects DefaultCapacity.
func NewMemoryCache(capacity int64) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
		stats:    CacheStats{Capacity: capacity},
	}
}

// Get returns the audio stored for key and marks it recently used.
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	c.eviction.MoveToFront(elem)
	c.stats.Hits++
	return elem.Value.(*entry).value, true
}

// Put stores value under key. If key is already cached the stored bytes
// are left untouched and ErrExists is returned. The cache keeps its own
// copy of value.
func (c *MemoryCache) Put(key string, value []byte) error {
	if len(value) == 0 {
		return ErrEmptyValue
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		c.stats.Rejected++
		return ErrExists
	}

	valueSize := int64(len(value))
	if valueSize > c.capacity {
		return ErrItemTooLarge
	}

	for c.size+valueSize > c.capacity && c.eviction.Len() > 0 {
		c.evictOldest()
	}

	e := &entry{
		key:    key,
		value:  append([]byte(nil), value...),
		stored: time.Now(),
	}
	c.items[key] = c.eviction.PushFront(e)
	c.size += valueSize
	return nil
}

// Contains reports whether key is cached without updating recency.
func (c *MemoryCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

// Clear removes all entries.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.eviction.Init()
	c.size = 0
}

// Size returns the current cache size in bytes.
func (c *MemoryCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of cached clips.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.size
	stats.ItemCount = int64(len(c.items))
	if stats.Hits+stats.Misses > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.Hits+stats.Misses)
	}
	return stats
}

// evictOldest removes the least recently used item (must be called with lock held).
func (c *MemoryCache) evictOldest() {
	elem := c.eviction.Back()
	if elem == nil {
		return
	}
	e := elem.Value.(*entry)
	c.eviction.Remove(elem)
	delete(c.items, e.key)
	c.size -= int64(len(e.value))
	c.stats.Evictions++
	c.stats.LastEvict = time.Now()

	log.Debug("Evicted cached audio", "message", e.key, "bytes", len(e.value), "age", time.Since(e.stored).Round(time.Second))
}
