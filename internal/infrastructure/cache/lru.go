// Package cache provides the in-process building blocks of the memory
// subsystem: a bounded LRU cache, a fixed-capacity object pool and the
// value compression codecs.
package cache

import (
	"container/list"
	"sync"
)

// Item is a cached value with its accounted size.
type Item struct {
	Key   string
	Value interface{}
	Size  int64
	// ExpiresAt is unix millis; 0 means no expiry.
	ExpiresAt int64
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries     int     `json:"entries"`
	Bytes       int64   `json:"bytes"`
	MaxEntries  int     `json:"maxEntries"`
	MaxBytes    int64   `json:"maxBytes"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Evictions   int64   `json:"evictions"`
	HitRate     float64 `json:"hitRate"`
	Utilization float64 `json:"utilization"` // percent of the byte ceiling
}

// LRU is a cache bounded by entry count and total bytes. Both bounds are
// enforced before an insert lands, so usage never exceeds them.
type LRU struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	bytes      int64
	ll         *list.List
	items      map[string]*list.Element

	hits      int64
	misses    int64
	evictions int64

	onEvict func(Item)
}

// NewLRU creates a cache. A non-positive bound disables that bound.
func NewLRU(maxEntries int, maxBytes int64) *LRU {
	return &LRU{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

// OnEvict registers a callback invoked (under the cache lock) for every
// capacity eviction. It must not call back into the cache.
func (c *LRU) OnEvict(fn func(Item)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = fn
}

// Set inserts or replaces key. It returns false when the item alone is
// larger than the byte ceiling; such items are not cached.
func (c *LRU) Set(item Item) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && item.Size > c.maxBytes {
		if el, ok := c.items[item.Key]; ok {
			c.removeElement(el)
		}
		return false
	}

	if el, ok := c.items[item.Key]; ok {
		c.removeElement(el)
	}

	for c.ll.Len() > 0 && c.overLimit(item.Size) {
		c.evictOldest()
	}

	el := c.ll.PushFront(&item)
	c.items[item.Key] = el
	c.bytes += item.Size
	return true
}

func (c *LRU) overLimit(incoming int64) bool {
	if c.maxEntries > 0 && c.ll.Len()+1 > c.maxEntries {
		return true
	}
	return c.maxBytes > 0 && c.bytes+incoming > c.maxBytes
}

// Get returns the item for key and marks it most recently used. Items past
// their expiry at now (unix millis) are dropped and count as a miss.
func (c *LRU) Get(key string, now int64) (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return Item{}, false
	}
	it := el.Value.(*Item)
	if it.ExpiresAt > 0 && now >= it.ExpiresAt {
		c.removeElement(el)
		c.misses++
		return Item{}, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return *it, true
}

// Peek returns the item without touching recency or counters.
func (c *LRU) Peek(key string) (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		return *el.Value.(*Item), true
	}
	return Item{}, false
}

// Delete removes key, reporting whether it was present.
func (c *LRU) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
		return true
	}
	return false
}

// DeleteFunc removes every item for which fn returns true and returns the count.
func (c *LRU) DeleteFunc(fn func(Item) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if fn(*el.Value.(*Item)) {
			c.removeElement(el)
			n++
		}
		el = prev
	}
	return n
}

// PruneExpired drops items expired at now and returns how many were dropped.
func (c *LRU) PruneExpired(now int64) int {
	return c.DeleteFunc(func(it Item) bool {
		return it.ExpiresAt > 0 && now >= it.ExpiresAt
	})
}

// Keys returns keys from most to least recently used.
func (c *LRU) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*Item).Key)
	}
	return keys
}

// Len returns the number of cached items.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Bytes returns the accounted size of all cached items.
func (c *LRU) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Clear empties the cache; counters are kept.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.bytes = 0
}

// Stats returns a snapshot of the cache counters.
func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Entries:    c.ll.Len(),
		Bytes:      c.bytes,
		MaxEntries: c.maxEntries,
		MaxBytes:   c.maxBytes,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if c.maxBytes > 0 {
		s.Utilization = float64(c.bytes) / float64(c.maxBytes) * 100
	}
	return s
}

func (c *LRU) evictOldest() {
	el := c.ll.Back()
	if el == nil {
		return
	}
	it := *el.Value.(*Item)
	c.removeElement(el)
	c.evictions++
	if c.onEvict != nil {
		c.onEvict(it)
	}
}

func (c *LRU) removeElement(el *list.Element) {
	it := el.Value.(*Item)
	c.ll.Remove(el)
	delete(c.items, it.Key)
	c.bytes -= it.Size
}
