package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"membank/item"
)

// lruCache wraps hashicorp/golang-lru, the library the teacher's blockstore
// cache already depended on, adding the TTL-on-read semantics the memory
// bank's cache layer requires on top of it.
type lruCache struct {
	mu      sync.Mutex
	inner   *lru.Cache[string, entry]
	now     func() time.Time
	counts  statsCounter
	onEvict func(item.Item)
}

func newLRU(capacity int, onEvict func(item.Item)) *lruCache {
	if capacity <= 0 {
		capacity = 1
	}
	c := &lruCache{now: time.Now, onEvict: onEvict}
	inner, err := lru.NewWithEvict[string, entry](capacity, func(key string, e entry) {
		c.counts.evict()
		if c.onEvict != nil {
			c.onEvict(e.item)
		}
	})
	if err != nil {
		// capacity is always >= 1 here, so NewWithEvict cannot fail; guard
		// defensively rather than propagate a constructor error everywhere.
		inner, _ = lru.New[string, entry](1)
	}
	c.inner = inner
	return c
}

func (c *lruCache) Get(key string) (item.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.inner.Get(key)
	if !ok {
		c.counts.miss()
		return item.Item{}, false
	}
	if e.expired(c.now()) {
		c.inner.Remove(key)
		c.counts.miss()
		return item.Item{}, false
	}
	c.counts.hit()
	return e.item, true
}

func (c *lruCache) Set(key string, it item.Item, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(key, newEntry(it, ttl, c.now()))
}

func (c *lruCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(key)
}

func (c *lruCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
}

func (c *lruCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}

func (c *lruCache) Stats() Stats {
	c.mu.Lock()
	size := c.inner.Len()
	c.mu.Unlock()
	return c.counts.snapshot(size)
}
