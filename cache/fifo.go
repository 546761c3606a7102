package cache

import (
	"container/list"
	"sync"
	"time"

	"membank/item"
)

// fifoNode is the payload stored in the fifoCache's queue; the list element
// gives O(1) removal without a linear scan.
type fifoNode struct {
	key   string
	entry entry
}

// fifoCache evicts in pure insertion order regardless of access pattern,
// grounded on the same doubly-linked-list-plus-map shape the retrieved
// tempuscache reference uses for its LRU, here ordering strictly by
// insertion rather than by most-recent-access.
type fifoCache struct {
	mu       sync.Mutex
	capacity int
	now      func() time.Time
	queue    *list.List
	index    map[string]*list.Element
	counts   statsCounter
	onEvict  func(item.Item)
}

func newFIFO(capacity int, onEvict func(item.Item)) *fifoCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &fifoCache{
		capacity: capacity,
		now:      time.Now,
		queue:    list.New(),
		index:    make(map[string]*list.Element),
		onEvict:  onEvict,
	}
}

func (c *fifoCache) Get(key string) (item.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.counts.miss()
		return item.Item{}, false
	}
	n := el.Value.(*fifoNode)
	if n.entry.expired(c.now()) {
		c.removeLocked(key)
		c.counts.miss()
		return item.Item{}, false
	}
	c.counts.hit()
	return n.entry.item, true
}

func (c *fifoCache) Set(key string, it item.Item, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := newEntry(it, ttl, c.now())
	if el, ok := c.index[key]; ok {
		el.Value.(*fifoNode).entry = e
		return
	}

	if len(c.index) >= c.capacity {
		c.evictLocked()
	}

	el := c.queue.PushBack(&fifoNode{key: key, entry: e})
	c.index[key] = el
}

func (c *fifoCache) evictLocked() {
	front := c.queue.Front()
	if front == nil {
		return
	}
	c.queue.Remove(front)
	n := front.Value.(*fifoNode)
	delete(c.index, n.key)
	c.counts.evict()
	if c.onEvict != nil {
		c.onEvict(n.entry.item)
	}
}

func (c *fifoCache) removeLocked(key string) {
	el, ok := c.index[key]
	if !ok {
		return
	}
	c.queue.Remove(el)
	delete(c.index, key)
}

func (c *fifoCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

func (c *fifoCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue.Init()
	c.index = make(map[string]*list.Element)
}

func (c *fifoCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *fifoCache) Stats() Stats {
	c.mu.Lock()
	size := len(c.index)
	c.mu.Unlock()
	return c.counts.snapshot(size)
}
