// Package cache implements the tiered, in-memory caching layer that sits in
// front of the storage backends (spec.md §5): a bounded store of items keyed
// by "namespace:category:key" with a pluggable eviction strategy and
// per-entry TTL. The LRU strategy wraps hashicorp/golang-lru directly; LFU
// and FIFO are
// hand-rolled in the same style since the corpus carries no library for
// either.
package cache

import (
	"sync"
	"time"

	"membank/item"
)

// Strategy selects the eviction policy a Cache uses once it is full.
type Strategy string

const (
	StrategyLRU  Strategy = "lru"
	StrategyLFU  Strategy = "lfu"
	StrategyFIFO Strategy = "fifo"
)

// Stats are the running counters every strategy reports identically, so
// callers (the manager facade) can expose them without caring which
// strategy is configured.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

// Cache is the interface the manager facade depends on. Implementations
// must be safe for concurrent use.
type Cache interface {
	// Get returns the cached item for key, reporting false on miss or on an
	// entry whose TTL has elapsed (lazily evicted on read).
	Get(key string) (item.Item, bool)
	// Set inserts or replaces the entry for key. ttl <= 0 means no expiry.
	Set(key string, it item.Item, ttl time.Duration)
	// Delete removes key if present, a no-op otherwise.
	Delete(key string)
	// Clear empties the cache.
	Clear()
	// Len reports the current entry count.
	Len() int
	// Stats returns a snapshot of the running counters.
	Stats() Stats
}

// entry is the common payload every strategy stores, carrying the absolute
// expiry instant alongside the cached item.
type entry struct {
	item     item.Item
	expireAt time.Time
	hasTTL   bool
}

func newEntry(it item.Item, ttl time.Duration, now time.Time) entry {
	e := entry{item: it}
	if ttl > 0 {
		e.hasTTL = true
		e.expireAt = now.Add(ttl)
	}
	return e
}

func (e entry) expired(now time.Time) bool {
	return e.hasTTL && !now.Before(e.expireAt)
}

// New builds a Cache of the requested strategy with the given capacity
// (every strategy replaces 0 or a negative capacity with 1; there is no
// unbounded mode). onEvict, if non-nil, is invoked with the evicted item at
// the same point each strategy's Stats.Evictions counter is incremented
// (spec.md §4.4's optional eviction callback).
func New(strategy Strategy, capacity int, onEvict func(item.Item)) Cache {
	switch strategy {
	case StrategyLFU:
		return newLFU(capacity, onEvict)
	case StrategyFIFO:
		return newFIFO(capacity, onEvict)
	default:
		return newLRU(capacity, onEvict)
	}
}

type statsCounter struct {
	mu        sync.Mutex
	hits      uint64
	misses    uint64
	evictions uint64
}

func (s *statsCounter) hit()   { s.mu.Lock(); s.hits++; s.mu.Unlock() }
func (s *statsCounter) miss()  { s.mu.Lock(); s.misses++; s.mu.Unlock() }
func (s *statsCounter) evict() { s.mu.Lock(); s.evictions++; s.mu.Unlock() }

func (s *statsCounter) snapshot(size int) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Hits: s.hits, Misses: s.misses, Evictions: s.evictions, Size: size}
}
