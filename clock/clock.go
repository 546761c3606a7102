// Package clock implements the hybrid logical clock behind every item's
// version triple, adapted from the teacher's single-counter LogicalClock
// into the <timestamp>.<counter>.<nodeID> form the resolver and replicator
// compare (see resolver.Version).
package clock

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
)

// clockKeyPrefix namespaces the per-key counter entries within whatever
// datastore a NodeClock is given, so they can share a badger instance with
// other registries without colliding.
const clockKeyPrefix = "/clock/"

// CounterStore is the persistence surface Next needs to survive a restart:
// a plain get/put over durable storage. membank/datastore.Datastore
// satisfies this automatically, so the manager can hand NodeClock one of
// its existing badger-backed datastores.
type CounterStore interface {
	Get(ctx context.Context, key ds.Key) ([]byte, error)
	Put(ctx context.Context, key ds.Key, value []byte) error
}

// NodeClock is a hybrid logical clock scoped to one node: it advances a
// millisecond timestamp for every tick and maintains a per-(namespace,
// category,key) counter used as the version triple's tie-breaker, following
// the teacher's LogicalClock.Update pattern generalized from a bare counter
// to wall-clock time. When store is non-nil the per-key counters survive a
// restart (spec.md §9): each is persisted synchronously as it's issued and
// lazily loaded from the store the first time that key is seen in this
// process's lifetime.
type NodeClock struct {
	mu        sync.Mutex
	nodeID    string
	lastMilli int64
	counter   int64
	keyCtrs   map[string]int64
	store     CounterStore
	now       func() time.Time
}

// New builds a NodeClock for nodeID. now defaults to time.Now if nil,
// overridable in tests for deterministic version strings. store, if
// non-nil, backs the per-key counters with durable storage; a nil store
// keeps counters in-memory only, reset to zero on process restart.
func New(nodeID string, now func() time.Time, store CounterStore) *NodeClock {
	if now == nil {
		now = time.Now
	}
	return &NodeClock{nodeID: nodeID, now: now, keyCtrs: make(map[string]int64), store: store}
}

// NodeID returns the clock's owning node identifier.
func (c *NodeClock) NodeID() string { return c.nodeID }

// Tick advances the clock for a local write and returns the fresh
// (timestamp, counter) pair. If the wall clock hasn't advanced past the
// last tick (clock skew, rapid successive writes), the counter increments
// within the same millisecond instead of going backward.
func (c *NodeClock) Tick() (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	milli := c.now().UnixMilli()
	if milli > c.lastMilli {
		c.lastMilli = milli
		c.counter = 0
	} else {
		milli = c.lastMilli
		c.counter++
	}
	return milli, c.counter
}

// Update folds in a timestamp observed from a remote peer (e.g. during
// replication sync), advancing the local clock past it so a subsequent
// local Tick sorts after anything already seen. Mirrors the teacher's
// LogicalClock.Update, generalized to wall-clock milliseconds.
func (c *NodeClock) Update(remoteMilli int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if remoteMilli > c.lastMilli {
		c.lastMilli = remoteMilli
		c.counter = 0
	}
}

// Next implements resolver.Clock: it ticks the wall-clock timestamp and
// returns the full version triple for (namespace,category,key). The counter
// is tracked per key rather than node-global (spec.md §9): it is the
// (namespace,category,key) -> last_counter value, persisted to store when
// one is configured so a restart resumes from the last issued counter
// instead of resetting to zero. Callers (manager.Store, and resolver merges
// run from the manager's write paths) hold the per-key stripe lock for the
// whole read-resolve-write sequence this feeds into, so the counter advances
// under the same lock that writes the item.
func (c *NodeClock) Next(namespace, category, key string) (timestamp int64, counter int64, nodeID string) {
	ts, _ := c.Tick()

	ck := namespace + "/" + category + "/" + key
	c.mu.Lock()
	defer c.mu.Unlock()

	ctr, ok := c.keyCtrs[ck]
	if !ok {
		ctr = c.loadPersistedCounter(ck)
	}
	c.keyCtrs[ck] = ctr + 1
	c.persistCounter(ck, ctr+1)
	return ts, ctr, c.nodeID
}

// loadPersistedCounter reads ck's last persisted counter from store, or 0 if
// unset or no store is configured. Must be called with mu held.
func (c *NodeClock) loadPersistedCounter(ck string) int64 {
	if c.store == nil {
		return 0
	}
	raw, err := c.store.Get(context.Background(), ds.NewKey(clockKeyPrefix+ck))
	if err != nil || len(raw) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(raw))
}

// persistCounter durably records ck's next counter value. Best-effort: a
// write failure here only risks a counter reset on the next restart, not
// data loss of the item itself, so it doesn't surface an error to the
// caller. Must be called with mu held.
func (c *NodeClock) persistCounter(ck string, value int64) {
	if c.store == nil {
		return
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(value))
	_ = c.store.Put(context.Background(), ds.NewKey(clockKeyPrefix+ck), buf)
}

// Compare orders two clocks by their last-observed (timestamp, counter)
// pair, generalizing the teacher's CompareClocks from a bare counter.
func Compare(a, b *NodeClock) int {
	a.mu.Lock()
	am, ac := a.lastMilli, a.counter
	a.mu.Unlock()
	b.mu.Lock()
	bm, bc := b.lastMilli, b.counter
	b.mu.Unlock()

	if am != bm {
		if am < bm {
			return -1
		}
		return 1
	}
	if ac != bc {
		if ac < bc {
			return -1
		}
		return 1
	}
	return 0
}
