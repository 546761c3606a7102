// Package eventbus implements the manager facade's lifecycle notification
// channel (spec.md §4.8: initialized/stored/updated/deleted/cache-hit/
// imported/closed), grounded on the teacher's HeadStorage.WatchHead /
// notifyWatchers / removeWatcher pattern in repository/head_storage.go,
// generalized from a single repoID-keyed watch list to named event topics.
package eventbus

import (
	"sync"

	"membank/item"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	Initialized Kind = "initialized"
	Stored      Kind = "stored"
	Updated     Kind = "updated"
	Deleted     Kind = "deleted"
	CacheHit    Kind = "cache-hit"
	Imported    Kind = "imported"
	Closed      Kind = "closed"
	// Evicted fires whenever the cache's eviction strategy drops an entry
	// for capacity, independent of spec.md §4.4's caller-supplied onEvict
	// callback.
	Evicted Kind = "evicted"
)

// Event is one notification, fanned out to every subscriber of its Kind.
type Event struct {
	Kind      Kind
	Namespace string
	Category  string
	Key       string
	Item      *item.Item // nil for events with no single associated item (e.g. Imported, Closed)
}

// Bus fans out Events to subscribers, keyed by Kind. A full subscriber
// channel drops the event rather than blocking the publisher, matching the
// teacher's notifyWatchers "if the channel is blocked, skip the
// notification" behavior.
type Bus struct {
	mu       sync.RWMutex
	watchers map[Kind][]chan Event
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{watchers: make(map[Kind][]chan Event)}
}

// Subscribe returns a buffered channel of every future Event of kind, and a
// cancel func that unregisters and closes it. Callers must invoke cancel
// when done to avoid leaking the channel's slot.
func (b *Bus) Subscribe(kind Kind) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	b.watchers[kind] = append(b.watchers[kind], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.removeWatcher(kind, ch)
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber of ev.Kind, non-blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	watchers := b.watchers[ev.Kind]
	b.mu.RUnlock()

	for _, ch := range watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel across every kind. Subsequent
// Publish calls are no-ops (no watchers remain registered).
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, watchers := range b.watchers {
		for _, ch := range watchers {
			close(ch)
		}
	}
	b.watchers = make(map[Kind][]chan Event)
}

func (b *Bus) removeWatcher(kind Kind, target chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	watchers := b.watchers[kind]
	for i, ch := range watchers {
		if ch == target {
			b.watchers[kind] = append(watchers[:i], watchers[i+1:]...)
			break
		}
	}
}
