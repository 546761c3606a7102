// Package manager is the facade the rest of the engine is built to serve:
// it coordinates a storage backend, the tiered cache, the category/tag/
// vector indexer, the CRDT resolver, the namespace ACL and the replication
// transport behind a single store/get/query/delete/export/import API,
// emitting lifecycle events as it goes. Grounded on the teacher's
// repository package, which plays the same "everything flows through one
// coordinating type" role over head_storage/blockstore/entitystore.
package manager

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"sync"
	"time"

	badger4 "github.com/ipfs/go-ds-badger4"

	"membank/backend"
	"membank/backend/tabular"
	"membank/backend/tree"
	"membank/cache"
	"membank/clock"
	"membank/config"
	"membank/datastore"
	"membank/errs"
	"membank/eventbus"
	"membank/indexer"
	"membank/item"
	"membank/namespace"
	"membank/replication"
	"membank/resolver"
	"membank/sqlite"
)

const lockStripes = 256

// Stats summarizes the whole engine's holdings for the getStats operation.
type Stats struct {
	NodeID  string
	Backend backend.Stats
	Cache   cache.Stats
	Vectors int
	// Replication is nil when replication is not configured (spec.md §4.8:
	// getStats reports replication counters only "when replication is
	// configured").
	Replication *replication.Stats
}

// Manager coordinates every collaborator behind a single API.
type Manager struct {
	nodeID string

	backend    backend.Backend
	cache      cache.Cache
	indexer    *indexer.Indexer
	namespaces *namespace.Manager
	resolver   resolver.Resolver
	clock      *clock.NodeClock
	events     *eventbus.Bus
	replicator *replication.Replicator

	idxDS        datastore.Datastore
	nsDS         datastore.Datastore
	locks        [lockStripes]sync.Mutex
	cacheTTL     time.Duration
	queryTimeout time.Duration
}

// Open constructs a Manager from cfg: it opens the selected storage
// backend, two badger-backed datastores (category/tag postings plus per-key
// clock counters, and the namespace registry), the cache, the resolver and
// (if enabled) the replication transport, and re-indexes every item the
// backend already holds.
func Open(ctx context.Context, cfg config.Config) (*Manager, error) {
	var be backend.Backend
	switch cfg.Backend {
	case config.BackendTree:
		be = tree.Open(cfg.Tree.BaseDir, cfg.Tree.Hook)
	default:
		tb, err := tabular.Open(cfg.Tabular.Path, sqlite.Options{})
		if err != nil {
			return nil, err
		}
		be = tb
	}
	if err := be.Initialize(ctx); err != nil {
		return nil, err
	}

	idxPath, nsPath := cfg.Tabular.Path+".idx", cfg.Tabular.Path+".ns"
	if err := os.MkdirAll(idxPath, 0755); err != nil {
		return nil, fmt.Errorf("manager: create index dir: %w", errs.ErrStorageUnavailable)
	}
	if err := os.MkdirAll(nsPath, 0755); err != nil {
		return nil, fmt.Errorf("manager: create namespace dir: %w", errs.ErrStorageUnavailable)
	}

	idxDS, err := datastore.NewDatastorage(idxPath, &badger4.DefaultOptions)
	if err != nil {
		return nil, fmt.Errorf("manager: open index datastore: %w", errs.ErrStorageUnavailable)
	}
	nsDS, err := datastore.NewDatastorage(nsPath, &badger4.DefaultOptions)
	if err != nil {
		idxDS.Close()
		return nil, fmt.Errorf("manager: open namespace datastore: %w", errs.ErrStorageUnavailable)
	}

	events := eventbus.New()
	onEvict := func(it item.Item) {
		if cfg.Cache.OnEvict != nil {
			cfg.Cache.OnEvict(it)
		}
		events.Publish(eventbus.Event{Kind: eventbus.Evicted, Namespace: it.Namespace(), Category: it.Category, Key: it.Key, Item: &it})
	}

	m := &Manager{
		nodeID:       cfg.NodeID,
		backend:      be,
		cache:        cache.New(cfg.Cache.Strategy, cfg.Cache.Capacity, onEvict),
		indexer:      indexer.New(idxDS),
		namespaces:   namespace.New(nsDS),
		clock:        clock.New(cfg.NodeID, nil, idxDS),
		events:       events,
		idxDS:        idxDS,
		nsDS:         nsDS,
		cacheTTL:     cfg.Cache.DefaultTTL,
		queryTimeout: cfg.QueryTimeout,
	}

	mode := resolver.ModeVectorClock
	if cfg.Replication.Mode == config.ReplicationLastWriteWins {
		mode = resolver.ModeLastWriteWins
	}
	m.resolver = resolver.New(mode, m.clock, nil)

	// Re-index what the backend already holds so postings and the in-memory
	// vector index cover items stored before this Open.
	stored, err := be.Query(ctx, item.Query{AllNamespaces: true})
	if err != nil {
		return nil, err
	}
	for _, it := range stored {
		if err := m.indexer.Index(ctx, it); err != nil {
			return nil, err
		}
	}

	rep, err := replication.New(ctx, cfg.Replication, cfg.NodeID, m, m)
	if err != nil {
		return nil, err
	}
	m.replicator = rep

	m.events.Publish(eventbus.Event{Kind: eventbus.Initialized})
	return m, nil
}

func compositeKey(namespace, category, key string) string {
	return namespace + "/" + category + "/" + key
}

func (m *Manager) stripe(ck string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(ck))
	return &m.locks[h.Sum32()%lockStripes]
}

// withTimeout derives a bounded context from ctx when queryTimeout is
// configured (spec.md §5: "All public operations accept an implicit
// deadline propagated from the caller"). A non-positive queryTimeout leaves
// ctx untouched so callers keep full control of their own deadline.
func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.queryTimeout)
}

// mapTimeout rewrites a deadline-expiry error into errs.ErrTimeout so
// callers can errors.Is against a single sentinel regardless of which
// collaborator (backend, indexer, namespace registry) surfaced the
// cancellation.
func mapTimeout(err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("manager: %w", errs.ErrTimeout)
	}
	return err
}

// Store writes an item's value under (namespace,category,key), resolving
// against any existing version, enforcing the namespace write permission,
// and auto-creating an unregistered non-default namespace with principal as
// its admin (spec.md §4.7).
func (m *Manager) Store(ctx context.Context, principal, namespaceName, category, key string, value item.Value, tags []string, ttl time.Duration, embedding []float64) (result item.Item, err error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	defer func() { err = mapTimeout(err) }()

	ns := namespaceName
	if ns == "" {
		ns = item.DefaultNamespace
	}

	if _, err := m.namespaces.EnsureForWrite(ctx, ns, principal); err != nil {
		return item.Item{}, err
	}
	allowed, err := m.namespaces.Permit(ctx, ns, principal, item.ActionWrite)
	if err != nil {
		return item.Item{}, err
	}
	if !allowed {
		return item.Item{}, fmt.Errorf("manager: store %s/%s/%s: %w", ns, category, key, errs.ErrPermissionDenied)
	}

	id, err := item.NewID(value)
	if err != nil {
		return item.Item{}, fmt.Errorf("manager: %w: %v", errs.ErrValidation, err)
	}

	ck := compositeKey(ns, category, key)
	mu := m.stripe(ck)
	mu.Lock()
	defer mu.Unlock()

	ts, counter, nodeID := m.clock.Next(ns, category, key)

	incoming := item.Item{
		ID:        id,
		Category:  category,
		Key:       key,
		Value:     value,
		Embedding: embedding,
		TTLMillis: ttl.Milliseconds(),
		Metadata: item.Metadata{
			Timestamp: ts,
			NodeID:    nodeID,
			Version:   resolver.Version{Timestamp: ts, Counter: counter, NodeID: nodeID}.String(),
			Namespace: ns,
			Tags:      tags,
		},
	}

	existing, getErr := m.backend.Get(ctx, ns, category, key)
	existed := getErr == nil

	resolved, err := m.resolver.Resolve(existing, incoming)
	if err != nil {
		return item.Item{}, err
	}

	if err := m.storeResolved(ctx, existing, existed, resolved); err != nil {
		return item.Item{}, err
	}

	if m.replicator != nil {
		if err := m.replicator.PublishItem(ctx, resolved); err != nil {
			return resolved, fmt.Errorf("manager: replicate store: %w", err)
		}
	}
	return resolved, nil
}

// storeResolved writes resolved to the backend and indexer and cache, and
// emits the corresponding lifecycle event. Shared by Store, HandleReplicatedItem
// and Import so every write path keeps the three collaborators consistent.
func (m *Manager) storeResolved(ctx context.Context, existing item.Item, existed bool, resolved item.Item) error {
	if err := m.backend.Store(ctx, resolved); err != nil {
		return err
	}
	if existed {
		if err := m.indexer.Remove(ctx, existing.Namespace(), existing.Category, existing.Key, existing.Metadata.Tags); err != nil {
			return err
		}
	}
	if err := m.indexer.Index(ctx, resolved); err != nil {
		return err
	}

	ttl := m.cacheTTL
	if resolved.TTLMillis > 0 {
		ttl = time.Duration(resolved.TTLMillis) * time.Millisecond
	}
	m.cache.Set(compositeKey(resolved.Namespace(), resolved.Category, resolved.Key), resolved, ttl)

	kind := eventbus.Stored
	if existed {
		kind = eventbus.Updated
	}
	m.events.Publish(eventbus.Event{Kind: kind, Namespace: resolved.Namespace(), Category: resolved.Category, Key: resolved.Key, Item: &resolved})
	return nil
}

// Get returns the current value at (namespace,category,key), serving from
// cache when possible and checking TTL expiry on every read (spec.md
// invariant 4).
func (m *Manager) Get(ctx context.Context, principal, namespaceName, category, key string) (result item.Item, err error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	defer func() { err = mapTimeout(err) }()

	ns := namespaceName
	if ns == "" {
		ns = item.DefaultNamespace
	}
	allowed, err := m.namespaces.Permit(ctx, ns, principal, item.ActionRead)
	if err != nil {
		return item.Item{}, err
	}
	if !allowed {
		return item.Item{}, fmt.Errorf("manager: get %s/%s/%s: %w", ns, category, key, errs.ErrPermissionDenied)
	}

	ck := compositeKey(ns, category, key)
	now := time.Now()

	if cached, ok := m.cache.Get(ck); ok {
		if cached.Expired(now) {
			m.cache.Delete(ck)
		} else {
			m.events.Publish(eventbus.Event{Kind: eventbus.CacheHit, Namespace: ns, Category: category, Key: key, Item: &cached})
			return cached, nil
		}
	}

	it, err := m.backend.Get(ctx, ns, category, key)
	if err != nil {
		return item.Item{}, err
	}
	if it.Expired(now) {
		return item.Item{}, fmt.Errorf("manager: get %s: %w", ck, errs.ErrNotFound)
	}
	m.cache.Set(ck, it, m.cacheTTL)
	return it, nil
}

// History returns every recorded version of (namespace,category,key).
func (m *Manager) History(ctx context.Context, principal, namespaceName, category, key string) (result []item.Item, err error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	defer func() { err = mapTimeout(err) }()

	ns := namespaceName
	if ns == "" {
		ns = item.DefaultNamespace
	}
	allowed, err := m.namespaces.Permit(ctx, ns, principal, item.ActionRead)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("manager: history %s/%s/%s: %w", ns, category, key, errs.ErrPermissionDenied)
	}
	return m.backend.History(ctx, ns, category, key)
}

// Query runs q against the backend (which applies every filter except
// Vector/Sort/Limit/Offset), then applies vector ranking, sort and
// pagination over the full, already-time-filtered candidate set.
func (m *Manager) Query(ctx context.Context, principal string, q item.Query) (result []item.Item, err error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	defer func() { err = mapTimeout(err) }()

	if !q.AllNamespaces {
		ns := q.Namespace
		if ns == "" {
			ns = item.DefaultNamespace
		}
		allowed, err := m.namespaces.Permit(ctx, ns, principal, item.ActionRead)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, fmt.Errorf("manager: query %s: %w", ns, errs.ErrPermissionDenied)
		}
	}

	candidates, err := m.backend.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	live := candidates[:0]
	for _, it := range candidates {
		if !it.Expired(now) {
			live = append(live, it)
		}
	}
	candidates = live

	if q.Vector != nil {
		byKey := make(map[string]item.Item, len(candidates))
		for _, it := range candidates {
			byKey[compositeKey(it.Namespace(), it.Category, it.Key)] = it
		}
		scored := m.indexer.Vector().Search(q.Vector.Embedding, q.Vector.TopK, q.Vector.DistanceThreshold)
		out := make([]item.Item, 0, len(scored))
		for _, s := range scored {
			if it, ok := byKey[s.Key]; ok {
				out = append(out, it)
			}
		}
		candidates = out
	} else if q.Sort != "" {
		sortItems(candidates, q.Sort, q.Direction)
	}

	return paginate(candidates, q.Limit, q.Offset), nil
}

func sortItems(items []item.Item, field item.SortField, dir item.SortDirection) {
	less := func(i, j int) bool {
		var a, b bool
		switch field {
		case item.SortByKey:
			a, b = items[i].Key < items[j].Key, items[i].Key > items[j].Key
		case item.SortByCategory:
			a, b = items[i].Category < items[j].Category, items[i].Category > items[j].Category
		default:
			a, b = items[i].Metadata.Timestamp < items[j].Metadata.Timestamp, items[i].Metadata.Timestamp > items[j].Metadata.Timestamp
		}
		if dir == item.Descending {
			return b
		}
		return a
	}
	sort.SliceStable(items, less)
}

func paginate(items []item.Item, limit, offset int) []item.Item {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Delete tombstones (namespace,category,key).
func (m *Manager) Delete(ctx context.Context, principal, namespaceName, category, key string) (err error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	defer func() { err = mapTimeout(err) }()

	ns := namespaceName
	if ns == "" {
		ns = item.DefaultNamespace
	}
	allowed, err := m.namespaces.Permit(ctx, ns, principal, item.ActionDelete)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("manager: delete %s/%s/%s: %w", ns, category, key, errs.ErrPermissionDenied)
	}

	ck := compositeKey(ns, category, key)
	mu := m.stripe(ck)
	mu.Lock()
	defer mu.Unlock()

	existing, err := m.backend.Get(ctx, ns, category, key)
	if err != nil {
		// The backend already lost the item (e.g. a replication race), but
		// the cache may still hold a live entry from before that happened.
		// Cache-or-backend triggers replication, not backend-only: still
		// invalidate the cache and publish the tombstone so peers that
		// haven't caught up converge to "deleted" too.
		cached, hit := m.cache.Get(ck)
		if !hit {
			return err
		}
		m.cache.Delete(ck)
		m.events.Publish(eventbus.Event{Kind: eventbus.Deleted, Namespace: ns, Category: category, Key: key, Item: &cached})
		if m.replicator != nil {
			if pubErr := m.replicator.PublishDelete(ctx, ns, category, key, time.Now().UnixMilli()); pubErr != nil {
				return fmt.Errorf("manager: replicate delete: %w", pubErr)
			}
		}
		return nil
	}
	if err := m.applyDelete(ctx, existing, time.Now().UnixMilli()); err != nil {
		return err
	}

	if m.replicator != nil {
		if err := m.replicator.PublishDelete(ctx, ns, category, key, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("manager: replicate delete: %w", err)
		}
	}
	return nil
}

func (m *Manager) applyDelete(ctx context.Context, existing item.Item, timestamp int64) error {
	ns, category, key := existing.Namespace(), existing.Category, existing.Key
	if err := m.backend.Delete(ctx, ns, category, key); err != nil {
		return err
	}
	if err := m.indexer.Remove(ctx, ns, category, key, existing.Metadata.Tags); err != nil {
		return err
	}
	m.cache.Delete(compositeKey(ns, category, key))
	m.events.Publish(eventbus.Event{Kind: eventbus.Deleted, Namespace: ns, Category: category, Key: key, Item: &existing})
	return nil
}

// Export returns a Snapshot of every item visible to principal (spec.md
// §3): a single namespace unless allNamespaces is set.
func (m *Manager) Export(ctx context.Context, principal, namespaceName string, allNamespaces bool) (item.Snapshot, error) {
	items, err := m.Query(ctx, principal, item.Query{Namespace: namespaceName, AllNamespaces: allNamespaces})
	if err != nil {
		return item.Snapshot{}, err
	}
	return item.Snapshot{
		FormatVersion: item.CurrentSnapshotFormatVersion,
		Timestamp:     time.Now().UnixMilli(),
		OriginNode:    m.nodeID,
		Items:         items,
	}, nil
}

// Import applies every item in snap, running each through the resolver
// against whatever the local replica already holds, and auto-creating any
// namespace that is not yet registered, with the importing principal as its
// admin. A registered namespace the principal may not write to stops the
// import with an error.
func (m *Manager) Import(ctx context.Context, principal string, snap item.Snapshot) error {
	for _, incoming := range snap.Items {
		ns := incoming.Namespace()
		if _, err := m.namespaces.EnsureForWrite(ctx, ns, principal); err != nil {
			return err
		}
		allowed, err := m.namespaces.Permit(ctx, ns, principal, item.ActionWrite)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("manager: import into %s: %w", ns, errs.ErrPermissionDenied)
		}

		ck := compositeKey(ns, incoming.Category, incoming.Key)
		mu := m.stripe(ck)
		mu.Lock()
		existing, getErr := m.backend.Get(ctx, ns, incoming.Category, incoming.Key)
		existed := getErr == nil
		resolved, resolveErr := m.resolver.Resolve(existing, incoming)
		if resolveErr != nil {
			mu.Unlock()
			return resolveErr
		}
		storeErr := m.storeResolved(ctx, existing, existed, resolved)
		mu.Unlock()
		if storeErr != nil {
			return storeErr
		}
	}
	m.events.Publish(eventbus.Event{Kind: eventbus.Imported})
	return nil
}

// HandleReplicatedItem implements replication.Handler: it applies an item
// learned from a peer through the same resolver/backend/indexer/cache path
// as a local Store, without a permission check (peers are already trusted
// members of the replication topic).
func (m *Manager) HandleReplicatedItem(ctx context.Context, incoming item.Item) error {
	m.clock.Update(incoming.Metadata.Timestamp)

	ns := incoming.Namespace()
	ck := compositeKey(ns, incoming.Category, incoming.Key)
	mu := m.stripe(ck)
	mu.Lock()
	defer mu.Unlock()

	existing, err := m.backend.Get(ctx, ns, incoming.Category, incoming.Key)
	existed := err == nil

	resolved, err := m.resolver.Resolve(existing, incoming)
	if err != nil {
		return err
	}
	return m.storeResolved(ctx, existing, existed, resolved)
}

// HandleReplicatedDelete implements replication.Handler.
func (m *Manager) HandleReplicatedDelete(ctx context.Context, namespaceName, category, key string, timestamp int64) error {
	m.clock.Update(timestamp)

	ck := compositeKey(namespaceName, category, key)
	mu := m.stripe(ck)
	mu.Lock()
	defer mu.Unlock()

	existing, err := m.backend.Get(ctx, namespaceName, category, key)
	if err != nil {
		return nil // already absent locally, nothing to tombstone
	}
	return m.applyDelete(ctx, existing, timestamp)
}

// Snapshot implements replication.Syncer: the full local item set, used for
// periodic anti-entropy gossip.
func (m *Manager) Snapshot(ctx context.Context) ([]item.Item, error) {
	return m.backend.Query(ctx, item.Query{AllNamespaces: true})
}

// Subscribe exposes the lifecycle event bus to callers (e.g. a CLI watch
// command or an external cache invalidator).
func (m *Manager) Subscribe(kind eventbus.Kind) (<-chan eventbus.Event, func()) {
	return m.events.Subscribe(kind)
}

// Stats reports the engine's current holdings.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	bs, err := m.backend.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		NodeID:  m.nodeID,
		Backend: bs,
		Cache:   m.cache.Stats(),
		Vectors: m.indexer.Vector().Len(),
	}
	if m.replicator != nil {
		rs := m.replicator.Stats()
		stats.Replication = &rs
	}
	return stats, nil
}

// Close releases every held resource.
func (m *Manager) Close() error {
	if m.replicator != nil {
		m.replicator.Close()
	}
	m.events.Publish(eventbus.Event{Kind: eventbus.Closed})
	m.events.Close()
	m.indexer.Close()
	m.namespaces.Close()
	return m.backend.Close()
}
