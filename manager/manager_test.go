package manager

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membank/config"
	"membank/errs"
	"membank/eventbus"
	"membank/item"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.Default("node-test", t.TempDir())
	m, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestStoreGetRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	it, err := m.Store(ctx, "alice", "default", "notes", "k1", item.OfString("hello"), []string{"greeting"}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "k1", it.Key)

	got, err := m.Get(ctx, "alice", "default", "notes", "k1")
	require.NoError(t, err)
	s, _ := got.Value.String()
	assert.Equal(t, "hello", s)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Get(context.Background(), "alice", "default", "notes", "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteRemovesItem(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Store(ctx, "alice", "default", "notes", "k1", item.OfString("v1"), nil, 0, nil)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "alice", "default", "notes", "k1"))

	_, err = m.Get(ctx, "alice", "default", "notes", "k1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestQueryFiltersByCategoryAndTag(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Store(ctx, "alice", "default", "notes", "k1", item.OfString("v1"), []string{"work"}, 0, nil)
	require.NoError(t, err)
	_, err = m.Store(ctx, "alice", "default", "facts", "k2", item.OfString("v2"), []string{"personal"}, 0, nil)
	require.NoError(t, err)

	results, err := m.Query(ctx, "alice", item.Query{Categories: []string{"notes"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "k1", results[0].Key)

	tagged, err := m.Query(ctx, "alice", item.Query{Tags: []string{"personal"}})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "k2", tagged[0].Key)
}

func TestWriteToUnownedNamespaceDeniedForNonAdmin(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Store(ctx, "alice", "team-x", "notes", "k1", item.OfString("v1"), nil, 0, nil)
	require.NoError(t, err)

	_, err = m.Store(ctx, "bob", "team-x", "notes", "k2", item.OfString("v2"), nil, 0, nil)
	assert.ErrorIs(t, err, errs.ErrPermissionDenied)
}

// TestConcurrentWriteMergesMapValues exercises the resolver's merge branch,
// which fires when an incoming write carries the same timestamp and counter
// as what's already stored (here the exact same version triple, the
// replay/concurrent-rebroadcast case) rather than a newer one: two
// ordinary sequential local Store calls always
// produce strictly increasing versions and simply overwrite.
func TestConcurrentWriteMergesMapValues(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Store(ctx, "alice", "default", "facts", "k1",
		item.OfMap(map[string]item.Value{"a": item.OfNumber(1)}), nil, 0, nil)
	require.NoError(t, err)

	incoming := item.Item{
		ID:       first.ID,
		Category: "facts",
		Key:      "k1",
		Value:    item.OfMap(map[string]item.Value{"b": item.OfNumber(2)}),
		Metadata: first.Metadata, // identical version triple: triggers the concurrent-merge branch
	}
	require.NoError(t, m.HandleReplicatedItem(ctx, incoming))

	got, err := m.Get(ctx, "alice", "default", "facts", "k1")
	require.NoError(t, err)
	mp, ok := got.Value.Map()
	require.True(t, ok)
	_, hasA := mp["a"]
	_, hasB := mp["b"]
	assert.True(t, hasA)
	assert.True(t, hasB)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestManager(t)
	ctx := context.Background()

	_, err := src.Store(ctx, "alice", "default", "notes", "k1", item.OfString("hello"), nil, 0, nil)
	require.NoError(t, err)

	snap, err := src.Export(ctx, "alice", "default", false)
	require.NoError(t, err)
	require.Len(t, snap.Items, 1)

	dst := newTestManager(t)
	require.NoError(t, dst.Import(ctx, "alice", snap))

	got, err := dst.Get(ctx, "alice", "default", "notes", "k1")
	require.NoError(t, err)
	s, _ := got.Value.String()
	assert.Equal(t, "hello", s)
}

func TestStats(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Store(ctx, "alice", "default", "notes", "k1", item.OfString("v1"), nil, 0, nil)
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-test", stats.NodeID)
	assert.Equal(t, 1, stats.Backend.ItemCount)
}

func TestReplicatedItemAppliesWithoutPermissionCheck(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	incoming := item.Item{
		Category: "notes", Key: "k9",
		Value:    item.OfString("from-peer"),
		Metadata: item.Metadata{Namespace: "default", Timestamp: 1000, NodeID: "node-remote", Version: "1000.0.node-remote"},
	}
	id, err := item.NewID(incoming.Value)
	require.NoError(t, err)
	incoming.ID = id

	require.NoError(t, m.HandleReplicatedItem(ctx, incoming))

	got, err := m.Get(ctx, "alice", "default", "notes", "k9")
	require.NoError(t, err)
	s, _ := got.Value.String()
	assert.Equal(t, "from-peer", s)
}

// TestDeleteTombstonesFromCacheWhenBackendAlreadyMissing covers the
// cache-or-backend fallback: a replication race can leave the backend
// without the item while the cache still serves it, and Delete must still
// invalidate the cache and succeed (not report ErrNotFound) so a tombstone
// reaches peers even though there's nothing left to remove from storage.
func TestDeleteTombstonesFromCacheWhenBackendAlreadyMissing(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.Store(ctx, "alice", "default", "notes", "k1", item.OfString("v1"), nil, 0, nil)
	require.NoError(t, err)

	// The cache still holds k1 (Store populates it), but the backend has
	// already lost it, as if a concurrent replicated delete raced ahead.
	require.NoError(t, m.backend.Delete(ctx, "default", "notes", "k1"))

	require.NoError(t, m.Delete(ctx, "alice", "default", "notes", "k1"))

	_, err = m.Get(ctx, "alice", "default", "notes", "k1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteReturnsNotFoundWhenNeitherCacheNorBackendHasIt(t *testing.T) {
	m := newTestManager(t)
	err := m.Delete(context.Background(), "alice", "default", "notes", "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStatsReplicationNilWhenReplicationDisabled(t *testing.T) {
	m := newTestManager(t)
	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stats.Replication)
}

// TestOnEvictWiringFiresCallbackAndEvent covers both observability channels
// Open wires onto cache capacity eviction: the caller-supplied
// config.CacheConfig.OnEvict callback and the eventbus.Evicted publish.
func TestOnEvictWiringFiresCallbackAndEvent(t *testing.T) {
	cfg := config.Default("node-evict", t.TempDir())
	cfg.Cache.Capacity = 1
	var evicted []item.Item
	cfg.Cache.OnEvict = func(it item.Item) { evicted = append(evicted, it) }

	m, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	sub, cancel := m.Subscribe(eventbus.Evicted)
	defer cancel()

	ctx := context.Background()
	_, err = m.Store(ctx, "alice", "default", "notes", "k1", item.OfString("v1"), nil, 0, nil)
	require.NoError(t, err)
	_, err = m.Store(ctx, "alice", "default", "notes", "k2", item.OfString("v2"), nil, 0, nil)
	require.NoError(t, err)

	require.Len(t, evicted, 1)
	assert.Equal(t, "k1", evicted[0].Key)

	select {
	case ev := <-sub:
		assert.Equal(t, eventbus.Evicted, ev.Kind)
		assert.Equal(t, "k1", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("expected an Evicted event")
	}
}

func TestWithTimeoutAppliesConfiguredDeadline(t *testing.T) {
	m := &Manager{queryTimeout: 50 * time.Millisecond}
	ctx, cancel := m.withTimeout(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 25*time.Millisecond)
}

func TestWithTimeoutNoopWhenUnconfigured(t *testing.T) {
	m := &Manager{}
	parent := context.Background()
	ctx, cancel := m.withTimeout(parent)
	defer cancel()

	assert.Equal(t, parent, ctx)
	_, ok := ctx.Deadline()
	assert.False(t, ok)
}

func TestMapTimeoutRewritesDeadlineExceeded(t *testing.T) {
	wrapped := fmt.Errorf("backend call: %w", context.DeadlineExceeded)
	assert.ErrorIs(t, mapTimeout(wrapped), errs.ErrTimeout)

	other := errors.New("unrelated failure")
	assert.Same(t, other, mapTimeout(other))

	assert.NoError(t, mapTimeout(nil))
}

// TestGetSurfacesErrTimeoutOnExpiredContext exercises the timeout mapping end to end
// against the default (tabular) backend: a context whose deadline has
// already passed must surface as errs.ErrTimeout, not a generic storage
// fault, once it reaches a context-aware SQL call.
func TestGetSurfacesErrTimeoutOnExpiredContext(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	it := item.Item{
		Category: "notes",
		Key:      "k1",
		Value:    item.OfString("v1"),
		Metadata: item.Metadata{Namespace: item.DefaultNamespace, Timestamp: 1, NodeID: "node-test", Version: "1.0.node-test"},
	}
	id, err := item.NewID(it.Value)
	require.NoError(t, err)
	it.ID = id
	// Seed the backend directly, bypassing Store's cache population, so
	// the read below is guaranteed to miss the cache and reach the backend.
	require.NoError(t, m.backend.Store(ctx, it))

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Hour))
	defer cancel()

	_, err = m.Get(expired, "alice", "", "notes", "k1")
	assert.ErrorIs(t, err, errs.ErrTimeout)
}
