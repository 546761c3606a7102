package indexer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	ds "github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membank/item"
)

// memStore is a minimal in-memory Store fake used only by tests, so the
// indexer's own tests don't need a real badger instance on disk.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Put(ctx context.Context, key ds.Key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key.String()] = value
	return nil
}

func (m *memStore) Delete(ctx context.Context, key ds.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key.String())
	return nil
}

func (m *memStore) Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error) {
	m.mu.Lock()
	var matched []string
	p := prefix.String()
	for k := range m.data {
		if strings.HasPrefix(k, p) {
			matched = append(matched, k)
		}
	}
	m.mu.Unlock()
	sort.Strings(matched)

	out := make(chan ds.Key, len(matched))
	errc := make(chan error)
	for _, k := range matched {
		out <- ds.NewKey(k)
	}
	close(out)
	close(errc)
	return out, errc, nil
}

func (m *memStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	return nil
}

func (m *memStore) Close() error { return nil }

func TestIndexAndByCategory(t *testing.T) {
	ix := New(newMemStore())
	ctx := context.Background()

	it := item.Item{
		ID: "id1", Category: "facts", Key: "k1",
		Metadata: item.Metadata{Namespace: "default", Tags: []string{"people", "vip"}},
	}
	require.NoError(t, ix.Index(ctx, it))

	keys, err := ix.ByCategory(ctx, "default", "facts")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, keys)

	keys, err = ix.ByTag(ctx, "default", "people")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1"}, keys)

	keys, err = ix.ByTag(ctx, "default", "nope")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRemoveClearsPostings(t *testing.T) {
	ix := New(newMemStore())
	ctx := context.Background()

	it := item.Item{
		ID: "id1", Category: "facts", Key: "k1",
		Metadata: item.Metadata{Namespace: "default", Tags: []string{"people"}},
	}
	require.NoError(t, ix.Index(ctx, it))
	require.NoError(t, ix.Remove(ctx, "default", "facts", "k1", []string{"people"}))

	keys, err := ix.ByCategory(ctx, "default", "facts")
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = ix.ByTag(ctx, "default", "people")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestIndexAttachesEmbeddingToVectorStore(t *testing.T) {
	ix := New(newMemStore())
	ctx := context.Background()

	it := item.Item{
		ID: "id1", Category: "facts", Key: "k1",
		Metadata:  item.Metadata{Namespace: "default"},
		Embedding: []float64{1, 0, 0},
	}
	require.NoError(t, ix.Index(ctx, it))
	assert.Equal(t, 1, ix.Vector().Len())

	require.NoError(t, ix.Remove(ctx, "default", "facts", "k1", nil))
	assert.Equal(t, 0, ix.Vector().Len())
}

func TestRebuildReindexesFromItems(t *testing.T) {
	ix := New(newMemStore())
	ctx := context.Background()

	items := []item.Item{
		{ID: "1", Category: "c", Key: "k1", Metadata: item.Metadata{Namespace: "default", Tags: []string{"x"}}},
		{ID: "2", Category: "c", Key: "k2", Metadata: item.Metadata{Namespace: "default", Tags: []string{"x"}}},
	}
	require.NoError(t, ix.Rebuild(ctx, items))

	keys, err := ix.ByCategory(ctx, "default", "c")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2"}, keys)

	keys, err = ix.ByTag(ctx, "default", "x")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2"}, keys)
}
