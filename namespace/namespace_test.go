package namespace

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

func (m *memStore) Get(ctx context.Context, key ds.Key) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key.String()]
	if !ok {
		return nil, ds.ErrNotFound
	}
	return v, nil
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

func (m *memStore) Close() error { return nil }

func TestDefaultNamespaceUniversalAccess(t *testing.T) {
	m := New(newMemStore())
	ctx := context.Background()

	for _, action := range []item.Action{item.ActionRead, item.ActionWrite, item.ActionDelete, item.ActionAdmin} {
		ok, err := m.Permit(ctx, item.DefaultNamespace, "anyone", action)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := m.Permit(ctx, "", "anyone", item.ActionWrite)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnregisteredNamespaceDeniesAccess(t *testing.T) {
	m := New(newMemStore())
	ok, err := m.Permit(context.Background(), "team-a", "alice", item.ActionRead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnsureForWriteAutoCreatesWithWriterAsAdmin(t *testing.T) {
	m := New(newMemStore())
	ctx := context.Background()

	ns, err := m.EnsureForWrite(ctx, "team-a", "alice")
	require.NoError(t, err)
	assert.Equal(t, "team-a", ns.Name)
	assert.Contains(t, ns.Permissions.Admin, "alice")

	ok, err := m.Permit(ctx, "team-a", "alice", item.ActionWrite)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Permit(ctx, "team-a", "bob", item.ActionWrite)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdminImpliesLesserPermissions(t *testing.T) {
	m := New(newMemStore())
	ctx := context.Background()
	_, err := m.Create(ctx, "team-b", "", "alice")
	require.NoError(t, err)

	ok, err := m.Permit(ctx, "team-b", "alice", item.ActionRead)
	require.NoError(t, err)
	assert.True(t, ok, "an admin must implicitly have read access")
}

func TestWildcardRoleGrantsEveryone(t *testing.T) {
	m := New(newMemStore())
	ctx := context.Background()
	_, err := m.Create(ctx, "team-c", "", "alice")
	require.NoError(t, err)

	ns, err := m.Get(ctx, "team-c")
	require.NoError(t, err)
	ns.Permissions.Read = append(ns.Permissions.Read, "*")
	require.NoError(t, m.save(ctx, ns))

	ok, err := m.Permit(ctx, "team-c", "random-user", item.ActionRead)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListReturnsRegisteredNamespaces(t *testing.T) {
	m := New(newMemStore())
	ctx := context.Background()
	_, err := m.Create(ctx, "team-a", "", "alice")
	require.NoError(t, err)
	_, err = m.Create(ctx, "team-b", "", "bob")
	require.NoError(t, err)

	list, err := m.List(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, ns := range list {
		names = append(names, ns.Name)
	}
	assert.ElementsMatch(t, []string{"team-a", "team-b"}, names)
}
