package tree

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membank/errs"
	"membank/item"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b := Open(t.TempDir(), nil)
	require.NoError(t, b.Initialize(context.Background()))
	return b
}

func sampleItem(key string, ts int64, val string) item.Item {
	it := item.Item{
		Category: "notes",
		Key:      key,
		Value:    item.OfString(val),
		Metadata: item.Metadata{Namespace: "default", Timestamp: ts, Version: "1.0.node-a"},
	}
	id, _ := item.NewID(it.Value)
	it.ID = id
	return it
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	it := sampleItem("k1", 1000, "hello world")
	require.NoError(t, b.Store(ctx, it))

	got, err := b.Get(ctx, "default", "notes", "k1")
	require.NoError(t, err)
	s, _ := got.Value.String()
	assert.Equal(t, "hello world", s)
	assert.Equal(t, it.ID, got.ID)
}

func TestStoreStructuredValueRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	it := item.Item{
		Category: "facts", Key: "k2",
		Value: item.OfMap(map[string]item.Value{
			"name": item.OfString("Ada"),
			"age":  item.OfNumber(30),
		}),
		Metadata: item.Metadata{Namespace: "default", Timestamp: 1000},
	}
	id, _ := item.NewID(it.Value)
	it.ID = id
	require.NoError(t, b.Store(ctx, it))

	got, err := b.Get(ctx, "default", "facts", "k2")
	require.NoError(t, err)
	m, ok := got.Value.Map()
	require.True(t, ok)
	name, _ := m["name"].String()
	assert.Equal(t, "Ada", name)
}

func TestGetNotFound(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.Get(context.Background(), "default", "notes", "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestStoreTwiceAppendsHistory(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Store(ctx, sampleItem("k1", 1000, "v1")))
	require.NoError(t, b.Store(ctx, sampleItem("k1", 2000, "v2")))

	got, err := b.Get(ctx, "default", "notes", "k1")
	require.NoError(t, err)
	s, _ := got.Value.String()
	assert.Equal(t, "v2", s)

	hist, err := b.History(ctx, "default", "notes", "k1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	v0, _ := hist[0].Value.String()
	v1, _ := hist[1].Value.String()
	assert.Equal(t, "v1", v0)
	assert.Equal(t, "v2", v1)
}

func TestDeleteRemovesCurrentButKeepsHistory(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Store(ctx, sampleItem("k1", 1000, "v1")))
	require.NoError(t, b.Delete(ctx, "default", "notes", "k1"))

	_, err := b.Get(ctx, "default", "notes", "k1")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	hist, err := b.History(ctx, "default", "notes", "k1")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestQueryFiltersByCategory(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Store(ctx, sampleItem("k1", 1000, "v1")))
	other := sampleItem("k2", 1000, "v2")
	other.Category = "facts"
	require.NoError(t, b.Store(ctx, other))

	results, err := b.Query(ctx, item.Query{Categories: []string{"notes"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "k1", results[0].Key)
}

func TestQueryAsOfReconstructsPastState(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Store(ctx, sampleItem("k1", 1000, "v1")))
	require.NoError(t, b.Store(ctx, sampleItem("k1", 3000, "v2")))

	asOf := time.UnixMilli(2000)
	results, err := b.Query(ctx, item.Query{AsOf: &asOf})
	require.NoError(t, err)
	require.Len(t, results, 1)
	s, _ := results[0].Value.String()
	assert.Equal(t, "v1", s)
}

func TestVCSHookInvokedOnStoreAndDelete(t *testing.T) {
	var calls []bool
	hook := func(path string, deleted bool) error {
		calls = append(calls, deleted)
		return nil
	}
	b := Open(t.TempDir(), hook)
	require.NoError(t, b.Initialize(context.Background()))
	ctx := context.Background()

	require.NoError(t, b.Store(ctx, sampleItem("k1", 1000, "v1")))
	require.NoError(t, b.Delete(ctx, "default", "notes", "k1"))

	require.Len(t, calls, 2)
	assert.False(t, calls[0])
	assert.True(t, calls[1])
}

func TestStats(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.Store(ctx, sampleItem("k1", 1000, "v1")))
	require.NoError(t, b.Store(ctx, sampleItem("k2", 1000, "v2")))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ItemCount)
	assert.Equal(t, 1, stats.NamespaceCount)
}

func TestSanitizeFilenameHandlesUnsafeChars(t *testing.T) {
	assert.Equal(t, "a-b-c", sanitize("a/b c"))
	assert.Equal(t, "_", sanitize(""))
}

func TestSanitizeFilenameLowercasesAndCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "my-important-note", sanitize("My   Important Note"))
}

func TestSanitizeFilenameReplacesReservedChars(t *testing.T) {
	assert.Equal(t, "a-b-c-d-e-f-g", sanitize(`a<b>c:d"e\f|g`))
}

func TestSanitizeFilenameTruncatesTo255Chars(t *testing.T) {
	long := strings.Repeat("x", 300)
	got := sanitize(long)
	assert.Len(t, got, 255)
}

func TestItemPathUsesCategoryDirectoryMapping(t *testing.T) {
	b := Open(t.TempDir(), nil)
	path := b.itemPath("team-a", "coordination", "k1")
	assert.Equal(t, filepath.Join(b.baseDir, "coordination", "team-a", "k1.md"), path)

	unknown := b.itemPath("team-a", "scratchpad", "k2")
	assert.Equal(t, filepath.Join(b.baseDir, "shared-knowledge", "scratchpad", "team-a", "k2.md"), unknown)
}

func TestEncodeDecodeRoundTripsHeadingAndEmbedding(t *testing.T) {
	it := sampleItem("k1", 1000, "hello")
	it.Embedding = []float64{0.25, -0.5, 1}

	data, err := encode(it)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# k1\n---\n"))
	assert.Contains(t, string(data), "<!-- Vector Embedding -->")

	got, err := decode(data)
	require.NoError(t, err)
	assert.Equal(t, it.Embedding, got.Embedding)
	s, _ := got.Value.String()
	assert.Equal(t, "hello", s)
}
