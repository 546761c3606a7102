package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"membank/item"
)

func TestParseVersion(t *testing.T) {
	v := ParseVersion("100.3.node-a")
	assert.Equal(t, int64(100), v.Timestamp)
	assert.Equal(t, int64(3), v.Counter)
	assert.Equal(t, "node-a", v.NodeID)

	zero := ParseVersion("garbage")
	assert.Equal(t, Version{}, zero)

	assert.Equal(t, "100.3.node-a", v.String())
}

func TestCompare(t *testing.T) {
	a := ParseVersion("10.0.node-a")
	b := ParseVersion("20.0.node-a")
	assert.Equal(t, Before, Compare(a, b))
	assert.Equal(t, After, Compare(b, a))
	assert.Equal(t, Equal, Compare(a, a))

	c := ParseVersion("10.1.node-a")
	assert.Equal(t, Before, Compare(a, c))

	d := ParseVersion("10.0.node-b")
	assert.Equal(t, Before, Compare(a, d))
}

func TestStandardResolveOrdering(t *testing.T) {
	r := New(ModeVectorClock, nil, func() time.Time { return time.UnixMilli(1000) })

	existing := item.Item{
		ID: "x", Category: "c", Key: "k",
		Value:    item.OfString("old"),
		Metadata: item.Metadata{Version: "10.0.node-a", NodeID: "node-a"},
	}
	incoming := item.Item{
		ID: "x", Category: "c", Key: "k",
		Value:    item.OfString("new"),
		Metadata: item.Metadata{Version: "20.0.node-b", NodeID: "node-b"},
	}

	got, err := r.Resolve(existing, incoming)
	require.NoError(t, err)
	s, ok := got.Value.String()
	require.True(t, ok)
	assert.Equal(t, "new", s)

	got, err = r.Resolve(incoming, existing)
	require.NoError(t, err)
	s, ok = got.Value.String()
	require.True(t, ok)
	assert.Equal(t, "new", s)
}

func TestStandardResolveConcurrentMergesMaps(t *testing.T) {
	r := New(ModeVectorClock, nil, func() time.Time { return time.UnixMilli(5000) })

	existing := item.Item{
		ID: "x", Category: "c", Key: "k",
		Value: item.OfMap(map[string]item.Value{
			"a": item.OfString("1"),
			"b": item.OfString("2"),
		}),
		Metadata: item.Metadata{Version: "10.0.node-a", NodeID: "node-a", Namespace: "default"},
	}
	incoming := item.Item{
		ID: "x", Category: "c", Key: "k",
		Value: item.OfMap(map[string]item.Value{
			"b": item.OfString("3"),
			"c": item.OfString("4"),
		}),
		Metadata: item.Metadata{Version: "10.0.node-b", NodeID: "node-b", Namespace: "default"},
	}

	got, err := r.Resolve(existing, incoming)
	require.NoError(t, err)

	m, ok := got.Value.Map()
	require.True(t, ok)
	a, _ := m["a"].String()
	b, _ := m["b"].String()
	c, _ := m["c"].String()
	assert.Equal(t, "1", a)
	assert.Equal(t, "3", b) // incoming wins on conflicting scalar leaf
	assert.Equal(t, "4", c)

	assert.ElementsMatch(t, []string{"node-a", "node-b"}, got.Metadata.MergedFrom)
	assert.Equal(t, int64(5000), got.Metadata.MergedAt)
}

func TestStandardResolveLastWriteWinsMode(t *testing.T) {
	r := New(ModeLastWriteWins, nil, func() time.Time { return time.UnixMilli(1) })

	existing := item.Item{
		ID: "x", Value: item.OfString("old"),
		Metadata: item.Metadata{Version: "10.0.node-a"},
	}
	incoming := item.Item{
		ID: "x", Value: item.OfString("new"),
		Metadata: item.Metadata{Version: "10.0.node-b"},
	}

	got, err := r.Resolve(existing, incoming)
	require.NoError(t, err)
	s, _ := got.Value.String()
	assert.Equal(t, "new", s)
}

func TestStandardResolveNewKeyAdoptsIncoming(t *testing.T) {
	r := New(ModeVectorClock, nil, nil)
	incoming := item.Item{ID: "x", Value: item.OfString("v")}
	got, err := r.Resolve(item.Item{}, incoming)
	require.NoError(t, err)
	assert.Equal(t, incoming, got)
}

type fixedClock struct{}

func (fixedClock) Next(namespace, category, key string) (int64, int64, string) {
	return 99, 7, "node-c"
}

func TestStandardResolveRebasesVersionViaClock(t *testing.T) {
	r := New(ModeVectorClock, fixedClock{}, func() time.Time { return time.UnixMilli(1) })

	existing := item.Item{
		ID: "x",
		Value: item.OfMap(map[string]item.Value{"a": item.OfString("1")}),
		Metadata: item.Metadata{Version: "10.0.node-a", NodeID: "node-a"},
	}
	incoming := item.Item{
		ID: "x",
		Value: item.OfMap(map[string]item.Value{"b": item.OfString("2")}),
		Metadata: item.Metadata{Version: "10.0.node-b", NodeID: "node-b"},
	}

	got, err := r.Resolve(existing, incoming)
	require.NoError(t, err)
	assert.Equal(t, "99.7.node-c", got.Metadata.Version)
	assert.Equal(t, "node-c", got.Metadata.NodeID)
}
