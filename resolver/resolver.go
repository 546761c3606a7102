// Package resolver implements the deterministic CRDT-style conflict
// resolution described in spec.md §4.1: given an existing item and an
// incoming item for the same (namespace,category,key), decide which one a
// replica adopts, merging mapping values on concurrent writes.
//
// The version comparator generalizes the teacher's clock.LogicalClock
// (clock/clock.go) from a single counter to the three-part
// <timestamp>.<counter>.<nodeID> tuple the source system uses as its CRDT
// version vector.
package resolver

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"membank/item"
)

// Order is the result of comparing two version strings.
type Order int

const (
	Equal Order = iota
	Before
	After
)

// Version is the parsed <timestamp>.<counter>.<nodeID> triple. Malformed
// parts parse as zero values per spec.md §4.1 ("Malformed versions parse as
// zeros, yielding sensible defaults").
type Version struct {
	Timestamp int64
	Counter   int64
	NodeID    string
}

// ParseVersion parses a version string, never failing: missing or
// non-numeric parts become zero.
func ParseVersion(s string) Version {
	parts := strings.SplitN(s, ".", 3)
	var v Version
	if len(parts) > 0 {
		v.Timestamp, _ = strconv.ParseInt(parts[0], 10, 64)
	}
	if len(parts) > 1 {
		v.Counter, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	if len(parts) > 2 {
		v.NodeID = parts[2]
	}
	return v
}

// String renders the canonical version string.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%s", v.Timestamp, v.Counter, v.NodeID)
}

// Compare orders two versions: numeric timestamp, then numeric counter,
// then lexicographic nodeID. Equal on all three means concurrent.
func Compare(a, b Version) Order {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return Before
		}
		return After
	}
	if a.Counter != b.Counter {
		if a.Counter < b.Counter {
			return Before
		}
		return After
	}
	if a.NodeID == b.NodeID {
		return Equal
	}
	if a.NodeID < b.NodeID {
		return Before
	}
	return After
}

// CompareStrings is a convenience wrapper for callers that only have the
// raw version strings on hand.
func CompareStrings(a, b string) Order {
	return Compare(ParseVersion(a), ParseVersion(b))
}

// Mode selects how the resolver treats a concurrent (Equal) pair.
type Mode int

const (
	// ModeVectorClock merges mapping values on concurrent writes (the
	// default CRDT behavior described in spec.md §4.1).
	ModeVectorClock Mode = iota
	// ModeLastWriteWins never merges: on Equal, the incoming item wins.
	// Used by replication configurations that select "last-write-wins".
	ModeLastWriteWins
)

// Resolver decides which of two same-key items a replica should hold.
type Resolver interface {
	Resolve(existing, incoming item.Item) (item.Item, error)
}

// Clock supplies the fresh timestamp/counter/nodeID triple a merge result is
// rebased onto, so that future replicas continue to order it correctly
// (spec.md §4.1: "the merged version string is regenerated by the local
// node as if the merge were a new write").
type Clock interface {
	Next(namespace, category, key string) (timestamp int64, counter int64, nodeID string)
}

// Standard is the default resolver: version-ordered adoption with deep
// merge of mapping values on concurrent writes.
type Standard struct {
	Mode  Mode
	Clock Clock
	Now   func() time.Time
}

// New builds a Standard resolver. now defaults to time.Now if nil.
func New(mode Mode, clock Clock, now func() time.Time) *Standard {
	if now == nil {
		now = time.Now
	}
	return &Standard{Mode: mode, Clock: clock, Now: now}
}

// Resolve implements the Resolver interface (spec.md §4.1 policy table).
func (r *Standard) Resolve(existing, incoming item.Item) (item.Item, error) {
	if existing.ID == "" {
		return incoming, nil
	}
	ev := ParseVersion(existing.Metadata.Version)
	iv := ParseVersion(incoming.Metadata.Version)

	order := Compare(ev, iv)
	if r.Mode == ModeVectorClock && ev.Timestamp == iv.Timestamp && ev.Counter == iv.Counter {
		// timestamp and counter collide: writes from different nodes are
		// concurrent and merge instead of being ordered by nodeID
		order = Equal
	}
	switch order {
	case Before:
		return incoming, nil
	case After:
		return existing, nil
	default: // Equal: concurrent write
		if r.Mode == ModeLastWriteWins {
			return incoming, nil
		}
		return r.merge(existing, incoming)
	}
}

// merge deep-merges mapping values (incoming wins on any type mismatch or
// scalar leaf) and shallow-merges metadata, recording mergedFrom/mergedAt
// and rebasing the version onto a fresh local write.
func (r *Standard) merge(existing, incoming item.Item) (item.Item, error) {
	merged := incoming
	if existing.Value.IsMap() && incoming.Value.IsMap() {
		merged.Value = deepMergeValues(existing.Value, incoming.Value)
	}
	// else: incoming wins outright (already the zero-cost default above)

	meta := existing.Metadata
	overrideMetadata(&meta, incoming.Metadata)
	meta.MergedFrom = []string{existing.Metadata.NodeID, incoming.Metadata.NodeID}

	now := r.Now()
	meta.MergedAt = now.UnixMilli()

	if r.Clock != nil {
		ts, counter, nodeID := r.Clock.Next(incoming.Namespace(), incoming.Category, incoming.Key)
		meta.Timestamp = ts
		meta.NodeID = nodeID
		meta.Version = Version{Timestamp: ts, Counter: counter, NodeID: nodeID}.String()
	} else {
		meta.Timestamp = now.UnixMilli()
		meta.Version = Version{Timestamp: meta.Timestamp, Counter: 0, NodeID: meta.NodeID}.String()
	}

	merged.Metadata = meta
	return merged, nil
}

// overrideMetadata shallow-merges incoming over existing (incoming wins per
// key), except for the fields the merge recomputes itself.
func overrideMetadata(dst *item.Metadata, incoming item.Metadata) {
	if incoming.Namespace != "" {
		dst.Namespace = incoming.Namespace
	}
	if len(incoming.Tags) > 0 {
		dst.Tags = incoming.Tags
	}
	if incoming.Source != "" {
		dst.Source = incoming.Source
	}
	if incoming.Confidence != 0 {
		dst.Confidence = incoming.Confidence
	}
	if incoming.Extra != nil {
		dst.Extra = incoming.Extra
	}
}

// deepMergeValues merges two mapping Values: for each key, recurse if both
// sides are mappings; otherwise the incoming value wins (spec.md §4.1).
// Grounded on the teacher pack's JSONL field-merge idiom (per-field winner
// selection), generalized to recursive mapping structures.
func deepMergeValues(existing, incoming item.Value) item.Value {
	em, _ := existing.Map()
	im, _ := incoming.Map()

	out := make(map[string]item.Value, len(em)+len(im))
	for k, v := range em {
		out[k] = v
	}
	for k, iv := range im {
		ev, ok := out[k]
		if ok && ev.IsMap() && iv.IsMap() {
			out[k] = deepMergeValues(ev, iv)
		} else {
			out[k] = iv
		}
	}
	return item.OfMap(out)
}
