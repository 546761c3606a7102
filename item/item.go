// Package item defines the canonical value model of the memory bank: Item,
// its Metadata (carrying the CRDT version triple), Namespace, Snapshot and
// Query descriptors. It is grounded on the teacher's entitystore.Entity
// (content-addressed struct with metadata + signature) generalized from a
// fixed IPLD-node payload to the open string/number/bool/sequence/mapping
// variant required by the source system.
package item

import (
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"
)

const DefaultNamespace = "default"

// Metadata is the open mapping attached to every Item. The fields below are
// the ones the engine itself reads and writes; callers may stash additional
// provenance under Extra.
type Metadata struct {
	Timestamp   int64    `json:"timestamp"`
	NodeID      string   `json:"nodeId"`
	Version     string   `json:"version"`
	Namespace   string   `json:"namespace"`
	Tags        []string `json:"tags,omitempty"`
	Source      string   `json:"source,omitempty"`
	Confidence  float64  `json:"confidence,omitempty"`
	MergedFrom  []string `json:"mergedFrom,omitempty"`
	MergedAt    int64    `json:"mergedAt,omitempty"`
	UpdatedAt   int64    `json:"updatedAt,omitempty"`
	Extra       map[string]Value `json:"extra,omitempty"`
}

// HasTag reports whether tag is present, case-sensitive, matching the
// indexer's tag postings lookups.
func (m Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Item is the unit of storage (spec.md §3).
type Item struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Key       string    `json:"key"`
	Value     Value     `json:"value"`
	Metadata  Metadata  `json:"metadata"`
	Embedding []float64 `json:"embedding,omitempty"`
	TTLMillis int64     `json:"ttlMillis,omitempty"`
}

// Namespace returns the effective namespace, defaulting per invariant 7.
func (it Item) Namespace() string {
	if it.Metadata.Namespace == "" {
		return DefaultNamespace
	}
	return it.Metadata.Namespace
}

// Expired reports whether the item's TTL has elapsed as of now (spec.md
// invariant 4: TTL expiry is checked on read).
func (it Item) Expired(now time.Time) bool {
	if it.TTLMillis <= 0 {
		return false
	}
	expiry := it.Metadata.Timestamp + it.TTLMillis
	return now.UnixMilli() >= expiry
}

// NewID computes a content-derived identifier for an item: canonicalize the
// value to DAG-CBOR, hash with BLAKE3, wrap as a multihash, and mint a CIDv1
// with the dag-cbor codec. Grounded on entitystore.StoreEntity's hashing
// sequence in the teacher, corrected to actually thread the serialized bytes
// through (the teacher's version referenced an undefined variable here).
func NewID(v Value) (string, error) {
	payload, err := v.CanonicalBytes()
	if err != nil {
		return "", fmt.Errorf("new id: %w", err)
	}
	hasher := blake3.New(32, nil)
	hasher.Write(payload)
	sum := hasher.Sum(nil)

	mh, err := multihash.Encode(sum, multihash.BLAKE3)
	if err != nil {
		return "", fmt.Errorf("new id: multihash: %w", err)
	}
	c := cid.NewCidV1(cid.DagCBOR, mh)
	return c.String(), nil
}

// VerifyID recomputes the content hash of v and reports whether it matches id.
func VerifyID(id string, v Value) (bool, error) {
	want, err := NewID(v)
	if err != nil {
		return false, err
	}
	return want == id, nil
}

// Namespace is the registry entry for an isolation label (spec.md §3, §4.7).
type Namespace struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions Permissions  `json:"permissions"`
}

// Permissions holds the four role lists an ACL check consults.
type Permissions struct {
	Read   []string `json:"read,omitempty"`
	Write  []string `json:"write,omitempty"`
	Delete []string `json:"delete,omitempty"`
	Admin  []string `json:"admin,omitempty"`
}

// Action is one of the four permission checks the namespace manager supports.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionAdmin  Action = "admin"
)

// Snapshot is the versioned export container (spec.md §3).
type Snapshot struct {
	FormatVersion int    `json:"formatVersion"`
	Timestamp     int64  `json:"timestamp"`
	OriginNode    string `json:"originNode"`
	Items         []Item `json:"items"`
}

const CurrentSnapshotFormatVersion = 1

// SortField enumerates the fields Query can order by.
type SortField string

const (
	SortByTimestamp SortField = "timestamp"
	SortByKey       SortField = "key"
	SortByCategory  SortField = "category"
)

// SortDirection is ascending or descending.
type SortDirection string

const (
	Ascending  SortDirection = "asc"
	Descending SortDirection = "desc"
)

// VectorSearch is the optional nearest-neighbor specification on a Query.
type VectorSearch struct {
	Embedding          []float64
	DistanceThreshold  float64
	TopK               int
}

// Query is the filter + ordering descriptor (spec.md §3).
type Query struct {
	Categories []string
	Keys       []string
	Tags       []string
	Namespace  string
	// AllNamespaces opts into a cross-namespace query (invariant 7).
	AllNamespaces bool
	Start         *time.Time
	End           *time.Time
	AsOf          *time.Time
	Limit         int
	Offset        int
	Sort          SortField
	Direction     SortDirection
	Vector        *VectorSearch
	Predicate     func(Item) bool
}

// Matches applies every Query filter except Vector, predicate-deferred
// ordering and pagination, which the caller (backend or manager) applies
// after collecting candidates.
func (q Query) Matches(it Item) bool {
	if len(q.Categories) > 0 && !containsStr(q.Categories, it.Category) {
		return false
	}
	if len(q.Keys) > 0 && !containsStr(q.Keys, it.Key) {
		return false
	}
	if len(q.Tags) > 0 {
		found := false
		for _, t := range q.Tags {
			if it.Metadata.HasTag(t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.AllNamespaces {
		ns := q.Namespace
		if ns == "" {
			ns = DefaultNamespace
		}
		if it.Namespace() != ns {
			return false
		}
	}
	ts := time.UnixMilli(it.Metadata.Timestamp)
	if q.Start != nil && ts.Before(*q.Start) {
		return false
	}
	if q.End != nil && ts.After(*q.End) {
		return false
	}
	if q.AsOf != nil && it.Metadata.Timestamp > q.AsOf.UnixMilli() {
		return false
	}
	if q.Predicate != nil && !q.Predicate(it) {
		return false
	}
	return true
}

func containsStr(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
