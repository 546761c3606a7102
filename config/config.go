// Package config collects every tunable the manager facade and its
// collaborators need, constructed in Go by the embedding application (the
// teacher's sqlite.Options is the same "plain struct, no external config
// library" pattern, generalized here to the whole engine rather than one
// connection).
package config

import (
	"time"

	"github.com/google/uuid"

	"membank/backend/tree"
	"membank/cache"
	"membank/item"
)

// BackendKind selects which storage backend the manager opens.
type BackendKind string

const (
	BackendTabular BackendKind = "tabular"
	BackendTree    BackendKind = "tree"
)

// CacheConfig configures the tiered cache in front of the backend.
type CacheConfig struct {
	Strategy cache.Strategy
	Capacity int
	// DefaultTTL applies when a Store call doesn't specify its own TTL.
	// 0 means cached entries never expire on their own.
	DefaultTTL time.Duration
	// OnEvict, if set, is invoked whenever the cache evicts an entry (spec.md
	// §4.4's optional eviction callback), in addition to the manager's own
	// eviction event. A nil OnEvict is a no-op.
	OnEvict func(item.Item)
}

// TabularConfig configures the SQLite-backed backend.
type TabularConfig struct {
	Path string
}

// TreeConfig configures the filesystem-backed backend.
type TreeConfig struct {
	BaseDir string
	Hook    tree.Hook
}

// ReplicationMode selects the conflict-handling policy replicated writes use
// (spec.md §4.6).
type ReplicationMode string

const (
	ReplicationLastWriteWins ReplicationMode = "last-write-wins"
	ReplicationVectorClock   ReplicationMode = "vector-clock"
)

// ReplicationConfig configures the libp2p/gossipsub transport (spec.md
// §4.6). Enabled alone switches replication on or off; with Enabled set and
// no Peers, the node still starts its host and joins the topic but dials no
// one.
type ReplicationConfig struct {
	Enabled bool
	// ListenAddrs are the multiaddrs this node's libp2p host listens on.
	ListenAddrs []string
	// Peers are the static multiaddrs (including /p2p/<peerID>) of every
	// other replica. The spec's replication topology is a configured peer
	// list, not a discovery protocol.
	Peers []string
	Topic string
	Mode  ReplicationMode

	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff applied
	// to a failed publish or sync attempt.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryMaxAttempts int

	// TombstoneSuppressWindow is how long a delete tombstone suppresses a
	// concurrently in-flight stale re-propagation of the deleted item.
	TombstoneSuppressWindow time.Duration

	// SyncInterval is how often a node proactively syncs its full item set
	// with peers, independent of the pubsub stream.
	SyncInterval time.Duration
}

// Config is the full set of knobs the manager facade is constructed from.
type Config struct {
	NodeID      string
	Backend     BackendKind
	Tabular     TabularConfig
	Tree        TreeConfig
	Cache       CacheConfig
	Replication ReplicationConfig
	// QueryTimeout bounds how long a single query/store/delete call may run
	// before the manager returns errs.ErrTimeout.
	QueryTimeout time.Duration
}

// Default returns a Config with conservative defaults: LRU cache of 1024
// entries, the tabular backend, replication disabled. An empty nodeID is
// replaced with a freshly generated UUID, matching the source system's
// requirement that every replica carry a stable-enough node identity for
// its version triples without forcing the operator to pick one by hand.
func Default(nodeID, dataDir string) Config {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return Config{
		NodeID:  nodeID,
		Backend: BackendTabular,
		Tabular: TabularConfig{Path: dataDir + "/membank.sqlite"},
		Tree:    TreeConfig{BaseDir: dataDir + "/items"},
		Cache: CacheConfig{
			Strategy: cache.StrategyLRU,
			Capacity: 1024,
		},
		Replication: ReplicationConfig{
			Enabled:                 false,
			Topic:                   "membank/items/v1",
			Mode:                    ReplicationVectorClock,
			RetryBaseDelay:          500 * time.Millisecond,
			RetryMaxDelay:           30 * time.Second,
			RetryMaxAttempts:        8,
			TombstoneSuppressWindow: 10 * time.Second,
			SyncInterval:            5 * time.Minute,
		},
		QueryTimeout: 10 * time.Second,
	}
}
