// Package backend defines the storage-backend contract the manager facade
// depends on (spec.md §4): durable storage of the current state of every
// item plus its full version history, queryable by the predicates item.Query
// describes. Two implementations are provided: tabular (backend/tabular,
// SQLite-backed) and tree (backend/tree, one YAML-frontmatter file per item).
package backend

import (
	"context"

	"membank/item"
)

// Stats summarizes a backend's holdings, surfaced through the manager's
// getStats operation.
type Stats struct {
	ItemCount      int
	NamespaceCount int
	HistoryRows    int
}

// Backend is the storage contract both implementations satisfy.
type Backend interface {
	// Initialize prepares the backend for use (schema creation, directory
	// layout, etc.), safe to call against an already-initialized store.
	Initialize(ctx context.Context) error

	// Store durably writes it as the current state of its (namespace,
	// category, key), appending the previous state (if any) to history.
	Store(ctx context.Context, it item.Item) error

	// Get returns the current state of (namespace,category,key).
	// errs.ErrNotFound if absent.
	Get(ctx context.Context, namespace, category, key string) (item.Item, error)

	// History returns every recorded version of (namespace,category,key),
	// oldest first.
	History(ctx context.Context, namespace, category, key string) ([]item.Item, error)

	// Query returns every item (current, or as of q.AsOf) matching q's
	// filters. Implementations apply q.Matches plus any AsOf
	// reconstruction; the manager facade applies Vector ranking, Sort and
	// Limit/Offset afterward so pagination always sees the full,
	// already-time-filtered candidate set.
	Query(ctx context.Context, q item.Query) ([]item.Item, error)

	// Delete tombstones (namespace,category,key): it disappears from Get and
	// current-state Query results, but its history remains visible to
	// AsOf queries predating the deletion and to History.
	Delete(ctx context.Context, namespace, category, key string) error

	// Stats reports current holdings.
	Stats(ctx context.Context) (Stats, error)

	// Close releases any held resources.
	Close() error
}
