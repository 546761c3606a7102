// Package indexer maintains the secondary lookup structures the manager
// facade uses to avoid scanning every item on every query (spec.md §6):
// category and tag postings lists, and (optionally) a brute-force vector
// similarity index. It is grounded on the teacher's datastore.Datastore
// (badger-backed, channel-based Keys/Iterator), repurposed here to store
// posting-list membership markers instead of arbitrary blobs.
package indexer

import (
	"context"
	"fmt"
	"strings"

	ds "github.com/ipfs/go-datastore"

	"membank/errs"
	"membank/item"
)

const (
	categoryPrefix = "/idx/cat"
	tagPrefix      = "/idx/tag"
)

// Store is the slice of membank/datastore.Datastore the indexer actually
// needs: key-prefix enumeration plus point writes. Depending on this
// narrower interface, rather than the full badger-backed Datastore, keeps
// the indexer testable against an in-memory fake without pulling badger
// into unit tests.
type Store interface {
	Put(ctx context.Context, key ds.Key, value []byte) error
	Delete(ctx context.Context, key ds.Key) error
	Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error)
	Clear(ctx context.Context) error
	Close() error
}

// Indexer maintains category and tag postings over a badger-backed
// datastore, plus an in-memory brute-force vector index.
type Indexer struct {
	ds     Store
	vector *VectorStore
}

// New builds an Indexer over store. Vector search is always available;
// callers that never attach embeddings simply never populate it.
func New(store Store) *Indexer {
	return &Indexer{ds: store, vector: NewVectorStore()}
}

func compositeKey(namespace, category, key string) string {
	return fmt.Sprintf("%s/%s/%s", namespace, category, key)
}

func categoryKey(namespace, category, key string) ds.Key {
	return ds.NewKey(fmt.Sprintf("%s/%s/%s/%s", categoryPrefix, namespace, category, key))
}

func tagKey(namespace, tag, key string) ds.Key {
	return ds.NewKey(fmt.Sprintf("%s/%s/%s/%s", tagPrefix, namespace, tag, key))
}

// Index adds postings for it: one category entry and one entry per tag, plus
// a vector entry if it carries an embedding. Call Remove first if it
// replaces a prior version whose tags or category may have changed.
func (ix *Indexer) Index(ctx context.Context, it item.Item) error {
	ns := it.Namespace()
	if err := ix.ds.Put(ctx, categoryKey(ns, it.Category, it.Key), []byte(it.ID)); err != nil {
		return fmt.Errorf("indexer: put category posting: %w", errs.ErrIndexCorruption)
	}
	for _, tag := range it.Metadata.Tags {
		if err := ix.ds.Put(ctx, tagKey(ns, tag, it.Key), []byte(it.ID)); err != nil {
			return fmt.Errorf("indexer: put tag posting: %w", errs.ErrIndexCorruption)
		}
	}
	if len(it.Embedding) > 0 {
		ix.vector.Upsert(compositeKey(ns, it.Category, it.Key), it.Embedding)
	}
	return nil
}

// Remove deletes every posting for it. prevTags should be the tag set the
// previously indexed version carried, since the postings are keyed by tag
// and the caller may be replacing an item whose tags changed.
func (ix *Indexer) Remove(ctx context.Context, namespace, category, key string, prevTags []string) error {
	if err := ix.ds.Delete(ctx, categoryKey(namespace, category, key)); err != nil && err != ds.ErrNotFound {
		return fmt.Errorf("indexer: delete category posting: %w", errs.ErrIndexCorruption)
	}
	for _, tag := range prevTags {
		if err := ix.ds.Delete(ctx, tagKey(namespace, tag, key)); err != nil && err != ds.ErrNotFound {
			return fmt.Errorf("indexer: delete tag posting: %w", errs.ErrIndexCorruption)
		}
	}
	ix.vector.Remove(compositeKey(namespace, category, key))
	return nil
}

// ByCategory returns the keys posted under (namespace,category).
func (ix *Indexer) ByCategory(ctx context.Context, namespace, category string) ([]string, error) {
	return ix.listKeys(ctx, ds.NewKey(fmt.Sprintf("%s/%s/%s", categoryPrefix, namespace, category)))
}

// ByTag returns the keys posted under (namespace,tag).
func (ix *Indexer) ByTag(ctx context.Context, namespace, tag string) ([]string, error) {
	return ix.listKeys(ctx, ds.NewKey(fmt.Sprintf("%s/%s/%s", tagPrefix, namespace, tag)))
}

func (ix *Indexer) listKeys(ctx context.Context, prefix ds.Key) ([]string, error) {
	keysCh, errCh, err := ix.ds.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("indexer: list: %w", errs.ErrIndexCorruption)
	}

	var out []string
	for keysCh != nil || errCh != nil {
		select {
		case k, ok := <-keysCh:
			if !ok {
				keysCh = nil
				continue
			}
			parts := strings.Split(k.String(), "/")
			out = append(out, parts[len(parts)-1])
		case e, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if e != nil {
				return nil, fmt.Errorf("indexer: list: %w: %v", errs.ErrIndexCorruption, e)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// Vector exposes the brute-force similarity index for query execution.
func (ix *Indexer) Vector() *VectorStore { return ix.vector }

// Rebuild clears every posting and re-derives them from items, used when a
// corrupted index is detected (spec.md: "index corruption triggers a full
// rebuild from the backend of record").
func (ix *Indexer) Rebuild(ctx context.Context, items []item.Item) error {
	if err := ix.ds.Clear(ctx); err != nil {
		return fmt.Errorf("indexer: rebuild clear: %w", errs.ErrIndexCorruption)
	}
	ix.vector.Clear()
	for _, it := range items {
		if err := ix.Index(ctx, it); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying datastore.
func (ix *Indexer) Close() error {
	return ix.ds.Close()
}
