// Package datastore wraps a badger-backed key-value store with the extra
// iteration/merge/clear operations the indexer and namespace registry need
// on top of the plain datastore.Datastore contract.
package datastore

import (
	"context"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badger4 "github.com/ipfs/go-ds-badger4"
	bds "github.com/ipfs/go-ds-badger4"
)

// Datastore is a durable, prefix-iterable key-value store. Two instances
// back the engine: one holds the indexer's postings, the other the
// namespace registry.
type Datastore interface {
	ds.Datastore
	ds.BatchingFeature
	ds.TxnFeature
	ds.GCFeature
	ds.PersistentFeature
	ds.TTL

	// Iterator streams every key-value pair under prefix. The error
	// channel carries at most one error (from the query, a Next() result,
	// or ctx.Done()) and is closed alongside the value channel.
	Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error)

	// Merge copies every key from other into this store, overwriting on
	// conflict.
	Merge(ctx context.Context, other Datastore) error

	// Clear deletes every key in the store.
	Clear(ctx context.Context) error

	// Keys streams every key under prefix without their values.
	Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error)
}

// KeyValue is one key-value pair yielded by Iterator.
type KeyValue struct {
	Key   ds.Key
	Value []byte
}

var _ ds.Datastore = (*datastorage)(nil)
var _ ds.PersistentDatastore = (*datastorage)(nil)
var _ ds.TxnDatastore = (*datastorage)(nil)
var _ ds.TTLDatastore = (*datastorage)(nil)
var _ ds.GCDatastore = (*datastorage)(nil)
var _ ds.Batching = (*datastorage)(nil)

type datastorage struct {
	*bds.Datastore
}

// NewDatastorage opens a badger store rooted at path. The caller must
// create path beforehand (badger does not create its own directory).
func NewDatastorage(path string, opts *badger4.Options) (Datastore, error) {
	badgerDS, err := bds.NewDatastore(path, opts)
	if err != nil {
		return nil, err
	}
	return &datastorage{Datastore: badgerDS}, nil
}

// Iterator streams every key-value pair under prefix, emitting results as
// they're scanned rather than buffering the whole result set in memory.
func (s *datastorage) Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error) {
	q := query.Query{
		Prefix:   prefix.String(),
		KeysOnly: keysOnly,
	}

	result, err := s.Datastore.Query(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan KeyValue)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		defer result.Close()

		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errc <- res.Error
					return
				}
				out <- KeyValue{Key: ds.NewKey(res.Key), Value: res.Value}
			}
		}
	}()

	return out, errc, nil
}

// Merge copies every key-value pair from other into s as a single batch.
func (s *datastorage) Merge(ctx context.Context, other Datastore) error {
	batch, err := s.Batch(ctx)
	if err != nil {
		return err
	}

	it, errc, err := other.Iterator(ctx, ds.NewKey("/"), false)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-errc:
			if ok && e != nil {
				return e
			}
			// error channel closed clean — keep draining it until it's done
			errc = nil
		case kv, ok := <-it:
			if !ok {
				return batch.Commit(ctx)
			}
			if err := batch.Put(ctx, kv.Key, kv.Value); err != nil {
				return err
			}
		}
	}
}

// Clear deletes every key in the store as a single batch.
func (s *datastorage) Clear(ctx context.Context) error {
	q, err := s.Query(ctx, query.Query{
		KeysOnly: true,
	})
	if err != nil {
		return err
	}
	defer q.Close()

	b, err := s.Batch(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-q.Next():
			if !ok {
				return b.Commit(ctx)
			}
			if res.Error != nil {
				return res.Error
			}
			if err := b.Delete(ctx, ds.NewKey(res.Key)); err != nil {
				return err
			}
		}
	}
}

// Keys streams every key under prefix.
func (s *datastorage) Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error) {
	q := query.Query{
		Prefix:   prefix.String(),
		KeysOnly: true,
	}

	result, err := s.Datastore.Query(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan ds.Key)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		defer result.Close()

		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errc <- res.Error
					return
				}
				out <- ds.NewKey(res.Key)
			}
		}
	}()

	return out, errc, nil
}

func (s *datastorage) Close() error {
	return s.Datastore.Close()
}
