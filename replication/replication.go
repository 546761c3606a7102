// Package replication gossips item writes and deletes across a configured
// set of peer nodes over libp2p + gossipsub (spec.md §4.6). It is the only
// package in this module that knows about the network; everything it learns
// from peers is handed to a Handler (the manager facade) which applies the
// configured resolver.Mode before touching the backend.
package replication

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"membank/config"
	"membank/item"
)

// Stats summarizes the replicator's outgoing delivery health, surfaced by
// the manager facade's getStats (spec.md §4.8).
type Stats struct {
	// Undelivered counts envelopes whose publish exhausted every retry
	// attempt and were given up on (spec.md §4.6: "recorded as undelivered
	// and surfaced via metrics").
	Undelivered uint64
}

// Handler receives items and tombstones learned from peers. The manager
// facade implements this, running every incoming write through its
// resolver before it touches the backend.
type Handler interface {
	HandleReplicatedItem(ctx context.Context, it item.Item) error
	HandleReplicatedDelete(ctx context.Context, namespace, category, key string, timestamp int64) error
}

// Syncer supplies the full local item set for periodic anti-entropy gossip.
type Syncer interface {
	Snapshot(ctx context.Context) ([]item.Item, error)
}

// Replicator joins a gossipsub topic, publishes local writes/deletes to it,
// and dispatches incoming messages from peers to a Handler.
type Replicator struct {
	cfg     config.ReplicationConfig
	nodeID  string
	handler Handler
	syncer  Syncer

	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	mu          sync.Mutex
	tombstoned  map[string]tombstone // compositeKey -> last known delete, so a late-arriving stale Store doesn't resurrect it
	cancel      context.CancelFunc
	closeOnce   sync.Once
	stoppedOnce sync.WaitGroup

	undelivered atomic.Uint64
}

// tombstone records when a key was deleted and until when that delete
// should keep suppressing older incoming writes for the same key.
type tombstone struct {
	deletedAt     int64
	suppressUntil time.Time
}

func compositeKey(namespace, category, key string) string {
	return namespace + "/" + category + "/" + key
}

// New starts a libp2p host, joins cfg.Topic over gossipsub, connects to
// every static peer in cfg.Peers, and begins reading incoming messages.
// Returns nil, nil if replication is disabled.
func New(ctx context.Context, cfg config.ReplicationConfig, nodeID string, handler Handler, syncer Syncer) (*Replicator, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opts := []libp2p.Option{}
	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("replication: create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("replication: create gossipsub: %w", err)
	}

	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("replication: join topic %q: %w", cfg.Topic, err)
	}

	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("replication: subscribe topic %q: %w", cfg.Topic, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Replicator{
		cfg:        cfg,
		nodeID:     nodeID,
		handler:    handler,
		syncer:     syncer,
		host:       h,
		ps:         ps,
		topic:      topic,
		sub:        sub,
		tombstoned: make(map[string]tombstone),
		cancel:     cancel,
	}

	r.connectPeers(runCtx)

	r.stoppedOnce.Add(1)
	go r.readLoop(runCtx)

	if cfg.SyncInterval > 0 && syncer != nil {
		r.stoppedOnce.Add(1)
		go r.syncLoop(runCtx)
	}

	return r, nil
}

func (r *Replicator) connectPeers(ctx context.Context) {
	for _, addrStr := range r.cfg.Peers {
		addr, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			log.Printf("replication: skip peer addr %q: %v", addrStr, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Printf("replication: skip peer addr %q: %v", addrStr, err)
			continue
		}
		if err := r.host.Connect(ctx, *info); err != nil {
			log.Printf("replication: connect to %s failed: %v", info.ID, err)
		}
	}
}

// PublishItem gossips a store/merge to every peer, retrying with
// exponential backoff per cfg.RetryBaseDelay/RetryMaxDelay/RetryMaxAttempts.
func (r *Replicator) PublishItem(ctx context.Context, it item.Item) error {
	env := envelope{
		Kind:      kindItem,
		NodeID:    r.nodeID,
		Namespace: it.Namespace(),
		Category:  it.Category,
		Key:       it.Key,
		Timestamp: it.Metadata.Timestamp,
		Item:      &it,
	}
	return r.publishWithRetry(ctx, env)
}

// PublishDelete gossips a tombstone and locally suppresses stale re-stores
// of the same key for cfg.TombstoneSuppressWindow.
func (r *Replicator) PublishDelete(ctx context.Context, namespace, category, key string, timestamp int64) error {
	ck := compositeKey(namespace, category, key)
	r.mu.Lock()
	r.tombstoned[ck] = tombstone{deletedAt: timestamp, suppressUntil: time.Now().Add(r.cfg.TombstoneSuppressWindow)}
	r.mu.Unlock()

	env := envelope{
		Kind:      kindTombstone,
		NodeID:    r.nodeID,
		Namespace: namespace,
		Category:  category,
		Key:       key,
		Timestamp: timestamp,
	}
	return r.publishWithRetry(ctx, env)
}

func (r *Replicator) publishWithRetry(ctx context.Context, env envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	maxAttempts := r.cfg.RetryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(r.cfg.RetryBaseDelay, r.cfg.RetryMaxDelay, attempt-1)):
			}
		}
		if err := r.topic.Publish(ctx, data); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	r.undelivered.Add(1)
	return fmt.Errorf("replication: publish failed after %d attempts: %w", maxAttempts, lastErr)
}

// Stats reports a snapshot of the replicator's delivery counters.
func (r *Replicator) Stats() Stats {
	return Stats{Undelivered: r.undelivered.Load()}
}

func (r *Replicator) readLoop(ctx context.Context) {
	defer r.stoppedOnce.Done()
	for {
		msg, err := r.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("replication: subscription read failed: %v", err)
			return
		}
		if msg.ReceivedFrom == r.host.ID() {
			continue
		}
		env, err := decodeEnvelope(msg.Data)
		if err != nil {
			log.Printf("replication: discarding malformed message: %v", err)
			continue
		}
		r.dispatch(ctx, env)
	}
}

func (r *Replicator) dispatch(ctx context.Context, env envelope) {
	ck := compositeKey(env.Namespace, env.Category, env.Key)

	switch env.Kind {
	case kindTombstone:
		r.mu.Lock()
		r.tombstoned[ck] = tombstone{deletedAt: env.Timestamp, suppressUntil: time.Now().Add(r.cfg.TombstoneSuppressWindow)}
		r.mu.Unlock()
		if err := r.handler.HandleReplicatedDelete(ctx, env.Namespace, env.Category, env.Key, env.Timestamp); err != nil {
			log.Printf("replication: apply remote delete for %s failed: %v", ck, err)
		}
	case kindItem:
		if env.Item == nil {
			return
		}
		r.mu.Lock()
		ts, suppressed := r.tombstoned[ck]
		r.mu.Unlock()
		if suppressed && time.Now().Before(ts.suppressUntil) && env.Item.Metadata.Timestamp <= ts.deletedAt {
			return // stale write racing a more recent delete of the same key
		}
		if err := r.handler.HandleReplicatedItem(ctx, *env.Item); err != nil {
			log.Printf("replication: apply remote item for %s failed: %v", ck, err)
		}
	}
}

// syncLoop periodically re-gossips the full local item set so a peer that
// missed messages (e.g. while disconnected) catches up without a dedicated
// sync protocol.
func (r *Replicator) syncLoop(ctx context.Context) {
	defer r.stoppedOnce.Done()
	ticker := time.NewTicker(r.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			items, err := r.syncer.Snapshot(ctx)
			if err != nil {
				log.Printf("replication: snapshot for sync failed: %v", err)
				continue
			}
			for _, it := range items {
				if err := r.PublishItem(ctx, it); err != nil {
					log.Printf("replication: sync publish failed: %v", err)
				}
			}
		}
	}
}

// Close stops the read/sync loops and tears down the libp2p host.
func (r *Replicator) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.stoppedOnce.Wait()
		r.topic.Close()
		r.host.Close()
	})
	return nil
}
