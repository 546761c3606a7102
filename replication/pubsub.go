package replication

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"membank/item"
)

// envelopeKind tags what a replicated message carries.
type envelopeKind string

const (
	kindItem      envelopeKind = "item"
	kindTombstone envelopeKind = "tombstone"
)

// envelope is the wire message gossiped over the replication topic: either a
// full item (a store/merge) or a tombstone (a delete), grounded on the
// retrieved cluster-replicator reference's tagged-union gossip message
// shape, JSON-encoded since item.Item already carries its own
// MarshalJSON/UnmarshalJSON through item.Value.
type envelope struct {
	Kind      envelopeKind `json:"kind"`
	NodeID    string       `json:"nodeId"`
	Namespace string       `json:"namespace,omitempty"`
	Category  string       `json:"category,omitempty"`
	Key       string       `json:"key,omitempty"`
	Timestamp int64        `json:"timestamp"`
	Item      *item.Item   `json:"item,omitempty"`
}

func encodeEnvelope(e envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("replication: encode envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, fmt.Errorf("replication: decode envelope: %w", err)
	}
	return e, nil
}

// backoff computes attempt-th retry delay, exponential with full jitter,
// capped at max. Grounded on the retrieved cluster-replicator's
// retry-with-backoff loop.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base << attempt
	if d <= 0 || d > max {
		d = max
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
