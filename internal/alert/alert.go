// Package alert surfaces repeated envelope authentication failures to
// operators. A single bad envelope is discarded quietly; a run of them
// from one peer suggests tampering or a desynced session and is worth a
// human's attention.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("idv-alert")

// DefaultThreshold is the failure count that triggers an alert when no
// threshold is configured.
const DefaultThreshold = 5

// Event is the operator-visible alert payload.
type Event struct {
	Kind     string    `json:"kind"`
	Peer     string    `json:"peer"`
	Count    int       `json:"count"`
	Observed time.Time `json:"observed"`
}

// Alerter counts per-peer decryption failures and publishes an event on
// a gossip topic when a peer crosses the threshold. Counts reset after
// each alert and on success.
type Alerter struct {
	threshold int
	topic     *pubsub.Topic // nil when gossip fan-out is disabled

	mu     sync.Mutex
	counts map[peer.ID]int
}

// New creates an Alerter. ps may be nil (log-only alerting).
func New(ctx context.Context, ps *pubsub.PubSub, region string, threshold int) (*Alerter, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	a := &Alerter{
		threshold: threshold,
		counts:    make(map[peer.ID]int),
	}

	if ps != nil {
		topicName := fmt.Sprintf("/identivault/alerts/%s", region)
		topic, err := ps.Join(topicName)
		if err != nil {
			return nil, fmt.Errorf("failed to join alert topic %s: %w", topicName, err)
		}
		a.topic = topic
		log.Infof("Alert fan-out enabled on %s", topicName)
	}

	return a, nil
}

// DecryptFailure records one envelope authentication failure for a peer.
func (a *Alerter) DecryptFailure(ctx context.Context, p peer.ID) {
	a.mu.Lock()
	a.counts[p]++
	count := a.counts[p]
	fire := count >= a.threshold
	if fire {
		a.counts[p] = 0
	}
	a.mu.Unlock()

	if !fire {
		log.Debugf("Envelope authentication failure from %s (%d/%d)", p.ShortString(), count, a.threshold)
		return
	}

	ev := Event{
		Kind:     "decrypt-failure",
		Peer:     p.String(),
		Count:    count,
		Observed: time.Now().UTC(),
	}
	log.Errorf("ALERT: %d consecutive envelope authentication failures from peer %s", count, p.ShortString())

	if a.topic == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warnf("Failed to encode alert event: %v", err)
		return
	}
	if err := a.topic.Publish(ctx, data); err != nil {
		log.Warnf("Failed to publish alert event: %v", err)
	}
}

// Success clears the failure count for a peer.
func (a *Alerter) Success(p peer.ID) {
	a.mu.Lock()
	delete(a.counts, p)
	a.mu.Unlock()
}

// Forget drops all state for a peer, typically on session teardown.
func (a *Alerter) Forget(p peer.ID) {
	a.mu.Lock()
	delete(a.counts, p)
	a.mu.Unlock()
}

// Close releases the gossip topic.
func (a *Alerter) Close() error {
	if a.topic != nil {
		return a.topic.Close()
	}
	return nil
}
