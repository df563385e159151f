package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/fleetdash/internal/bus"
)

// Publisher is the subset of *bus.Client a Reporter needs.
type Publisher interface {
	PublishContext(ctx context.Context, topic string, payload []byte) error
}

// Reporter publishes status and log envelopes for one peer. The fleet
// agent uses it; the dashboard only consumes.
type Reporter struct {
	pub   Publisher
	peer  string
	topic string
	clock func() time.Time
}

// NewReporter creates a reporter publishing on fleet/{peer}/status.
func NewReporter(pub Publisher, peer string) (*Reporter, error) {
	if pub == nil {
		return nil, errors.New("fleet: publisher is required")
	}
	if peer == "" {
		return nil, errors.New("fleet: peer name is required")
	}
	topic := bus.Topics{}.PeerStatus(peer)
	if err := bus.ValidateTopic(topic); err != nil {
		return nil, err
	}
	return &Reporter{pub: pub, peer: peer, topic: topic, clock: time.Now}, nil
}

// Status publishes a status envelope. Keys in state are merged into the
// peer's known state by the aggregator.
func (r *Reporter) Status(ctx context.Context, state map[string]any) error {
	return r.publish(ctx, Envelope{Kind: KindStatus, State: state})
}

// Log publishes a log envelope.
func (r *Reporter) Log(ctx context.Context, level, message string) error {
	return r.publish(ctx, Envelope{Kind: KindLog, Level: level, Message: message})
}

func (r *Reporter) publish(ctx context.Context, env Envelope) error {
	env.Peer = r.peer
	env.Timestamp = r.clock().UTC()
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	return r.pub.PublishContext(ctx, r.topic, payload)
}
