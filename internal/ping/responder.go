package ping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/fleetdash/internal/bus"
)

// Bus is the subset of *bus.Client the responder needs.
type Bus interface {
	Subscribe(topic string, handler bus.Handler) (*bus.Subscription, error)
	PublishContext(ctx context.Context, topic string, payload []byte) error
}

// Responder answers pings on behalf of one peer. It runs inside the fleet
// agent and in development mode.
type Responder struct {
	peer         string
	requestTopic string
	replyTopic   string
	bus          Bus
	logger       bus.Logger
	clock        func() time.Time

	mu  sync.Mutex
	sub *bus.Subscription
}

// NewResponder creates a responder for peer. Pings are read from
// requestTopic and answered on replyTopic.
func NewResponder(b Bus, peer, requestTopic, replyTopic string, logger bus.Logger) (*Responder, error) {
	if b == nil {
		return nil, errors.New("ping: bus is required")
	}
	if peer == "" {
		return nil, errors.New("ping: peer name is required")
	}
	if err := bus.ValidateTopic(replyTopic); err != nil {
		return nil, fmt.Errorf("ping: reply topic: %w", err)
	}
	if err := bus.ValidateFilter(requestTopic); err != nil {
		return nil, fmt.Errorf("ping: request topic: %w", err)
	}
	return &Responder{
		peer:         peer,
		requestTopic: requestTopic,
		replyTopic:   replyTopic,
		bus:          b,
		logger:       logger,
		clock:        time.Now,
	}, nil
}

// Start subscribes to the ping topic. Calling it again is a no-op.
func (r *Responder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}
	sub, err := r.bus.Subscribe(r.requestTopic, bus.HandlerFunc(r.handlePing))
	if err != nil {
		return fmt.Errorf("ping: subscribe %s: %w", r.requestTopic, err)
	}
	r.sub = sub
	return nil
}

// Stop cancels the subscription.
func (r *Responder) Stop() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Cancel()
}

func (r *Responder) handlePing(frame bus.Frame) error {
	p, err := UnmarshalPing(frame.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", bus.ErrDecode, err)
	}
	if p.Target != "" && p.Target != r.peer {
		return nil
	}

	pong := Pong{
		Peer:           r.peer,
		Token:          p.Token,
		PingSentUnixMs: p.SentUnixMs,
		Body:           p.Body,
		RepliedUnixMs:  r.clock().UnixMilli(),
	}
	if err := r.bus.PublishContext(context.Background(), r.replyTopic, pong.Marshal()); err != nil {
		if r.logger != nil {
			r.logger.Warn("pong not sent", "peer", r.peer, "error", err)
		}
	}
	return nil
}
