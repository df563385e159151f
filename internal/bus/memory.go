package bus

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBrokerOffline is reported by MemoryBroker transports while the broker
// is switched off.
var ErrBrokerOffline = errors.New("bus: memory broker offline")

// MemoryBroker is an in-process broker with MQTT topic-filter semantics.
// It backs the development mode and the tests of every package that sits
// on the bus.
//
// Behaviour mirrors a clean-session MQTT broker at QoS 0: subscriptions are
// forgotten when a connection drops, a message is delivered at most once to
// each connection whose filters match, and a drop filter can discard
// messages to simulate loss.
type MemoryBroker struct {
	mu         sync.Mutex
	online     bool
	conns      map[*memoryTransport]struct{}
	dropFilter func(topic string, payload []byte) bool
	delay      time.Duration

	connectAttempts atomic.Int64
}

// NewMemoryBroker returns an online broker with no connections.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		online: true,
		conns:  make(map[*memoryTransport]struct{}),
	}
}

// Factory returns a TransportFactory whose transports connect to b.
// The Address is ignored.
func (b *MemoryBroker) Factory() TransportFactory {
	return func(_ Address, events TransportEvents) Transport {
		return &memoryTransport{
			broker:  b,
			events:  events,
			filters: make(map[string]struct{}),
		}
	}
}

// SetOnline switches the broker on or off. Switching off drops every
// connection and reports the loss to each transport's client.
func (b *MemoryBroker) SetOnline(online bool) {
	b.mu.Lock()
	b.online = online
	var lost []*memoryTransport
	if !online {
		for t := range b.conns {
			t.connected = false
			clear(t.filters)
			lost = append(lost, t)
		}
		clear(b.conns)
	}
	b.mu.Unlock()

	for _, t := range lost {
		if t.events.OnConnectionLost != nil {
			t.events.OnConnectionLost(ErrBrokerOffline)
		}
	}
}

// SetDropFilter installs f; messages for which f returns true are discarded.
// Pass nil to deliver everything.
func (b *MemoryBroker) SetDropFilter(f func(topic string, payload []byte) bool) {
	b.mu.Lock()
	b.dropFilter = f
	b.mu.Unlock()
}

// SetConnectDelay makes every connection attempt take at least d.
func (b *MemoryBroker) SetConnectDelay(d time.Duration) {
	b.mu.Lock()
	b.delay = d
	b.mu.Unlock()
}

// ConnectAttempts returns the number of Connect calls received so far.
func (b *MemoryBroker) ConnectAttempts() int {
	return int(b.connectAttempts.Load())
}

// Connections returns the number of open connections.
func (b *MemoryBroker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Subscribers returns how many connections hold filter.
func (b *MemoryBroker) Subscribers(filter string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for t := range b.conns {
		if _, ok := t.filters[filter]; ok {
			n++
		}
	}
	return n
}

// Inject delivers a message as if a remote peer had published it.
func (b *MemoryBroker) Inject(topic string, payload []byte) {
	b.route(topic, payload)
}

// route fans a message out to every connection with a matching filter.
func (b *MemoryBroker) route(topic string, payload []byte) {
	b.mu.Lock()
	if b.dropFilter != nil && b.dropFilter(topic, payload) {
		b.mu.Unlock()
		return
	}
	var targets []TransportEvents
	for t := range b.conns {
		for filter := range t.filters {
			if MatchTopic(filter, topic) {
				targets = append(targets, t.events)
				break
			}
		}
	}
	b.mu.Unlock()

	for _, ev := range targets {
		if ev.OnMessage != nil {
			ev.OnMessage(topic, bytes.Clone(payload))
		}
	}
}

// memoryTransport is one client connection to a MemoryBroker.
// Its state is guarded by the broker's mutex.
type memoryTransport struct {
	broker    *MemoryBroker
	events    TransportEvents
	connected bool
	filters   map[string]struct{}
}

func (t *memoryTransport) Connect(ctx context.Context) error {
	b := t.broker
	b.connectAttempts.Add(1)

	b.mu.Lock()
	delay := b.delay
	b.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.online {
		return ErrBrokerOffline
	}
	t.connected = true
	b.conns[t] = struct{}{}
	return nil
}

func (t *memoryTransport) Disconnect() {
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	t.connected = false
	clear(t.filters)
	delete(b.conns, t)
}

func (t *memoryTransport) IsConnected() bool {
	t.broker.mu.Lock()
	defer t.broker.mu.Unlock()
	return t.connected
}

func (t *memoryTransport) Subscribe(_ context.Context, filter string) error {
	t.broker.mu.Lock()
	defer t.broker.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	t.filters[filter] = struct{}{}
	return nil
}

func (t *memoryTransport) Unsubscribe(_ context.Context, filter string) error {
	t.broker.mu.Lock()
	defer t.broker.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	delete(t.filters, filter)
	return nil
}

func (t *memoryTransport) Publish(_ context.Context, topic string, payload []byte) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	t.broker.route(topic, payload)
	return nil
}
