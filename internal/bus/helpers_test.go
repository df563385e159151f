package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
)

// testBusConfig returns a bus configuration with short reconnect delays.
func testBusConfig() config.BusConfig {
	return config.BusConfig{
		InboxSize:        64,
		OperationTimeout: time.Second,
		Reconnect: config.ReconnectConfig{
			Enabled:      true,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
		},
	}
}

var testAddr = Address{Host: "broker.test", Port: 1883}

// newTestClient creates a client on broker without connecting it.
func newTestClient(t *testing.T, broker *MemoryBroker, cfg config.BusConfig) *Client {
	t.Helper()
	client, err := NewClient(testAddr, cfg, broker.Factory())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// connectedClient creates a client on broker and waits for Begin.
func connectedClient(t *testing.T, broker *MemoryBroker) *Client {
	t.Helper()
	client := newTestClient(t, broker, testBusConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Begin(ctx); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	return client
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// drain blocks until every frame queued before the call has been
// dispatched, using a sentinel topic on the same client.
func drain(t *testing.T, client *Client, broker *MemoryBroker) {
	t.Helper()
	done := make(chan struct{}, 1)
	sub, err := client.Subscribe("test/sentinel", HandlerFunc(func(Frame) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("Subscribe(sentinel) error = %v", err)
	}
	defer sub.Cancel()

	broker.Inject("test/sentinel", nil)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sentinel frame was not dispatched")
	}
}

// recorder collects frames delivered to a handler.
type recorder struct {
	mu     sync.Mutex
	frames []Frame
}

func (r *recorder) HandleFrame(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) snapshot() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

// countingTransport wraps a Transport and counts broker control calls.
type countingTransport struct {
	Transport

	mu           sync.Mutex
	subscribes   map[string]int
	unsubscribes map[string]int
}

func (t *countingTransport) Subscribe(ctx context.Context, filter string) error {
	t.mu.Lock()
	t.subscribes[filter]++
	t.mu.Unlock()
	return t.Transport.Subscribe(ctx, filter)
}

func (t *countingTransport) Unsubscribe(ctx context.Context, filter string) error {
	t.mu.Lock()
	t.unsubscribes[filter]++
	t.mu.Unlock()
	return t.Transport.Unsubscribe(ctx, filter)
}

func (t *countingTransport) counts(filter string) (subs, unsubs int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribes[filter], t.unsubscribes[filter]
}

// countingFactory wraps inner so the created transport can be inspected.
func countingFactory(inner TransportFactory) (TransportFactory, func() *countingTransport) {
	var (
		mu      sync.Mutex
		created *countingTransport
	)
	factory := func(addr Address, events TransportEvents) Transport {
		ct := &countingTransport{
			Transport:    inner(addr, events),
			subscribes:   make(map[string]int),
			unsubscribes: make(map[string]int),
		}
		mu.Lock()
		created = ct
		mu.Unlock()
		return ct
	}
	return factory, func() *countingTransport {
		mu.Lock()
		defer mu.Unlock()
		return created
	}
}
