package correlator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleetdash/internal/bus"
	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
)

const (
	requestTopic = "fleet/ping"
	replyTopic   = "fleet/pong"
)

// textCodec encodes requests and replies as "key|token".
type textCodec struct{}

func (textCodec) EncodeRequest(req Request) ([]byte, error) {
	return []byte(req.Key + "|" + req.Token), nil
}

func (textCodec) DecodeReply(payload []byte) (Reply, error) {
	key, token, ok := strings.Cut(string(payload), "|")
	if !ok || key == "" {
		return Reply{}, errors.New("malformed reply")
	}
	return Reply{Key: key, Token: token}, nil
}

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

func newBusClient(t *testing.T, broker *bus.MemoryBroker, connect bool) *bus.Client {
	t.Helper()
	client, err := bus.NewClient(bus.Address{Host: "broker.test", Port: 1883}, testBusConfig(), broker.Factory())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if connect {
		if err := client.Begin(context.Background()); err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
	}
	return client
}

// newTestCorrelator returns a started correlator on a connected client.
func newTestCorrelator(t *testing.T, broker *bus.MemoryBroker, mutate func(*Options)) *Correlator {
	t.Helper()
	opts := Options{
		RequestTopic: requestTopic,
		ReplyTopic:   replyTopic,
		Codec:        textCodec{},
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(newBusClient(t, broker, true), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c
}

// replyPolicy decides, for the n-th request (1-based) seen for key, whether
// the fake peer answers and after what delay.
type replyPolicy func(key string, n int) (delay time.Duration, reply bool)

func always(delay time.Duration) replyPolicy {
	return func(string, int) (time.Duration, bool) { return delay, true }
}

func never() replyPolicy {
	return func(string, int) (time.Duration, bool) { return 0, false }
}

// fakePeer answers requests on its own bus connection, echoing the token.
type fakePeer struct {
	client *bus.Client

	mu     sync.Mutex
	tokens map[string][]string
	policy replyPolicy
}

func startPeer(t *testing.T, broker *bus.MemoryBroker, policy replyPolicy) *fakePeer {
	t.Helper()
	p := &fakePeer{
		client: newBusClient(t, broker, true),
		tokens: make(map[string][]string),
		policy: policy,
	}
	if _, err := p.client.Subscribe(requestTopic, bus.HandlerFunc(p.handle)); err != nil {
		t.Fatalf("peer Subscribe() error = %v", err)
	}
	return p
}

func (p *fakePeer) handle(f bus.Frame) error {
	key, token, ok := strings.Cut(string(f.Payload), "|")
	if !ok {
		return nil
	}

	p.mu.Lock()
	p.tokens[key] = append(p.tokens[key], token)
	n := len(p.tokens[key])
	policy := p.policy
	p.mu.Unlock()

	delay, reply := policy(key, n)
	if !reply {
		return nil
	}
	payload := []byte(key + "|" + token)
	time.AfterFunc(delay, func() {
		_ = p.client.Publish(replyTopic, payload)
	})
	return nil
}

func (p *fakePeer) setPolicy(policy replyPolicy) {
	p.mu.Lock()
	p.policy = policy
	p.mu.Unlock()
}

// lastToken returns the most recent token seen for key.
func (p *fakePeer) lastToken(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	tokens := p.tokens[key]
	if len(tokens) == 0 {
		return ""
	}
	return tokens[len(tokens)-1]
}

func (p *fakePeer) requests(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tokens[key])
}

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

type sendResult struct {
	latency time.Duration
	err     error
}

func sendAsync(c *Correlator, key string, timeout time.Duration) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		latency, err := c.SendAwaitable(context.Background(), key, nil, timeout)
		ch <- sendResult{latency, err}
	}()
	return ch
}
