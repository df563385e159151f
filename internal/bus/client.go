package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
)

const (
	// defaultOperationTimeout bounds broker calls when the config leaves it unset.
	defaultOperationTimeout = 5 * time.Second

	// defaultReconnectDelay is the first backoff step when the config leaves it unset.
	defaultReconnectDelay = time.Second
)

// State is the connection state of a Client.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Logger is the logging capability the bus needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Client is a bus client bound to one broker Address. It owns the transport
// connection, the topic subscription registry, and the inbound dispatcher.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Handlers run one at a time on the client's dispatcher goroutine.
//   - Subscriptions are restored after every reconnect.
type Client struct {
	addr      Address
	cfg       config.BusConfig
	transport Transport

	// mu guards the connection lifecycle fields below.
	mu         sync.RWMutex
	state      State
	attempt    *connectAttempt
	loopCancel context.CancelFunc
	closed     bool

	listeners  []func(State)
	listenerMu sync.RWMutex

	// Registry state. opMu serialises broker-facing subscribe/unsubscribe so
	// the broker view and the local registry never diverge.
	opMu    sync.Mutex
	subMu   sync.RWMutex
	topics  map[string]*topicEntry
	nextSeq uint64

	inbox   chan Frame
	dropped atomic.Uint64
	stop    chan struct{}
	done    chan struct{}

	logger   Logger
	loggerMu sync.RWMutex
}

// connectAttempt is one in-flight connection attempt. Every Begin caller
// that arrives while it is pending waits on the same done channel.
type connectAttempt struct {
	done chan struct{}
	err  error
}

func newConnectAttempt() *connectAttempt {
	return &connectAttempt{done: make(chan struct{})}
}

func (a *connectAttempt) finish(err error) {
	a.err = err
	close(a.done)
}

// NewClient creates a client for addr. No connection is made until Begin.
//
// Parameters:
//   - addr: Broker endpoint
//   - cfg: Bus behaviour (inbox size, timeouts, reconnect policy)
//   - factory: Builds the transport (MQTT in production, memory in tests)
//
// Returns:
//   - *Client: Client with its dispatcher running
//   - error: If factory is nil
func NewClient(addr Address, cfg config.BusConfig, factory TransportFactory) (*Client, error) {
	if factory == nil {
		return nil, errors.New("bus: transport factory is required")
	}
	inboxSize := cfg.InboxSize
	if inboxSize < 1 {
		inboxSize = 1
	}

	c := &Client{
		addr:   addr,
		cfg:    cfg,
		topics: make(map[string]*topicEntry),
		inbox:  make(chan Frame, inboxSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.transport = factory(addr, TransportEvents{
		OnMessage:        c.enqueue,
		OnConnectionLost: c.handleConnectionLost,
	})

	go c.dispatchLoop()
	return c, nil
}

// Address returns the broker endpoint this client is bound to.
func (c *Client) Address() Address {
	return c.addr
}

// Begin starts connecting to the broker and waits for the outcome of the
// current attempt.
//
// Begin is idempotent: when already connected it returns nil at once, and
// while an attempt is in flight every caller waits on that attempt instead
// of starting another. A failed attempt is logged and returned for
// information only; the client keeps reporting IsConnected() == false and,
// if reconnection is enabled, keeps trying in the background.
func (c *Client) Begin(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	a := c.attempt
	if a == nil {
		a = c.startConnectingLocked()
	}
	c.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startConnectingLocked launches the connect loop. c.mu must be held.
func (c *Client) startConnectingLocked() *connectAttempt {
	ctx, cancel := context.WithCancel(context.Background())
	a := newConnectAttempt()
	c.attempt = a
	c.loopCancel = cancel
	c.state = StateConnecting
	go c.connectLoop(ctx, a)
	return a
}

// connectLoop retries connection with exponential backoff until it
// succeeds, the policy gives up, or the client is closed.
func (c *Client) connectLoop(ctx context.Context, a *connectAttempt) {
	policy := c.cfg.Reconnect
	delay := policy.InitialDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	maxDelay := max(policy.MaxDelay, delay)
	failures := 0

	c.notify(StateConnecting)

	for {
		err := c.connectOnce(ctx)
		if err == nil {
			c.onConnected(a)
			return
		}

		failures++
		c.getLogger().Warn("bus connection attempt failed",
			"broker", c.addr.String(),
			"attempt", failures,
			"error", err,
		)

		c.mu.Lock()
		if c.closed || ctx.Err() != nil {
			c.mu.Unlock()
			a.finish(ErrClosed)
			return
		}
		if !policy.Enabled || (policy.MaxAttempts > 0 && failures >= policy.MaxAttempts) {
			c.state = StateDisconnected
			c.attempt = nil
			cancel := c.loopCancel
			c.loopCancel = nil
			c.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			a.finish(err)
			c.notify(StateDisconnected)
			return
		}
		next := newConnectAttempt()
		c.attempt = next
		c.mu.Unlock()

		a.finish(err)
		a = next

		if !sleepContext(ctx, jitter(delay)) {
			a.finish(ErrClosed)
			return
		}
		delay = min(delay*2, maxDelay)
	}
}

// connectOnce performs a single transport connection attempt.
func (c *Client) connectOnce(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, c.addr, err)
	}
	return nil
}

// onConnected records the new connection and restores subscriptions.
func (c *Client) onConnected(a *connectAttempt) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.transport.Disconnect()
		a.finish(ErrClosed)
		return
	}
	c.state = StateConnected
	c.attempt = nil
	cancel := c.loopCancel
	c.loopCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	restored := c.restoreSubscriptions()
	c.getLogger().Info("bus connected",
		"broker", c.addr.String(),
		"subscriptions", restored,
	)

	c.notify(StateConnected)
	a.finish(nil)
}

// handleConnectionLost is the transport callback for a dropped connection.
// Pending correlated requests are not touched; they time out on their own.
func (c *Client) handleConnectionLost(err error) {
	c.mu.Lock()
	if c.closed || c.state != StateConnected {
		c.mu.Unlock()
		return
	}

	c.getLogger().Warn("bus connection lost", "broker", c.addr.String(), "error", err)

	if !c.cfg.Reconnect.Enabled {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.notify(StateDisconnected)
		return
	}
	c.startConnectingLocked()
	c.mu.Unlock()
}

// Close disconnects from the broker and stops the dispatcher. Handlers are
// not invoked after Close returns. Calling Close more than once is safe.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.loopCancel
	c.loopCancel = nil
	wasConnected := c.state != StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.transport.Disconnect()

	close(c.stop)
	<-c.done

	if wasConnected {
		c.notify(StateDisconnected)
	}
	return nil
}

// IsConnected returns the best-known connection state without blocking.
// It is cheap enough to poll.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	return state == StateConnected && c.transport.IsConnected()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// HealthCheck reports ErrNotConnected unless the client is connected.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("bus health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// OnStateChange registers a listener invoked on every state transition.
// Listeners must not block. Polling IsConnected remains valid.
func (c *Client) OnStateChange(listener func(State)) {
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, listener)
	c.listenerMu.Unlock()
}

func (c *Client) notify(state State) {
	c.listenerMu.RLock()
	listeners := append([]func(State){}, c.listeners...)
	c.listenerMu.RUnlock()

	for _, l := range listeners {
		l(state)
	}
}

// SetLogger sets the logger for connection events and handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	if c.logger == nil {
		return discardLogger
	}
	return c.logger
}

var discardLogger Logger = slog.New(slog.DiscardHandler)

// operationTimeout returns the bound for a single broker call.
func (c *Client) operationTimeout() time.Duration {
	if c.cfg.OperationTimeout > 0 {
		return c.cfg.OperationTimeout
	}
	return defaultOperationTimeout
}

// jitter spreads d by up to ±20% so many dashboards do not reconnect in step.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := int64(d) / 5
	if spread == 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(2*spread)-spread)
}

// sleepContext waits for d or until ctx is done. It reports whether the
// full duration elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
