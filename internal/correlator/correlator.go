package correlator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fleetdash/internal/bus"
)

// DefaultTimeout bounds an exchange when neither the caller nor Options
// give a timeout.
const DefaultTimeout = 2 * time.Second

// Bus is the subset of *bus.Client the correlator needs.
type Bus interface {
	Subscribe(topic string, handler bus.Handler) (*bus.Subscription, error)
	PublishContext(ctx context.Context, topic string, payload []byte) error
}

// Request is what a Codec encodes for one exchange.
type Request struct {
	Key    string
	Token  string
	SentAt time.Time
	Body   []byte
}

// Reply is the correlation data a Codec extracts from a reply payload.
type Reply struct {
	Key   string
	Token string
}

// Codec turns requests into payloads and reply payloads into Reply values.
// The wire format is owned by the codec; the correlator only needs the key
// and the echoed token back.
type Codec interface {
	EncodeRequest(req Request) ([]byte, error)
	DecodeReply(payload []byte) (Reply, error)
}

// Options configures a Correlator.
type Options struct {
	// RequestTopic is where requests are published (e.g. "fleet/ping").
	RequestTopic string

	// ReplyTopic is the shared topic every peer replies on (e.g. "fleet/pong").
	ReplyTopic string

	Codec Codec

	// Timeout applies when SendAwaitable is given a non-positive timeout
	// and to every Send. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Sinks receive every completed exchange in addition to Results.
	Sinks []ResultSink

	Logger bus.Logger

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Correlator matches replies on a shared reply topic to the single pending
// request for each key.
//
// Per key the state is either Idle or Awaiting. A new request for a key in
// Awaiting first rejects the pending caller with ErrSuperseded and then
// registers itself, so at most one exchange per key is ever pending. A reply
// is accepted only if its key has a pending exchange and its echoed token
// matches that exchange's token; anything else is dropped.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Every exchange is settled exactly once.
type Correlator struct {
	bus      Bus
	opts     Options
	instance string
	counter  atomic.Uint64
	results  *Results

	mu      sync.Mutex
	pending map[string]*exchange
	sub     *bus.Subscription
	stopped bool
}

// exchange is one pending request.
type exchange struct {
	key     string
	token   string
	sentAt  time.Time
	timer   *time.Timer
	awaited bool
	done    chan outcome
}

type outcome struct {
	latency time.Duration
	err     error
}

// New creates a correlator on b. Call Start before sending.
func New(b Bus, opts Options) (*Correlator, error) {
	if b == nil {
		return nil, errors.New("correlator: bus is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("correlator: codec is required")
	}
	if err := bus.ValidateTopic(opts.RequestTopic); err != nil {
		return nil, fmt.Errorf("correlator: request topic: %w", err)
	}
	if err := bus.ValidateFilter(opts.ReplyTopic); err != nil {
		return nil, fmt.Errorf("correlator: reply topic: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Correlator{
		bus:      b,
		opts:     opts,
		instance: uuid.NewString()[:8],
		results:  NewResults(),
		pending:  make(map[string]*exchange),
	}, nil
}

// Start subscribes to the reply topic. Calling it again is a no-op.
func (c *Correlator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.sub != nil {
		return nil
	}

	sub, err := c.bus.Subscribe(c.opts.ReplyTopic, bus.HandlerFunc(c.handleReply))
	if err != nil {
		return fmt.Errorf("correlator: subscribe %s: %w", c.opts.ReplyTopic, err)
	}
	c.sub = sub
	return nil
}

// Stop cancels the reply subscription and rejects every pending exchange
// with ErrStopped. The correlator cannot be restarted.
func (c *Correlator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	for _, ex := range c.pending {
		c.settleLocked(ex, outcome{err: ErrStopped})
	}
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		return sub.Cancel()
	}
	return nil
}

// Results returns the latest-result-per-key store.
func (c *Correlator) Results() *Results {
	return c.results
}

// Pending reports whether key has an exchange awaiting its reply.
func (c *Correlator) Pending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok
}

// SendAwaitable publishes a request for key and waits for the matching
// reply, the timeout, supersession by a newer request, or ctx.
//
// Parameters:
//   - ctx: Cancelling it withdraws the exchange
//   - key: Correlation key, typically the peer name
//   - body: Opaque request body passed to the codec
//   - timeout: Deadline for the reply; non-positive uses Options.Timeout
//
// Returns:
//   - time.Duration: Round-trip latency, never negative
//   - error: ErrTimeout, ErrSuperseded, ErrStopped, ErrNotConnected, or
//     another publish/encode failure
func (c *Correlator) SendAwaitable(ctx context.Context, key string, body []byte, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	ex, err := c.send(ctx, key, body, timeout, true)
	if err != nil {
		return 0, err
	}

	select {
	case o := <-ex.done:
		return o.latency, o.err
	case <-ctx.Done():
		c.withdraw(ex, ctx.Err())
		// The exchange may have settled just before the withdrawal.
		o := <-ex.done
		return o.latency, o.err
	}
}

// Send publishes a request for key without waiting. It still supersedes any
// pending exchange for key, a reply is still recorded in Results and the
// sinks, and on timeout the bookkeeping is simply cleared.
func (c *Correlator) Send(key string, body []byte) error {
	_, err := c.send(context.Background(), key, body, c.opts.Timeout, false)
	return err
}

// send registers a new exchange for key and publishes its request.
func (c *Correlator) send(ctx context.Context, key string, body []byte, timeout time.Duration, awaited bool) (*exchange, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}

	if prev, ok := c.pending[key]; ok {
		c.settleLocked(prev, outcome{err: ErrSuperseded})
	}

	ex := &exchange{
		key:     key,
		token:   c.nextToken(),
		awaited: awaited,
		done:    make(chan outcome, 1),
	}
	ex.sentAt = c.opts.Clock()

	payload, err := c.opts.Codec.EncodeRequest(Request{
		Key:    key,
		Token:  ex.token,
		SentAt: ex.sentAt,
		Body:   body,
	})
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("correlator: encode request for %s: %w", key, err)
	}

	c.pending[key] = ex
	ex.timer = time.AfterFunc(timeout, func() { c.expire(ex) })
	c.mu.Unlock()

	if err := c.bus.PublishContext(ctx, c.opts.RequestTopic, payload); err != nil {
		c.withdraw(ex, err)
		if awaited {
			<-ex.done
		}
		return nil, err
	}

	// Latency runs from the moment the frame left, not from encoding. A
	// reply that beat the return of PublishContext keeps the earlier stamp.
	published := c.opts.Clock()
	c.mu.Lock()
	if c.pending[key] == ex {
		ex.sentAt = published
	}
	c.mu.Unlock()
	return ex, nil
}

// handleReply runs on the bus dispatcher for every frame on the reply topic.
func (c *Correlator) handleReply(frame bus.Frame) error {
	reply, err := c.opts.Codec.DecodeReply(frame.Payload)
	if err != nil {
		return fmt.Errorf("%w: reply on %s: %w", ErrDecode, frame.Topic, err)
	}

	now := c.opts.Clock()

	c.mu.Lock()
	ex, ok := c.pending[reply.Key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if ex.token != reply.Token {
		c.mu.Unlock()
		c.logger().Debug("stale reply dropped",
			"key", reply.Key,
			"token", reply.Token,
			"pending_token", ex.token,
		)
		return nil
	}
	latency := max(now.Sub(ex.sentAt), 0)
	c.settleLocked(ex, outcome{latency: latency})
	c.mu.Unlock()

	c.record(newResult(reply.Key, latency, now))
	return nil
}

// expire is the timer callback for ex.
func (c *Correlator) expire(ex *exchange) {
	c.mu.Lock()
	if c.pending[ex.key] != ex {
		c.mu.Unlock()
		return
	}
	c.settleLocked(ex, outcome{err: ErrTimeout})
	c.mu.Unlock()

	if !ex.awaited {
		c.logger().Debug("unawaited exchange expired", "key", ex.key)
	}
}

// withdraw settles ex with err if it is still the pending exchange for its key.
func (c *Correlator) withdraw(ex *exchange, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[ex.key] == ex {
		c.settleLocked(ex, outcome{err: err})
	}
}

// settleLocked removes ex, stops its timer and delivers o. c.mu must be
// held and ex must be the pending exchange for its key.
func (c *Correlator) settleLocked(ex *exchange, o outcome) {
	delete(c.pending, ex.key)
	if ex.timer != nil {
		ex.timer.Stop()
	}
	ex.done <- o
}

func (c *Correlator) record(r Result) {
	c.results.RecordResult(r)
	for _, sink := range c.opts.Sinks {
		sink.RecordResult(r)
	}
}

func (c *Correlator) nextToken() string {
	return c.instance + "-" + strconv.FormatUint(c.counter.Add(1), 10)
}

func (c *Correlator) logger() bus.Logger {
	if c.opts.Logger == nil {
		return discardLogger{}
	}
	return c.opts.Logger
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}
