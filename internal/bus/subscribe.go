package bus

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
)

// Handler receives inbound frames for a subscription.
//
// Handlers run on the client's dispatcher goroutine, one at a time, so they
// must not block for long and must not call Close. Frame.Payload is shared
// between every handler of the frame and must not be modified.
//
// A returned error is logged and does not stop delivery to other handlers.
// Wrap ErrDecode for payloads that fail to decode.
type Handler interface {
	HandleFrame(frame Frame) error
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(frame Frame) error

// HandleFrame calls f(frame).
func (f HandlerFunc) HandleFrame(frame Frame) error {
	return f(frame)
}

// Subscription is the handle returned by Subscribe. It identifies one
// registered handler so it can be removed without affecting others on the
// same topic.
type Subscription struct {
	client  *Client
	topic   string
	handler Handler
	seq     uint64
	active  atomic.Bool
}

// Topic returns the filter the subscription was registered for.
func (s *Subscription) Topic() string {
	return s.topic
}

// Active reports whether the handler still receives frames.
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Cancel removes this handler. It is safe to call more than once.
func (s *Subscription) Cancel() error {
	return s.client.Unsubscribe(s.topic, s)
}

// topicEntry is the ordered handler set for one filter.
type topicEntry struct {
	subs []*Subscription
}

// Subscribe registers handler for topic and returns its Subscription.
//
// The topic may be an MQTT filter using "+" and "#". The broker is asked to
// subscribe only when the topic gets its first handler; later handlers for
// the same topic share that broker subscription.
//
// While disconnected the handler is recorded and the broker subscription is
// issued on the next successful connect, together with every other live
// topic.
//
// Returns:
//   - *Subscription: Handle for removing this handler
//   - error: ErrInvalidTopic, ErrInvalidHandler, ErrClosed, or
//     ErrSubscribeFailed if the broker rejected a live subscribe
func (c *Client) Subscribe(topic string, handler Handler) (*Subscription, error) {
	if err := ValidateFilter(topic); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrInvalidHandler
	}
	if c.isClosed() {
		return nil, ErrClosed
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.subMu.Lock()
	c.nextSeq++
	sub := &Subscription{
		client:  c,
		topic:   topic,
		handler: handler,
		seq:     c.nextSeq,
	}
	sub.active.Store(true)

	entry, exists := c.topics[topic]
	if !exists {
		entry = &topicEntry{}
		c.topics[topic] = entry
	}
	entry.subs = append(entry.subs, sub)
	c.subMu.Unlock()

	if exists || !c.IsConnected() {
		return sub, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.operationTimeout())
	defer cancel()

	if err := c.transport.Subscribe(ctx, topic); err != nil {
		if !c.IsConnected() {
			// Lost the connection mid-call; the next connect restores it.
			return sub, nil
		}
		c.removeLocked(topic, sub)
		return nil, fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}

	c.getLogger().Debug("bus subscribed", "topic", topic)
	return sub, nil
}

// Unsubscribe removes handlers for topic. With a nil sub every handler for
// the topic is removed; otherwise only sub. When the topic has no handlers
// left the broker is asked to unsubscribe.
//
// Removed handlers receive no further frames, including frames already
// queued for dispatch. Unknown topics and already-removed subscriptions are
// a no-op.
func (c *Client) Unsubscribe(topic string, sub *Subscription) error {
	if topic == "" {
		return ErrInvalidTopic
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.removeLocked(topic, sub) {
		return nil
	}
	if !c.IsConnected() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.operationTimeout())
	defer cancel()

	if err := c.transport.Unsubscribe(ctx, topic); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnsubscribeFailed, topic, err)
	}

	c.getLogger().Debug("bus unsubscribed", "topic", topic)
	return nil
}

// removeLocked deactivates sub (or every handler when sub is nil) and
// reports whether the topic entry became empty and was deleted.
// c.opMu must be held.
func (c *Client) removeLocked(topic string, sub *Subscription) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	entry, ok := c.topics[topic]
	if !ok {
		return false
	}

	if sub == nil {
		for _, s := range entry.subs {
			s.active.Store(false)
		}
		entry.subs = nil
	} else {
		idx := slices.Index(entry.subs, sub)
		if idx < 0 {
			return false
		}
		sub.active.Store(false)
		entry.subs = slices.Delete(entry.subs, idx, idx+1)
	}

	if len(entry.subs) > 0 {
		return false
	}
	delete(c.topics, topic)
	return true
}

// restoreSubscriptions re-issues a broker subscribe for every topic with
// live handlers. Called after each successful connect; clean sessions mean
// the broker has forgotten them. Returns the number restored.
func (c *Client) restoreSubscriptions() int {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.subMu.RLock()
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	c.subMu.RUnlock()
	slices.Sort(topics)

	restored := 0
	for _, topic := range topics {
		ctx, cancel := context.WithTimeout(context.Background(), c.operationTimeout())
		err := c.transport.Subscribe(ctx, topic)
		cancel()
		if err != nil {
			c.getLogger().Warn("bus failed to restore subscription",
				"topic", topic,
				"error", err,
			)
			continue
		}
		restored++
	}
	return restored
}

// SubscriptionCount returns the number of topics with at least one handler.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.topics)
}

// HandlerCount returns the number of handlers registered for topic.
func (c *Client) HandlerCount(topic string) int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if entry, ok := c.topics[topic]; ok {
		return len(entry.subs)
	}
	return 0
}

// HasSubscription checks if handlers exist for the given topic.
//
// Note: This checks only the exact topic string, not pattern matching.
func (c *Client) HasSubscription(topic string) bool {
	return c.HandlerCount(topic) > 0
}

// Topics returns the registered topics in sorted order.
func (c *Client) Topics() []string {
	c.subMu.RLock()
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	c.subMu.RUnlock()
	slices.Sort(topics)
	return topics
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
