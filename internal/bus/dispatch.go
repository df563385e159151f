package bus

import (
	"errors"
	"fmt"
	"slices"
)

// enqueue is the transport's message callback. It never blocks: when the
// inbox is full the frame is dropped, in keeping with at-most-once delivery.
func (c *Client) enqueue(topic string, payload []byte) {
	select {
	case <-c.stop:
		return
	default:
	}

	select {
	case c.inbox <- Frame{Topic: topic, Payload: payload}:
	default:
		n := c.dropped.Add(1)
		c.getLogger().Debug("bus inbox full, frame dropped",
			"topic", topic,
			"dropped_total", n,
		)
	}
}

// dispatchLoop is the single event-processing goroutine. Every handler of
// every frame runs here, so handlers never execute in parallel.
func (c *Client) dispatchLoop() {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			return
		case frame := <-c.inbox:
			select {
			case <-c.stop:
				return
			default:
			}
			c.dispatch(frame)
		}
	}
}

// dispatch delivers frame to every matching handler in registration order.
// Frames with no matching handler are dropped silently.
func (c *Client) dispatch(frame Frame) {
	c.subMu.RLock()
	var matched []*Subscription
	for filter, entry := range c.topics {
		if MatchTopic(filter, frame.Topic) {
			matched = append(matched, entry.subs...)
		}
	}
	c.subMu.RUnlock()

	if len(matched) == 0 {
		return
	}
	slices.SortFunc(matched, func(a, b *Subscription) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})

	for _, sub := range matched {
		// Unsubscribe may have run since the snapshot.
		if !sub.active.Load() {
			continue
		}
		c.invoke(sub, frame)
	}
}

// invoke runs one handler, isolating panics and errors from the others.
func (c *Client) invoke(sub *Subscription, frame Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.getLogger().Error("bus handler panic recovered",
				"topic", frame.Topic,
				"filter", sub.topic,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()

	err := sub.handler.HandleFrame(frame)
	switch {
	case err == nil:
	case errors.Is(err, ErrDecode):
		c.getLogger().Warn("bus handler could not decode frame",
			"topic", frame.Topic,
			"error", err,
		)
	default:
		c.getLogger().Error("bus handler error",
			"topic", frame.Topic,
			"filter", sub.topic,
			"error", err,
		)
	}
}

// DroppedFrames returns how many inbound frames were discarded because the
// inbox was full.
func (c *Client) DroppedFrames() uint64 {
	return c.dropped.Load()
}
