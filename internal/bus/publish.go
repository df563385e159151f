package bus

import (
	"context"
	"errors"
	"fmt"
)

// Maximum payload size for a single publish (1MB).
const maxPayloadSize = 1 << 20

// Publish sends payload on topic with at-most-once delivery.
//
// Nothing is queued: when the client is not connected Publish fails with
// ErrNotConnected and the message is dropped. Callers surface that to the
// operator rather than retrying.
//
// Parameters:
//   - topic: Concrete topic, no wildcards (e.g., "fleet/pi-1/command")
//   - payload: Opaque bytes, max 1MB
//
// Returns:
//   - error: nil on success, or ErrInvalidTopic, ErrClosed, ErrNotConnected,
//     ErrTimeout, ErrPublishFailed
func (c *Client) Publish(topic string, payload []byte) error {
	return c.PublishContext(context.Background(), topic, payload)
}

// PublishContext is Publish bounded by ctx as well as the operation timeout.
func (c *Client) PublishContext(ctx context.Context, topic string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if c.isClosed() {
		return ErrClosed
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, c.operationTimeout())
	defer cancel()

	if err := c.transport.Publish(ctx, topic, payload); err != nil {
		switch {
		case errors.Is(err, ErrNotConnected), errors.Is(err, ErrTimeout):
			return err
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("%w: publish %s", ErrTimeout, topic)
		}
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}
