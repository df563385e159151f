package bus

import "errors"

// Domain-specific errors for bus operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrNotConnected is returned when publishing on a disconnected client.
	// Callers surface it (e.g. "disconnected" in the UI); the client never
	// queues the message for later.
	ErrNotConnected = errors.New("bus: client not connected")

	// ErrConnectionFailed wraps a failed connection attempt.
	ErrConnectionFailed = errors.New("bus: connection failed")

	// ErrClosed is returned by operations on a client after Close.
	ErrClosed = errors.New("bus: client closed")

	// ErrPublishFailed is returned when the transport rejects a publish.
	ErrPublishFailed = errors.New("bus: publish failed")

	// ErrSubscribeFailed is returned when the broker rejects a subscribe.
	ErrSubscribeFailed = errors.New("bus: subscribe failed")

	// ErrUnsubscribeFailed is returned when the broker rejects an unsubscribe.
	ErrUnsubscribeFailed = errors.New("bus: unsubscribe failed")

	// ErrInvalidTopic is returned for empty or malformed topics.
	ErrInvalidTopic = errors.New("bus: invalid topic")

	// ErrInvalidAddress is returned for an empty host or out-of-range port.
	ErrInvalidAddress = errors.New("bus: invalid address")

	// ErrInvalidHandler is returned when subscribing a nil handler.
	ErrInvalidHandler = errors.New("bus: handler cannot be nil")

	// ErrTimeout is returned when a broker operation does not complete in time.
	ErrTimeout = errors.New("bus: operation timed out")

	// ErrDecode marks handler failures caused by undecodable payloads.
	// Handlers wrap it so dispatch logs them as decode problems.
	ErrDecode = errors.New("bus: payload decode failed")
)
