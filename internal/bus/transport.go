package bus

import "context"

// Frame is one inbound message. It lives only for the duration of dispatch.
type Frame struct {
	Topic   string
	Payload []byte
}

// TransportEvents are the callbacks a Transport invokes for inbound traffic
// and connection loss. Callbacks must not block.
type TransportEvents struct {
	// OnMessage is called for every message the broker delivers.
	OnMessage func(topic string, payload []byte)

	// OnConnectionLost is called when an established connection drops.
	// It is not called for Disconnect.
	OnConnectionLost func(err error)
}

// Transport is the broker connection owned by a Client. It offers the three
// bus primitives (subscribe, unsubscribe, publish) plus a single connection
// attempt; reconnection policy lives in the Client.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// Connect performs one connection attempt.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. It is safe to call when not connected.
	Disconnect()

	// IsConnected reports whether the connection is currently open.
	IsConnected() bool

	// Subscribe asks the broker to deliver messages matching filter.
	Subscribe(ctx context.Context, filter string) error

	// Unsubscribe cancels a previous Subscribe for filter.
	Unsubscribe(ctx context.Context, filter string) error

	// Publish sends payload on topic with at-most-once delivery.
	Publish(ctx context.Context, topic string, payload []byte) error
}

// TransportFactory builds the Transport for a broker Address. The Client
// passes the events it wants delivered.
type TransportFactory func(addr Address, events TransportEvents) Transport
