// Package bus provides the publish/subscribe client the dashboard uses to
// talk to the fleet.
//
// This package manages:
//   - The broker connection lifecycle, with idempotent Begin and transparent
//     reconnection
//   - A reference-counted topic subscription registry with MQTT wildcards
//   - Single-goroutine dispatch of inbound frames in registration order
//   - Fire-and-forget publishing with no queuing while disconnected
//   - A pool sharing one client per broker Address
//
// # Architecture
//
// The Client owns exactly one Transport. Production uses MQTT via paho at
// QoS 0; tests and development mode use the in-process MemoryBroker. Both
// offer the same three primitives (subscribe, unsubscribe, publish) plus an
// inbound message callback.
//
//	Transport callback -> bounded inbox -> dispatcher goroutine -> Handlers
//
// Handlers for one frame run one after another on the dispatcher. A handler
// that panics or returns an error is logged and the next handler still runs.
//
// # Delivery
//
// Delivery is at-most-once. A full inbox drops frames (see DroppedFrames),
// a disconnected client rejects Publish with ErrNotConnected, and frames for
// topics without handlers are discarded silently.
//
// # Usage
//
//	client, err := bus.NewClient(addr, cfg.Bus, bus.NewMQTTTransportFactory(cfg.Broker))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	_ = client.Begin(ctx) // failure is informational; reconnect continues
//
//	sub, err := client.Subscribe(bus.Topics{}.SensorFrame("pi-1", "camera-front"),
//	    bus.HandlerFunc(func(f bus.Frame) error {
//	        render(f.Payload)
//	        return nil
//	    }))
//	defer sub.Cancel()
//
//	err = client.Publish(bus.Topics{}.PeerCommand("pi-1"), []byte(`{"cmd":"stop"}`))
package bus
