package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
)

// MQTT transport constants.
const (
	// atMostOnce is the QoS used for every publish and subscribe.
	atMostOnce byte = 0

	// disconnectQuiesce is the time paho waits for in-flight work on Disconnect (ms).
	disconnectQuiesce = 250

	// defaultKeepAlive applies when the config leaves keep_alive unset.
	defaultKeepAlive = 30 * time.Second

	// defaultConnectTimeout applies when the config leaves connect_timeout unset.
	defaultConnectTimeout = 5 * time.Second

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// mqttTransport implements Transport over eclipse/paho.mqtt.golang.
//
// Paho's own auto-reconnect is disabled: the Client owns the reconnection
// policy so that the same behaviour applies to every transport.
type mqttTransport struct {
	opts   *pahomqtt.ClientOptions
	events TransportEvents

	mu     sync.RWMutex
	client pahomqtt.Client
}

// NewMQTTTransportFactory returns a TransportFactory producing paho-backed
// transports configured from cfg. Each transport gets a unique client ID
// derived from cfg.ClientID so several clients can share one broker.
func NewMQTTTransportFactory(cfg config.BrokerConfig) TransportFactory {
	return func(addr Address, events TransportEvents) Transport {
		return newMQTTTransport(addr, cfg, events)
	}
}

func newMQTTTransport(addr Address, cfg config.BrokerConfig, events TransportEvents) *mqttTransport {
	t := &mqttTransport{events: events}
	t.opts = buildClientOptions(addr, cfg)

	t.opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if t.events.OnMessage != nil {
			t.events.OnMessage(msg.Topic(), msg.Payload())
		}
	})
	t.opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if t.events.OnConnectionLost != nil {
			t.events.OnConnectionLost(err)
		}
	})

	return t
}

// buildClientOptions creates paho MQTT options for one broker endpoint.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - A unique client ID
//   - Authentication credentials (if provided)
//   - Clean session, no paho-level reconnect
//   - In-order delivery of inbound messages
func buildClientOptions(addr Address, cfg config.BrokerConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(addr.BrokerURL(cfg.TLS))

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "fleetdash"
	}
	opts.SetClientID(fmt.Sprintf("%s-%s", clientID, uuid.NewString()[:8]))

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// No broker-side session: the Client re-subscribes after every connect.
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(connectTimeout)

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// Connect creates a fresh paho client and waits for the CONNACK.
func (t *mqttTransport) Connect(ctx context.Context) error {
	client := pahomqtt.NewClient(t.opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return err
	}

	t.mu.Lock()
	old := t.client
	t.client = client
	t.mu.Unlock()

	if old != nil && old.IsConnected() {
		old.Disconnect(disconnectQuiesce)
	}
	return nil
}

// Disconnect closes the current paho client, if any.
func (t *mqttTransport) Disconnect() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client != nil {
		client.Disconnect(disconnectQuiesce)
	}
}

// IsConnected reports whether the paho connection is open.
func (t *mqttTransport) IsConnected() bool {
	client := t.current()
	return client != nil && client.IsConnectionOpen()
}

// Subscribe registers filter with the broker. Messages are routed through
// the default publish handler so the Client sees them in arrival order.
func (t *mqttTransport) Subscribe(ctx context.Context, filter string) error {
	client := t.current()
	if client == nil {
		return ErrNotConnected
	}
	return waitToken(ctx, client.Subscribe(filter, atMostOnce, nil))
}

// Unsubscribe removes filter at the broker.
func (t *mqttTransport) Unsubscribe(ctx context.Context, filter string) error {
	client := t.current()
	if client == nil {
		return ErrNotConnected
	}
	return waitToken(ctx, client.Unsubscribe(filter))
}

// Publish sends payload with QoS 0 and no retain flag.
func (t *mqttTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	client := t.current()
	if client == nil {
		return ErrNotConnected
	}
	return waitToken(ctx, client.Publish(topic, atMostOnce, false, payload))
}

func (t *mqttTransport) current() pahomqtt.Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.client
}

// waitToken blocks until token completes or ctx is done.
func waitToken(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}
