package fleet

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/fleetdash/internal/bus"
)

// Kind distinguishes the messages multiplexed on a peer's status topic.
type Kind string

// Envelope kinds.
const (
	KindStatus Kind = "status"
	KindLog    Kind = "log"
)

// Log levels peers use.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Envelope is the JSON message a peer publishes on fleet/{peer}/status.
// Status and log messages share the topic and are told apart by Kind.
type Envelope struct {
	Kind      Kind           `json:"kind"`
	Peer      string         `json:"peer"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state,omitempty"`
	Level     string         `json:"level,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// DecodeEnvelope parses payload received on topic. When the envelope does
// not name its peer, the peer is taken from the topic.
func DecodeEnvelope(topic string, payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: fleet envelope on %s: %w", bus.ErrDecode, topic, err)
	}
	switch env.Kind {
	case KindStatus, KindLog:
	default:
		return Envelope{}, fmt.Errorf("%w: fleet envelope on %s: unknown kind %q", bus.ErrDecode, topic, env.Kind)
	}
	if env.Peer == "" {
		env.Peer = peerFromTopic(topic)
	}
	if env.Peer == "" {
		return Envelope{}, fmt.Errorf("%w: fleet envelope on %s: no peer", bus.ErrDecode, topic)
	}
	return env, nil
}

// Encode marshals the envelope to JSON.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// peerFromTopic extracts {peer} from fleet/{peer}/status.
func peerFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != bus.TopicPrefixFleet {
		return ""
	}
	return parts[1]
}
