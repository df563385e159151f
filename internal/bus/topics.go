package bus

import (
	"fmt"
	"strings"
)

// TopicPrefixFleet is the base for every fleet topic.
const TopicPrefixFleet = "fleet"

// Topics provides builders for fleet topics.
// Using these helpers keeps topic naming consistent between the dashboard
// and the peer agents.
//
//	topics := bus.Topics{}
//	statusTopic := topics.PeerStatus("pi-1")
//	// Returns: "fleet/pi-1/status"
type Topics struct{}

// PeerStatus returns the topic a peer publishes status and log envelopes on.
//
// Example: fleet/pi-1/status
func (Topics) PeerStatus(peer string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixFleet, peer)
}

// PeerCommand returns the topic control commands for a peer are sent on.
//
// Example: fleet/pi-1/command
func (Topics) PeerCommand(peer string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefixFleet, peer)
}

// SensorFrame returns the topic a peer streams encoded sensor frames on.
//
// Example: fleet/pi-1/sensor/camera-front/frame
func (Topics) SensorFrame(peer, sensor string) string {
	return fmt.Sprintf("%s/%s/sensor/%s/frame", TopicPrefixFleet, peer, sensor)
}

// Ping returns the shared broadcast topic for latency probes.
//
// Example: fleet/ping
func (Topics) Ping() string {
	return TopicPrefixFleet + "/ping"
}

// Pong returns the shared reply topic every peer answers probes on.
//
// Example: fleet/pong
func (Topics) Pong() string {
	return TopicPrefixFleet + "/pong"
}

// AllPeerStatus returns a filter matching every peer's status topic.
//
// Pattern: fleet/+/status
func (Topics) AllPeerStatus() string {
	return TopicPrefixFleet + "/+/status"
}

// AllSensorFrames returns a filter matching every sensor frame topic.
//
// Pattern: fleet/+/sensor/+/frame
func (Topics) AllSensorFrames() string {
	return TopicPrefixFleet + "/+/sensor/+/frame"
}

// ValidateTopic checks a concrete topic used for publishing.
// Wildcards are not allowed.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards not allowed in %q", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateFilter checks a subscription filter. "+" must fill a whole level
// and "#" must be the whole final level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}

// MatchTopic reports whether topic matches the subscription filter using
// MQTT wildcard rules. Wildcards in the first level do not match topics
// starting with "$".
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")

	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
