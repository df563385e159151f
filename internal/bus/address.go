package bus

import (
	"fmt"
	"net"
	"strconv"
)

// Address identifies a broker endpoint. It is an immutable value: compare
// with == and use it directly as a map key.
type Address struct {
	Host string
	Port int
}

// NewAddress validates host and port and returns the Address.
func NewAddress(host string, port int) (Address, error) {
	if host == "" {
		return Address{}, fmt.Errorf("%w: host cannot be empty", ErrInvalidAddress)
	}
	if port < 1 || port > 65535 {
		return Address{}, fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidAddress, port)
	}
	return Address{Host: host, Port: port}, nil
}

// ParseAddress parses "host:port".
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("%w: port %q is not a number", ErrInvalidAddress, portStr)
	}
	return NewAddress(host, port)
}

// String returns "host:port", bracketing IPv6 hosts.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// BrokerURL returns the broker URL in the form the MQTT transport expects.
func (a Address) BrokerURL(tls bool) string {
	scheme := "tcp"
	if tls {
		scheme = "ssl"
	}
	return scheme + "://" + a.String()
}
