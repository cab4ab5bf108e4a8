package storemaster

import (
	"fmt"
	"net"
	"strconv"
)

// ServerAddress identifies one election participant by host and port. It is
// created at process start and never changes for the process lifetime. The
// election node payload carries it in "host:port" form.
type ServerAddress struct {
	Host string
	Port int
}

// NewServerAddress builds an address from a host and port.
func NewServerAddress(host string, port int) ServerAddress {
	return ServerAddress{Host: host, Port: port}
}

// ParseServerAddress parses a "host:port" string.
func ParseServerAddress(s string) (ServerAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return ServerAddress{}, fmt.Errorf("invalid server address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ServerAddress{}, fmt.Errorf("invalid port in server address %q", s)
	}
	return ServerAddress{Host: host, Port: port}, nil
}

// String returns the address in "host:port" form.
func (a ServerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset.
func (a ServerAddress) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// MarshalText implements encoding.TextMarshaler.
func (a ServerAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ServerAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseServerAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
