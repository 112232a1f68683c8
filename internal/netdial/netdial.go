// Package netdial wraps net.Dial/net.Listen behind small interfaces so
// tests can substitute in-memory transports for the socket factory.
package netdial

import (
	"net"
	"time"
)

// Dialer opens outbound duplex byte streams.
type Dialer interface {
	Dial(network, addr string, timeout time.Duration) (net.Conn, error)
}

// Listener accepts inbound duplex byte streams.
type Listener interface {
	Listen(network, addr string) (net.Listener, error)
}

// TCP is the Dialer/Listener backed by the real network stack.
type TCP struct{}

// Dial opens a TCP connection with the given timeout.
func (TCP) Dial(network, addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, addr, timeout)
}

// Listen opens a TCP listening socket.
func (TCP) Listen(network, addr string) (net.Listener, error) {
	return net.Listen(network, addr)
}
