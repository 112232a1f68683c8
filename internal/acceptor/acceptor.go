// Package acceptor runs a TCP listener in its own goroutine, pushing
// accepted connections to a channel (`incomingConnC chan net.Conn`),
// read by the torrent event loop via `case conn := <-t.incomingConnC:`.
package acceptor

import (
	"net"

	"github.com/coriolis-labs/swarmtorrent/internal/logger"
)

// Acceptor listens on one TCP address and forwards accepted connections.
type Acceptor struct {
	ln     net.Listener
	connC  chan net.Conn
	closeC chan struct{}
	log    logger.Logger
}

// New starts listening on addr (e.g. ":6881") and returns an Acceptor
// that pushes accepted connections to connC. connC is owned by the
// caller; Acceptor never closes it.
func New(addr string, connC chan net.Conn, l logger.Logger) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Acceptor{ln: ln, connC: connC, closeC: make(chan struct{}), log: l}, nil
}

// Port returns the TCP port actually bound, useful when addr requested
// port 0.
func (a *Acceptor) Port() int {
	return a.ln.Addr().(*net.TCPAddr).Port
}

// Run accepts connections until Close is called.
func (a *Acceptor) Run() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.closeC:
				return
			default:
				a.log.Debugln("acceptor: accept error:", err)
				return
			}
		}
		select {
		case a.connC <- conn:
		case <-a.closeC:
			conn.Close()
			return
		}
	}
}

// Close stops accepting and releases the listener.
func (a *Acceptor) Close() {
	select {
	case <-a.closeC:
	default:
		close(a.closeC)
	}
	a.ln.Close()
}
