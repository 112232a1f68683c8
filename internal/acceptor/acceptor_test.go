package acceptor

import (
	"net"
	"testing"
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/logger"
)

func TestAcceptorForwardsConnections(t *testing.T) {
	connC := make(chan net.Conn, 1)
	a, err := New("127.0.0.1:0", connC, logger.New("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	go a.Run()

	client, err := net.DialTimeout("tcp", a.ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	select {
	case conn := <-connC:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}
}

func TestPortReturnsBoundPort(t *testing.T) {
	connC := make(chan net.Conn, 1)
	a, err := New("127.0.0.1:0", connC, logger.New("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if a.Port() == 0 {
		t.Fatal("expected nonzero bound port")
	}
}
