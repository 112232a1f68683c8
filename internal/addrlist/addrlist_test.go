package addrlist

import (
	"net"
	"testing"
)

func addr(s string) *net.TCPAddr {
	a, _ := net.ResolveTCPAddr("tcp", s)
	return a
}

func TestPushDedupsAndPopIsFIFO(t *testing.T) {
	l := New(0)
	l.Push([]*net.TCPAddr{addr("1.2.3.4:6881"), addr("5.6.7.8:6881")}, Tracker)
	l.Push([]*net.TCPAddr{addr("1.2.3.4:6881")}, DHT) // duplicate, ignored
	if l.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", l.Len())
	}
	first := l.Pop()
	if first.String() != "1.2.3.4:6881" {
		t.Fatalf("expected FIFO order, got %s", first)
	}
}

func TestPushRespectsMaxSize(t *testing.T) {
	l := New(1)
	l.Push([]*net.TCPAddr{addr("1.2.3.4:6881"), addr("5.6.7.8:6881")}, Tracker)
	if l.Len() != 1 {
		t.Fatalf("expected capped at 1, got %d", l.Len())
	}
}

func TestResetClears(t *testing.T) {
	l := New(0)
	l.Push([]*net.TCPAddr{addr("1.2.3.4:6881")}, Tracker)
	l.Reset()
	if l.Len() != 0 || l.Pop() != nil {
		t.Fatal("expected empty list after reset")
	}
}
