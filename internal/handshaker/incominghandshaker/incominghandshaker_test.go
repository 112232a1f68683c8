package incominghandshaker

import (
	"net"
	"testing"
	"time"
)

func TestRunReportsErrorOnTimeout(t *testing.T) {
	server, _ := net.Pipe()
	h := New(server)
	resultC := make(chan *IncomingHandshaker, 1)
	go h.Run([20]byte{}, func([20]byte) bool { return true }, resultC, 50*time.Millisecond, [8]byte{}, false)
	got := <-resultC
	if got.Error == nil {
		t.Fatal("expected timeout error")
	}
	if got.Conn == nil {
		t.Fatal("expected Conn set even on failure, for address-based cleanup")
	}
}

func TestRunReportsForceEncryptionRejection(t *testing.T) {
	server, _ := net.Pipe()
	h := New(server)
	resultC := make(chan *IncomingHandshaker, 1)
	go h.Run([20]byte{}, func([20]byte) bool { return true }, resultC, time.Second, [8]byte{}, true)
	got := <-resultC
	if got.Error == nil {
		t.Fatal("expected errNotEncrypted")
	}
}
