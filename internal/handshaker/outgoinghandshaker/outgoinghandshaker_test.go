package outgoinghandshaker

import (
	"net"
	"testing"
	"time"
)

func TestRunReportsDialError(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1} // nothing listens on port 1
	h := New(addr)
	resultC := make(chan *OutgoingHandshaker, 1)
	go h.Run(200*time.Millisecond, time.Second, [20]byte{}, [20]byte{}, resultC, [8]byte{}, true, false)
	got := <-resultC
	if got.Error == nil {
		t.Fatal("expected dial error")
	}
}

func TestRunSucceedsAgainstRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	var infoHash [20]byte
	var serverID [20]byte
	copy(serverID[:], []byte("server-peer-id012345"))

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var lenByte [1]byte
		conn.Read(lenByte[:])
		proto := make([]byte, lenByte[0])
		conn.Read(proto[:])
		rest := make([]byte, 8+20+20)
		conn.Read(rest)
		reply := append([]byte{19}, []byte("BitTorrent protocol")...)
		reply = append(reply, make([]byte, 8)...)
		reply = append(reply, rest[8:28]...) // echo back infohash
		reply = append(reply, serverID[:]...)
		conn.Write(reply)
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	h := New(tcpAddr)
	resultC := make(chan *OutgoingHandshaker, 1)
	go h.Run(time.Second, time.Second, [20]byte{}, infoHash, resultC, [8]byte{}, true, false)
	got := <-resultC
	if got.Error != nil {
		t.Fatal(got.Error)
	}
	if got.PeerID != serverID {
		t.Fatalf("expected server peer id, got %v", got.PeerID)
	}
}
