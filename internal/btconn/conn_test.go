package btconn

import (
	"net"
	"testing"
	"time"
)

func TestDialAcceptCleartextRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	var infoHash [20]byte
	copy(infoHash[:], []byte("aaaaaaaaaaaaaaaaaaaa"))
	var clientID, serverID [20]byte
	copy(clientID[:], []byte("client-peer-id012345"))
	copy(serverID[:], []byte("server-peer-id012345"))

	type result struct {
		dr  *DialResult
		err error
	}
	dialCh := make(chan result, 1)
	go func() {
		dr, err := DialOutgoing(client, clientID, infoHash, [8]byte{}, true, false, 2*time.Second)
		dialCh <- result{dr, err}
	}()

	ar, err := AcceptIncoming(server, serverID, func(ih [20]byte) bool { return ih == infoHash }, [8]byte{}, false, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ar.PeerID != clientID {
		t.Fatalf("expected client peer id, got %v", ar.PeerID)
	}

	res := <-dialCh
	if res.err != nil {
		t.Fatal(res.err)
	}
	if res.dr.PeerID != serverID {
		t.Fatalf("expected server peer id, got %v", res.dr.PeerID)
	}
}

func TestAcceptRejectsUnknownInfoHash(t *testing.T) {
	server, client := net.Pipe()
	var infoHash [20]byte
	var clientID, serverID [20]byte

	go DialOutgoing(client, clientID, infoHash, [8]byte{}, true, false, 2*time.Second)

	_, err := AcceptIncoming(server, serverID, func(ih [20]byte) bool { return false }, [8]byte{}, false, 2*time.Second)
	if err != errInvalidInfoHash {
		t.Fatalf("expected errInvalidInfoHash, got %v", err)
	}
}

func TestAcceptRejectsWhenForcingEncryption(t *testing.T) {
	server, _ := net.Pipe()
	var serverID [20]byte
	_, err := AcceptIncoming(server, serverID, func([20]byte) bool { return true }, [8]byte{}, true, 2*time.Second)
	if err != errNotEncrypted {
		t.Fatalf("expected errNotEncrypted, got %v", err)
	}
}
