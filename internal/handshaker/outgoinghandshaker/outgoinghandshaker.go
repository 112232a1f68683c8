// Package outgoinghandshaker runs the client side of a dial+handshake in
// its own goroutine and reports the outcome on a result channel:
//
//	h := outgoinghandshaker.New(addr)
//	t.outgoingHandshakers[h] = struct{}{}
//	go h.Run(t.config.PeerConnectTimeout, t.config.PeerHandshakeTimeout, t.peerID, t.infoHash, t.outgoingHandshakerResultC, ourExtensions, t.config.DisableOutgoingEncryption, t.config.ForceOutgoingEncryption)
//
// The result-channel consumer reads oh.Error, oh.Addr, oh.Conn,
// oh.PeerID, oh.Extensions, and calls
// t.dialAddresses() again on failure.
package outgoinghandshaker

import (
	"net"
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/btconn"
)

// OutgoingHandshaker runs and reports one outbound dial+handshake
// attempt.
type OutgoingHandshaker struct {
	Addr *net.TCPAddr

	Conn       net.Conn
	PeerID     [20]byte
	Extensions [8]byte
	Error      error
}

// New creates a handshaker that will dial addr when Run is called.
func New(addr *net.TCPAddr) *OutgoingHandshaker {
	return &OutgoingHandshaker{Addr: addr}
}

// Run dials addr with connectTimeout, performs the handshake with
// handshakeTimeout, and sends this handshaker on resultC when done.
func (h *OutgoingHandshaker) Run(connectTimeout, handshakeTimeout time.Duration, ourPeerID, infoHash [20]byte, resultC chan *OutgoingHandshaker, ourExtensions [8]byte, disableEncryption, forceEncryption bool) {
	conn, err := net.DialTimeout("tcp", h.Addr.String(), connectTimeout)
	if err != nil {
		h.Error = err
		resultC <- h
		return
	}
	res, err := btconn.DialOutgoing(conn, ourPeerID, infoHash, ourExtensions, disableEncryption, forceEncryption, handshakeTimeout)
	if err != nil {
		conn.Close()
		h.Error = err
		resultC <- h
		return
	}
	h.Conn = res.Conn
	h.PeerID = res.PeerID
	h.Extensions = res.Extensions
	resultC <- h
}
