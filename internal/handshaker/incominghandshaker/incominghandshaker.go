// Package incominghandshaker runs the server side of a peer handshake in
// its own goroutine and reports the outcome on a result channel:
//
//	h := incominghandshaker.New(conn)
//	t.incomingHandshakers[h] = struct{}{}
//	go h.Run(t.peerID, t.checkInfoHash, t.incomingHandshakerResultC, t.config.PeerHandshakeTimeout, ourExtensions, t.config.ForceIncomingEncryption)
//
// The result-channel consumer reads ih.Error, ih.Conn, ih.PeerID,
// ih.Extensions. getSKey's role (resolving
// an MSE skey hash search) has no equivalent in this build's simplified
// cleartext-only incoming path (see internal/btconn's doc comment), so
// the parameter is dropped from Run's signature here and noted in
// DESIGN.md.
package incominghandshaker

import (
	"net"
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/btconn"
)

// IncomingHandshaker runs and reports one inbound handshake attempt.
type IncomingHandshaker struct {
	conn net.Conn

	Conn       net.Conn
	InfoHash   [20]byte
	PeerID     [20]byte
	Extensions [8]byte
	Error      error
}

// New wraps a freshly accepted connection awaiting handshake. Conn is set
// immediately to the raw accepted connection so a caller can still
// identify/close it (e.g. by remote address) even if the handshake fails.
func New(conn net.Conn) *IncomingHandshaker {
	return &IncomingHandshaker{conn: conn, Conn: conn}
}

// Run performs the handshake and sends this handshaker on resultC when
// done, whether it succeeded or failed.
func (h *IncomingHandshaker) Run(ourPeerID [20]byte, checkInfoHash func([20]byte) bool, resultC chan *IncomingHandshaker, timeout time.Duration, ourExtensions [8]byte, forceEncryption bool) {
	res, err := btconn.AcceptIncoming(h.conn, ourPeerID, checkInfoHash, ourExtensions, forceEncryption, timeout)
	if err != nil {
		h.Error = err
		resultC <- h
		return
	}
	h.Conn = res.Conn
	h.InfoHash = res.InfoHash
	h.PeerID = res.PeerID
	h.Extensions = res.Extensions
	resultC <- h
}
