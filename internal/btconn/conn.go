// Package btconn dials and accepts BitTorrent connections: it performs
// the 68-byte handshake and, for outgoing connections that request it,
// wraps the connection in an RC4 stream keyed from the shared infohash.
//
// Encryption here is plain RC4 keyed from the infohash, not full MSE
// Diffie-Hellman key exchange, and only covers outgoing connections
// where both sides already know the infohash before connecting.
// Incoming connections cannot be transparently detected as encrypted
// without a per-skey trial-decryption step; that step is not
// implemented, so ForceIncomingEncryption simply rejects all incoming
// connections rather than accept them without actually verifying
// encryption — see DESIGN.md for this simplification.
package btconn

import (
	"crypto/cipher"
	"crypto/rc4"
	"crypto/sha1"
	"errors"
	"io"
	"net"
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/peerprotocol"
)

var (
	errInvalidInfoHash = errors.New("btconn: invalid info hash")
	// ErrOwnConnection is returned when a peer id collision with our own
	// indicates we dialed ourselves.
	ErrOwnConnection = errors.New("btconn: dropped own connection")
	errNotEncrypted  = errors.New("btconn: connection is not encrypted")
)

type readWriter struct {
	io.Reader
	io.Writer
}

// rwConn overrides a net.Conn's Read/Write with a (possibly encrypted)
// io.ReadWriter while keeping its other net.Conn methods (deadlines,
// addresses, Close) intact.
type rwConn struct {
	rw io.ReadWriter
	net.Conn
}

func (c *rwConn) Read(p []byte) (n int, err error)  { return c.rw.Read(p) }
func (c *rwConn) Write(p []byte) (n int, err error) { return c.rw.Write(p) }

func rc4KeyFromInfoHash(infoHash [20]byte, suffix string) []byte {
	h := sha1.Sum(append(infoHash[:], []byte(suffix)...))
	return h[:]
}

func encryptConn(conn net.Conn, infoHash [20]byte, outbound bool) net.Conn {
	toRemote, fromRemote := "a->b", "b->a"
	if !outbound {
		toRemote, fromRemote = fromRemote, toRemote
	}
	enc, _ := rc4.NewCipher(rc4KeyFromInfoHash(infoHash, toRemote))
	dec, _ := rc4.NewCipher(rc4KeyFromInfoHash(infoHash, fromRemote))
	return &rwConn{
		rw: readWriter{
			Reader: &cipher.StreamReader{S: dec, R: conn},
			Writer: &cipher.StreamWriter{S: enc, W: conn},
		},
		Conn: conn,
	}
}

// DialResult is the outcome of an outgoing handshake.
type DialResult struct {
	Conn       net.Conn
	PeerID     [20]byte
	Extensions [8]byte
	Encrypted  bool
}

// DialOutgoing takes an already connected conn, sends our handshake, and validates the
// remote's reply. If forceEncryption is set (and disableEncryption is
// not), the connection is RC4-wrapped before any handshake bytes cross
// the wire.
func DialOutgoing(conn net.Conn, ourPeerID, infoHash [20]byte, ourExtensions [8]byte, disableEncryption, forceEncryption bool, timeout time.Duration) (*DialResult, error) {
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	encrypted := forceEncryption && !disableEncryption
	wire := net.Conn(conn)
	if encrypted {
		wire = encryptConn(conn, infoHash, true)
	}

	hs := peerprotocol.Handshake{InfoHash: infoHash, PeerID: ourPeerID}
	hs.Reserved = ourExtensions
	if err := peerprotocol.WriteHandshake(wire, hs); err != nil {
		return nil, err
	}
	remote, err := peerprotocol.ReadHandshake(wire)
	if err != nil {
		return nil, err
	}
	if remote.InfoHash != infoHash {
		return nil, errInvalidInfoHash
	}
	if remote.PeerID == ourPeerID {
		return nil, ErrOwnConnection
	}
	return &DialResult{Conn: wire, PeerID: remote.PeerID, Extensions: remote.Reserved, Encrypted: encrypted}, nil
}

// AcceptResult is the outcome of an incoming handshake.
type AcceptResult struct {
	Conn       net.Conn
	InfoHash   [20]byte
	PeerID     [20]byte
	Extensions [8]byte
}

// AcceptIncoming reads the remote's cleartext handshake, validates it via
// checkInfoHash, and replies with our own handshake. forceEncryption
// rejects all incoming connections, since this build does not implement
// per-skey trial decryption for unannounced incoming infohashes.
func AcceptIncoming(conn net.Conn, ourPeerID [20]byte, checkInfoHash func([20]byte) bool, ourExtensions [8]byte, forceEncryption bool, timeout time.Duration) (*AcceptResult, error) {
	if forceEncryption {
		return nil, errNotEncrypted
	}
	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	remote, err := peerprotocol.ReadHandshake(conn)
	if err != nil {
		return nil, err
	}
	if !checkInfoHash(remote.InfoHash) {
		return nil, errInvalidInfoHash
	}
	if remote.PeerID == ourPeerID {
		return nil, ErrOwnConnection
	}

	hs := peerprotocol.Handshake{InfoHash: remote.InfoHash, PeerID: ourPeerID}
	hs.Reserved = ourExtensions
	if err := peerprotocol.WriteHandshake(conn, hs); err != nil {
		return nil, err
	}
	return &AcceptResult{Conn: conn, InfoHash: remote.InfoHash, PeerID: remote.PeerID, Extensions: remote.Reserved}, nil
}
