// Package udptracker implements the UDP tracker client (BEP 15): the
// connect/announce two-step with 60s connection-id reuse, built on the
// standard library's net and encoding/binary packages. Its
// sibling-package layout mirrors httptracker's; see DESIGN.md for the
// standard-library justification.
package udptracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/tracker"
)

const (
	protocolID       uint64 = 0x41727101980
	actionConnect    uint32 = 0
	actionAnnounce   uint32 = 1
	actionError      uint32 = 3
	connectionTTL           = 60 * time.Second
	minInterval             = 30
	maxInterval             = 3600
)

var errShortPacket = errors.New("udptracker: short packet")

// UDPTracker announces to one udp:// tracker URL.
type UDPTracker struct {
	addr    string
	timeout time.Duration

	connID     uint64
	connIDSeen time.Time
}

// New creates a UDPTracker for the host:port addr (without the udp://
// scheme) with the given per-request timeout.
func New(addr string, timeout time.Duration) *UDPTracker {
	return &UDPTracker{addr: addr, timeout: timeout}
}

// URL returns the tracker address.
func (u *UDPTracker) URL() string { return "udp://" + u.addr }

func randomTransactionID() uint32 {
	var b [4]byte
	// crypto/rand is overkill for a wire-protocol correlation id; time-based
	// jitter is sufficient here and keeps this package standard-library only.
	now := time.Now().UnixNano()
	binary.BigEndian.PutUint32(b[:], uint32(now))
	return binary.BigEndian.Uint32(b[:])
}

func (u *UDPTracker) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: u.timeout}
	return d.DialContext(ctx, "udp", u.addr)
}

func (u *UDPTracker) connect(ctx context.Context, conn net.Conn) (uint64, error) {
	if !u.connIDSeen.IsZero() && time.Since(u.connIDSeen) < connectionTTL {
		return u.connID, nil
	}
	txID := randomTransactionID()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	conn.SetDeadline(time.Now().Add(u.timeout))
	if _, err := conn.Write(req); err != nil {
		return 0, err
	}
	resp := make([]byte, 16)
	n, err := conn.Read(resp)
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, errShortPacket
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := binary.BigEndian.Uint32(resp[4:8])
	if gotTxID != txID {
		return 0, fmt.Errorf("udptracker: transaction id mismatch")
	}
	if action == actionError {
		return 0, fmt.Errorf("udptracker: connect error: %s", resp[8:n])
	}
	if action != actionConnect {
		return 0, fmt.Errorf("udptracker: unexpected action %d", action)
	}
	connID := binary.BigEndian.Uint64(resp[8:16])
	u.connID = connID
	u.connIDSeen = time.Now()
	return connID, nil
}

// Announce performs one UDP connect+announce round trip (BEP 15).
func (u *UDPTracker) Announce(ctx context.Context, t tracker.Torrent, event tracker.Event, numWant int) (*tracker.Response, error) {
	conn, err := u.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := u.connect(ctx, conn)
	if err != nil {
		return nil, err
	}

	txID := randomTransactionID()
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], t.InfoHash[:])
	copy(req[36:56], t.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(t.BytesDownloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(t.BytesLeft))
	binary.BigEndian.PutUint64(req[72:80], uint64(t.BytesUploaded))
	binary.BigEndian.PutUint32(req[80:84], udpEventCode(event))
	binary.BigEndian.PutUint32(req[84:88], 0) // IP: default
	binary.BigEndian.PutUint32(req[88:92], 0) // key: unused
	want := int32(-1)
	if numWant > 0 {
		want = int32(numWant)
	}
	binary.BigEndian.PutUint32(req[92:96], uint32(want))
	binary.BigEndian.PutUint16(req[96:98], uint16(t.Port))

	conn.SetDeadline(time.Now().Add(u.timeout))
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}
	resp := make([]byte, 20+6*128)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, errShortPacket
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := binary.BigEndian.Uint32(resp[4:8])
	if gotTxID != txID {
		return nil, fmt.Errorf("udptracker: transaction id mismatch")
	}
	if action == actionError {
		return nil, fmt.Errorf("udptracker: announce error: %s", resp[8:n])
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("udptracker: unexpected action %d", action)
	}

	interval := int(binary.BigEndian.Uint32(resp[8:12]))
	if interval < minInterval {
		interval = minInterval
	}
	if interval > maxInterval {
		interval = maxInterval
	}

	var peers []tracker.Peer
	for i := 20; i+6 <= n; i += 6 {
		ip := net.IPv4(resp[i], resp[i+1], resp[i+2], resp[i+3])
		port := binary.BigEndian.Uint16(resp[i+4 : i+6])
		peers = append(peers, tracker.Peer{IP: ip, Port: port})
	}

	return &tracker.Response{Interval: interval, Peers: peers}, nil
}

func udpEventCode(e tracker.Event) uint32 {
	switch e {
	case tracker.EventCompleted:
		return 1
	case tracker.EventStarted:
		return 2
	case tracker.EventStopped:
		return 3
	default:
		return 0
	}
}
