package peer

import (
	"net"
	"testing"
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/logger"
	"github.com/coriolis-labs/swarmtorrent/internal/peerconn"
)

func newTestPeer(t *testing.T, owned map[uint32]bool) (*Peer, *peerconn.Conn) {
	t.Helper()
	a, b := net.Pipe()
	ca := peerconn.New(a, logger.New("a"), false, false)
	cb := peerconn.New(b, logger.New("b"), false, false)
	go ca.Run()
	go cb.Run()
	t.Cleanup(func() { ca.Close(); cb.Close() })

	var id [20]byte
	p := New(id, ca, 10, func(i uint32) bool { return owned[i] }, time.Now())
	return p, cb
}

func TestChokeClearsOutstanding(t *testing.T) {
	p, _ := newTestPeer(t, nil)
	now := time.Now()
	p.SendRequest(0, 0, 16384, now)
	p.SendRequest(0, 16384, 16384, now)
	if p.OutstandingCount() != 2 {
		t.Fatalf("expected 2 outstanding, got %d", p.OutstandingCount())
	}
	revoked := p.HandleChoke()
	if len(revoked) != 2 {
		t.Fatalf("expected 2 revoked blocks, got %d", len(revoked))
	}
	if p.OutstandingCount() != 0 {
		t.Fatal("expected outstanding cleared after choke")
	}
}

func TestHandlePieceMatchesOutstanding(t *testing.T) {
	p, _ := newTestPeer(t, nil)
	now := time.Now()
	p.SendRequest(0, 0, 4, now)
	res := p.HandlePiece(0, 0, []byte{1, 2, 3, 4}, now)
	if !res.Matched {
		t.Fatal("expected matched piece")
	}
	if p.OutstandingCount() != 0 {
		t.Fatal("expected outstanding removed after match")
	}
}

func TestHandlePieceUnmatchedDiscarded(t *testing.T) {
	p, _ := newTestPeer(t, nil)
	res := p.HandlePiece(0, 0, []byte{1, 2, 3, 4}, time.Now())
	if res.Matched {
		t.Fatal("expected unmatched piece")
	}
}

func TestThreeConsecutiveTimeoutsDropsPeer(t *testing.T) {
	p, _ := newTestPeer(t, nil)
	base := time.Now()

	// One block times out per round, across three separate rounds.
	p.SendRequest(0, 0, 16384, base)
	_, drop := p.CheckTimeouts(base.Add(time.Hour))
	if drop {
		t.Fatal("should not drop after one strike")
	}

	p.SendRequest(0, 16384, 16384, base)
	_, drop = p.CheckTimeouts(base.Add(time.Hour))
	if drop {
		t.Fatal("should not drop after two strikes")
	}

	p.SendRequest(0, 32768, 16384, base)
	_, drop = p.CheckTimeouts(base.Add(time.Hour))
	if !drop {
		t.Fatal("expected drop after three consecutive timeouts")
	}
}

func TestHandleRequestRejectsWhenChoking(t *testing.T) {
	p, _ := newTestPeer(t, map[uint32]bool{0: true})
	if err := p.HandleRequest(0, 0, 16384); err == nil {
		t.Fatal("expected error: am_choking defaults true")
	}
	p.AmChoking = false
	if err := p.HandleRequest(0, 0, 16384); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if err := p.HandleRequest(1, 0, 16384); err == nil {
		t.Fatal("expected error: piece not owned")
	}
}

func TestHandleHaveSignalsInterest(t *testing.T) {
	p, _ := newTestPeer(t, map[uint32]bool{0: true})
	if !p.HandleHave(1) {
		t.Fatal("expected interest signal for unowned piece")
	}
	if p.HandleHave(0) {
		t.Fatal("expected no interest signal for owned piece")
	}
}
