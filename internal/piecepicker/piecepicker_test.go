package piecepicker

import (
	"testing"

	"github.com/coriolis-labs/swarmtorrent/internal/bitfield"
)

var peerA = PeerID{1}
var peerB = PeerID{2}

// fakeSrc hands out one block per piece for simplicity.
type fakeSrc struct {
	done map[uint32]bool
}

func (f *fakeSrc) HasBuffer(index uint32) bool { return !f.done[index] }
func (f *fakeSrc) MissingBlocks(index uint32) []BlockRequest {
	if f.done[index] {
		return nil
	}
	return []BlockRequest{{PieceIndex: index, Begin: 0, Length: 16384}}
}

func bf(n int, set ...uint32) *bitfield.Bitfield {
	b := bitfield.New(uint32(n))
	for _, i := range set {
		b.Set(i)
	}
	return b
}

func TestRarestFirstOrdering(t *testing.T) {
	pp := New(4, bitfield.New(4))
	// piece 0: both peers have it (availability 2)
	// piece 1: only peerA has it (availability 1, rarer)
	pp.HandlePeerBitfield(peerA, bf(4, 0, 1))
	pp.HandlePeerBitfield(peerB, bf(4, 0))

	cand := pp.candidatePieces(peerA)
	if len(cand) != 2 || cand[0] != 1 || cand[1] != 0 {
		t.Fatalf("expected rarest-first [1,0], got %v", cand)
	}
}

func TestAssignSkipsInFlightOutsideEndgame(t *testing.T) {
	pp := New(8, bitfield.New(8))
	pp.HandlePeerBitfield(peerA, bf(8, 0))
	pp.HandlePeerBitfield(peerB, bf(8, 0))
	src := &fakeSrc{done: map[uint32]bool{}}

	got := pp.Assign(peerA, 1, src)
	if len(got) != 1 {
		t.Fatalf("expected 1 block assigned to peerA, got %d", len(got))
	}
	// Outside endgame, peerB should not get the same in-flight block.
	got2 := pp.Assign(peerB, 1, src)
	if len(got2) != 0 {
		t.Fatalf("expected no block assigned to peerB (already in flight), got %d", len(got2))
	}
}

func TestAssignAllowsDuplicateInEndgame(t *testing.T) {
	pp := New(4, bf(4, 1, 2, 3)) // only piece 0 missing, numPieces=4 -> threshold=4 -> endgame
	pp.HandlePeerBitfield(peerA, bf(4, 0))
	pp.HandlePeerBitfield(peerB, bf(4, 0))
	src := &fakeSrc{done: map[uint32]bool{}}

	if !pp.Endgame() {
		t.Fatal("expected endgame active")
	}
	got := pp.Assign(peerA, 1, src)
	if len(got) != 1 {
		t.Fatalf("expected 1 block assigned to peerA, got %d", len(got))
	}
	got2 := pp.Assign(peerB, 1, src)
	if len(got2) != 1 {
		t.Fatalf("expected duplicate assignment to peerB in endgame, got %d", len(got2))
	}
}

func TestContributingPiecePreferred(t *testing.T) {
	pp := New(4, bitfield.New(4))
	pp.HandlePeerBitfield(peerA, bf(4, 0, 1))
	pp.MarkContributing(peerA, 1) // peerA already sent a block for piece 1
	src := &fakeSrc{done: map[uint32]bool{}}

	got := pp.Assign(peerA, 1, src)
	if len(got) != 1 || got[0].PieceIndex != 1 {
		t.Fatalf("expected piece 1 (contributing) preferred, got %+v", got)
	}
}

func TestHandleDisconnectFreesInFlight(t *testing.T) {
	pp := New(4, bitfield.New(4))
	pp.HandlePeerBitfield(peerA, bf(4, 0))
	src := &fakeSrc{done: map[uint32]bool{}}
	pp.Assign(peerA, 1, src)

	pp.HandleDisconnect(peerA)
	if pp.isInFlightAnywhere(0, 0) {
		t.Fatal("expected in-flight block freed after disconnect")
	}
}

func TestAcceptBlockReportsEndgameLosers(t *testing.T) {
	pp := New(4, bf(4, 1, 2, 3)) // only piece 0 missing -> endgame
	pp.HandlePeerBitfield(peerA, bf(4, 0))
	pp.HandlePeerBitfield(peerB, bf(4, 0))
	src := &fakeSrc{done: map[uint32]bool{}}

	pp.Assign(peerA, 1, src)
	pp.Assign(peerB, 1, src)

	losers := pp.AcceptBlock(0, 0, peerA)
	if len(losers) != 1 || losers[0] != peerB {
		t.Fatalf("expected peerB reported as loser, got %v", losers)
	}
	if pp.isInFlightAnywhere(0, 0) {
		t.Fatal("expected block bookkeeping cleared after AcceptBlock")
	}
}

func TestReleasePieceClearsInFlight(t *testing.T) {
	pp := New(4, bitfield.New(4))
	pp.HandlePeerBitfield(peerA, bf(4, 0))
	src := &fakeSrc{done: map[uint32]bool{}}
	pp.Assign(peerA, 1, src)

	pp.ReleasePiece(0)
	if pp.isInFlightAnywhere(0, 0) {
		t.Fatal("expected in-flight bookkeeping cleared after ReleasePiece")
	}
}
