// Package piecepicker implements rarest-first piece prioritization and
// endgame block assignment: one PiecePicker per torrent, called from
// session/run.go's DoesHave/HandleDisconnect/HandleCancelDownload
// sites, among others.
package piecepicker

import (
	"sort"

	"github.com/coriolis-labs/swarmtorrent/internal/bitfield"
)

// PeerID identifies a peer for accounting purposes.
type PeerID = [20]byte

// PiecePicker tracks piece availability across the swarm and decides which
// blocks to assign to which peer.
type PiecePicker struct {
	numPieces int
	have      *bitfield.Bitfield // pieces we already have

	// inFlight maps piece index -> block offset -> the set of peers a
	// request for that block is currently outstanding to. In endgame more
	// than one peer can hold the same block; AcceptBlock reports the
	// losers so the caller can cancel them.
	inFlight map[uint32]map[uint32]map[PeerID]struct{}

	availability []int              // per-piece count of peers known to have it
	peerBitfield map[PeerID]*bitfield.Bitfield
	snubbed      map[PeerID]bool
	contributing map[uint32]map[PeerID]bool // piece index -> peers that already sent us a block for it

	endgame bool
}

// New creates a picker for a torrent with numPieces pieces, given the
// local bitfield (pieces already held).
func New(numPieces int, have *bitfield.Bitfield) *PiecePicker {
	return &PiecePicker{
		numPieces:    numPieces,
		have:         have,
		inFlight:     make(map[uint32]map[uint32]map[PeerID]struct{}),
		availability: make([]int, numPieces),
		peerBitfield: make(map[PeerID]*bitfield.Bitfield),
		snubbed:      make(map[PeerID]bool),
		contributing: make(map[uint32]map[PeerID]bool),
	}
}

// HandlePeerBitfield registers/updates the pieces a peer has, adjusting
// availability counts accordingly.
func (pp *PiecePicker) HandlePeerBitfield(id PeerID, bf *bitfield.Bitfield) {
	if old, ok := pp.peerBitfield[id]; ok {
		for i := 0; i < pp.numPieces; i++ {
			if old.Test(uint32(i)) {
				pp.availability[i]--
			}
		}
	}
	pp.peerBitfield[id] = bf
	for i := 0; i < pp.numPieces; i++ {
		if bf.Test(uint32(i)) {
			pp.availability[i]++
		}
	}
}

// HandleHave updates a single-bit have announcement from a peer.
func (pp *PiecePicker) HandleHave(id PeerID, index uint32) {
	bf, ok := pp.peerBitfield[id]
	if !ok {
		bf = bitfield.New(uint32(pp.numPieces))
		pp.peerBitfield[id] = bf
	}
	if !bf.Test(index) {
		bf.Set(index)
		pp.availability[index]++
	}
}

// DoesHave reports whether peer id is known to have piece index.
func (pp *PiecePicker) DoesHave(id PeerID, index uint32) bool {
	bf, ok := pp.peerBitfield[id]
	if !ok {
		return false
	}
	return bf.Test(index)
}

// HandleDisconnect removes a peer's bitfield from availability accounting.
func (pp *PiecePicker) HandleDisconnect(id PeerID) {
	if bf, ok := pp.peerBitfield[id]; ok {
		for i := 0; i < pp.numPieces; i++ {
			if bf.Test(uint32(i)) {
				pp.availability[i]--
			}
		}
		delete(pp.peerBitfield, id)
	}
	delete(pp.snubbed, id)
	for _, blocks := range pp.inFlight {
		for _, peers := range blocks {
			delete(peers, id)
		}
	}
}

// HandleSnubbed marks a peer as snubbed (slow on piece index). Assign
// does not consult the snubbed set, so the mark does not change which
// blocks the peer is given.
func (pp *PiecePicker) HandleSnubbed(id PeerID, index uint32) {
	pp.snubbed[id] = true
}

// ClearSnubbed un-marks a peer, e.g. after it resumes sending at a healthy
// rate.
func (pp *PiecePicker) ClearSnubbed(id PeerID) {
	delete(pp.snubbed, id)
}

// HandleCancelDownload releases any blocks in flight to id for piece index.
func (pp *PiecePicker) HandleCancelDownload(id PeerID, index uint32) {
	for _, peers := range pp.inFlight[index] {
		delete(peers, id)
	}
}

// ReleasePiece drops all in-flight bookkeeping for piece index, for every
// peer, e.g. when its buffer has stalled past the piece timeout and every
// outstanding block should be re-requestable from scratch.
func (pp *PiecePicker) ReleasePiece(index uint32) {
	delete(pp.inFlight, index)
}

// MarkContributing records that peer id has sent at least one block for
// piece index, feeding preference-order rule (a).
func (pp *PiecePicker) MarkContributing(id PeerID, index uint32) {
	m, ok := pp.contributing[index]
	if !ok {
		m = make(map[PeerID]bool)
		pp.contributing[index] = m
	}
	m[id] = true
}

// MarkHave records that we now have piece index (e.g. after verification),
// removing it from further picking.
func (pp *PiecePicker) MarkHave(index uint32) {
	pp.have.Set(index)
	delete(pp.inFlight, index)
	delete(pp.contributing, index)
}

// MarkMissing returns a piece to the missing pool, e.g. after a failed
// hash check.
func (pp *PiecePicker) MarkMissing(index uint32) {
	pp.have.Clear(index)
	delete(pp.inFlight, index)
	delete(pp.contributing, index)
}

func (pp *PiecePicker) missingCount() int {
	n := 0
	for i := 0; i < pp.numPieces; i++ {
		if !pp.have.Test(uint32(i)) {
			n++
		}
	}
	return n
}

// Endgame reports whether endgame mode is active: missing pieces <= max(1%
// of P, 4).
func (pp *PiecePicker) Endgame() bool {
	missing := pp.missingCount()
	threshold := pp.numPieces / 100
	if threshold < 4 {
		threshold = 4
	}
	return missing <= threshold
}

// candidatePieces returns, for peer id, the indices of pieces it has that
// we lack, sorted rarest-first with index as tiebreak.
func (pp *PiecePicker) candidatePieces(id PeerID) []uint32 {
	bf, ok := pp.peerBitfield[id]
	if !ok {
		return nil
	}
	var cand []uint32
	for i := 0; i < pp.numPieces; i++ {
		if pp.have.Test(uint32(i)) {
			continue
		}
		if !bf.Test(uint32(i)) {
			continue
		}
		cand = append(cand, uint32(i))
	}
	sort.Slice(cand, func(a, b int) bool {
		ia, ib := cand[a], cand[b]
		if pp.availability[ia] != pp.availability[ib] {
			return pp.availability[ia] < pp.availability[ib]
		}
		return ia < ib
	})
	return cand
}

// isInFlightAnywhere reports whether block offset of piece index is
// requested from any peer.
func (pp *PiecePicker) isInFlightAnywhere(index, offset uint32) bool {
	return len(pp.inFlight[index][offset]) > 0
}

// isInFlightToPeer reports whether block offset of piece index is already
// requested from id specifically.
func (pp *PiecePicker) isInFlightToPeer(index, offset uint32, id PeerID) bool {
	_, ok := pp.inFlight[index][offset][id]
	return ok
}

// markInFlight records that block offset of piece index is now requested
// from id, in addition to any peer it is already requested from.
func (pp *PiecePicker) markInFlight(index, offset uint32, id PeerID) {
	m, ok := pp.inFlight[index]
	if !ok {
		m = make(map[uint32]map[PeerID]struct{})
		pp.inFlight[index] = m
	}
	peers, ok := m[offset]
	if !ok {
		peers = make(map[PeerID]struct{})
		m[offset] = peers
	}
	peers[id] = struct{}{}
}

// AcceptBlock records that winner's copy of block offset of piece index
// was the one accepted, and returns every other peer the block was also
// requested from (the endgame losers), clearing the block's bookkeeping
// entirely. Callers must send each returned peer a Cancel for this block.
func (pp *PiecePicker) AcceptBlock(index, offset uint32, winner PeerID) []PeerID {
	peers, ok := pp.inFlight[index][offset]
	if !ok {
		return nil
	}
	losers := make([]PeerID, 0, len(peers))
	for id := range peers {
		if id != winner {
			losers = append(losers, id)
		}
	}
	delete(pp.inFlight[index], offset)
	return losers
}

// BlockRequest is one block to request from a specific peer.
type BlockRequest struct {
	PieceIndex uint32
	Begin      uint32
	Length     uint32
}

// MissingBlockSource abstracts the scheduler's in-flight piece buffers, so
// the picker can ask "what blocks remain for piece i" without depending on
// package piece directly.
type MissingBlockSource interface {
	MissingBlocks(pieceIndex uint32) []BlockRequest
	HasBuffer(pieceIndex uint32) bool
}

// Assign picks up to n blocks to request next from peer id, in
// preference order: (a) blocks in pieces this peer already contributes
// to, (b) the rarest piece it has that we lack, (c) any piece it has
// that we lack. It never re-assigns a block already in flight to id, and
// outside endgame never re-assigns a block in flight anywhere.
func (pp *PiecePicker) Assign(id PeerID, n int, src MissingBlockSource) []BlockRequest {
	if n <= 0 {
		return nil
	}
	endgame := pp.Endgame()
	var out []BlockRequest

	tryPiece := func(index uint32) {
		if !src.HasBuffer(index) {
			return
		}
		for _, blk := range src.MissingBlocks(index) {
			if len(out) >= n {
				return
			}
			if pp.isInFlightToPeer(blk.PieceIndex, blk.Begin, id) {
				continue
			}
			if !endgame && pp.isInFlightAnywhere(blk.PieceIndex, blk.Begin) {
				continue
			}
			pp.markInFlight(blk.PieceIndex, blk.Begin, id)
			out = append(out, blk)
		}
	}

	// (a) pieces this peer is already contributing to.
	var contributingHere []uint32
	for index, peers := range pp.contributing {
		if peers[id] {
			contributingHere = append(contributingHere, index)
		}
	}
	sort.Slice(contributingHere, func(a, b int) bool { return contributingHere[a] < contributingHere[b] })
	for _, index := range contributingHere {
		if len(out) >= n {
			return out
		}
		tryPiece(index)
	}

	// (b) and (c): rarest-first ordering already produced by
	// candidatePieces handles both, since the full candidate list is
	// sorted rarest-first and anything the peer has and we lack is
	// eligible.
	for _, index := range pp.candidatePieces(id) {
		if len(out) >= n {
			break
		}
		tryPiece(index)
	}
	return out
}
