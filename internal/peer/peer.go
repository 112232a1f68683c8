// Package peer implements the per-peer protocol state machine:
// choke/interest bookkeeping, outstanding request tracking with
// per-block deadlines and a three-strike drop rule, and the effects of
// each inbound message. Layered on top of this module's own
// internal/peerconn duplex connection and internal/peerprotocol wire
// codec.
package peer

import (
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/bitfield"
	"github.com/coriolis-labs/swarmtorrent/internal/peerconn"
	"github.com/coriolis-labs/swarmtorrent/internal/peerprotocol"
	"github.com/coriolis-labs/swarmtorrent/internal/speedcounter"
	"github.com/coriolis-labs/swarmtorrent/internal/swarmerrors"
)

// blockKey identifies one outstanding request.
type blockKey struct {
	Index, Begin uint32
}

type outstandingRequest struct {
	length   uint32
	deadline time.Time
	issuedAt time.Time
}

// minRequestTimeout and rttMultiplier implement the
// `max(10s, 3x current adaptive RTT estimate)` deadline formula.
const (
	minRequestTimeout = 10 * time.Second
	rttMultiplier     = 3
)

// maxConsecutiveTimeouts is the three-strike drop threshold.
const maxConsecutiveTimeouts = 3

// maxHashFailStrikes is the three-strike drop threshold for peers that
// contributed to pieces which failed hash verification.
const maxHashFailStrikes = 3

// Peer is the protocol-level state for one connected peer.
type Peer struct {
	ID   [20]byte
	Conn *peerconn.Conn

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	Bitfield *bitfield.Bitfield // peer's announced pieces; nil until first Bitfield/Have

	// Incoming records which side dialed, purely for accounting
	// (MaxPeerAccept counts incoming connections, MaxPeerDial counts
	// outgoing ones); set by the caller after New.
	Incoming bool

	numPieces int
	numOwned  func(index uint32) bool // local "do we have piece i" check, injected

	outstanding map[blockKey]outstandingRequest
	rttEstimate time.Duration

	consecutiveTimeouts int
	hashFailStrikes     int

	DownloadSpeed *speedcounter.Counter
	UploadSpeed   *speedcounter.Counter

	BytesDownloadedInChokePeriod int64
	BytesUploadedInChokePeriod   int64

	// OptimisticUnchoked marks a peer unchoked by the rotating optimistic
	// slot rather than by download/upload rate, so the
	// regular choke round leaves it alone.
	OptimisticUnchoked bool

	lastSentAt time.Time
	lastRecvAt time.Time
}

// New creates protocol state for a freshly handshaked peer.
func New(id [20]byte, conn *peerconn.Conn, numPieces int, weOwn func(uint32) bool, now time.Time) *Peer {
	return &Peer{
		ID:             id,
		Conn:           conn,
		AmChoking:      true,
		PeerChoking:    true,
		numPieces:      numPieces,
		numOwned:       weOwn,
		outstanding:    make(map[blockKey]outstandingRequest),
		rttEstimate:    minRequestTimeout / rttMultiplier,
		DownloadSpeed:  speedcounter.New(),
		UploadSpeed:    speedcounter.New(),
		lastSentAt:     now,
		lastRecvAt:     now,
	}
}

// requestDeadline returns the per-block timeout.
func (p *Peer) requestDeadline() time.Duration {
	d := p.rttEstimate * rttMultiplier
	if d < minRequestTimeout {
		d = minRequestTimeout
	}
	return d
}

// SendRequest queues a block request and starts its deadline.
func (p *Peer) SendRequest(index, begin, length uint32, now time.Time) {
	p.outstanding[blockKey{index, begin}] = outstandingRequest{
		length:   length,
		deadline: now.Add(p.requestDeadline()),
		issuedAt: now,
	}
	p.Conn.Send(peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length})
	p.lastSentAt = now
}

// SendCancel cancels an outstanding request, e.g. for an endgame loser
// or an abandoned download.
func (p *Peer) SendCancel(index, begin, length uint32) {
	delete(p.outstanding, blockKey{index, begin})
	p.Conn.Send(peerprotocol.CancelMessage{Index: index, Begin: begin, Length: length})
}

// SendInterested/SendNotInterested/SendChoke/SendUnchoke update local
// intent state and notify the peer.
func (p *Peer) SendInterested() {
	if !p.AmInterested {
		p.AmInterested = true
		p.Conn.Send(peerprotocol.NewInterestedMessage())
	}
}

func (p *Peer) SendNotInterested() {
	if p.AmInterested {
		p.AmInterested = false
		p.Conn.Send(peerprotocol.NewNotInterestedMessage())
	}
}

func (p *Peer) SendChoke() {
	if !p.AmChoking {
		p.AmChoking = true
		p.Conn.Send(peerprotocol.NewChokeMessage())
	}
}

func (p *Peer) SendUnchoke() {
	if p.AmChoking {
		p.AmChoking = false
		p.Conn.Send(peerprotocol.NewUnchokeMessage())
	}
}

// ReceivedPiece is the result of matching an inbound Piece message
// against outstanding requests.
type ReceivedPiece struct {
	Index, Begin uint32
	Data         []byte
	Matched      bool
	// RTTSample is the elapsed time between the matching Request and
	// this Piece, valid only when Matched is true.
	RTTSample time.Duration
}

// HandleChoke clears all outstanding requests, returning their block keys
// so the caller (scheduler) can return them to "missing".
func (p *Peer) HandleChoke() []blockKey {
	p.PeerChoking = true
	var revoked []blockKey
	for k := range p.outstanding {
		revoked = append(revoked, k)
	}
	p.outstanding = make(map[blockKey]outstandingRequest)
	return revoked
}

// HandleUnchoke marks the peer as unchoked; pipeline filling is done by
// the scheduler via piecepicker.Assign.
func (p *Peer) HandleUnchoke() {
	p.PeerChoking = false
}

// HandleInterested/HandleNotInterested update remote interest state.
func (p *Peer) HandleInterested()    { p.PeerInterested = true }
func (p *Peer) HandleNotInterested() { p.PeerInterested = false }

// HandleHave sets bit index in the peer's bitfield, allocating it on
// first use. Returns true if the local side should become interested
// in this peer as a result.
func (p *Peer) HandleHave(index uint32) bool {
	if p.Bitfield == nil {
		p.Bitfield = bitfield.New(uint32(p.numPieces))
	}
	p.Bitfield.Set(index)
	return !p.numOwned(index)
}

// HandleBitfield replaces the peer's bitfield. It is only valid as the
// first message after handshake; callers must enforce that ordering and
// treat a second Bitfield as ErrProtocol.
func (p *Peer) HandleBitfield(bf *bitfield.Bitfield) {
	p.Bitfield = bf
}

// HandleRequest validates an inbound Request against the choke state and
// length bounds, returning an error to drop silently on (never itself
// an inbound-level error that drops the peer).
func (p *Peer) HandleRequest(index, begin, length uint32) error {
	if p.AmChoking {
		return swarmerrors.Protocol("request while choking peer")
	}
	if length > peerprotocol.MaxAllowedBlockSize {
		return swarmerrors.Protocol("request exceeds max allowed block size")
	}
	if !p.numOwned(index) {
		return swarmerrors.Protocol("request for piece we do not own")
	}
	return nil
}

// HandlePiece matches an inbound Piece against outstanding requests. If
// unmatched it is discarded; on a match the deadline entry is
// removed and a consecutive-timeout counter reset.
func (p *Peer) HandlePiece(index, begin uint32, data []byte, now time.Time) ReceivedPiece {
	key := blockKey{index, begin}
	req, ok := p.outstanding[key]
	if !ok {
		return ReceivedPiece{Index: index, Begin: begin, Data: data, Matched: false}
	}
	delete(p.outstanding, key)
	p.consecutiveTimeouts = 0
	p.lastRecvAt = now
	p.DownloadSpeed.AddBytes(int64(len(data)), now.UnixMilli())
	p.BytesDownloadedInChokePeriod += int64(len(data))
	return ReceivedPiece{Index: index, Begin: begin, Data: data, Matched: true, RTTSample: now.Sub(req.issuedAt)}
}

// Touch refreshes the last-received-message timestamp used by IdleFor.
// Called for every inbound message, not just Piece, so a chatty but
// slow peer (e.g. only sending keep-alives) is not mistaken for an idle
// one.
func (p *Peer) Touch(now time.Time) { p.lastRecvAt = now }

// TimedOutBlock is one outstanding block whose deadline elapsed.
type TimedOutBlock struct {
	Index, Begin uint32
}

// CheckTimeouts scans outstanding requests for expired deadlines,
// removing them and incrementing the consecutive-timeout strike counter.
// It returns the timed-out blocks and whether the peer should now be
// dropped (three consecutive timeouts).
func (p *Peer) CheckTimeouts(now time.Time) (timedOut []TimedOutBlock, drop bool) {
	for k, req := range p.outstanding {
		if now.After(req.deadline) {
			timedOut = append(timedOut, TimedOutBlock{Index: k.Index, Begin: k.Begin})
			delete(p.outstanding, k)
			p.consecutiveTimeouts++
		}
	}
	return timedOut, p.consecutiveTimeouts >= maxConsecutiveTimeouts
}

// RecordHashFailure counts one strike against a peer that contributed a
// block to a piece which then failed hash verification, and reports
// whether the peer should now be dropped (three such strikes).
func (p *Peer) RecordHashFailure() bool {
	p.hashFailStrikes++
	return p.hashFailStrikes >= maxHashFailStrikes
}

// UpdateRTT feeds a fresh round-trip sample (time from request to
// matching piece) into the adaptive RTT estimate used by
// requestDeadline. A simple exponential moving average keeps this cheap
// and avoids importing a dedicated stats package for one smoothed value.
func (p *Peer) UpdateRTT(sample time.Duration) {
	if p.rttEstimate == 0 {
		p.rttEstimate = sample
		return
	}
	const alpha = 0.125
	p.rttEstimate = time.Duration(float64(p.rttEstimate)*(1-alpha) + float64(sample)*alpha)
}

// IdleFor reports how long it has been since the last message was
// received, for the 150s drop check.
func (p *Peer) IdleFor(now time.Time) time.Duration { return now.Sub(p.lastRecvAt) }

// OutstandingCount returns the number of in-flight requests to this peer.
func (p *Peer) OutstandingCount() int { return len(p.outstanding) }

// IsOutstanding reports whether block (index, begin) is currently
// requested from this peer.
func (p *Peer) IsOutstanding(index, begin uint32) bool {
	_, ok := p.outstanding[blockKey{index, begin}]
	return ok
}

// ResetChokePeriodStats zeroes the per-choke-round byte counters used by
// the choking algorithm, called at the start of each 10s
// round.
func (p *Peer) ResetChokePeriodStats() {
	p.BytesDownloadedInChokePeriod = 0
	p.BytesUploadedInChokePeriod = 0
}

// RecordUpload accounts for bytes sent in a Piece message, feeding both
// the per-round choke-algorithm stat and the smoothed upload speed.
func (p *Peer) RecordUpload(n int64, now time.Time) {
	p.BytesUploadedInChokePeriod += n
	p.UploadSpeed.AddBytes(n, now.UnixMilli())
	p.lastSentAt = now
}
