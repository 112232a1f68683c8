package session

import (
	"crypto/sha1"
	"fmt"
	"net"
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/acceptor"
	"github.com/coriolis-labs/swarmtorrent/internal/addrlist"
	"github.com/coriolis-labs/swarmtorrent/internal/allocator"
	"github.com/coriolis-labs/swarmtorrent/internal/announcer"
	"github.com/coriolis-labs/swarmtorrent/internal/bitfield"
	"github.com/coriolis-labs/swarmtorrent/internal/clock"
	"github.com/coriolis-labs/swarmtorrent/internal/handshaker/incominghandshaker"
	"github.com/coriolis-labs/swarmtorrent/internal/handshaker/outgoinghandshaker"
	"github.com/coriolis-labs/swarmtorrent/internal/logger"
	"github.com/coriolis-labs/swarmtorrent/internal/peer"
	"github.com/coriolis-labs/swarmtorrent/internal/peerconn"
	"github.com/coriolis-labs/swarmtorrent/internal/peerprotocol"
	"github.com/coriolis-labs/swarmtorrent/internal/piece"
	"github.com/coriolis-labs/swarmtorrent/internal/piecepicker"
	"github.com/coriolis-labs/swarmtorrent/internal/piecewriter"
	"github.com/coriolis-labs/swarmtorrent/internal/storage/filestorage"
	"github.com/coriolis-labs/swarmtorrent/internal/swarmerrors"
	"github.com/coriolis-labs/swarmtorrent/internal/tracker"
	"github.com/coriolis-labs/swarmtorrent/internal/verifier"
)

// ourExtensionsMask is the one reserved-byte mask this torrent ever sends;
// computed once since every connection advertises the same capability
// set.
var ourExtensionsMask = ourExtensions()

func sha1Sum(b []byte) [20]byte { return sha1.Sum(b) }

// maxOutstandingPerPeer bounds the pipeline depth of block requests kept
// in flight to a single peer, keeping the pipe full without letting one
// fast peer monopolize the request queue.
const maxOutstandingPerPeer = 8

// speedTickInterval is how often the download/upload EWMA rate
// estimates are advanced, matching the 5-second tick the go-metrics
// EWMA1/EWMA5/EWMA15 implementations are calibrated for.
const speedTickInterval = 5 * time.Second

// stallCheckInterval is how often in-flight piece buffers are swept for
// staleness.
const stallCheckInterval = 10 * time.Second

// run is the torrent's single-goroutine event loop. Every field access
// outside this goroutine happens only through one of the channels
// selected on below.
func (t *torrent) run() {
	var dhtPeersC chan []*net.TCPAddr
	if t.dhtAnnouncer != nil {
		dhtPeersC = t.dhtAnnouncer.PeersC()
	}
	for {
		select {
		case doneC := <-t.closeC:
			t.closeLoop()
			close(doneC)
			return
		case <-t.startCommandC:
			t.start()
		case <-t.stopCommandC:
			t.stop(nil)
		case req := <-t.statsCommandC:
			req.Response <- t.stats()
		case p := <-t.allocatorProgressC:
			t.bytesAllocated = p.AllocatedSize
		case al := <-t.allocatorResultC:
			t.handleAllocationDone(al)
		case p := <-t.verifierProgressC:
			t.checkedPieces = p.Checked
		case ve := <-t.verifierResultC:
			t.handleVerificationDone(ve)
		case addrs := <-t.announcerPeersC:
			t.handleNewPeers(addrs, addrlist.Tracker)
		case addrs := <-dhtPeersC:
			t.handleNewPeers(addrs, addrlist.DHT)
		case conn := <-t.incomingConnC:
			t.handleIncomingConn(conn)
		case req := <-t.announcerRequestC:
			select {
			case req.Response <- announcer.Response{Torrent: t.announceSnapshot()}:
			case <-req.Cancel:
			}
		case pw := <-t.pieceWriterResultC:
			t.handlePieceWritten(pw)
		case <-tickerC(t.resumeWriteTicker):
			if t.bitfieldDirty {
				t.writeBitfield(true)
			}
		case <-tickerC(t.statsWriteTicker):
			t.writeStats()
		case <-tickerC(t.unchokeTimer):
			t.tickUnchoke()
		case <-tickerC(t.optimisticUnchokeTimer):
			t.tickOptimisticUnchoke()
		case <-tickerC(t.timeoutCheckTicker):
			t.checkPeerTimeouts()
		case <-tickerC(t.stallCheckTicker):
			t.checkStalledPieces()
		case <-tickerC(t.speedTicker):
			t.downloadSpeed.Tick()
			t.uploadSpeed.Tick()
		case ih := <-t.incomingHandshakerResultC:
			t.handleIncomingHandshakeResult(ih)
		case oh := <-t.outgoingHandshakerResultC:
			t.handleOutgoingHandshakeResult(oh)
		case pe := <-t.peerDisconnectedC:
			t.closePeer(pe)
		case ev := <-t.peerEventsC:
			t.handlePeerEvent(ev)
		}
	}
}

// tickerC returns tk.C(), or a nil channel (which blocks forever in a
// select) when tk itself is nil, e.g. before start() has created the
// timers.
func tickerC(tk clock.Ticker) <-chan time.Time {
	if tk == nil {
		return nil
	}
	return tk.C()
}

// start transitions a stopped torrent to started: opens/verifies files
// if needed, opens the listening socket, begins tracker/DHT announcing,
// and starts the periodic timers. Idempotent.
func (t *torrent) start() {
	if t.status == statusStarted {
		return
	}
	t.status = statusStarted
	t.startedAt = t.clock.Now()
	t.lastError = nil

	t.unchokeTimer = t.clock.NewTicker(t.config.ChokeRoundInterval)
	t.optimisticUnchokeTimer = t.clock.NewTicker(t.config.OptimisticChokeRoundInterval)
	t.resumeWriteTicker = t.clock.NewTicker(t.config.BitfieldWriteInterval)
	t.statsWriteTicker = t.clock.NewTicker(t.config.StatsWriteInterval)
	t.timeoutCheckTicker = t.clock.NewTicker(time.Second)
	t.speedTicker = t.clock.NewTicker(speedTickInterval)
	t.stallCheckTicker = t.clock.NewTicker(stallCheckInterval)

	a, err := acceptor.New(fmt.Sprintf(":%d", t.port), t.incomingConnC, t.log)
	if err != nil {
		t.log.Errorln("cannot listen for incoming peers:", err)
	} else {
		t.acceptor = a
		go t.acceptor.Run()
	}

	for _, tr := range t.trackers {
		an := announcer.NewPeriodicalAnnouncer(tr, 50, time.Minute, t.announcerRequestC, t.announcerPeersC, t.log)
		t.announcers = append(t.announcers, an)
		go an.Run()
	}
	if t.dhtAnnouncer != nil {
		go t.dhtAnnouncer.Run()
	}

	if t.info != nil && t.fileIdx == nil {
		t.allocatorStopC = make(chan struct{})
		t.allocator = allocator.New(t.storage, storageFileInfos(t.info))
		go t.allocator.Run(t.allocatorProgressC, t.allocatorResultC, t.allocatorStopC)
	} else if t.info != nil {
		t.dialAddresses()
	}
}

// stop transitions a started torrent to stopped. cause, if non-nil, is
// surfaced to anyone waiting on the torrent's error channel; a nil
// cause means a clean, user-requested stop.
func (t *torrent) stop(cause error) {
	if t.status != statusStarted {
		return
	}
	t.status = statusStopped
	t.lastError = cause
	if cause != nil {
		t.log.Errorln("torrent stopped with error:", cause)
	}

	if t.unchokeTimer != nil {
		t.unchokeTimer.Stop()
	}
	if t.optimisticUnchokeTimer != nil {
		t.optimisticUnchokeTimer.Stop()
	}
	if t.resumeWriteTicker != nil {
		t.resumeWriteTicker.Stop()
	}
	if t.statsWriteTicker != nil {
		t.statsWriteTicker.Stop()
	}
	if t.timeoutCheckTicker != nil {
		t.timeoutCheckTicker.Stop()
	}
	if t.speedTicker != nil {
		t.speedTicker.Stop()
	}
	if t.stallCheckTicker != nil {
		t.stallCheckTicker.Stop()
	}

	if t.acceptor != nil {
		t.acceptor.Close()
		t.acceptor = nil
	}
	if t.allocatorStopC != nil {
		close(t.allocatorStopC)
		t.allocatorStopC = nil
	}
	if t.verifierStopC != nil {
		close(t.verifierStopC)
		t.verifierStopC = nil
	}

	for _, an := range t.announcers {
		an.Close()
	}
	t.announcers = nil
	if t.dhtAnnouncer != nil {
		t.dhtAnnouncer.Close()
	}
	if len(t.trackers) > 0 {
		t.stoppedEventAnnouncer = announcer.NewStopAnnouncer(t.trackers, t.announcerRequestC, t.config.StopTimeout, t.log)
		go t.stoppedEventAnnouncer.Run()
	}

	for pe := range t.peers {
		pe.Close()
	}
	for ih := range t.incomingHandshakers {
		ih.Conn.Close()
	}
	t.connectedPeerIPs = make(map[string]struct{})

	if cause != nil && cause != errClosed {
		t.errC <- cause
	}
}

var errClosed = fmt.Errorf("torrent: closed")

// closeLoop is the terminal cleanup run exactly once, from the closeC
// branch of run(), before the event loop returns.
func (t *torrent) closeLoop() {
	t.stop(errClosed)
	if t.stoppedEventAnnouncer != nil {
		t.stoppedEventAnnouncer.Close()
	}
	for _, f := range t.files {
		f.Close()
	}
}

func (t *torrent) handleAllocationDone(al *allocator.Allocator) {
	t.allocator = nil
	t.allocatorStopC = nil
	if al.Error != nil {
		t.stop(al.Error)
		return
	}
	t.files = al.Files
	t.fileIdx = filestorage.NewIndex(t.files)

	t.verifierStopC = make(chan struct{})
	t.verifier = verifier.New(t.fileIdx, t.pieces, sha1Sum)
	go t.verifier.Run(t.verifierProgressC, t.verifierResultC, t.verifierStopC)
}

func (t *torrent) handleVerificationDone(ve *verifier.Verifier) {
	t.verifier = nil
	t.verifierStopC = nil
	if ve.Bitfield == nil {
		return // stopped mid-verify
	}
	t.bitfield = ve.Bitfield
	t.piecePicker = piecepicker.New(len(t.pieces), t.bitfield)
	t.completed = t.bitfield.All()
	t.log.Infof("verified %d/%d pieces", t.bitfield.Count(), len(t.pieces))
	t.dialAddresses()
}

func (t *torrent) handleNewPeers(addrs []*net.TCPAddr, source addrlist.PeerSource) {
	if t.status != statusStarted || t.completed {
		return
	}
	t.addrList.Push(addrs, source)
	t.dialAddresses()
}

func (t *torrent) dialAddresses() {
	if t.status != statusStarted || t.completed || t.fileIdx == nil {
		return
	}
	outgoingCount := 0
	for _, pe := range t.peers {
		if !pe.Incoming {
			outgoingCount++
		}
	}
	for outgoingCount+len(t.outgoingHandshakers) < t.config.MaxPeerDial &&
		len(t.outgoingHandshakers) < t.config.MaxHalfOpenConnections {
		addr := t.addrList.Pop()
		if addr == nil {
			t.setNeedMorePeers(true)
			return
		}
		ip := addr.IP.String()
		if _, ok := t.connectedPeerIPs[ip]; ok {
			continue
		}
		if t.blocklist != nil && t.blocklist.Blocked(addr.IP) {
			continue
		}
		h := outgoinghandshaker.New(addr)
		t.outgoingHandshakers[h] = t.clock.Now()
		t.connectedPeerIPs[ip] = struct{}{}
		connectTimeout := time.Duration(t.connectStats.GetTimeout()) * time.Millisecond
		go h.Run(connectTimeout, t.config.PeerHandshakeTimeout, t.peerID, t.infoHash, t.outgoingHandshakerResultC, ourExtensionsMask, t.config.DisableOutgoingEncryption, t.config.ForceOutgoingEncryption)
	}
	t.setNeedMorePeers(false)
}

func (t *torrent) setNeedMorePeers(val bool) {
	for _, an := range t.announcers {
		an.NeedMorePeers(val)
	}
	if t.dhtAnnouncer != nil {
		t.dhtAnnouncer.NeedMorePeers(val)
	}
}

func (t *torrent) handleIncomingConn(conn net.Conn) {
	if len(t.incomingHandshakers)+len(t.peers) >= t.config.MaxPeerAccept {
		t.log.Debugln("peer limit reached, rejecting", conn.RemoteAddr())
		conn.Close()
		return
	}
	ip := conn.RemoteAddr().(*net.TCPAddr).IP
	ipstr := ip.String()
	if t.blocklist != nil && t.blocklist.Blocked(ip) {
		conn.Close()
		return
	}
	if _, ok := t.connectedPeerIPs[ipstr]; ok {
		conn.Close()
		return
	}
	h := incominghandshaker.New(conn)
	t.incomingHandshakers[h] = struct{}{}
	t.connectedPeerIPs[ipstr] = struct{}{}
	go h.Run(t.peerID, t.checkInfoHash, t.incomingHandshakerResultC, t.config.PeerHandshakeTimeout, ourExtensionsMask, t.config.ForceIncomingEncryption)
}

func (t *torrent) checkInfoHash(ih [20]byte) bool {
	return ih == t.infoHash
}

func (t *torrent) handleIncomingHandshakeResult(ih *incominghandshaker.IncomingHandshaker) {
	delete(t.incomingHandshakers, ih)
	if ih.Error != nil {
		delete(t.connectedPeerIPs, ih.Conn.RemoteAddr().(*net.TCPAddr).IP.String())
		return
	}
	l := logger.New("peer <- " + ih.Conn.RemoteAddr().String())
	t.addPeer(ih.Conn, ih.PeerID, ih.Extensions, l, true)
}

func (t *torrent) handleOutgoingHandshakeResult(oh *outgoinghandshaker.OutgoingHandshaker) {
	startedAt, tracked := t.outgoingHandshakers[oh]
	delete(t.outgoingHandshakers, oh)
	if oh.Error != nil {
		delete(t.connectedPeerIPs, oh.Addr.IP.String())
		if ne, ok := oh.Error.(net.Error); ok && ne.Timeout() {
			t.connectStats.RecordTimeout()
		}
		t.dialAddresses()
		return
	}
	if tracked {
		t.connectStats.RecordSuccess(t.clock.Now().Sub(startedAt).Milliseconds())
	}
	l := logger.New("peer -> " + oh.Conn.RemoteAddr().String())
	t.addPeer(oh.Conn, oh.PeerID, oh.Extensions, l, false)
}

func (t *torrent) addPeer(conn net.Conn, id [20]byte, extensions [8]byte, l logger.Logger, incoming bool) {
	if t.status != statusStarted {
		conn.Close()
		if incoming {
			delete(t.connectedPeerIPs, conn.RemoteAddr().(*net.TCPAddr).IP.String())
		}
		return
	}
	if _, dup := t.peers[id]; dup {
		l.Debugln("peer with same id already connected")
		conn.Close()
		if incoming {
			delete(t.connectedPeerIPs, conn.RemoteAddr().(*net.TCPAddr).IP.String())
		}
		t.dialAddresses()
		return
	}
	fastExt := extensions[7]&0x04 != 0
	extProto := extensions[5]&0x10 != 0
	pc := peerconn.New(conn, l, fastExt, extProto)
	numPieces := 0
	if t.info != nil {
		numPieces = len(t.pieces)
	}
	pe := peer.New(id, pc, numPieces, t.doesHave, t.clock.Now())
	pe.Incoming = incoming
	t.peers[id] = pe
	go pe.Run(t.peerEventsC, t.peerDisconnectedC)
	t.sendFirstMessages(pe)
}

func (t *torrent) sendFirstMessages(pe *peer.Peer) {
	if t.bitfield != nil && t.bitfield.Count() > 0 {
		data := make([]byte, len(t.bitfield.Bytes()))
		copy(data, t.bitfield.Bytes())
		pe.Conn.Send(peerprotocol.BitfieldMessage{Data: data})
	}
	var metadataSize uint32
	if t.info != nil {
		metadataSize = t.info.InfoSize
	}
	ip := pe.Conn.RemoteAddr().(*net.TCPAddr).IP
	hs := peerprotocol.NewExtensionHandshake(metadataSize, t.config.ExtensionHandshakeClientVersion, ip)
	payload, err := peerprotocol.EncodeExtensionPayload(hs)
	if err == nil {
		pe.Conn.Send(peerprotocol.ExtensionMessage{ExtendedMessageID: peerprotocol.ExtensionIDHandshake, Payload_: payload})
	}
}

func (t *torrent) closePeer(pe *peer.Peer) {
	pe.Close()
	delete(t.peers, pe.ID)
	delete(t.connectedPeerIPs, pe.Conn.RemoteAddr().(*net.TCPAddr).IP.String())
	if t.piecePicker != nil {
		t.piecePicker.HandleDisconnect(pe.ID)
	}
	t.dialAddresses()
}

// handlePeerEvent dispatches one inbound wire message from pe through
// the protocol state machine and the piece scheduler.
func (t *torrent) handlePeerEvent(ev peer.Event) {
	pe := ev.Peer
	if _, ok := t.peers[pe.ID]; !ok {
		return // already disconnected
	}
	now := t.clock.Now()
	pe.Touch(now)

	switch ev.Message.ID {
	case peerprotocol.Choke:
		for _, k := range pe.HandleChoke() {
			if buf, ok := t.buffers[k.Index]; ok {
				buf.RevokeInFlight(k.Begin)
			}
			if t.piecePicker != nil {
				t.piecePicker.HandleCancelDownload(pe.ID, k.Index)
			}
		}
	case peerprotocol.Unchoke:
		pe.HandleUnchoke()
		t.fillPipeline(pe)
	case peerprotocol.Interested:
		pe.HandleInterested()
	case peerprotocol.NotInterested:
		pe.HandleNotInterested()
	case peerprotocol.Have:
		msg, err := peerprotocol.ParseHave(ev.Message.Payload)
		if err != nil {
			t.dropPeer(pe, swarmerrors.Protocol(err.Error()))
			return
		}
		becomeInterested := pe.HandleHave(msg.Index)
		if t.piecePicker != nil {
			t.piecePicker.HandleHave(pe.ID, msg.Index)
		}
		if becomeInterested {
			pe.SendInterested()
		}
		t.fillPipeline(pe)
	case peerprotocol.Bitfield:
		numPieces := 0
		if t.info != nil {
			numPieces = len(t.pieces)
		}
		msg, err := peerprotocol.ParseBitfield(ev.Message.Payload, uint32(numPieces))
		if err != nil {
			t.dropPeer(pe, swarmerrors.Protocol(err.Error()))
			return
		}
		bf, err := bitfield.NewBytes(msg.Data, uint32(numPieces))
		if err != nil {
			t.dropPeer(pe, swarmerrors.Protocol(err.Error()))
			return
		}
		pe.HandleBitfield(bf)
		if t.piecePicker != nil {
			t.piecePicker.HandlePeerBitfield(pe.ID, bf)
		}
		t.updateInterest(pe)
		t.fillPipeline(pe)
	case peerprotocol.Request:
		msg, err := peerprotocol.ParseRequest(ev.Message.Payload)
		if err != nil {
			t.dropPeer(pe, swarmerrors.Protocol(err.Error()))
			return
		}
		t.handleRequest(pe, msg, now)
	case peerprotocol.Piece:
		msg, err := peerprotocol.ParsePiece(ev.Message.Payload)
		if err != nil {
			t.dropPeer(pe, swarmerrors.Protocol(err.Error()))
			return
		}
		t.handlePieceMessage(pe, msg, now)
	case peerprotocol.Cancel:
		// Uploads are served synchronously (handleRequest replies inline),
		// so there is no queued upload to cancel.
	case peerprotocol.Port:
		// DHT router hints from the peer's Port message are not consumed;
		// this build discovers DHT peers only via its own node's lookups.
	case peerprotocol.Extended:
		t.handleExtended(pe, ev.Message.Payload)
	}
}

func (t *torrent) dropPeer(pe *peer.Peer, err error) {
	t.log.Debugln("dropping peer", pe.Conn.RemoteAddr(), "reason:", err)
	t.closePeer(pe)
}

func (t *torrent) updateInterest(pe *peer.Peer) {
	if pe.Bitfield == nil || t.bitfield == nil {
		return
	}
	for i := uint32(0); i < t.bitfield.Len(); i++ {
		if pe.Bitfield.Test(i) && !t.bitfield.Test(i) {
			pe.SendInterested()
			return
		}
	}
	pe.SendNotInterested()
}

// fillPipeline requests as many new blocks from pe as its pipeline has
// room for, via the piece picker's preference-order assignment.
func (t *torrent) fillPipeline(pe *peer.Peer) {
	if pe.PeerChoking || t.piecePicker == nil || t.completed {
		return
	}
	room := maxOutstandingPerPeer - pe.OutstandingCount()
	if room <= 0 {
		return
	}
	reqs := t.piecePicker.Assign(pe.ID, room, t)
	now := t.clock.Now()
	for _, r := range reqs {
		buf := t.bufferFor(r.PieceIndex)
		buf.MarkInFlight(r.Begin, pe.ID)
		pe.SendRequest(r.PieceIndex, r.Begin, r.Length, now)
	}
}

// bufferFor lazily creates the in-flight buffer for pieceIndex, subject
// to MaxPieceBuffers.
func (t *torrent) bufferFor(pieceIndex uint32) *piece.Buffer {
	if buf, ok := t.buffers[pieceIndex]; ok {
		return buf
	}
	buf := piece.NewBuffer(&t.pieces[pieceIndex], t.clock.Now())
	t.buffers[pieceIndex] = buf
	return buf
}

// HasBuffer and MissingBlocks implement piecepicker.MissingBlockSource,
// letting Assign ask about in-flight buffers without depending on
// package piece directly.
func (t *torrent) HasBuffer(pieceIndex uint32) bool {
	if _, ok := t.buffers[pieceIndex]; ok {
		return true
	}
	return len(t.buffers) < t.config.MaxPieceBuffers || t.piecePicker.Endgame()
}

func (t *torrent) MissingBlocks(pieceIndex uint32) []piecepicker.BlockRequest {
	buf := t.bufferFor(pieceIndex)
	var out []piecepicker.BlockRequest
	for _, off := range buf.GetMissingBlocks() {
		blk := buf.Piece.Blocks[off/piece.BlockSize]
		out = append(out, piecepicker.BlockRequest{PieceIndex: pieceIndex, Begin: blk.Begin, Length: blk.Length})
	}
	return out
}

func (t *torrent) handleRequest(pe *peer.Peer, msg peerprotocol.RequestMessage, now time.Time) {
	if err := pe.HandleRequest(msg.Index, msg.Begin, msg.Length); err != nil {
		return // ignore silently; never drop a peer over a bad request
	}
	offset := t.pieceOffset(msg.Index) + int64(msg.Begin)
	data, err := t.fileIdx.ReadAt(offset, int(msg.Length))
	if err != nil {
		t.log.Debugln("cannot read requested block:", err)
		return
	}
	pe.Conn.Send(peerprotocol.PieceMessage{Index: msg.Index, Begin: msg.Begin, Block: data})
	pe.RecordUpload(int64(len(data)), now)
	t.uploadSpeed.Update(int64(len(data)))
}

func (t *torrent) pieceOffset(index uint32) int64 {
	var off int64
	for i := uint32(0); i < index; i++ {
		off += int64(t.pieces[i].Length)
	}
	return off
}

func (t *torrent) handlePieceMessage(pe *peer.Peer, msg peerprotocol.PieceMessage, now time.Time) {
	rp := pe.HandlePiece(msg.Index, msg.Begin, msg.Block, now)
	if !rp.Matched {
		return
	}
	pe.UpdateRTT(rp.RTTSample)
	t.downloadSpeed.Update(int64(len(rp.Data)))
	buf, ok := t.buffers[msg.Index]
	if !ok {
		return
	}
	added, err := buf.AddBlock(msg.Begin, msg.Block, pe.ID, now)
	if err == piece.ErrDuplicateBlock {
		t.resumerStats.BytesWasted += int64(len(rp.Data))
	}
	if t.piecePicker != nil {
		t.piecePicker.MarkContributing(pe.ID, msg.Index)
		if added {
			for _, loserID := range t.piecePicker.AcceptBlock(msg.Index, msg.Begin, pe.ID) {
				if loser, ok := t.peers[loserID]; ok {
					loser.SendCancel(msg.Index, msg.Begin, uint32(len(msg.Block)))
				}
			}
		}
	}
	if !buf.IsComplete() {
		t.fillPipeline(pe)
		return
	}
	t.verifyAndWritePiece(msg.Index, buf)
	t.fillPipeline(pe)
}

func (t *torrent) verifyAndWritePiece(index uint32, buf *piece.Buffer) {
	data := buf.Assemble()
	if !piece.VerifyChecksum(data, t.pieces[index].Hash, sha1Sum) {
		t.log.Warningln("hash check failed for piece", index)
		buf.Clear(t.clock.Now())
		if t.piecePicker != nil {
			t.piecePicker.MarkMissing(index)
		}
		for _, id := range buf.Contributors() {
			pe, ok := t.peers[id]
			if !ok {
				continue
			}
			if pe.RecordHashFailure() {
				t.dropPeer(pe, swarmerrors.Protocol("three hash-check failures"))
				continue
			}
			t.fillPipeline(pe)
		}
		return
	}
	pw := piecewriter.New(&t.pieces[index], data, t.fileIdx)
	t.pieceWriters[pw] = struct{}{}
	go pw.Run(t.pieceOffset(index), t.pieceWriterResultC)
}

func (t *torrent) handlePieceWritten(pw *piecewriter.PieceWriter) {
	delete(t.pieceWriters, pw)
	if pw.Error != nil {
		t.stop(pw.Error)
		return
	}
	index := pw.Piece.Index
	delete(t.buffers, index)
	t.bitfield.Set(index)
	t.bitfieldDirty = true
	if t.piecePicker != nil {
		t.piecePicker.MarkHave(index)
	}
	for _, pe := range t.peers {
		if t.piecePicker == nil || !t.piecePicker.DoesHave(pe.ID, index) {
			pe.Conn.Send(peerprotocol.HaveMessage{Index: index})
		}
	}
	t.checkCompletion()
}

func (t *torrent) checkCompletion() bool {
	if t.completed {
		return true
	}
	if t.bitfield == nil || !t.bitfield.All() {
		return false
	}
	t.completed = true
	t.seedingSince = t.clock.Now()
	t.log.Info("download completed")
	for _, pe := range t.peers {
		if !pe.PeerInterested {
			t.closePeer(pe)
		}
	}
	t.addrList.Reset()
	t.writeBitfield(false)
	return true
}

func (t *torrent) checkPeerTimeouts() {
	now := t.clock.Now()
	for _, pe := range t.peers {
		timedOut, drop := pe.CheckTimeouts(now)
		for _, blk := range timedOut {
			if buf, ok := t.buffers[blk.Index]; ok {
				buf.RevokeInFlight(blk.Begin)
			}
			if t.piecePicker != nil {
				t.piecePicker.HandleCancelDownload(pe.ID, blk.Index)
			}
		}
		if drop {
			t.dropPeer(pe, swarmerrors.Timeout("three consecutive block timeouts"))
			continue
		}
		if pe.IdleFor(now) > 150*time.Second {
			t.dropPeer(pe, swarmerrors.Timeout("no message received for 150s"))
			continue
		}
		if len(timedOut) > 0 {
			t.fillPipeline(pe)
		}
	}
}

// checkStalledPieces revokes the outstanding blocks of any piece buffer
// that has gone more than PieceTimeout without receiving a block, freeing
// them to be re-assigned to other peers.
func (t *torrent) checkStalledPieces() {
	now := t.clock.Now()
	stalled := false
	for index, buf := range t.buffers {
		if now.Sub(buf.LastActivity()) <= t.config.PieceTimeout {
			continue
		}
		for _, off := range buf.GetInFlightBlocks() {
			buf.RevokeInFlight(off)
		}
		if t.piecePicker != nil {
			t.piecePicker.ReleasePiece(index)
		}
		stalled = true
	}
	if !stalled {
		return
	}
	for _, pe := range t.peers {
		t.fillPipeline(pe)
	}
}

func (t *torrent) writeBitfield(stopOnError bool) {
	t.bitfieldDirty = false
	if t.resume == nil || t.bitfield == nil {
		return
	}
	if err := t.resume.WriteBitfield(t.bitfield.Bytes()); err != nil {
		t.log.Errorln("cannot write bitfield to resume db:", err)
		if stopOnError {
			t.stop(err)
		}
	}
}

func (t *torrent) writeStats() {
	if t.completed && !t.seedingSince.IsZero() {
		t.resumerStats.SeededFor += t.config.StatsWriteInterval
	}
	if t.resume != nil {
		if err := t.resume.WriteStats(t.resumerStats); err != nil {
			t.log.Errorln("cannot write stats to resume db:", err)
		}
	}
}

// announceSnapshot builds the tracker.Torrent view an announcer asks for
// before each round trip.
func (t *torrent) announceSnapshot() tracker.Torrent {
	return tracker.Torrent{
		BytesUploaded:   t.resumerStats.BytesUploaded,
		BytesDownloaded: t.resumerStats.BytesDownloaded,
		BytesLeft:       t.bytesLeft(),
		InfoHash:        t.infoHash,
		PeerID:          t.peerID,
		Port:            t.port,
	}
}

func (t *torrent) stats() Stats {
	s := Stats{
		Name:            t.name,
		InfoHash:        fmt.Sprintf("%x", t.infoHash),
		Status:          t.status.String(),
		BytesDownloaded: t.resumerStats.BytesDownloaded,
		BytesUploaded:   t.resumerStats.BytesUploaded,
		BytesWasted:     t.resumerStats.BytesWasted,
		Peers:           len(t.peers),
	}
	if t.info != nil {
		s.BytesTotal = t.info.Length
		s.PieceCount = len(t.pieces)
	}
	if t.bitfield != nil {
		s.PiecesComplete = int(t.bitfield.Count())
		s.BytesIncomplete = t.bytesLeft()
		s.BytesComplete = s.BytesTotal - s.BytesIncomplete
	}
	for _, pe := range t.peers {
		if pe.Bitfield != nil && t.bitfield != nil && pe.Bitfield.Count() == t.bitfield.Len() {
			s.Seeders++
		}
	}
	s.DownloadSpeed = int64(t.downloadSpeed.Rate())
	s.UploadSpeed = int64(t.uploadSpeed.Rate())
	return s
}

// handleExtended processes a BEP 10 extended message. Only the
// handshake sub-message is meaningfully consumed; ut_metadata requests
// are outside this build's scope and are silently ignored rather than
// answered.
func (t *torrent) handleExtended(pe *peer.Peer, payload []byte) {
	if len(payload) == 0 {
		return
	}
	subID := payload[0]
	if subID != peerprotocol.ExtensionIDHandshake {
		return
	}
	if _, err := peerprotocol.DecodeExtensionHandshake(payload[1:]); err != nil {
		t.log.Debugln("bad extension handshake from", pe.Conn.RemoteAddr(), err)
	}
}
