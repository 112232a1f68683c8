package session

import (
	"net"
	"sync"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/coriolis-labs/swarmtorrent/internal/acceptor"
	"github.com/coriolis-labs/swarmtorrent/internal/addrlist"
	"github.com/coriolis-labs/swarmtorrent/internal/allocator"
	"github.com/coriolis-labs/swarmtorrent/internal/announcer"
	"github.com/coriolis-labs/swarmtorrent/internal/bitfield"
	"github.com/coriolis-labs/swarmtorrent/internal/blocklist"
	"github.com/coriolis-labs/swarmtorrent/internal/clock"
	"github.com/coriolis-labs/swarmtorrent/internal/connstats"
	"github.com/coriolis-labs/swarmtorrent/internal/handshaker/incominghandshaker"
	"github.com/coriolis-labs/swarmtorrent/internal/handshaker/outgoinghandshaker"
	"github.com/coriolis-labs/swarmtorrent/internal/logger"
	"github.com/coriolis-labs/swarmtorrent/internal/metainfo"
	"github.com/coriolis-labs/swarmtorrent/internal/peer"
	"github.com/coriolis-labs/swarmtorrent/internal/piece"
	"github.com/coriolis-labs/swarmtorrent/internal/piecepicker"
	"github.com/coriolis-labs/swarmtorrent/internal/piecewriter"
	"github.com/coriolis-labs/swarmtorrent/internal/resumer"
	"github.com/coriolis-labs/swarmtorrent/internal/storage"
	"github.com/coriolis-labs/swarmtorrent/internal/storage/filestorage"
	"github.com/coriolis-labs/swarmtorrent/internal/tracker"
	"github.com/coriolis-labs/swarmtorrent/internal/verifier"
)

// status is a torrent's coarse lifecycle state, driven by start/stop
// commands on its own event loop.
type status int

const (
	statusStopped status = iota
	statusStopping
	statusStarted
)

func (s status) String() string {
	switch s {
	case statusStarted:
		return "started"
	case statusStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// options bundles everything needed to construct a torrent's event loop:
// resolved from either a .torrent file (Info non-nil) or a bare magnet
// link (Info nil until a future metadata-exchange implementation fills
// it in; see DESIGN.md for why that exchange is out of scope here).
type options struct {
	Name      string
	Port      int
	Trackers  []string
	Resumer   resumer.Resumer
	Blocklist *blocklist.Blocklist
	Config    *Config
	Info      *metainfo.Info
	Stats     resumer.Stats
	DHTNode   announcer.DHTPeerStore
	// Clock is the source of Now()/NewTicker() the event loop schedules
	// all its periodic work against. Nil means clock.Real{}; tests inject
	// a fake to drive choke rounds, stall detection, and adaptive
	// timeouts without sleeping in real time.
	Clock clock.Clock
}

// torrent is the event loop for a single swarm: one goroutine owns every
// field below, so nothing here needs a mutex except where a collaborator
// (peer conns, announcers, background workers) is explicitly documented
// as running on another goroutine and communicating back over a channel.
type torrent struct {
	config Config
	log    logger.Logger

	infoHash [20]byte
	peerID   [20]byte
	name     string
	port     int

	trackers  []tracker.Tracker
	storage   storage.Storage
	resume    resumer.Resumer
	blocklist *blocklist.Blocklist

	info     *metainfo.Info
	bitfield *bitfield.Bitfield
	files    []storage.File
	fileIdx  *filestorage.Index
	pieces   []piece.Piece

	piecePicker *piecepicker.PiecePicker
	buffers     map[uint32]*piece.Buffer

	peers            map[[20]byte]*peer.Peer
	connectedPeerIPs map[string]struct{}

	peerEventsC       chan peer.Event
	peerDisconnectedC chan *peer.Peer

	incomingConnC             chan net.Conn
	incomingHandshakers       map[*incominghandshaker.IncomingHandshaker]struct{}
	incomingHandshakerResultC chan *incominghandshaker.IncomingHandshaker
	outgoingHandshakers       map[*outgoinghandshaker.OutgoingHandshaker]time.Time
	outgoingHandshakerResultC chan *outgoinghandshaker.OutgoingHandshaker

	addrList     *addrlist.AddrList
	acceptor     *acceptor.Acceptor
	connectStats *connstats.Tracker

	announcers            []*announcer.PeriodicalAnnouncer
	announcerRequestC     chan *announcer.Request
	announcerPeersC       chan []*net.TCPAddr
	stoppedEventAnnouncer *announcer.StopAnnouncer
	dhtAnnouncer          *announcer.DHTAnnouncer

	allocator          *allocator.Allocator
	allocatorProgressC chan allocator.Progress
	allocatorResultC   chan *allocator.Allocator
	allocatorStopC     chan struct{}

	verifier          *verifier.Verifier
	verifierProgressC chan verifier.Progress
	verifierResultC   chan *verifier.Verifier
	verifierStopC     chan struct{}

	pieceWriters       map[*piecewriter.PieceWriter]struct{}
	pieceWriterResultC chan *piecewriter.PieceWriter

	completed bool

	errC      chan error
	lastError error

	closeC        chan chan struct{}
	startCommandC chan struct{}
	stopCommandC  chan struct{}
	statsCommandC chan statsRequest

	clock clock.Clock

	unchokeTimer           clock.Ticker
	optimisticUnchokeTimer clock.Ticker
	resumeWriteTicker      clock.Ticker
	statsWriteTicker       clock.Ticker
	timeoutCheckTicker     clock.Ticker
	speedTicker            clock.Ticker
	stallCheckTicker       clock.Ticker

	optimisticUnchokedPeers []*peer.Peer

	resumerStats   resumer.Stats
	startedAt      time.Time
	seedingSince   time.Time
	bitfieldDirty  bool
	bytesAllocated int64
	checkedPieces  int

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	status status

	wg sync.WaitGroup
}

// statsRequest is sent on statsCommandC to pull a point-in-time snapshot
// of a torrent's state out of its own event-loop goroutine.
type statsRequest struct {
	Response chan Stats
}

// Stats is a point-in-time snapshot of one torrent's state.
type Stats struct {
	Name            string
	InfoHash        string
	Status          string
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	BytesTotal      int64
	BytesComplete   int64
	BytesIncomplete int64
	DownloadSpeed   int64
	UploadSpeed     int64
	Peers           int
	Seeders         int
	PieceCount      int
	PiecesComplete  int
}

// newTorrent builds a torrent's event-loop state from opt. It does not
// start any goroutines; callers run it with `go t.run()`.
func newTorrent(infoHash, peerID [20]byte, opt *options, sto storage.Storage, trs []tracker.Tracker, l logger.Logger) (*torrent, error) {
	clk := opt.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	t := &torrent{
		config:    *opt.Config,
		log:       l,
		clock:     clk,
		infoHash:  infoHash,
		peerID:    peerID,
		name:      opt.Name,
		port:      opt.Port,
		trackers:  trs,
		storage:   sto,
		resume:    opt.Resumer,
		blocklist: opt.Blocklist,
		info:      opt.Info,

		buffers:          make(map[uint32]*piece.Buffer),
		peers:            make(map[[20]byte]*peer.Peer),
		connectedPeerIPs: make(map[string]struct{}),

		peerEventsC:       make(chan peer.Event, 256),
		peerDisconnectedC: make(chan *peer.Peer, 16),

		incomingConnC:             make(chan net.Conn),
		incomingHandshakers:       make(map[*incominghandshaker.IncomingHandshaker]struct{}),
		incomingHandshakerResultC: make(chan *incominghandshaker.IncomingHandshaker),
		outgoingHandshakers:       make(map[*outgoinghandshaker.OutgoingHandshaker]time.Time),
		outgoingHandshakerResultC: make(chan *outgoinghandshaker.OutgoingHandshaker),

		addrList: addrlist.New(2000),
		connectStats: connstats.New(
			connstats.WithBounds(int64(opt.Config.PeerConnectTimeout/time.Millisecond)/10, int64(opt.Config.PeerConnectTimeout/time.Millisecond)),
		),

		announcerRequestC: make(chan *announcer.Request),
		announcerPeersC:   make(chan []*net.TCPAddr, 16),

		allocatorProgressC: make(chan allocator.Progress),
		allocatorResultC:   make(chan *allocator.Allocator),

		verifierProgressC: make(chan verifier.Progress),
		verifierResultC:   make(chan *verifier.Verifier),

		pieceWriters:       make(map[*piecewriter.PieceWriter]struct{}),
		pieceWriterResultC: make(chan *piecewriter.PieceWriter, 16),

		errC: make(chan error, 1),

		closeC:        make(chan chan struct{}),
		startCommandC: make(chan struct{}),
		stopCommandC:  make(chan struct{}),
		statsCommandC: make(chan statsRequest),

		resumerStats: opt.Stats,

		downloadSpeed: metrics.NewEWMA1(),
		uploadSpeed:   metrics.NewEWMA1(),

		status: statusStopped,
	}

	if opt.Info != nil {
		t.setInfo(opt.Info)
	}

	if opt.DHTNode != nil && t.config.DHTEnabled {
		t.dhtAnnouncer = announcer.NewDHTAnnouncer(opt.DHTNode, string(infoHash[:]), 5*time.Minute)
	}

	return t, nil
}

// setInfo wires up everything that needs a torrent's metainfo ahead of
// the files themselves being opened: the static piece list and an
// empty local bitfield. It is called either from newTorrent (metainfo
// known up front) or, for a magnet-only torrent that later acquires its
// metadata, from a future metadata-exchange handler (not implemented;
// see DESIGN.md). The bitfield is always replaced with the verifier's
// result once start() runs the on-disk hash check (see
// handleVerificationDone) rather than trusted from a prior resume
// record, trading a slower restart for not needing to trust a
// potentially stale persisted bitfield.
func (t *torrent) setInfo(info *metainfo.Info) {
	t.info = info
	t.pieces = piece.NewPieces(info.Length, int64(info.PieceLength), info.Pieces)
	numPieces := uint32(len(t.pieces))
	t.bitfield = bitfield.New(numPieces)
	t.piecePicker = piecepicker.New(int(numPieces), t.bitfield)
}

func storageFileInfos(info *metainfo.Info) []storage.FileInfo {
	fis := make([]storage.FileInfo, len(info.Files))
	for i, f := range info.Files {
		path := f.Path
		if info.Directory {
			path = append([]string{info.Name}, f.Path...)
		}
		fis[i] = storage.FileInfo{Path: path, Length: f.Length}
	}
	return fis
}

// haveBitfieldBytes snapshots the local bitfield for persistence.
func (t *torrent) haveBitfieldBytes() []byte {
	if t.bitfield == nil {
		return nil
	}
	return t.bitfield.Bytes()
}

// doesHave reports whether the local side already has piece i, the
// callback piecepicker and peer.Peer both need injected rather than
// reaching into torrent state directly.
func (t *torrent) doesHave(i uint32) bool {
	return t.bitfield != nil && t.bitfield.Test(i)
}

// weAreSeeding reports whether every piece has been verified.
func (t *torrent) weAreSeeding() bool {
	return t.bitfield != nil && t.bitfield.All()
}

// bytesLeft is reported to trackers in the "left" announce field.
func (t *torrent) bytesLeft() int64 {
	if t.info == nil {
		return 0
	}
	if t.bitfield == nil {
		return t.info.Length
	}
	total := t.info.Length
	have := int64(0)
	for i := uint32(0); i < t.bitfield.Len(); i++ {
		if t.bitfield.Test(i) {
			have += int64(t.info.PieceLen(i))
		}
	}
	left := total - have
	if left < 0 {
		left = 0
	}
	return left
}

// ourExtensions computes the reserved handshake byte array advertising
// the extension protocol (BEP 10) bit; the fast-extension (BEP 6) bit is
// never set since nothing in this build speaks Allowed Fast / Suggest /
// Have All / Have None.
func ourExtensions() [8]byte {
	var ext [8]byte
	ext[5] |= 0x10
	return ext
}
