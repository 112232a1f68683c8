// Package announcer runs the periodic communication with trackers and
// the DHT in its own goroutine per tracker, decoupled from a torrent's
// single-threaded event loop. Each announcer talks back to the torrent
// event loop over a request/response channel
// (`announcerRequestC chan *announcer.Request`, `req.Response <-
// announcer.Response{Torrent: tr}`) rather than touching torrent-owned
// state from another goroutine.
package announcer

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/logger"
	"github.com/coriolis-labs/swarmtorrent/internal/tracker"
)

// Request is sent by an announcer on requestC to ask the torrent's event
// loop for a fresh snapshot of announce-relevant state (byte counters,
// infohash, peer id, port). The torrent responds on Response or the
// request is abandoned if Cancel fires first (e.g. torrent closing).
type Request struct {
	Response chan Response
	Cancel   chan struct{}
}

// Response carries the torrent snapshot requested via Request.
type Response struct {
	Torrent tracker.Torrent
}

// StatusChangeFunc is the callback shape for a tracker's announce outcome
// (peers or error). PeriodicalAnnouncer neither accepts nor invokes one.
type StatusChangeFunc func(peers []*net.TCPAddr, err error)

// PeriodicalAnnouncer announces to a single tracker at the interval the
// tracker itself returns, until Close is called.
type PeriodicalAnnouncer struct {
	Tracker tracker.Tracker

	requestC  chan *Request
	peersC    chan<- []*net.TCPAddr
	log       logger.Logger
	minInterv time.Duration
	numWant   int

	mu            sync.Mutex
	needMorePeers bool

	closeC  chan struct{}
	closedC chan struct{}
}

// NewPeriodicalAnnouncer creates an announcer for tr that forwards the
// discovered peer addresses to peersC and pulls fresh torrent state from
// requestC before every announce.
func NewPeriodicalAnnouncer(tr tracker.Tracker, numWant int, minInterval time.Duration, requestC chan *Request, peersC chan<- []*net.TCPAddr, l logger.Logger) *PeriodicalAnnouncer {
	return &PeriodicalAnnouncer{
		Tracker:       tr,
		requestC:      requestC,
		peersC:        peersC,
		log:           l,
		minInterv:     minInterval,
		numWant:       numWant,
		needMorePeers: true,
		closeC:        make(chan struct{}),
		closedC:       make(chan struct{}),
	}
}

// NeedMorePeers toggles how eagerly this announcer requests peers; when
// false, the tracker is still contacted to keep us registered but with a
// numWant of zero.
func (a *PeriodicalAnnouncer) NeedMorePeers(val bool) {
	a.mu.Lock()
	a.needMorePeers = val
	a.mu.Unlock()
}

// Close stops the announce loop and waits for it to exit.
func (a *PeriodicalAnnouncer) Close() {
	close(a.closeC)
	<-a.closedC
}

// Run announces on an interval, sleeping the tracker-provided interval
// (clamped to minInterv) between rounds and backing off on error.
func (a *PeriodicalAnnouncer) Run() {
	defer close(a.closedC)
	interval := a.minInterv
	for {
		select {
		case <-time.After(interval):
		case <-a.closeC:
			return
		}
		resp, err := a.announceOnce(tracker.EventNone)
		if err != nil {
			a.log.Debugln("announce error:", err)
			interval = a.minInterv
			continue
		}
		if resp.Peers != nil {
			select {
			case a.peersC <- addrsFromPeers(resp.Peers):
			case <-a.closeC:
				return
			}
		}
		interval = time.Duration(resp.Interval) * time.Second
		if interval < a.minInterv {
			interval = a.minInterv
		}
	}
}

func (a *PeriodicalAnnouncer) announceOnce(event tracker.Event) (*tracker.Response, error) {
	req := &Request{Response: make(chan Response), Cancel: make(chan struct{})}
	defer close(req.Cancel)
	var t tracker.Torrent
	select {
	case a.requestC <- req:
	case <-a.closeC:
		return nil, context.Canceled
	}
	select {
	case r := <-req.Response:
		t = r.Torrent
	case <-a.closeC:
		return nil, context.Canceled
	}
	numWant := a.numWant
	a.mu.Lock()
	if !a.needMorePeers {
		numWant = 0
	}
	a.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Tracker.Announce(ctx, t, event, numWant)
}

func addrsFromPeers(peers []tracker.Peer) []*net.TCPAddr {
	addrs := make([]*net.TCPAddr, 0, len(peers))
	for _, p := range peers {
		addrs = append(addrs, &net.TCPAddr{IP: p.IP, Port: int(p.Port)})
	}
	return addrs
}

// StopAnnouncer sends a single best-effort "stopped" event to a tracker
// with a short deadline, then signals doneC regardless of outcome so the
// torrent's close sequence never blocks on a slow or dead tracker.
type StopAnnouncer struct {
	requestC chan *Request
	trackers []tracker.Tracker
	timeout  time.Duration
	log      logger.Logger

	doneC chan struct{}
}

// NewStopAnnouncer creates a StopAnnouncer for all of a torrent's
// trackers, announcing the Stopped event to each with the given timeout.
func NewStopAnnouncer(trackers []tracker.Tracker, requestC chan *Request, timeout time.Duration, l logger.Logger) *StopAnnouncer {
	return &StopAnnouncer{trackers: trackers, requestC: requestC, timeout: timeout, log: l, doneC: make(chan struct{})}
}

// Close waits until every tracker has been sent the Stopped event or has
// timed out.
func (a *StopAnnouncer) Close() {
	<-a.doneC
}

// Run fires the Stopped announce to every tracker concurrently.
func (a *StopAnnouncer) Run() {
	defer close(a.doneC)
	var wg sync.WaitGroup
	for _, tr := range a.trackers {
		wg.Add(1)
		go func(tr tracker.Tracker) {
			defer wg.Done()
			req := &Request{Response: make(chan Response), Cancel: make(chan struct{})}
			defer close(req.Cancel)
			var t tracker.Torrent
			select {
			case a.requestC <- req:
			case <-time.After(a.timeout):
				return
			}
			select {
			case r := <-req.Response:
				t = r.Torrent
			case <-time.After(a.timeout):
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
			defer cancel()
			if _, err := tr.Announce(ctx, t, tracker.EventStopped, 0); err != nil {
				a.log.Debugln("stopped-event announce failed:", err)
			}
		}(tr)
	}
	wg.Wait()
}

// DHTPeerStore is the thin capability a DHT implementation (e.g.
// github.com/nictuku/dht) must provide; wire-level DHT internals are out
// of scope and this is carried as an injected collaborator.
type DHTPeerStore interface {
	PeersRequest(infoHash string, announce bool)
}

// DHTAnnouncer periodically asks a DHTPeerStore for more peers on behalf
// of one torrent and forwards results arriving on peersC to the caller.
type DHTAnnouncer struct {
	node     DHTPeerStore
	infoHash string
	interval time.Duration

	mu            sync.Mutex
	needMorePeers bool

	peersC  chan []*net.TCPAddr
	closeC  chan struct{}
	closedC chan struct{}
}

// NewDHTAnnouncer creates a DHTAnnouncer that requests peers for
// infoHash from node every interval.
func NewDHTAnnouncer(node DHTPeerStore, infoHash string, interval time.Duration) *DHTAnnouncer {
	return &DHTAnnouncer{
		node:          node,
		infoHash:      infoHash,
		interval:      interval,
		needMorePeers: true,
		peersC:        make(chan []*net.TCPAddr),
		closeC:        make(chan struct{}),
		closedC:       make(chan struct{}),
	}
}

// PeersC is fed by the session's DHT result dispatcher whenever the
// swarm's DHT lookup returns addresses for this torrent's infohash.
func (d *DHTAnnouncer) PeersC() chan []*net.TCPAddr { return d.peersC }

// NeedMorePeers toggles whether this announcer keeps requesting peers.
func (d *DHTAnnouncer) NeedMorePeers(val bool) {
	d.mu.Lock()
	d.needMorePeers = val
	d.mu.Unlock()
}

// Close stops the request loop.
func (d *DHTAnnouncer) Close() {
	close(d.closeC)
	<-d.closedC
}

// Run asks the DHT node for more peers on an interval.
func (d *DHTAnnouncer) Run() {
	defer close(d.closedC)
	for {
		select {
		case <-time.After(d.interval):
		case <-d.closeC:
			return
		}
		d.mu.Lock()
		need := d.needMorePeers
		d.mu.Unlock()
		if need {
			d.node.PeersRequest(d.infoHash, true)
		}
	}
}
