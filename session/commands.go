package session

import (
	"github.com/coriolis-labs/swarmtorrent/internal/logger"
	"github.com/coriolis-labs/swarmtorrent/internal/storage"
)

// NewTorrent builds the event-loop state for a torrent identified by
// infoHash, storing its files via sto, and starts its goroutine. The
// returned torrent is stopped; callers call Start to begin.
func (o *options) NewTorrent(infoHash []byte, sto storage.Storage) (*torrent, error) {
	var ih [20]byte
	copy(ih[:], infoHash)
	l := logger.New(o.Name)
	t, err := newTorrent(ih, generatePeerID(), o, sto, o.Trackers, l)
	if err != nil {
		return nil, err
	}
	go t.run()
	return t, nil
}

// Start begins downloading/seeding. Safe to call on an already-started
// torrent; it is a no-op in that case.
func (t *torrent) Start() {
	t.startCommandC <- struct{}{}
}

// Stop halts downloading/seeding, closing peer connections and
// announcing the Stopped event to trackers. Safe to call on an
// already-stopped torrent.
func (t *torrent) Stop() {
	t.stopCommandC <- struct{}{}
}

// Close stops the torrent (if running) and terminates its event-loop
// goroutine. The torrent must not be used after Close returns.
func (t *torrent) Close() {
	doneC := make(chan struct{})
	t.closeC <- doneC
	<-doneC
}

// Stats returns a snapshot of the torrent's current state.
func (t *torrent) Stats() Stats {
	req := statsRequest{Response: make(chan Stats)}
	t.statsCommandC <- req
	return <-req.Response
}

// Name returns the torrent's display name.
func (t *torrent) Name() string { return t.name }

// InfoHash returns the 20-byte SHA-1 info hash identifying this torrent.
func (t *torrent) InfoHash() []byte {
	b := make([]byte, 20)
	copy(b, t.infoHash[:])
	return b
}
