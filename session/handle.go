package session

import (
	"encoding/hex"
	"time"
)

// Torrent is a handle to one torrent managed by a Session: an opaque id
// plus the listening port and creation time a session needs to track
// outside of the torrent's own event loop.
type Torrent struct {
	session   *Session
	torrent   *torrent
	id        string
	port      uint16
	createdAt time.Time

	// removed is closed by Session.RemoveTorrent so the DHT result
	// dispatcher stops trying to deliver peers to a torrent that is
	// being torn down concurrently.
	removed chan struct{}
}

// ID returns the session-assigned identifier used to address this
// torrent in Session.GetTorrent/RemoveTorrent.
func (t *Torrent) ID() string { return t.id }

// Name returns the torrent's display name.
func (t *Torrent) Name() string { return t.torrent.Name() }

// InfoHash returns the torrent's info hash as a lowercase hex string.
func (t *Torrent) InfoHash() string { return hex.EncodeToString(t.torrent.InfoHash()) }

// Port returns the TCP port this torrent listens for incoming peers on.
func (t *Torrent) Port() uint16 { return t.port }

// AddedAt returns when this torrent was added to the session.
func (t *Torrent) AddedAt() time.Time { return t.createdAt }

// Start begins downloading/seeding.
func (t *Torrent) Start() { t.torrent.Start() }

// Stop halts downloading/seeding without removing the torrent.
func (t *Torrent) Stop() { t.torrent.Stop() }

// Stats returns a snapshot of the torrent's current state.
func (t *Torrent) Stats() Stats { return t.torrent.Stats() }
