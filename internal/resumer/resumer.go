// Package resumer defines the persistence contract a session uses to
// save and reload a torrent's state across restarts. The concrete
// storage backend lives in the sibling boltdbresumer package.
package resumer

import "time"

// Stats are the cumulative counters persisted alongside a torrent's
// bitfield so they survive a restart.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
}

// Spec is the generic, backend-agnostic view of a saved torrent: enough
// to reconstruct an options value and resume downloading or seeding.
type Spec struct {
	InfoHash  []byte
	Dest      string
	Port      int
	Name      string
	Trackers  []string
	Info      []byte
	Bitfield  []byte
	AddedAt   time.Time
	Stats
}

// Resumer reads and writes one torrent's persisted state.
type Resumer interface {
	Read() (*Spec, error)
	WriteBitfield(b []byte) error
	WriteStats(s Stats) error
}
