// Package boltdbresumer is a BoltDB-backed implementation of
// resumer.Resumer, storing one sub-bucket per torrent under a shared
// top-level bucket, using github.com/boltdb/bolt.
package boltdbresumer

import (
	"encoding/binary"
	"strings"
	"time"

	"github.com/boltdb/bolt"
	"github.com/coriolis-labs/swarmtorrent/internal/resumer"
)

var (
	keyInfoHash        = []byte("info_hash")
	keyDest            = []byte("dest")
	keyPort            = []byte("port")
	keyName            = []byte("name")
	keyTrackers        = []byte("trackers")
	keyInfo            = []byte("info")
	keyBitfield        = []byte("bitfield")
	keyAddedAt         = []byte("added_at")
	keyBytesDownloaded = []byte("bytes_downloaded")
	keyBytesUploaded   = []byte("bytes_uploaded")
	keyBytesWasted     = []byte("bytes_wasted")
	keySeededFor       = []byte("seeded_for")
	keyStarted         = []byte("started")
)

// Spec is the BoltDB-specific save format, covering the fields a
// session persists per torrent (info hash, destination directory, port,
// trackers, added-at time, bitfield).
type Spec struct {
	InfoHash  []byte
	Dest      string
	Port      int
	Name      string
	Trackers  []string
	Info      []byte
	Bitfield  []byte
	CreatedAt time.Time

	resumer.Stats
}

// Resumer reads and writes a single torrent's state in its own
// sub-bucket of mainBucket, keyed by torrentID.
type Resumer struct {
	db         *bolt.DB
	mainBucket []byte
	torrentID  []byte
}

// New opens (creating if necessary) the sub-bucket for torrentID inside
// mainBucket.
func New(db *bolt.DB, mainBucket, torrentID []byte) (*Resumer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(mainBucket)
		if err != nil {
			return err
		}
		_, err = b.CreateBucketIfNotExists(torrentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{db: db, mainBucket: mainBucket, torrentID: torrentID}, nil
}

func (r *Resumer) bucket(tx *bolt.Tx) *bolt.Bucket {
	return tx.Bucket(r.mainBucket).Bucket(r.torrentID)
}

// Write persists the full spec in a single transaction.
func (r *Resumer) Write(s *Spec) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := r.bucket(tx)
		if err := b.Put(keyInfoHash, s.InfoHash); err != nil {
			return err
		}
		if err := b.Put(keyDest, []byte(s.Dest)); err != nil {
			return err
		}
		if err := b.Put(keyPort, putUint64(uint64(s.Port))); err != nil {
			return err
		}
		if err := b.Put(keyName, []byte(s.Name)); err != nil {
			return err
		}
		if err := b.Put(keyTrackers, []byte(strings.Join(s.Trackers, "\n"))); err != nil {
			return err
		}
		if err := b.Put(keyInfo, s.Info); err != nil {
			return err
		}
		if err := b.Put(keyBitfield, s.Bitfield); err != nil {
			return err
		}
		ts, err := s.CreatedAt.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put(keyAddedAt, ts); err != nil {
			return err
		}
		if err := b.Put(keyBytesDownloaded, putUint64(uint64(s.BytesDownloaded))); err != nil {
			return err
		}
		if err := b.Put(keyBytesUploaded, putUint64(uint64(s.BytesUploaded))); err != nil {
			return err
		}
		if err := b.Put(keyBytesWasted, putUint64(uint64(s.BytesWasted))); err != nil {
			return err
		}
		return b.Put(keySeededFor, putUint64(uint64(s.SeededFor)))
	})
}

// Read loads the persisted spec.
func (r *Resumer) Read() (*resumer.Spec, error) {
	spec := &resumer.Spec{}
	err := r.db.View(func(tx *bolt.Tx) error {
		b := r.bucket(tx)
		spec.InfoHash = cloneBytes(b.Get(keyInfoHash))
		spec.Dest = string(b.Get(keyDest))
		spec.Port = int(getUint64(b.Get(keyPort)))
		spec.Name = string(b.Get(keyName))
		if trv := b.Get(keyTrackers); len(trv) > 0 {
			spec.Trackers = strings.Split(string(trv), "\n")
		}
		spec.Info = cloneBytes(b.Get(keyInfo))
		spec.Bitfield = cloneBytes(b.Get(keyBitfield))
		if ts := b.Get(keyAddedAt); len(ts) > 0 {
			_ = spec.AddedAt.UnmarshalBinary(ts)
		}
		spec.BytesDownloaded = int64(getUint64(b.Get(keyBytesDownloaded)))
		spec.BytesUploaded = int64(getUint64(b.Get(keyBytesUploaded)))
		spec.BytesWasted = int64(getUint64(b.Get(keyBytesWasted)))
		spec.SeededFor = time.Duration(getUint64(b.Get(keySeededFor)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spec, nil
}

// WriteBitfield updates only the bitfield key.
func (r *Resumer) WriteBitfield(bf []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return r.bucket(tx).Put(keyBitfield, bf)
	})
}

// WriteStats updates only the cumulative counters.
func (r *Resumer) WriteStats(s resumer.Stats) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := r.bucket(tx)
		if err := b.Put(keyBytesDownloaded, putUint64(uint64(s.BytesDownloaded))); err != nil {
			return err
		}
		if err := b.Put(keyBytesUploaded, putUint64(uint64(s.BytesUploaded))); err != nil {
			return err
		}
		if err := b.Put(keyBytesWasted, putUint64(uint64(s.BytesWasted))); err != nil {
			return err
		}
		return b.Put(keySeededFor, putUint64(uint64(s.SeededFor)))
	})
}

// SetStarted records whether this torrent was running when the session
// last shut down, so Session can auto-resume it on the next launch.
func (r *Resumer) SetStarted(started bool) error {
	v := []byte("0")
	if started {
		v = []byte("1")
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return r.bucket(tx).Put(keyStarted, v)
	})
}

// Started reports the last value written by SetStarted.
func (r *Resumer) Started() (bool, error) {
	started := false
	err := r.db.View(func(tx *bolt.Tx) error {
		v := r.bucket(tx).Get(keyStarted)
		started = len(v) == 1 && v[0] == '1'
		return nil
	})
	return started, err
}

// Delete removes this torrent's sub-bucket entirely.
func (r *Resumer) Delete() error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(r.mainBucket).DeleteBucket(r.torrentID)
	})
}

func putUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func getUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
