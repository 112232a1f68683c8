// Package verifier rechecks a torrent's on-disk content against its
// piece hashes, producing the initial local bitfield.
package verifier

import (
	"bytes"

	"github.com/coriolis-labs/swarmtorrent/internal/bitfield"
	"github.com/coriolis-labs/swarmtorrent/internal/piece"
	"github.com/coriolis-labs/swarmtorrent/internal/storage/filestorage"
)

// Progress reports how many pieces have been checked so far.
type Progress struct {
	Checked int
}

// Verifier hashes every piece of an already-allocated file list against
// its expected digest.
type Verifier struct {
	Error    error
	Bitfield *bitfield.Bitfield

	idx    *filestorage.Index
	pieces []piece.Piece
	sha1   func([]byte) [20]byte
}

// New creates a Verifier over idx (the opened file list's interval
// index) and the torrent's static piece list, using the injected SHA-1
// hasher.
func New(idx *filestorage.Index, pieces []piece.Piece, sha1 func([]byte) [20]byte) *Verifier {
	return &Verifier{idx: idx, pieces: pieces, sha1: sha1}
}

// Run hashes each piece in order, reporting progress after each one, and
// sends itself on resultC when done.
func (v *Verifier) Run(progressC chan Progress, resultC chan *Verifier, stopC <-chan struct{}) {
	bf := bitfield.New(uint32(len(v.pieces)))
	var offset int64
	for i, p := range v.pieces {
		select {
		case <-stopC:
			resultC <- v
			return
		default:
		}
		data, err := v.idx.ReadAt(offset, int(p.Length))
		if err == nil {
			sum := v.sha1(data)
			if bytes.Equal(sum[:], p.Hash) {
				bf.Set(uint32(i))
			}
		}
		offset += int64(p.Length)
		select {
		case progressC <- Progress{Checked: i + 1}:
		case <-stopC:
			resultC <- v
			return
		}
	}
	v.Bitfield = bf
	resultC <- v
}
