// Package piecewriter writes one verified piece's assembled bytes through
// the disk manager in its own goroutine, off the scheduler's hot path.
package piecewriter

import (
	"github.com/coriolis-labs/swarmtorrent/internal/piece"
	"github.com/coriolis-labs/swarmtorrent/internal/storage/filestorage"
)

// PieceWriter writes one piece's assembled bytes to disk.
type PieceWriter struct {
	Piece  *piece.Piece
	Buffer []byte
	Error  error

	idx *filestorage.Index
}

// New creates a PieceWriter for p's byte range (offset computed by the
// caller as sum of preceding piece lengths) against idx.
func New(p *piece.Piece, data []byte, idx *filestorage.Index) *PieceWriter {
	return &PieceWriter{Piece: p, Buffer: data, idx: idx}
}

// Run writes Buffer to the piece's offset and sends itself on resultC.
func (w *PieceWriter) Run(offset int64, resultC chan *PieceWriter) {
	w.Error = w.idx.WriteAt(offset, w.Buffer)
	resultC <- w
}
