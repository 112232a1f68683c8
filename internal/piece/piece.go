// Package piece implements the static per-torrent piece/block layout and
// the in-flight piece Buffer that accumulates blocks for one piece until
// it can be verified. Buffer tracks contributions from multiple peers at
// once rather than a single peer, so endgame mode can let several peers
// race to complete the same piece.
package piece

import (
	"bytes"
	"errors"
	"time"
)

// BlockSize is the fixed request unit, 16 KiB.
const BlockSize = 16 * 1024

// Block describes one fixed-size (or final short) chunk of a piece.
type Block struct {
	Index  uint32 // block index within the piece
	Begin  uint32 // byte offset within the piece
	Length uint32
}

// Piece is the static, immutable description of one piece derived from
// metainfo: its index, total length, expected hash, and block layout.
type Piece struct {
	Index  uint32
	Length uint32
	Hash   []byte // 20-byte SHA-1 digest, expected
	Blocks []Block
}

// NewPieces builds the static piece list for a torrent with the given
// total length, piece length, and concatenated 20-byte piece hashes.
func NewPieces(totalLength int64, pieceLength int64, hashes []byte) []Piece {
	numPieces := uint32(len(hashes) / 20)
	pieces := make([]Piece, numPieces)
	for i := uint32(0); i < numPieces; i++ {
		length := pieceLength
		if i == numPieces-1 {
			length = totalLength - pieceLength*int64(numPieces-1)
		}
		pieces[i] = Piece{
			Index:  i,
			Length: uint32(length),
			Hash:   hashes[i*20 : i*20+20],
			Blocks: blocksFor(uint32(length)),
		}
	}
	return pieces
}

func blocksFor(length uint32) []Block {
	n := (length + BlockSize - 1) / BlockSize
	blocks := make([]Block, n)
	for i := uint32(0); i < n; i++ {
		begin := i * BlockSize
		l := uint32(BlockSize)
		if begin+l > length {
			l = length - begin
		}
		blocks[i] = Block{Index: i, Begin: begin, Length: l}
	}
	return blocks
}

// blockState is the tri-state of one block within an in-flight Buffer.
type blockState int

const (
	blockMissing blockState = iota
	blockInFlight
	blockReceived
)

// ErrDuplicateBlock is returned by AddBlock when the block was already
// received.
var ErrDuplicateBlock = errors.New("piece: duplicate block")

// ErrBadOffset is returned by AddBlock when offset is not block-aligned.
var ErrBadOffset = errors.New("piece: offset not aligned to a block boundary")

// ErrBadLength is returned by AddBlock when the payload length does not
// match the expected block length.
var ErrBadLength = errors.New("piece: unexpected block length")

// Buffer accumulates blocks for one in-flight piece. It is not safe for
// concurrent use; callers serialize access to it the way the scheduler
// owns piece buffers single-writer.
type Buffer struct {
	Piece *Piece

	data     []byte
	states   []blockState
	received int

	contributors map[[20]byte]struct{}
	lastActivity time.Time
}

// NewBuffer creates an empty in-flight buffer for p.
func NewBuffer(p *Piece, now time.Time) *Buffer {
	return &Buffer{
		Piece:        p,
		data:         make([]byte, p.Length),
		states:       make([]blockState, len(p.Blocks)),
		contributors: make(map[[20]byte]struct{}),
		lastActivity: now,
	}
}

func (b *Buffer) blockIndexForOffset(offset uint32) (int, error) {
	if offset%BlockSize != 0 {
		return 0, ErrBadOffset
	}
	idx := int(offset / BlockSize)
	if idx < 0 || idx >= len(b.Piece.Blocks) {
		return 0, ErrBadOffset
	}
	return idx, nil
}

// MarkInFlight records that the block at offset has been requested from
// peerID, so it is excluded from GetMissingBlocks.
func (b *Buffer) MarkInFlight(offset uint32, peerID [20]byte) error {
	idx, err := b.blockIndexForOffset(offset)
	if err != nil {
		return err
	}
	if b.states[idx] == blockMissing {
		b.states[idx] = blockInFlight
	}
	return nil
}

// RevokeInFlight returns an in-flight block to missing, e.g. on choke or
// stall.
func (b *Buffer) RevokeInFlight(offset uint32) error {
	idx, err := b.blockIndexForOffset(offset)
	if err != nil {
		return err
	}
	if b.states[idx] == blockInFlight {
		b.states[idx] = blockMissing
	}
	return nil
}

// AddBlock records bytes received at offset from peerID. It returns
// (true, nil) the first time this block is accepted, (false,
// ErrDuplicateBlock) if it was already received, and a validation error for
// a malformed offset/length.
func (b *Buffer) AddBlock(offset uint32, data []byte, peerID [20]byte, now time.Time) (bool, error) {
	idx, err := b.blockIndexForOffset(offset)
	if err != nil {
		return false, err
	}
	blk := b.Piece.Blocks[idx]
	if uint32(len(data)) != blk.Length {
		return false, ErrBadLength
	}
	if b.states[idx] == blockReceived {
		return false, ErrDuplicateBlock
	}
	copy(b.data[offset:offset+blk.Length], data)
	b.states[idx] = blockReceived
	b.received++
	b.contributors[peerID] = struct{}{}
	b.lastActivity = now
	return true, nil
}

// IsComplete reports whether every block has been received.
func (b *Buffer) IsComplete() bool {
	return b.received == len(b.Piece.Blocks)
}

// Assemble returns the dense byte buffer for the piece. It panics if the
// buffer is not complete; callers must check IsComplete first.
func (b *Buffer) Assemble() []byte {
	if !b.IsComplete() {
		panic("piece: Assemble called on incomplete buffer")
	}
	return b.data
}

// GetMissingBlocks returns the offsets of blocks still missing, in
// ascending order.
func (b *Buffer) GetMissingBlocks() []uint32 {
	var out []uint32
	for i, s := range b.states {
		if s == blockMissing {
			out = append(out, b.Piece.Blocks[i].Begin)
		}
	}
	return out
}

// GetInFlightBlocks returns the offsets of blocks currently requested but
// not yet received, in ascending order.
func (b *Buffer) GetInFlightBlocks() []uint32 {
	var out []uint32
	for i, s := range b.states {
		if s == blockInFlight {
			out = append(out, b.Piece.Blocks[i].Begin)
		}
	}
	return out
}

// Contributors returns the set of peer IDs that contributed at least one
// block to this buffer.
func (b *Buffer) Contributors() [][20]byte {
	out := make([][20]byte, 0, len(b.contributors))
	for id := range b.contributors {
		out = append(out, id)
	}
	return out
}

// LastActivity returns the timestamp of the most recent accepted block.
func (b *Buffer) LastActivity() time.Time { return b.lastActivity }

// Clear drops all received blocks and contributions, resetting the buffer
// as if newly created.
func (b *Buffer) Clear(now time.Time) {
	for i := range b.data {
		b.data[i] = 0
	}
	for i := range b.states {
		b.states[i] = blockMissing
	}
	b.received = 0
	b.contributors = make(map[[20]byte]struct{})
	b.lastActivity = now
}

// VerifyChecksum reports whether the assembled data hashes to exp using the
// injected hasher.
func VerifyChecksum(data []byte, exp []byte, sha1 func([]byte) [20]byte) bool {
	sum := sha1(data)
	return bytes.Equal(sum[:], exp)
}
