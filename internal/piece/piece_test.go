package piece

import (
	"bytes"
	"crypto/sha1"
	"testing"
	"time"
)

var peerA = [20]byte{1}
var peerB = [20]byte{2}

func TestNewPiecesLastPieceShort(t *testing.T) {
	hashes := make([]byte, 40)
	pieces := NewPieces(65536+100, 65536, hashes)
	if len(pieces) != 2 {
		t.Fatalf("expected 2 pieces, got %d", len(pieces))
	}
	if pieces[0].Length != 65536 {
		t.Fatalf("expected piece 0 length 65536, got %d", pieces[0].Length)
	}
	if pieces[1].Length != 100 {
		t.Fatalf("expected piece 1 length 100, got %d", pieces[1].Length)
	}
	if len(pieces[1].Blocks) != 1 {
		t.Fatalf("expected 1 block for short final piece, got %d", len(pieces[1].Blocks))
	}
}

func TestBlockPartition(t *testing.T) {
	hashes := make([]byte, 20)
	pieces := NewPieces(BlockSize*2+10, BlockSize*2+10, hashes)
	p := &pieces[0]
	buf := NewBuffer(p, time.Now())
	if len(buf.GetMissingBlocks()) != len(p.Blocks) {
		t.Fatal("expected all blocks missing initially")
	}
	for _, blk := range p.Blocks {
		data := bytes.Repeat([]byte{0x1}, int(blk.Length))
		ok, err := buf.AddBlock(blk.Begin, data, peerA, time.Now())
		if err != nil || !ok {
			t.Fatalf("AddBlock failed: ok=%v err=%v", ok, err)
		}
	}
	if !buf.IsComplete() {
		t.Fatal("expected buffer complete")
	}
	if len(buf.GetMissingBlocks()) != 0 {
		t.Fatal("expected no missing blocks")
	}
}

func TestAddBlockDuplicateAndValidation(t *testing.T) {
	hashes := make([]byte, 20)
	pieces := NewPieces(BlockSize, BlockSize, hashes)
	p := &pieces[0]
	buf := NewBuffer(p, time.Now())
	data := bytes.Repeat([]byte{0x2}, BlockSize)

	if _, err := buf.AddBlock(1, data, peerA, time.Now()); err != ErrBadOffset {
		t.Fatalf("expected ErrBadOffset, got %v", err)
	}
	if _, err := buf.AddBlock(0, data[:100], peerA, time.Now()); err != ErrBadLength {
		t.Fatalf("expected ErrBadLength, got %v", err)
	}
	ok, err := buf.AddBlock(0, data, peerA, time.Now())
	if err != nil || !ok {
		t.Fatalf("expected first add to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = buf.AddBlock(0, data, peerB, time.Now())
	if err != ErrDuplicateBlock || ok {
		t.Fatalf("expected duplicate block rejection, got ok=%v err=%v", ok, err)
	}
}

func TestAssemblePanicsWhenIncomplete(t *testing.T) {
	hashes := make([]byte, 20)
	pieces := NewPieces(BlockSize, BlockSize, hashes)
	buf := NewBuffer(&pieces[0], time.Now())
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on incomplete Assemble")
		}
	}()
	buf.Assemble()
}

func TestClearResetsState(t *testing.T) {
	hashes := make([]byte, 20)
	pieces := NewPieces(BlockSize, BlockSize, hashes)
	p := &pieces[0]
	buf := NewBuffer(p, time.Now())
	data := bytes.Repeat([]byte{0x3}, BlockSize)
	buf.AddBlock(0, data, peerA, time.Now())
	buf.Clear(time.Now())
	if buf.IsComplete() {
		t.Fatal("expected incomplete after Clear")
	}
	if len(buf.Contributors()) != 0 {
		t.Fatal("expected no contributors after Clear")
	}
}

func TestVerifyChecksum(t *testing.T) {
	data := []byte("hello world")
	exp := sha1.Sum(data)
	if !VerifyChecksum(data, exp[:], sha1.Sum) {
		t.Fatal("expected checksum to verify")
	}
	if VerifyChecksum([]byte("tampered"), exp[:], sha1.Sum) {
		t.Fatal("expected checksum mismatch")
	}
}
