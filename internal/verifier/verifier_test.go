package verifier

import (
	"crypto/sha1"
	"testing"
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/piece"
	"github.com/coriolis-labs/swarmtorrent/internal/storage"
	"github.com/coriolis-labs/swarmtorrent/internal/storage/filestorage"
)

func TestRunMarksCorrectAndIncorrectPieces(t *testing.T) {
	dir := t.TempDir()
	sto, err := filestorage.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	files, err := sto.Open([]storage.FileInfo{{Path: []string{"data"}, Length: 20}})
	if err != nil {
		t.Fatal(err)
	}
	idx := filestorage.NewIndex(files)

	good := []byte("0123456789")
	bad := []byte("XXXXXXXXXX")
	if err := idx.WriteAt(0, good); err != nil {
		t.Fatal(err)
	}
	if err := idx.WriteAt(10, bad); err != nil {
		t.Fatal(err)
	}

	goodHash := sha1.Sum(good)
	wrongHash := sha1.Sum([]byte("different!"))
	pieces := []piece.Piece{
		{Index: 0, Length: 10, Hash: goodHash[:]},
		{Index: 1, Length: 10, Hash: wrongHash[:]},
	}

	v := New(idx, pieces, sha1.Sum)
	progressC := make(chan Progress, 10)
	resultC := make(chan *Verifier, 1)
	stopC := make(chan struct{})
	go v.Run(progressC, resultC, stopC)

	var done *Verifier
	timeout := time.After(2 * time.Second)
	for done == nil {
		select {
		case <-progressC:
		case d := <-resultC:
			done = d
		case <-timeout:
			t.Fatal("timed out")
		}
	}
	if !done.Bitfield.Test(0) {
		t.Fatal("expected piece 0 verified")
	}
	if done.Bitfield.Test(1) {
		t.Fatal("expected piece 1 not verified")
	}
}
