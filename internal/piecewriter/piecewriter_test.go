package piecewriter

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/coriolis-labs/swarmtorrent/internal/piece"
	"github.com/coriolis-labs/swarmtorrent/internal/storage"
	"github.com/coriolis-labs/swarmtorrent/internal/storage/filestorage"
)

func TestRunWritesAtOffset(t *testing.T) {
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

	p := &piece.Piece{Index: 1, Length: 10}
	data := bytes.Repeat([]byte{0x7}, 10)
	w := New(p, data, idx)

	resultC := make(chan *PieceWriter, 1)
	go w.Run(10, resultC)
	done := <-resultC
	if done.Error != nil {
		t.Fatal(done.Error)
	}
	for _, f := range files {
		f.Close()
	}
	got, err := os.ReadFile(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[10:], data) {
		t.Fatalf("expected bytes written at offset 10, got %v", got[10:])
	}
}
