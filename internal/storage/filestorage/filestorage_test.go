package filestorage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/coriolis-labs/swarmtorrent/internal/storage"
)

func TestTwoFileSpan(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	files, err := fs.Open([]storage.FileInfo{
		{Path: []string{"a"}, Length: 5},
		{Path: []string{"b"}, Length: 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	idx := NewIndex(files)

	block := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if err := idx.WriteAt(0, block); err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		f.Close()
	}

	gotA, err := os.ReadFile(filepath.Join(dir, "a"))
	if err != nil {
		t.Fatal(err)
	}
	gotB, err := os.ReadFile(filepath.Join(dir, "b"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotA, []byte{1, 2, 3, 4, 5}) {
		t.Fatalf("file a: expected [1..5], got %v", gotA)
	}
	if !bytes.Equal(gotB, []byte{6, 7, 8, 9, 10}) {
		t.Fatalf("file b: expected [6..10], got %v", gotB)
	}
}

func TestReadAtAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	files, err := fs.Open([]storage.FileInfo{
		{Path: []string{"a"}, Length: 3},
		{Path: []string{"b"}, Length: 7},
	})
	if err != nil {
		t.Fatal(err)
	}
	idx := NewIndex(files)
	if err := idx.WriteAt(0, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}); err != nil {
		t.Fatal(err)
	}
	got, err := idx.ReadAt(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{3, 4, 5, 6}) {
		t.Fatalf("expected [3,4,5,6], got %v", got)
	}
}

func TestOutOfRange(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	files, err := fs.Open([]storage.FileInfo{{Path: []string{"a"}, Length: 5}})
	if err != nil {
		t.Fatal(err)
	}
	idx := NewIndex(files)
	if _, err := idx.ReadAt(3, 10); err != storage.ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if err := idx.WriteAt(-1, []byte{1}); err != storage.ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	_, err = fs.Open([]storage.FileInfo{{Path: []string{"..", "evil"}, Length: 1}})
	if err == nil {
		t.Fatal("expected path escape error")
	}
}
