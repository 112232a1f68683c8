package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"
)

func TestNewSingleFile(t *testing.T) {
	piece0 := sha1.Sum([]byte("0123456789012345"))
	piece1 := sha1.Sum([]byte("6789"))
	pieces := string(piece0[:]) + string(piece1[:])
	info := "d6:lengthi20e4:name4:test12:piece lengthi16e6:pieces40:" + pieces + "e"
	mi := "d8:announce36:http://tracker.example.com/announce4:info" + info + "e"

	m, err := New(bytes.NewReader([]byte(mi)))
	if err != nil {
		t.Fatal(err)
	}
	if m.Info.Name != "test" {
		t.Fatalf("expected name 'test', got %q", m.Info.Name)
	}
	if m.Info.NumPieces != 2 {
		t.Fatalf("expected 2 pieces, got %d", m.Info.NumPieces)
	}
	if m.Info.PieceLen(0) != 16 || m.Info.PieceLen(1) != 4 {
		t.Fatalf("unexpected piece lengths: %d %d", m.Info.PieceLen(0), m.Info.PieceLen(1))
	}
	if m.Announce != "http://tracker.example.com/announce" {
		t.Fatalf("unexpected announce: %q", m.Announce)
	}
}

func TestGetTrackersDedup(t *testing.T) {
	m := &MetaInfo{
		Announce:     "http://a.example.com",
		AnnounceList: [][]string{{"http://a.example.com", "http://b.example.com"}},
	}
	got := m.GetTrackers()
	if len(got) != 2 {
		t.Fatalf("expected 2 trackers, got %v", got)
	}
}
