package magnet

import (
	"encoding/hex"
	"testing"
)

func TestNewParsesHexHashNameAndTrackers(t *testing.T) {
	hash := "0123456789abcdef0123456789abcdef01234567"[:40]
	link := "magnet:?xt=urn:btih:" + hash + "&dn=My+File&tr=http%3A%2F%2Ftracker1%2Fannounce&tr=udp%3A%2F%2Ftracker2%3A80"
	m, err := New(link)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := hex.DecodeString(hash)
	if hex.EncodeToString(m.InfoHash[:]) != hex.EncodeToString(want) {
		t.Fatalf("unexpected infohash: %x", m.InfoHash)
	}
	if m.Name != "My File" {
		t.Fatalf("unexpected name: %q", m.Name)
	}
	if len(m.Trackers) != 2 {
		t.Fatalf("expected 2 trackers, got %v", m.Trackers)
	}
}

func TestNewRejectsNonMagnetScheme(t *testing.T) {
	if _, err := New("http://example.com"); err == nil {
		t.Fatal("expected error for non-magnet scheme")
	}
}

func TestNewRejectsMissingExactTopic(t *testing.T) {
	if _, err := New("magnet:?dn=foo"); err == nil {
		t.Fatal("expected error for missing xt")
	}
}

func TestNewRejectsBadHashLength(t *testing.T) {
	if _, err := New("magnet:?xt=urn:btih:deadbeef"); err == nil {
		t.Fatal("expected error for bad hash length")
	}
}
