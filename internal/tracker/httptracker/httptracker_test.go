package httptracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coriolis-labs/swarmtorrent/internal/tracker"
)

func TestPercentEncodeBytesFull(t *testing.T) {
	got := percentEncodeBytes([]byte{0x00, 0x41, 0xFF, 0x2D})
	want := "%00%41%FF%2D"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("compact") != "1" {
			t.Errorf("expected compact=1, got %s", q.Get("compact"))
		}
		w.Write([]byte("d8:intervali1800e5:peers6:\x7f\x00\x00\x01\x1a\xe1e"))
	}))
	defer srv.Close()

	tr := New(srv.URL, 2*time.Second, "swarmtorrent/1.0")
	var infoHash, peerID [20]byte
	resp, err := tr.Announce(context.Background(), tracker.Torrent{InfoHash: infoHash, PeerID: peerID, Port: 6881}, tracker.EventStarted, 50)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Interval != 1800 {
		t.Fatalf("expected interval 1800, got %d", resp.Interval)
	}
	if len(resp.Peers) != 1 || resp.Peers[0].Port != 6881 {
		t.Fatalf("unexpected peers: %+v", resp.Peers)
	}
}

func TestAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d14:failure reason11:not a real e"))
	}))
	defer srv.Close()

	tr := New(srv.URL, 2*time.Second, "")
	_, err := tr.Announce(context.Background(), tracker.Torrent{}, tracker.EventNone, 0)
	if err == nil {
		t.Fatal("expected failure reason error")
	}
}
