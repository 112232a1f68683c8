package boltdbresumer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/boltdb/bolt"
	"github.com/coriolis-labs/swarmtorrent/internal/resumer"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.db")
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWriteThenRead(t *testing.T) {
	db := openTestDB(t)
	mainBucket := []byte("torrents")
	r, err := New(db, mainBucket, []byte("id1"))
	if err != nil {
		t.Fatal(err)
	}
	createdAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	spec := &Spec{
		InfoHash:  []byte("01234567890123456789"),
		Dest:      "/tmp/x",
		Port:      6881,
		Name:      "testfile",
		Trackers:  []string{"http://a/announce", "udp://b:80"},
		Info:      []byte("infodict"),
		Bitfield:  []byte{0xff, 0x01},
		CreatedAt: createdAt,
		Stats: resumer.Stats{
			BytesDownloaded: 100,
			BytesUploaded:   200,
			BytesWasted:     5,
			SeededFor:       time.Minute,
		},
	}
	if err := r.Write(spec); err != nil {
		t.Fatal(err)
	}
	got, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if string(got.InfoHash) != string(spec.InfoHash) {
		t.Fatalf("infohash mismatch: %v", got.InfoHash)
	}
	if got.Port != 6881 || got.Name != "testfile" {
		t.Fatalf("unexpected port/name: %+v", got)
	}
	if len(got.Trackers) != 2 || got.Trackers[0] != "http://a/announce" {
		t.Fatalf("unexpected trackers: %v", got.Trackers)
	}
	if got.BytesDownloaded != 100 || got.BytesUploaded != 200 || got.BytesWasted != 5 {
		t.Fatalf("unexpected stats: %+v", got)
	}
	if got.SeededFor != time.Minute {
		t.Fatalf("unexpected seeded-for: %v", got.SeededFor)
	}
	if !got.AddedAt.Equal(createdAt) {
		t.Fatalf("unexpected created-at: %v", got.AddedAt)
	}
}

func TestWriteBitfieldAndStatsUpdateIndependently(t *testing.T) {
	db := openTestDB(t)
	r, err := New(db, []byte("torrents"), []byte("id2"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Write(&Spec{Name: "f"}); err != nil {
		t.Fatal(err)
	}
	if err := r.WriteBitfield([]byte{0x0f}); err != nil {
		t.Fatal(err)
	}
	if err := r.WriteStats(resumer.Stats{BytesDownloaded: 42}); err != nil {
		t.Fatal(err)
	}
	got, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "f" {
		t.Fatalf("expected name preserved, got %q", got.Name)
	}
	if len(got.Bitfield) != 1 || got.Bitfield[0] != 0x0f {
		t.Fatalf("unexpected bitfield: %v", got.Bitfield)
	}
	if got.BytesDownloaded != 42 {
		t.Fatalf("unexpected bytes downloaded: %d", got.BytesDownloaded)
	}
}

func TestStartedRoundTrip(t *testing.T) {
	db := openTestDB(t)
	r, err := New(db, []byte("torrents"), []byte("id3"))
	if err != nil {
		t.Fatal(err)
	}
	started, err := r.Started()
	if err != nil {
		t.Fatal(err)
	}
	if started {
		t.Fatal("expected default started=false")
	}
	if err := r.SetStarted(true); err != nil {
		t.Fatal(err)
	}
	started, err = r.Started()
	if err != nil {
		t.Fatal(err)
	}
	if !started {
		t.Fatal("expected started=true after SetStarted(true)")
	}
}

func TestDeleteRemovesBucket(t *testing.T) {
	db := openTestDB(t)
	r, err := New(db, []byte("torrents"), []byte("id4"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(); err != nil {
		t.Fatal(err)
	}
	if err := db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte("torrents")).Bucket([]byte("id4")) != nil {
			t.Fatal("expected sub-bucket to be removed")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}
