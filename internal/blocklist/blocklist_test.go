package blocklist

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestLoadAndBlocked(t *testing.T) {
	bl := New()
	data := "# comment\n1.2.3.0/24\n\n10.0.0.5\n"
	n, err := bl.Load(strings.NewReader(data), time.Unix(1000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 ranges, got %d", n)
	}
	if !bl.Blocked(net.ParseIP("1.2.3.42")) {
		t.Fatal("expected 1.2.3.42 blocked")
	}
	if bl.Blocked(net.ParseIP("1.2.4.42")) {
		t.Fatal("expected 1.2.4.42 not blocked")
	}
	if !bl.Blocked(net.ParseIP("10.0.0.5")) {
		t.Fatal("expected exact-IP entry blocked")
	}
	if bl.Len() != 2 {
		t.Fatalf("expected Len()==2, got %d", bl.Len())
	}
	if bl.UpdatedAt().Unix() != 1000 {
		t.Fatalf("unexpected UpdatedAt: %v", bl.UpdatedAt())
	}
}

func TestEmptyBlocklistBlocksNothing(t *testing.T) {
	bl := New()
	if bl.Blocked(net.ParseIP("8.8.8.8")) {
		t.Fatal("expected empty blocklist to block nothing")
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	got := DecodeTimestamp(EncodeTimestamp(now))
	if !got.Equal(now) {
		t.Fatalf("expected %v, got %v", now, got)
	}
}
