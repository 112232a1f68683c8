package trackermanager

import "testing"

func TestGetCachesByURL(t *testing.T) {
	m := New()
	a, err := m.Get("http://example.com/announce", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Get("http://example.com/announce", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("expected cached tracker instance for repeated URL")
	}
}

func TestGetUDPScheme(t *testing.T) {
	m := New()
	tr, err := m.Get("udp://tracker.example.com:6969/announce", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if tr.URL() != "udp://tracker.example.com:6969" {
		t.Fatalf("unexpected URL: %s", tr.URL())
	}
}

func TestGetRejectsUnsupportedScheme(t *testing.T) {
	m := New()
	if _, err := m.Get("ws://tracker.example.com", 0, ""); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}
