package speedcounter

import "testing"

func TestAddAndGetSpeed(t *testing.T) {
	c := New(WithWindow(5))
	base := int64(10_000_000) // 10000s in ms
	c.AddBytes(500, base)
	c.AddBytes(500, base+1000)
	if got := c.GetSpeed(base + 1000); got != 200 {
		t.Fatalf("expected 1000/5=200, got %v", got)
	}
}

func TestOldBucketsEvicted(t *testing.T) {
	c := New(WithWindow(5))
	base := int64(10_000_000)
	c.AddBytes(1000, base)
	got := c.GetSpeed(base + 10_000) // 10s later, outside 5s window
	if got != 0 {
		t.Fatalf("expected 0 after window gap, got %v", got)
	}
}

func TestGapZeroesWithoutPanicking(t *testing.T) {
	c := New(WithWindow(5))
	base := int64(10_000_000)
	c.AddBytes(100, base)
	_ = c.GetSpeed(base + 100_000)
	// counter should still function after a long gap
	c.AddBytes(500, base+100_000)
	if got := c.GetSpeed(base + 100_000); got != 100 {
		t.Fatalf("expected 500/5=100 after gap recovery, got %v", got)
	}
}
