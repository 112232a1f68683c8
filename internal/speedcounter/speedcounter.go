// Package speedcounter implements a sliding-window speed calculator:
// per-second buckets summed over a trailing window.
package speedcounter

const defaultWindow = 5 // seconds

// Counter is a per-second bucketed byte counter over a trailing window.
type Counter struct {
	window  int64
	buckets map[int64]int64
}

// Option configures a Counter away from its default settings.
type Option func(*Counter)

// WithWindow sets the window length in seconds (default 5).
func WithWindow(seconds int64) Option { return func(c *Counter) { c.window = seconds } }

// New creates a Counter with default settings, as overridden by opts.
func New(opts ...Option) *Counter {
	c := &Counter{window: defaultWindow, buckets: make(map[int64]int64)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddBytes adds n bytes to the bucket for nowMs (spec: `floor(now/1000)`).
func (c *Counter) AddBytes(n int64, nowMs int64) {
	bucket := nowMs / 1000
	c.buckets[bucket] += n
}

func (c *Counter) evict(nowMs int64) {
	cutoff := nowMs/1000 - c.window
	for b := range c.buckets {
		if b <= cutoff {
			delete(c.buckets, b)
		}
	}
}

// GetSpeed evicts buckets older than the window and returns the average
// bytes/sec over the window.
func (c *Counter) GetSpeed(nowMs int64) float64 {
	c.evict(nowMs)
	var sum int64
	for _, v := range c.buckets {
		sum += v
	}
	return float64(sum) / float64(c.window)
}
