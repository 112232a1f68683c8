// Package connstats implements the adaptive connection-timing tracker: a
// ring buffer of recent successful connect durations feeding a
// p95-based adaptive dial timeout, built directly on the standard
// library's sort package; see DESIGN.md for the stdlib justification.
package connstats

import "sort"

const (
	defaultCapacity   = 100
	defaultMultiplier = 3
	defaultMin        = 3000  // ms
	defaultMax        = 30000 // ms
	defaultEmpty      = 8000  // ms
)

// Tracker is a ring buffer of successful connect durations (ms) used to
// derive an adaptive dial timeout.
type Tracker struct {
	samples    []int64
	cap        int
	next       int
	filled     bool
	multiplier float64
	min, max   int64
	empty      int64

	timeouts int64 // count-only, does not feed the estimate
}

// Option configures a Tracker away from its default settings.
type Option func(*Tracker)

// WithCapacity sets the ring buffer size (default 100).
func WithCapacity(n int) Option { return func(t *Tracker) { t.cap = n } }

// WithMultiplier sets the p95 multiplier (default 3).
func WithMultiplier(m float64) Option { return func(t *Tracker) { t.multiplier = m } }

// WithBounds sets the clamp bounds in ms (defaults 3000/30000).
func WithBounds(min, max int64) Option {
	return func(t *Tracker) { t.min = min; t.max = max }
}

// WithEmptyDefault sets the timeout returned when no samples exist
// (default 8000ms).
func WithEmptyDefault(ms int64) Option { return func(t *Tracker) { t.empty = ms } }

// New creates a Tracker with default settings, as overridden by opts.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		cap:        defaultCapacity,
		multiplier: defaultMultiplier,
		min:        defaultMin,
		max:        defaultMax,
		empty:      defaultEmpty,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.samples = make([]int64, 0, t.cap)
	return t
}

// RecordSuccess adds a successful connect duration (ms) to the ring
// buffer.
func (t *Tracker) RecordSuccess(durationMs int64) {
	if len(t.samples) < t.cap {
		t.samples = append(t.samples, durationMs)
		return
	}
	t.samples[t.next] = durationMs
	t.next = (t.next + 1) % t.cap
	t.filled = true
}

// RecordTimeout counts a dial timeout for stats only; it does not feed
// the p95 estimate.
func (t *Tracker) RecordTimeout() {
	t.timeouts++
}

// Timeouts returns the count of recorded dial timeouts.
func (t *Tracker) Timeouts() int64 { return t.timeouts }

// GetTimeout returns clamp(p95(samples) * multiplier, min, max), or the
// empty default if no samples have been recorded.
func (t *Tracker) GetTimeout() int64 {
	if len(t.samples) == 0 {
		return t.empty
	}
	sorted := append([]int64(nil), t.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * 0.95)
	p95 := sorted[idx]
	v := int64(float64(p95) * t.multiplier)
	if v < t.min {
		v = t.min
	}
	if v > t.max {
		v = t.max
	}
	return v
}

// Reset clears all samples, used on network change.
func (t *Tracker) Reset() {
	t.samples = t.samples[:0]
	t.next = 0
	t.filled = false
}
