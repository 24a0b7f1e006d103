// Package trend tracks a rolling window of slab utilization ratios for one
// bin, exposing the window median and an exponentially weighted moving
// average.
//
// Tracker is not safe for concurrent use; the defrag cycle owns it.
package trend

import "slices"

const (
	// DefaultCapacity is the number of samples kept in the window.
	DefaultCapacity = 1000

	// DefaultAlpha is the EWMA smoothing factor.
	DefaultAlpha = 0.1
)

// Tracker is a fixed-capacity ring buffer of samples plus an EWMA.
type Tracker struct {
	alpha  float64
	ewma   float64
	buf    []float64
	cursor int
	full   bool
}

// New creates a tracker. Non-positive capacity or an alpha outside (0, 1]
// falls back to the defaults.
func New(capacity int, alpha float64) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Tracker{
		alpha: alpha,
		buf:   make([]float64, capacity),
	}
}

// Update folds x into the EWMA and writes it at the cursor. The window is
// full once the cursor wraps back to zero.
func (t *Tracker) Update(x float64) {
	t.ewma = t.alpha*x + (1-t.alpha)*t.ewma

	t.buf[t.cursor] = x
	t.cursor = (t.cursor + 1) % len(t.buf)
	if t.cursor == 0 {
		t.full = true
	}
}

// Median returns the middle sample of the filled window. For an even count it
// returns the upper of the two middle samples. An empty window yields 0.
func (t *Tracker) Median() float64 {
	n := t.Len()
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(t.buf[:n])
	slices.Sort(sorted)
	return sorted[n/2]
}

// EWMA returns the current smoothed value.
func (t *Tracker) EWMA() float64 {
	return t.ewma
}

// Alpha returns the smoothing factor.
func (t *Tracker) Alpha() float64 {
	return t.alpha
}

// Len returns the number of samples in the window.
func (t *Tracker) Len() int {
	if t.full {
		return len(t.buf)
	}
	return t.cursor
}

// Full reports whether the cursor has completed a lap.
func (t *Tracker) Full() bool {
	return t.full
}

// Threshold blends median and EWMA into an acceptance threshold, raised when
// the EWMA runs above the median:
//
//	thr = (p50 + ewma) / 2 * (1 + alpha*(ewma - p50))
func (t *Tracker) Threshold() float64 {
	p50 := t.Median()
	thr := (p50 + t.ewma) / 2
	return thr * (1 + t.alpha*(t.ewma-p50))
}
