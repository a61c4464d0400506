// ABOUTME: Bounded ring of recent numeric samples
// ABOUTME: Provides median, mean and fill-level queries over the window
package stats

import "sort"

// Window is a fixed-capacity ring of float64 samples. Pushing onto a
// full window evicts the oldest sample. Median is preferred over mean
// for timing data: probe round-trips are heavy-tailed under network
// spikes and the median ignores the outliers.
type Window struct {
	samples  []float64
	capacity int
	next     int
	filled   bool
}

// NewWindow creates a window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		samples:  make([]float64, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a sample, evicting the oldest when the window is full.
func (w *Window) Push(x float64) {
	if len(w.samples) < w.capacity {
		w.samples = append(w.samples, x)
		return
	}
	w.samples[w.next] = x
	w.next = (w.next + 1) % w.capacity
}

// Len returns the number of samples currently held.
func (w *Window) Len() int {
	return len(w.samples)
}

// Full reports whether the window holds at least k samples.
func (w *Window) Full(k int) bool {
	return len(w.samples) >= k
}

// Median returns the median of the current contents: the exact middle
// for an odd count, the average of the two middles for an even count.
// Returns 0 on an empty window.
func (w *Window) Median() float64 {
	n := len(w.samples)
	if n == 0 {
		return 0
	}

	sorted := make([]float64, n)
	copy(sorted, w.samples)
	sort.Float64s(sorted)

	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Mean returns the arithmetic mean, or 0 on an empty window.
func (w *Window) Mean() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range w.samples {
		sum += x
	}
	return sum / float64(len(w.samples))
}

// Flush discards all samples.
func (w *Window) Flush() {
	w.samples = w.samples[:0]
	w.next = 0
}
