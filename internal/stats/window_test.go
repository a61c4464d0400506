// ABOUTME: Tests for the bounded sample window
// ABOUTME: Covers eviction, median/mean math and flush behavior
package stats

import "testing"

func TestMedianOddCount(t *testing.T) {
	w := NewWindow(10)
	for _, x := range []float64{5, 1, 9} {
		w.Push(x)
	}
	if got := w.Median(); got != 5 {
		t.Errorf("expected median 5, got %f", got)
	}
}

func TestMedianEvenCount(t *testing.T) {
	w := NewWindow(10)
	for _, x := range []float64{4, 1, 3, 2} {
		w.Push(x)
	}
	if got := w.Median(); got != 2.5 {
		t.Errorf("expected median 2.5, got %f", got)
	}
}

func TestMedianEmptyWindow(t *testing.T) {
	w := NewWindow(5)
	if got := w.Median(); got != 0 {
		t.Errorf("expected 0 on empty window, got %f", got)
	}
}

func TestMedianIgnoresOutliers(t *testing.T) {
	w := NewWindow(10)
	for i := 0; i < 9; i++ {
		w.Push(100)
	}
	w.Push(5000) // network spike

	if got := w.Median(); got != 100 {
		t.Errorf("expected median 100 despite outlier, got %f", got)
	}
}

func TestEvictionKeepsCapacity(t *testing.T) {
	w := NewWindow(3)
	for x := 1.0; x <= 5; x++ {
		w.Push(x)
	}

	if w.Len() != 3 {
		t.Fatalf("expected 3 samples after overflow, got %d", w.Len())
	}
	// Oldest two (1, 2) evicted; median of {3,4,5} is 4.
	if got := w.Median(); got != 4 {
		t.Errorf("expected median 4 after eviction, got %f", got)
	}
}

func TestMean(t *testing.T) {
	w := NewWindow(4)
	for _, x := range []float64{1, 2, 3, 6} {
		w.Push(x)
	}
	if got := w.Mean(); got != 3 {
		t.Errorf("expected mean 3, got %f", got)
	}
}

func TestFull(t *testing.T) {
	w := NewWindow(10)
	for i := 0; i < 4; i++ {
		w.Push(float64(i))
	}

	if !w.Full(4) {
		t.Error("expected Full(4) with 4 samples")
	}
	if w.Full(5) {
		t.Error("expected !Full(5) with 4 samples")
	}
}

func TestFlush(t *testing.T) {
	w := NewWindow(3)
	for x := 1.0; x <= 5; x++ {
		w.Push(x)
	}
	w.Flush()

	if w.Len() != 0 {
		t.Fatalf("expected empty window after flush, got %d", w.Len())
	}

	// Refill after flush must behave like a fresh window.
	w.Push(7)
	if got := w.Median(); got != 7 {
		t.Errorf("expected median 7 after flush+push, got %f", got)
	}
}
