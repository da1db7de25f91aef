package physics

import (
	"math"
	"testing"
)

func TestForceWindowMeanBeforeFull(t *testing.T) {
	w := newForceWindow(3)
	if w.Len() != 0 || w.Mean() != 0 {
		t.Fatalf("fresh window should be empty, got len %d mean %v", w.Len(), w.Mean())
	}

	w.Push(1)
	w.Push(2)
	if w.Len() != 2 {
		t.Fatalf("expected 2 readings, got %d", w.Len())
	}
	if got := w.Mean(); math.Abs(got-1.5) > 1e-12 {
		t.Fatalf("mean = %v, want 1.5", got)
	}
}

func TestForceWindowDropsOldest(t *testing.T) {
	w := newForceWindow(3)
	for _, v := range []float64{1, 2, 3} {
		w.Push(v)
	}
	if got := w.Mean(); math.Abs(got-2) > 1e-12 {
		t.Fatalf("mean = %v, want 2", got)
	}

	w.Push(4)
	if w.Len() != 3 {
		t.Fatalf("window grew past capacity: %d", w.Len())
	}
	if got := w.Mean(); math.Abs(got-3) > 1e-12 {
		t.Fatalf("mean after eviction = %v, want 3", got)
	}

	w.Push(10)
	if got := w.Mean(); math.Abs(got-17.0/3.0) > 1e-12 {
		t.Fatalf("mean = %v, want %v", got, 17.0/3.0)
	}
}

func TestForceWindowReset(t *testing.T) {
	w := newForceWindow(4)
	w.Push(5)
	w.Push(7)
	w.Reset()

	if w.Len() != 0 || w.Mean() != 0 {
		t.Fatalf("reset window should be empty, got len %d mean %v", w.Len(), w.Mean())
	}

	w.Push(9)
	if got := w.Mean(); got != 9 {
		t.Fatalf("mean after reset = %v, want 9", got)
	}
}
