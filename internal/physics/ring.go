package physics

// forceWindow keeps the most recent g force readings for smoothing. The
// backing array is fixed, so once the window fills up the oldest reading is
// overwritten in place.
type forceWindow struct {
	values []float64
	next   int
	count  int
}

func newForceWindow(capacity int) *forceWindow {
	return &forceWindow{values: make([]float64, capacity)}
}

// Push records a reading, evicting the oldest once the window is full.
func (w *forceWindow) Push(value float64) {
	w.values[w.next] = value
	w.next = (w.next + 1) % len(w.values)
	if w.count < len(w.values) {
		w.count++
	}
}

// Mean averages the stored readings, or returns 0 when none are held.
func (w *forceWindow) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < w.count; i++ {
		sum += w.values[i]
	}
	return sum / float64(w.count)
}

// Reset drops every reading.
func (w *forceWindow) Reset() {
	w.next = 0
	w.count = 0
}

// Len reports how many readings the window currently holds.
func (w *forceWindow) Len() int { return w.count }
