package server

import (
	"sync"
	"time"
)

// TickStats summarises observed simulation tick durations.
type TickStats struct {
	Ticks   int
	Average time.Duration
	Max     time.Duration
	Last    time.Duration
}

// TicksPerSecond derives the steady-state tick rate from the average duration.
func (s TickStats) TicksPerSecond() float64 {
	if s.Average <= 0 {
		return 0
	}
	return float64(time.Second) / float64(s.Average)
}

// TickMonitor accumulates timing statistics for the ride loop.
type TickMonitor struct {
	mu    sync.Mutex
	ticks int
	total time.Duration
	max   time.Duration
	last  time.Duration
}

// NewTickMonitor constructs an empty monitor ready to collect samples.
func NewTickMonitor() *TickMonitor {
	return &TickMonitor{}
}

// Observe records the duration of a completed simulation tick.
func (m *TickMonitor) Observe(duration time.Duration) {
	if m == nil || duration <= 0 {
		return
	}
	m.mu.Lock()
	//1.- Accumulate the count and aggregate duration for average calculations.
	m.ticks++
	m.total += duration
	//2.- Track the worst-case tick so operators can spot stalls quickly.
	if duration > m.max {
		m.max = duration
	}
	m.last = duration
	m.mu.Unlock()
}

// Snapshot returns a copy of the aggregated tick statistics.
func (m *TickMonitor) Snapshot() TickStats {
	if m == nil {
		return TickStats{}
	}
	m.mu.Lock()
	ticks := m.ticks
	total := m.total
	max := m.max
	last := m.last
	m.mu.Unlock()

	average := time.Duration(0)
	if ticks > 0 {
		average = total / time.Duration(ticks)
	}
	return TickStats{Ticks: ticks, Average: average, Max: max, Last: last}
}

// Reset clears the accumulated statistics when a ride restarts.
func (m *TickMonitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ticks = 0
	m.total = 0
	m.max = 0
	m.last = 0
	m.mu.Unlock()
}
