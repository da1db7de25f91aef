package physics

import "math"

// RideStats aggregates the extremes of a ride for comfort and safety
// reporting. Violations count steps outside the safe g force envelope,
// lateral warnings count steps beyond the comfortable side load.
type RideStats struct {
	Steps            int     `json:"steps"`
	SimulatedSeconds float64 `json:"simulated_seconds"`

	MaxSpeed  float64 `json:"max_speed"`
	MaxHeight float64 `json:"max_height"`
	MinHeight float64 `json:"min_height"`

	MaxGForce    float64 `json:"max_g_force"`
	MinVerticalG float64 `json:"min_vertical_g"`
	MaxLateralG  float64 `json:"max_lateral_g"`

	AirtimeSeconds   float64 `json:"airtime_seconds"`
	GForceViolations int     `json:"g_force_violations"`
	LateralWarnings  int     `json:"lateral_warnings"`
	Laps             int     `json:"laps"`
}

// StatsTracker folds step snapshots into RideStats. Feed it every state a
// ride produces and read the aggregate at any point.
type StatsTracker struct {
	stats        RideStats
	lastProgress float64
	started      bool
}

// NewStatsTracker returns an empty tracker.
func NewStatsTracker() *StatsTracker {
	return &StatsTracker{}
}

// Observe folds one step snapshot into the aggregate. dt is the step size
// that produced the snapshot.
func (t *StatsTracker) Observe(state State, dt float64) {
	s := &t.stats

	//1.- Seed the extremes from the first snapshot so zero heights survive.
	if !t.started {
		s.MaxHeight = state.Height
		s.MinHeight = state.Height
		s.MinVerticalG = state.GForceVertical
	}

	s.Steps++
	s.SimulatedSeconds += dt

	if state.Speed > s.MaxSpeed {
		s.MaxSpeed = state.Speed
	}
	if state.Height > s.MaxHeight {
		s.MaxHeight = state.Height
	}
	if state.Height < s.MinHeight {
		s.MinHeight = state.Height
	}
	if state.GForceTotal > s.MaxGForce {
		s.MaxGForce = state.GForceTotal
	}
	if state.GForceVertical < s.MinVerticalG {
		s.MinVerticalG = state.GForceVertical
	}
	if lateral := math.Abs(state.GForceLateral); lateral > s.MaxLateralG {
		s.MaxLateralG = lateral
	}

	//2.- Negative vertical g means the riders float out of their seats.
	if state.GForceVertical < 0 {
		s.AirtimeSeconds += dt
	}
	if state.GForceTotal > MaxSafeGForce || state.GForceVertical < MinSafeGForce {
		s.GForceViolations++
	}
	if math.Abs(state.GForceLateral) > ComfortLateralG {
		s.LateralWarnings++
	}

	//3.- A large backwards jump in progress means the train wrapped or restarted.
	if t.started && t.lastProgress-state.Progress > 0.5 {
		s.Laps++
	}
	t.lastProgress = state.Progress
	t.started = true
}

// Stats returns the aggregate so far.
func (t *StatsTracker) Stats() RideStats {
	return t.stats
}

// Reset clears the aggregate for a fresh ride.
func (t *StatsTracker) Reset() {
	*t = StatsTracker{}
}
