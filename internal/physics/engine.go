package physics

import (
	"math"

	"github.com/nKvs-you/roller-coaster-builder/internal/geom"
	"github.com/nKvs-you/roller-coaster-builder/internal/spline"
	"github.com/nKvs-you/roller-coaster-builder/internal/track"
)

// Engine advances a coaster train along a track. It owns one curve and one
// mutable state; Step returns immutable snapshots of that state. The engine
// is not safe for concurrent use, callers serialize access themselves.
type Engine struct {
	curve  *spline.Curve
	points []track.Point
	closed bool

	state        State
	hasChainLift bool
	firstPeak    float64
	window       *forceWindow
}

// NewEngine returns an engine with no track loaded. Steps are no-ops until
// SetTrack installs a layout with at least two points.
func NewEngine() *Engine {
	e := &Engine{
		firstPeak: 0.2,
		window:    newForceWindow(gForceWindowSize),
	}
	e.Reset()
	return e
}

// SetTrack installs a layout, rebuilds the curve, recomputes the chain lift
// cutoff and resets the ride to the start.
func (e *Engine) SetTrack(layout track.Layout) {
	e.points = append([]track.Point(nil), layout.Points...)
	e.closed = layout.Closed
	e.curve = layout.Build()
	e.findFirstPeak()
	e.Reset()
}

// findFirstPeak locates the highest control point and derives the progress
// value where the chain lift lets go.
func (e *Engine) findFirstPeak() {
	if len(e.points) < 3 {
		e.firstPeak = 0.2
		return
	}

	//1.- The first occurrence of the maximum height wins ties.
	maxHeight := e.points[0].Position.Y
	peak := 0
	for i := 1; i < len(e.points); i++ {
		if e.points[i].Position.Y > maxHeight {
			maxHeight = e.points[i].Position.Y
			peak = i
		}
	}

	//2.- Clamp the cutoff so even degenerate layouts get a plausible lift hill.
	progress := float64(peak) / float64(e.curve.SegmentCount())
	e.firstPeak = math.Min(0.5, math.Max(0.1, progress))
}

// SetChainLift toggles the chain lift. The flag takes effect on the next
// step or reset, the current snapshot is left alone.
func (e *Engine) SetChainLift(enabled bool) {
	e.hasChainLift = enabled
}

// Reset re-seeds the ride at the start of the track with minimal speed and a
// neutral one gravity load, and clears the smoothing window.
func (e *Engine) Reset() {
	e.state = State{
		Position:       e.curve.Point(0),
		Speed:          1.0,
		GForceVertical: 1.0,
		GForceTotal:    1.0,
		OnChainLift:    e.hasChainLift,
	}
	e.state.Height = e.state.Position.Y
	e.window.Reset()
}

// Step advances the simulation by dt seconds and returns the new state. With
// fewer than two track points the state is returned untouched.
func (e *Engine) Step(dt float64) State {
	if len(e.points) < 2 {
		return e.state
	}
	e.state.SimulatedSeconds += dt

	//1.- Sample the track where the train currently sits.
	sample := e.SampleAt(e.state.Progress)

	//2.- The chain lift pins the speed until the train clears the first peak.
	e.state.OnChainLift = e.hasChainLift && e.state.Progress < e.firstPeak
	if e.state.OnChainLift {
		e.state.Speed = ChainLiftSpeed
	} else {
		gravityAlongTrack := geom.Vec3{Y: -Gravity}.Dot(sample.Tangent)
		drag := AirResistance * e.state.Speed * e.state.Speed
		friction := RollingFriction * Gravity
		e.state.Speed += (-gravityAlongTrack - drag - friction) * dt
		e.state.Speed = math.Max(MinSpeed, e.state.Speed)
	}

	//3.- Fold the new speed and local geometry into the g force readings.
	e.applyGForces(sample)

	//4.- Advance along the curve, wrapping closed tracks and restarting open ones.
	if length := e.curve.Length(); length > 0 {
		e.state.Progress += e.state.Speed * dt / length
		if e.closed {
			for e.state.Progress >= 1.0 {
				e.state.Progress -= 1.0
			}
			for e.state.Progress < 0 {
				e.state.Progress += 1.0
			}
		} else if e.state.Progress >= 1.0 {
			e.Reset()
		}
	}

	//5.- Refresh the pose fields from the settled progress.
	sample = e.SampleAt(e.state.Progress)
	e.state.Position = sample.Point
	e.state.Velocity = sample.Tangent.Scale(e.state.Speed)
	e.state.Height = sample.Point.Y
	e.state.BankAngle = sample.Tilt
	e.state.InLoop = sample.InLoop

	return e.state
}

// applyGForces updates the vertical, lateral and smoothed total g readings
// from the current speed and the local track geometry.
func (e *Engine) applyGForces(sample Sample) {
	//1.- Centripetal acceleration needs a finite turning radius.
	centripetal := 0.0
	if sample.Curvature > 1e-6 {
		radius := 1.0 / sample.Curvature
		centripetal = e.state.Speed * e.state.Speed / radius
	}

	//2.- The seat carries one gravity plus the vertical share of the turn,
	//    corrected for the slope the train is on.
	gradeRad := math.Atan(sample.Grade / 100.0)
	e.state.GForceVertical = 1.0 + math.Cos(gradeRad)*centripetal/Gravity
	e.state.GForceVertical += math.Sin(gradeRad) * e.state.Speed * e.state.Speed / (Gravity * 10)

	//3.- Banking converts part of the turn into a sideways push.
	e.state.GForceLateral = math.Sin(sample.Tilt) * centripetal / Gravity

	//4.- Riders feel the average, so the reported total is smoothed over the
	//    last few readings while the components stay raw.
	total := math.Sqrt(e.state.GForceVertical*e.state.GForceVertical + e.state.GForceLateral*e.state.GForceLateral)
	e.window.Push(total)
	e.state.GForceTotal = e.window.Mean()
}

// SampleAt evaluates the track at the given progress: position, oriented
// frame, banking, slope and loop membership.
func (e *Engine) SampleAt(progress float64) Sample {
	progress = math.Max(0.0, math.Min(maxSampleProgress, progress))

	sample := Sample{
		Point:     e.curve.Point(progress),
		Tangent:   e.curve.Tangent(progress),
		Curvature: e.curve.Curvature(progress),
	}

	//1.- Build the local frame from the tangent and world up.
	right := sample.Tangent.Cross(geom.Vec3{Y: 1}).Normalized()
	sample.Up = right.Cross(sample.Tangent).Normalized()
	sample.Right = right

	//2.- Bank the frame by the interpolated tilt.
	sample.Tilt = e.tiltAt(progress)
	if math.Abs(sample.Tilt) > 0.001 {
		c := math.Cos(sample.Tilt)
		s := math.Sin(sample.Tilt)
		bankedUp := sample.Up.Scale(c).Add(sample.Right.Scale(s))
		bankedRight := sample.Right.Scale(c).Sub(sample.Up.Scale(s))
		sample.Up = bankedUp
		sample.Right = bankedRight
	}

	sample.Grade = sample.Tangent.Y * 100.0
	sample.InLoop = e.inLoopAt(progress)
	return sample
}

// tiltAt linearly interpolates the bank angle between the two control points
// bracketing the given progress. Closed tracks wrap the last point onto the
// first; open tracks hold the final tilt.
func (e *Engine) tiltAt(progress float64) float64 {
	if len(e.points) < 2 {
		return 0
	}

	n := len(e.points)
	segments := e.curve.SegmentCount()

	scaled := progress * float64(segments)
	index := int(math.Floor(scaled))
	frac := scaled - float64(index)

	if e.closed {
		i0 := ((index % n) + n) % n
		i1 := ((index+1)%n + n) % n
		return e.points[i0].Tilt*(1.0-frac) + e.points[i1].Tilt*frac
	}
	if index >= n-1 {
		return e.points[n-1].Tilt
	}
	return e.points[index].Tilt*(1.0-frac) + e.points[index+1].Tilt*frac
}

// inLoopAt reports whether the given progress falls inside the fixed window
// that follows any loop flagged control point.
func (e *Engine) inLoopAt(progress float64) bool {
	segments := e.curve.SegmentCount()
	if segments == 0 {
		return false
	}
	for i, p := range e.points {
		if !p.HasLoop {
			continue
		}
		start := float64(i) / float64(segments)
		if progress >= start && progress < start+loopWindow {
			return true
		}
	}
	return false
}

// SetProgress moves the train to an arbitrary track position, for scrubbing.
// The value is interpreted on the next step.
func (e *Engine) SetProgress(progress float64) {
	e.state.Progress = progress
}

// SetSpeed overrides the current speed without touching anything else.
func (e *Engine) SetSpeed(speed float64) {
	e.state.Speed = speed
}

// Snapshot returns the current state without advancing the simulation.
func (e *Engine) Snapshot() State {
	return e.state
}

// HasTrack reports whether a rideable track is loaded.
func (e *Engine) HasTrack() bool {
	return len(e.points) >= 2
}

// FirstPeak exposes the chain lift cutoff progress.
func (e *Engine) FirstPeak() float64 {
	return e.firstPeak
}

// TrackLength returns the arc length of the loaded track, 0 when none is.
func (e *Engine) TrackLength() float64 {
	return e.curve.Length()
}

// Closed reports whether the loaded track forms a circuit.
func (e *Engine) Closed() bool {
	return e.closed
}
