package physics

import (
	"math"
	"testing"

	"github.com/nKvs-you/roller-coaster-builder/internal/geom"
	"github.com/nKvs-you/roller-coaster-builder/internal/track"
)

const stepDT = 1.0 / 60.0

func lineLayout(count int, spacing, height float64) track.Layout {
	points := make([]track.Point, count)
	for i := range points {
		points[i] = track.NewPoint(geom.Vec3{X: float64(i) * spacing, Y: height})
	}
	return track.Layout{Name: "line", Points: points}
}

func ringLayout(radius float64, count int) track.Layout {
	points := make([]track.Point, count)
	for i := range points {
		angle := 2 * math.Pi * float64(i) / float64(count)
		points[i] = track.NewPoint(geom.Vec3{X: radius * math.Cos(angle), Y: 5, Z: radius * math.Sin(angle)})
	}
	return track.Layout{Name: "ring", Closed: true, Points: points}
}

func TestEngineStepWithoutTrackIsNoOp(t *testing.T) {
	e := NewEngine()
	before := e.Snapshot()

	got := e.Step(stepDT)
	if got != before {
		t.Fatalf("step without a track changed state: %+v vs %+v", got, before)
	}
	if got.Speed != 1.0 || got.SimulatedSeconds != 0 || got.Position != (geom.Vec3{}) {
		t.Fatalf("unexpected initial state: %+v", got)
	}
}

func TestEngineResetSeedsState(t *testing.T) {
	e := NewEngine()
	e.SetTrack(ringLayout(30, 12))
	e.SetProgress(0.5)
	e.SetSpeed(20)
	for i := 0; i < 5; i++ {
		e.Step(stepDT)
	}

	e.Reset()
	s := e.Snapshot()
	if s.Progress != 0 || s.Speed != 1.0 {
		t.Fatalf("reset should reseed progress and speed: %+v", s)
	}
	if s.GForceVertical != 1.0 || s.GForceLateral != 0 || s.GForceTotal != 1.0 {
		t.Fatalf("reset should reseed a neutral g load: %+v", s)
	}
	if s.SimulatedSeconds != 0 {
		t.Fatalf("reset should rewind the clock: %+v", s)
	}
	start := geom.Vec3{X: 30, Y: 5, Z: 0}
	if s.Position.DistanceTo(start) > 1e-9 || s.Height != s.Position.Y {
		t.Fatalf("reset should park the train at the track start: %+v", s)
	}
}

func TestEngineChainLiftPinsSpeedUntilFirstPeak(t *testing.T) {
	e := NewEngine()
	e.SetTrack(ringLayout(30, 12))
	e.SetChainLift(true)
	e.Reset()

	if s := e.Snapshot(); !s.OnChainLift {
		t.Fatalf("reset with the lift enabled should start engaged: %+v", s)
	}

	s := e.Step(stepDT)
	if !s.OnChainLift || s.Speed != ChainLiftSpeed {
		t.Fatalf("expected lift to pin speed at %v: %+v", ChainLiftSpeed, s)
	}

	// A flat ring clamps the first peak to 0.1, so progress beyond that
	// releases the lift.
	e.SetProgress(0.2)
	s = e.Step(stepDT)
	if s.OnChainLift {
		t.Fatalf("lift should release past the first peak: %+v", s)
	}
}

func TestEngineFirstPeakDetection(t *testing.T) {
	heights := func(ys ...float64) track.Layout {
		points := make([]track.Point, len(ys))
		for i, y := range ys {
			points[i] = track.NewPoint(geom.Vec3{X: float64(i) * 15, Y: y})
		}
		return track.Layout{Points: points}
	}

	cases := []struct {
		name   string
		layout track.Layout
		want   float64
	}{
		{"interior peak", heights(5, 20, 8, 6, 5), 0.25},
		{"peak at start clamps low", heights(30, 20, 8, 6, 5), 0.1},
		{"peak at end clamps high", heights(5, 6, 7, 8, 30), 0.5},
		{"short track falls back", heights(5, 20), 0.2},
	}
	for _, tc := range cases {
		e := NewEngine()
		e.SetTrack(tc.layout)
		if got := e.FirstPeak(); math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("%s: first peak = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEngineSpeedFloorsOnFlatTrack(t *testing.T) {
	e := NewEngine()
	e.SetTrack(lineLayout(3, 30, 5))

	var s State
	for i := 0; i < 400; i++ {
		s = e.Step(stepDT)
		if s.Speed < MinSpeed {
			t.Fatalf("speed fell through the floor at step %d: %+v", i, s)
		}
	}
	if s.Speed != MinSpeed {
		t.Fatalf("drag and friction should settle on the floor, got %v", s.Speed)
	}
	if math.Abs(s.GForceVertical-1.0) > 1e-3 {
		t.Fatalf("flat track should carry about one vertical g: %+v", s)
	}
}

func TestEngineClosedTrackWrapsProgress(t *testing.T) {
	e := NewEngine()
	e.SetTrack(ringLayout(30, 12))
	e.SetProgress(0.999)
	e.SetSpeed(140)

	s := e.Step(stepDT)
	if s.Progress < 0 || s.Progress >= 1 {
		t.Fatalf("progress left [0,1): %+v", s)
	}
	if s.Progress > 0.05 {
		t.Fatalf("expected a wrap to the start of the circuit: %+v", s)
	}
	if s.Speed < 100 {
		t.Fatalf("wrapping must not reseed the speed: %+v", s)
	}
	if s.SimulatedSeconds != stepDT {
		t.Fatalf("wrapping must not rewind the clock: %+v", s)
	}
}

func TestEngineOpenTrackRestartsAtEnd(t *testing.T) {
	e := NewEngine()
	e.SetTrack(lineLayout(3, 30, 5))
	e.SetProgress(0.999)
	e.SetSpeed(30)

	s := e.Step(stepDT)
	if s.Progress != 0 || s.Speed != 1.0 {
		t.Fatalf("running off an open track should restart the ride: %+v", s)
	}
	if s.SimulatedSeconds != 0 {
		t.Fatalf("restart should rewind the clock: %+v", s)
	}
	if s.Position.DistanceTo(geom.Vec3{X: 0, Y: 5, Z: 0}) > 1e-9 {
		t.Fatalf("restart should park the train at the start: %+v", s)
	}
	if math.Abs(s.Velocity.Length()-1.0) > 1e-9 {
		t.Fatalf("restart velocity should match the reseeded speed: %+v", s)
	}
}

func TestEngineGForceSmoothingAveragesWindow(t *testing.T) {
	e := NewEngine()
	e.SetTrack(ringLayout(30, 12))

	first := e.Step(stepDT)
	raw1 := math.Sqrt(first.GForceVertical*first.GForceVertical + first.GForceLateral*first.GForceLateral)
	if math.Abs(first.GForceTotal-raw1) > 1e-12 {
		t.Fatalf("first total should equal the raw magnitude: %+v", first)
	}

	second := e.Step(stepDT)
	raw2 := math.Sqrt(second.GForceVertical*second.GForceVertical + second.GForceLateral*second.GForceLateral)
	want := (raw1 + raw2) / 2
	if math.Abs(second.GForceTotal-want) > 1e-12 {
		t.Fatalf("second total = %v, want window average %v", second.GForceTotal, want)
	}
}

func TestEngineVelocityFollowsTangent(t *testing.T) {
	e := NewEngine()
	e.SetTrack(lineLayout(3, 30, 5))

	s := e.Step(stepDT)
	if math.Abs(s.Velocity.Length()-s.Speed) > 1e-9 {
		t.Fatalf("velocity magnitude should match speed: %+v", s)
	}
	if math.Abs(s.Velocity.Y) > 1e-9 || s.Velocity.X <= 0 {
		t.Fatalf("velocity should point along the flat track: %+v", s)
	}
}

func TestEngineBankAngleInterpolation(t *testing.T) {
	open := lineLayout(3, 30, 5)
	open.Points[1].Tilt = 0.4

	e := NewEngine()
	e.SetTrack(open)
	e.SetProgress(0.25)
	if s := e.Step(1e-9); math.Abs(s.BankAngle-0.2) > 1e-6 {
		t.Fatalf("open track bank = %v, want 0.2", s.BankAngle)
	}

	closed := ringLayout(30, 4)
	for i, tilt := range []float64{0.1, 0.3, 0.5, 0.7} {
		closed.Points[i].Tilt = tilt
	}
	e = NewEngine()
	e.SetTrack(closed)
	e.SetProgress(0.875)
	// Halfway through the wrapping segment blends the last tilt into the first.
	if s := e.Step(1e-9); math.Abs(s.BankAngle-0.4) > 1e-6 {
		t.Fatalf("closed track bank = %v, want 0.4", s.BankAngle)
	}
}

func TestEngineLoopWindow(t *testing.T) {
	layout := ringLayout(30, 12)
	layout.Points[3].HasLoop = true

	e := NewEngine()
	e.SetTrack(layout)

	cases := []struct {
		progress float64
		want     bool
	}{
		{0.249, false},
		{0.25, true},
		{0.299, true},
		{0.301, false},
	}
	for _, tc := range cases {
		if got := e.SampleAt(tc.progress).InLoop; got != tc.want {
			t.Fatalf("InLoop at %v = %v, want %v", tc.progress, got, tc.want)
		}
	}

	e.SetProgress(0.26)
	if s := e.Step(1e-9); !s.InLoop {
		t.Fatalf("state should report the loop window: %+v", s)
	}
}

func TestEngineDeterministicRuns(t *testing.T) {
	run := func() State {
		e := NewEngine()
		layout := ringLayout(30, 12)
		layout.Points[2].Tilt = 0.3
		e.SetTrack(layout)
		e.SetChainLift(true)
		var s State
		for i := 0; i < 300; i++ {
			s = e.Step(stepDT)
		}
		return s
	}

	if a, b := run(), run(); a != b {
		t.Fatalf("identical runs diverged:\n%+v\n%+v", a, b)
	}
}

func TestEngineSetTrackResetsRide(t *testing.T) {
	e := NewEngine()
	e.SetTrack(lineLayout(3, 30, 5))
	e.SetProgress(0.5)
	e.SetSpeed(50)
	e.Step(stepDT)

	e.SetTrack(ringLayout(30, 12))
	s := e.Snapshot()
	if s.Progress != 0 || s.Speed != 1.0 {
		t.Fatalf("replacing the track should restart the ride: %+v", s)
	}
	if s.Position.DistanceTo(geom.Vec3{X: 30, Y: 5, Z: 0}) > 1e-9 {
		t.Fatalf("ride should start at the new track's first point: %+v", s)
	}
	if !e.Closed() || e.TrackLength() <= 0 {
		t.Fatalf("track accessors out of sync: closed=%v length=%v", e.Closed(), e.TrackLength())
	}
}
