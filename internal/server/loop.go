package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nKvs-you/roller-coaster-builder/internal/config"
	"github.com/nKvs-you/roller-coaster-builder/internal/events"
	"github.com/nKvs-you/roller-coaster-builder/internal/logging"
	"github.com/nKvs-you/roller-coaster-builder/internal/physics"
	"github.com/nKvs-you/roller-coaster-builder/internal/replay"
	"github.com/nKvs-you/roller-coaster-builder/internal/track"
)

// commandQueueDepth bounds mutations waiting for the next tick.
const commandQueueDepth = 64

// rideCommand is one mutation applied to the engine on the loop goroutine.
type rideCommand struct {
	kind    string
	layout  *track.Layout
	enabled bool
	value   float64
}

// Loop drives the physics engine at a fixed timestep. It is the only goroutine
// that touches the engine; everyone else talks to it through the command queue
// or reads the hub's published snapshots.
type Loop struct {
	hub     *Hub
	engine  *physics.Engine
	tracker *physics.StatsTracker
	step    time.Duration

	commands chan rideCommand

	ticker *time.Ticker
	done   chan struct{}

	tick          uint64
	prev          physics.State
	rideStarted   bool
	chainLift     bool
	snapshotEvery uint64
	keyframeEvery uint64
}

// newLoop configures a loop stepping at the given tick rate.
func newLoop(hub *Hub, engine *physics.Engine, tickRate int) *Loop {
	if tickRate <= 0 {
		tickRate = config.DefaultTickRate
	}
	interval := time.Duration(float64(time.Second) / float64(tickRate))
	if interval <= 0 {
		interval = time.Second / config.DefaultTickRate
	}
	//1.- Broadcast roughly twenty snapshots per second regardless of tick rate.
	snapshotEvery := uint64(tickRate / 20)
	if snapshotEvery == 0 {
		snapshotEvery = 1
	}
	return &Loop{
		hub:           hub,
		engine:        engine,
		tracker:       physics.NewStatsTracker(),
		step:          interval,
		commands:      make(chan rideCommand, commandQueueDepth),
		snapshotEvery: snapshotEvery,
		keyframeEvery: uint64(tickRate) * 10,
	}
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil {
		return
	}
	l.ticker = time.NewTicker(l.step)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		defer l.ticker.Stop()
		last := time.Now()
		accumulator := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-l.ticker.C:
				//1.- Accumulate elapsed time and run fixed steps while catching up.
				accumulator += now.Sub(last)
				last = now
				for accumulator >= l.step {
					l.runTick()
					accumulator -= l.step
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	if l.ticker != nil {
		l.ticker.Stop()
	}
	if l.done != nil {
		<-l.done
		l.done = nil
	}
}

// StepDuration exposes the configured timestep for testing.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}

// Enqueue hands a mutation to the loop without blocking the caller.
func (l *Loop) Enqueue(cmd rideCommand) {
	if l == nil {
		return
	}
	select {
	case l.commands <- cmd:
	default:
		l.hub.logger.Warn("command queue full, dropping", logging.String("kind", cmd.kind))
	}
}

// runTick applies queued mutations and advances the simulation one step.
func (l *Loop) runTick() {
	startedAt := time.Now()
	l.drainCommands()
	if !l.engine.HasTrack() {
		return
	}

	dt := l.step.Seconds()
	next := l.engine.Step(dt)
	l.tick++
	l.tracker.Observe(next, dt)
	l.emitTransitions(l.prev, next)
	l.recordFrame(next)
	l.hub.publishState(next, l.tracker.Stats(), l.tick)
	if l.snapshotEvery <= 1 || l.tick%l.snapshotEvery == 0 {
		l.hub.broadcastState(next, l.tick)
	}
	l.prev = next
	l.hub.monitor.Observe(time.Since(startedAt))
}

func (l *Loop) drainCommands() {
	for {
		select {
		case cmd := <-l.commands:
			l.apply(cmd)
		default:
			return
		}
	}
}

// apply executes one mutation against the engine.
func (l *Loop) apply(cmd rideCommand) {
	switch cmd.kind {
	case msgSetTrack:
		if cmd.layout == nil {
			return
		}
		l.engine.SetTrack(*cmd.layout)
		//1.- The loop stays authoritative for the chain flag across rebuilds.
		l.engine.SetChainLift(l.chainLift)
		l.tracker.Reset()
		l.prev = l.engine.Snapshot()
		l.rideStarted = false
		length := l.engine.TrackLength()
		l.hub.applyTrack(*cmd.layout, length, l.chainLift)
		l.publishTrackRebuilt(*cmd.layout, length)
		l.updateReplayMetadata()
		l.recordKeyframe()
	case msgSetChainLift:
		l.chainLift = cmd.enabled
		l.engine.SetChainLift(cmd.enabled)
	case msgReset:
		l.engine.Reset()
		l.tracker.Reset()
		l.prev = l.engine.Snapshot()
		if l.rideStarted {
			l.publishRide(events.KindRideRestarted, l.prev)
		}
	case msgSetProgress:
		l.engine.SetProgress(cmd.value)
	case msgSetSpeed:
		l.engine.SetSpeed(cmd.value)
	}
}

// emitTransitions publishes lifecycle events derived from state flag changes.
func (l *Loop) emitTransitions(prev, next physics.State) {
	if !l.rideStarted {
		l.rideStarted = true
		l.publishRide(events.KindRideStarted, next)
	} else if next.SimulatedSeconds < prev.SimulatedSeconds {
		//1.- Open tracks restart themselves when the train runs off the end.
		l.publishRide(events.KindRideRestarted, next)
	}
	if next.OnChainLift && !prev.OnChainLift {
		l.publishRide(events.KindChainEngaged, next)
	}
	if !next.OnChainLift && prev.OnChainLift {
		l.publishRide(events.KindChainReleased, next)
	}
	if next.InLoop && !prev.InLoop {
		l.publishRide(events.KindLoopEntered, next)
	}
	if !next.InLoop && prev.InLoop {
		l.publishRide(events.KindLoopExited, next)
	}
}

func (l *Loop) publishRide(kind events.Kind, state physics.State) {
	marker := events.MarkerFromState(state, l.tick)
	marker.Lap = l.tracker.Stats().Laps
	if _, err := l.hub.stream.PublishRide(kind, marker); err != nil {
		l.hub.logger.Debug("ride event dropped", logging.Error(err), logging.String("kind", string(kind)))
	}
}

func (l *Loop) publishTrackRebuilt(layout track.Layout, length float64) {
	change := events.TrackChange{
		Name:       layout.Name,
		PointCount: len(layout.Points),
		Closed:     layout.Closed,
		Length:     length,
	}
	if _, err := l.hub.stream.PublishTrackRebuilt(change); err != nil {
		l.hub.logger.Debug("track event dropped", logging.Error(err))
	}
}

// updateReplayMetadata refreshes the headers both replay sinks will emit.
func (l *Loop) updateReplayMetadata() {
	if l.hub.recorder == nil && l.hub.writer == nil {
		return
	}
	summary := l.hub.TrackSummary()
	tunables := replay.PhysicsTunables{
		"gravity":          physics.Gravity,
		"air_resistance":   physics.AirResistance,
		"rolling_friction": physics.RollingFriction,
		"chain_lift_speed": physics.ChainLiftSpeed,
		"min_speed":        physics.MinSpeed,
	}
	if l.hub.recorder != nil {
		l.hub.recorder.SetTrackMetadata(summary, tunables)
	}
	if l.hub.writer != nil {
		l.hub.writer.SetTrackMetadata(summary, tunables)
	}
}

// recordFrame feeds the step snapshot to the attached replay sinks.
func (l *Loop) recordFrame(state physics.State) {
	if l.hub.recorder == nil && l.hub.writer == nil {
		return
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return
	}
	simulatedMs := int64(state.SimulatedSeconds * 1000)
	if l.hub.recorder != nil {
		l.hub.recorder.RecordFrame(l.tick, simulatedMs, payload)
		if l.keyframeEvery > 0 && l.tick%l.keyframeEvery == 0 {
			l.recordKeyframe()
		}
	}
	if l.hub.writer != nil {
		if err := l.hub.writer.AppendFrame(l.tick, simulatedMs, payload); err != nil {
			l.hub.logger.Debug("bundle frame append failed", logging.Error(err))
		}
	}
}

// recordKeyframe stores the full layout plus state so dumps stand alone.
func (l *Loop) recordKeyframe() {
	if l.hub.recorder == nil {
		return
	}
	layout, ok := l.hub.CurrentLayout()
	if !ok {
		return
	}
	state := l.engine.Snapshot()
	payload, err := json.Marshal(struct {
		Layout track.Layout  `json:"layout"`
		State  physics.State `json:"state"`
	}{Layout: layout, State: state})
	if err != nil {
		return
	}
	l.hub.recorder.RecordKeyframe(l.tick, int64(state.SimulatedSeconds*1000), payload)
}
