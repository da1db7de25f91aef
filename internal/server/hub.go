package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nKvs-you/roller-coaster-builder/internal/config"
	"github.com/nKvs-you/roller-coaster-builder/internal/control"
	"github.com/nKvs-you/roller-coaster-builder/internal/events"
	"github.com/nKvs-you/roller-coaster-builder/internal/logging"
	"github.com/nKvs-you/roller-coaster-builder/internal/physics"
	"github.com/nKvs-you/roller-coaster-builder/internal/replay"
	"github.com/nKvs-you/roller-coaster-builder/internal/track"
)

const (
	// commandMaxAge bounds how stale an inbound command frame may be.
	commandMaxAge = 500 * time.Millisecond
	// commandMinInterval caps the per-client command rate.
	commandMinInterval = time.Second / 120
	// clientSendBuffer is the per-connection outbound queue depth.
	clientSendBuffer = 256
)

// Client is one WebSocket connection attached to the hub.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub owns the client registry and fans ride state, findings, and lifecycle
// events out to every connected viewer and operator.
type Hub struct {
	cfg    *config.Config
	logger *logging.Logger

	upgrader  websocket.Upgrader
	auth      Authenticator
	gate      *control.Gate
	validator *control.Validator
	stream    *events.Stream
	loop      *Loop
	monitor   *TickMonitor
	recorder  *replay.Recorder
	writer    *replay.Writer
	persister *StatePersister

	mu         sync.Mutex
	clients    map[*Client]bool
	pending    int
	broadcasts int
	anonSeq    uint64

	stateMu    sync.RWMutex
	started    time.Time
	startupErr error
	latest     physics.State
	stats      physics.RideStats
	lastTick   uint64
	layout     track.Layout
	hasTrack   bool
	trackInfo  events.TrackChange

	eventSub *events.Subscription
	pumpQuit chan struct{}
	pumpDone chan struct{}
}

// HubOption customises hub construction.
type HubOption func(*Hub)

// WithAuthenticator installs a WebSocket authenticator; the default admits everyone.
func WithAuthenticator(authenticator Authenticator) HubOption {
	return func(h *Hub) {
		if authenticator != nil {
			h.auth = authenticator
		}
	}
}

// WithRecorder attaches a replay recorder that buffers frames for on-demand dumps.
func WithRecorder(recorder *replay.Recorder) HubOption {
	return func(h *Hub) { h.recorder = recorder }
}

// WithBundleWriter attaches a streaming bundle writer that archives the ride continuously.
func WithBundleWriter(writer *replay.Writer) HubOption {
	return func(h *Hub) { h.writer = writer }
}

// WithPersister attaches a state persister so the ride survives restarts.
func WithPersister(persister *StatePersister) HubOption {
	return func(h *Hub) { h.persister = persister }
}

// WithStream overrides the lifecycle event stream shared with other consumers.
func WithStream(stream *events.Stream) HubOption {
	return func(h *Hub) {
		if stream != nil {
			h.stream = stream
		}
	}
}

// WithEngine overrides the physics engine; primarily used in tests.
func WithEngine(engine *physics.Engine) HubOption {
	return func(h *Hub) {
		if engine != nil {
			h.loop.engine = engine
		}
	}
}

// NewHub wires the hub, admission gate, command validator, and ride loop together.
func NewHub(cfg *config.Config, logger *logging.Logger, opts ...HubOption) *Hub {
	if cfg == nil {
		cfg = &config.Config{
			PingInterval:    config.DefaultPingInterval,
			MaxPayloadBytes: config.DefaultMaxPayloadBytes,
			MaxClients:      config.DefaultMaxClients,
			TickRate:        config.DefaultTickRate,
		}
	}
	if logger == nil {
		logger = logging.L()
	}
	h := &Hub{
		cfg:       cfg,
		logger:    logger,
		auth:      allowAllAuthenticator{},
		gate:      control.NewGate(control.Config{MaxAge: commandMaxAge, MinInterval: commandMinInterval}, logger),
		validator: control.NewValidator(control.DefaultCommandConstraints, logger),
		stream:    events.NewStream(events.Config{}),
		monitor:   NewTickMonitor(),
		clients:   make(map[*Client]bool),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	h.loop = newLoop(h, physics.NewEngine(), cfg.TickRate)
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// checkOrigin admits any origin when no allow list is configured.
func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Start launches the ride loop and the event fan-out pump.
func (h *Hub) Start(ctx context.Context) error {
	h.stateMu.Lock()
	h.started = time.Now()
	h.stateMu.Unlock()

	//1.- Restore the persisted ride through the same command path clients use.
	if h.persister != nil {
		if ride := h.persister.LastRide(); ride != nil {
			if ride.Layout != nil && len(ride.Layout.Points) >= 2 {
				h.loop.Enqueue(rideCommand{kind: msgSetTrack, layout: ride.Layout})
				h.loop.Enqueue(rideCommand{kind: msgSetChainLift, enabled: ride.ChainLift})
				h.loop.Enqueue(rideCommand{kind: msgSetProgress, value: ride.Progress})
				h.loop.Enqueue(rideCommand{kind: msgSetSpeed, value: ride.Speed})
				h.logger.Info("restored persisted ride",
					logging.String("track", ride.Layout.Name),
					logging.Float64("progress", ride.Progress))
			}
		}
	}

	sub, err := h.stream.Subscribe(ctx, "hub", 64)
	if err != nil {
		return fmt.Errorf("subscribe hub events: %w", err)
	}
	h.eventSub = sub
	h.pumpQuit = make(chan struct{})
	h.pumpDone = make(chan struct{})
	go h.runEventPump(sub, h.pumpQuit)

	h.loop.Start(ctx)
	return nil
}

// Stop halts the loop and drains the event pump. The caller cancels the Start
// context first so the loop goroutine can exit.
func (h *Hub) Stop() {
	if h == nil {
		return
	}
	h.loop.Stop()
	if h.pumpQuit != nil {
		close(h.pumpQuit)
		h.pumpQuit = nil
	}
	if h.pumpDone != nil {
		<-h.pumpDone
		h.pumpDone = nil
	}
	if h.eventSub != nil {
		h.eventSub.Close()
		h.eventSub = nil
	}
}

// LoadTrack queues a layout through the same command path operators use, so
// startup tracks get the full validate, rebuild, and broadcast treatment. The
// layout takes effect on the next tick.
func (h *Hub) LoadTrack(layout track.Layout, chainLift bool) {
	h.loop.Enqueue(rideCommand{kind: msgSetTrack, layout: &layout})
	h.loop.Enqueue(rideCommand{kind: msgSetChainLift, enabled: chainLift})
}

// runEventPump mirrors lifecycle events to clients and the replay sinks.
func (h *Hub) runEventPump(sub *events.Subscription, quit <-chan struct{}) {
	defer close(h.pumpDone)
	for {
		select {
		case <-quit:
			return
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			h.fanoutEvent(env)
			if err := sub.Ack(env.Sequence); err != nil {
				h.logger.Debug("event ack failed", logging.Error(err))
			}
		}
	}
}

func (h *Hub) fanoutEvent(env *events.Envelope) {
	payload := marshalEnvelope(serverEnvelope{Type: msgEvent, Event: env})
	if payload == nil {
		return
	}
	h.broadcast(payload)

	if h.recorder == nil && h.writer == nil {
		return
	}
	tick, simulatedMs := h.lastTickAndSim()
	if env.Ride != nil {
		tick = env.Ride.Tick
	}
	if h.recorder != nil {
		h.recorder.RecordEvent(tick, simulatedMs, payload)
	}
	if h.writer != nil {
		if err := h.writer.AppendEvent(tick, simulatedMs, string(env.Kind), payload); err != nil {
			h.logger.Debug("bundle event append failed", logging.Error(err))
		}
	}
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	subject, err := h.auth.Authenticate(r)
	if err != nil {
		h.logger.Warn("websocket auth failed", logging.Error(err), logging.String("remote_addr", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	if h.cfg.MaxClients > 0 && len(h.clients) >= h.cfg.MaxClients {
		h.mu.Unlock()
		http.Error(w, "server full", http.StatusServiceUnavailable)
		return
	}
	h.pending++
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	h.mu.Lock()
	h.pending--
	h.mu.Unlock()
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	if h.cfg.MaxPayloadBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxPayloadBytes)
	}

	client := &Client{conn: conn, send: make(chan []byte, clientSendBuffer), id: subject}
	h.mu.Lock()
	if client.id == "" {
		h.anonSeq++
		client.id = fmt.Sprintf("rider-%d", h.anonSeq)
	}
	h.clients[client] = true
	h.mu.Unlock()
	h.logger.Info("client connected", logging.String("client_id", client.id))

	h.greet(client)
	go h.readPump(client)
	go h.writePump(client)
}

// greet seeds a new connection with the current track and ride state.
func (h *Hub) greet(client *Client) {
	h.stateMu.RLock()
	hasTrack := h.hasTrack
	info := h.trackInfo
	state := h.latest
	tick := h.lastTick
	h.stateMu.RUnlock()
	if !hasTrack {
		return
	}
	h.send(client, serverEnvelope{Type: msgTrack, Track: &info})
	h.send(client, serverEnvelope{Type: msgState, Tick: tick, State: &state})
}

func (h *Hub) readPump(client *Client) {
	defer func() {
		h.removeClient(client)
		client.conn.Close()
	}()
	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			h.logger.Debug("client read ended", logging.String("client_id", client.id), logging.Error(err))
			return
		}
		if h.handleMessage(client, raw) {
			h.logger.Warn("disconnecting client after repeated violations", logging.String("client_id", client.id))
			return
		}
	}
}

func (h *Hub) writePump(client *Client) {
	interval := h.cfg.PingInterval
	if interval <= 0 {
		interval = config.DefaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

// broadcast queues the payload for every client, dropping laggards outright.
func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts++
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// removeClient detaches the connection and clears its gating state. A client
// in the registry always has an open send channel; close and delete happen
// together under the lock so no sender can observe a closed channel.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()
	h.gate.Forget(client.id)
	h.validator.Forget(client.id)
}

// publishState caches the authoritative snapshot for readers and persistence.
func (h *Hub) publishState(state physics.State, stats physics.RideStats, tick uint64) {
	h.stateMu.Lock()
	h.latest = state
	h.stats = stats
	h.lastTick = tick
	h.stateMu.Unlock()

	if h.persister != nil {
		h.persister.Record(h.snapshotRide(state))
	}
}

// broadcastState pushes the snapshot to every client.
func (h *Hub) broadcastState(state physics.State, tick uint64) {
	payload := marshalEnvelope(serverEnvelope{Type: msgState, Tick: tick, State: &state})
	if payload != nil {
		h.broadcast(payload)
	}
}

// applyTrack records the rebuilt track and announces it to clients.
func (h *Hub) applyTrack(layout track.Layout, length float64, chainLift bool) {
	info := events.TrackChange{
		Name:       layout.Name,
		PointCount: len(layout.Points),
		Closed:     layout.Closed,
		Length:     length,
	}
	h.stateMu.Lock()
	h.layout = layout
	h.hasTrack = true
	h.trackInfo = info
	h.stateMu.Unlock()

	payload := marshalEnvelope(serverEnvelope{Type: msgTrack, Track: &info})
	if payload != nil {
		h.broadcast(payload)
	}
	if h.persister != nil {
		snapshot := PersistedRide{Layout: &layout, ChainLift: chainLift}
		h.persister.RecordNow(snapshot)
	}
}

func (h *Hub) snapshotRide(state physics.State) PersistedRide {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	ride := PersistedRide{ChainLift: state.OnChainLift, Progress: state.Progress, Speed: state.Speed}
	if h.hasTrack {
		layout := h.layout
		ride.Layout = &layout
	}
	return ride
}

func (h *Hub) lastTickAndSim() (uint64, int64) {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.lastTick, int64(h.latest.SimulatedSeconds * 1000)
}

// SnapshotClientCounts reports connected and pending clients for readiness checks.
func (h *Hub) SnapshotClientCounts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients), h.pending
}

// StartupError reports a fatal condition recorded during boot.
func (h *Hub) StartupError() error {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.startupErr
}

// SetStartupError records a boot failure surfaced through the readiness probe.
func (h *Hub) SetStartupError(err error) {
	h.stateMu.Lock()
	h.startupErr = err
	h.stateMu.Unlock()
}

// Uptime reports how long the hub has been running.
func (h *Hub) Uptime() time.Duration {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	if h.started.IsZero() {
		return 0
	}
	return time.Since(h.started)
}

// BroadcastStats reports cumulative broadcasts and the current client count.
func (h *Hub) BroadcastStats() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.broadcasts, len(h.clients)
}

// RideState returns the latest authoritative physics snapshot.
func (h *Hub) RideState() physics.State {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.latest
}

// RideStats returns the aggregate statistics for the current ride.
func (h *Hub) RideStats() physics.RideStats {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.stats
}

// CurrentLayout returns a copy of the active track layout.
func (h *Hub) CurrentLayout() (track.Layout, bool) {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	if !h.hasTrack {
		return track.Layout{}, false
	}
	layout := h.layout
	layout.Points = append([]track.Point(nil), h.layout.Points...)
	return layout, true
}

// TrackSummary describes the active track for replay headers and metrics.
func (h *Hub) TrackSummary() replay.TrackSummary {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return replay.TrackSummary{
		Name:       h.trackInfo.Name,
		PointCount: h.trackInfo.PointCount,
		Closed:     h.trackInfo.Closed,
		Length:     h.trackInfo.Length,
	}
}

// TickStats exposes loop timing statistics for the metrics endpoint.
func (h *Hub) TickStats() TickStats {
	return h.monitor.Snapshot()
}

// GateMetrics exposes per-client admission drop counters.
func (h *Hub) GateMetrics() map[string]control.DropCounters {
	return h.gate.Metrics()
}

// CommandMetrics exposes per-client validation counters.
func (h *Hub) CommandMetrics() map[string]control.CommandCounters {
	return h.validator.Metrics()
}

// Stream exposes the lifecycle event stream for additional subscribers.
func (h *Hub) Stream() *events.Stream {
	return h.stream
}
