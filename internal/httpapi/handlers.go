package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nKvs-you/roller-coaster-builder/internal/control"
	"github.com/nKvs-you/roller-coaster-builder/internal/logging"
	"github.com/nKvs-you/roller-coaster-builder/internal/physics"
	"github.com/nKvs-you/roller-coaster-builder/internal/replay"
	"github.com/nKvs-you/roller-coaster-builder/internal/server"
)

// ReadinessProvider exposes hub state required for readiness checks.
type ReadinessProvider interface {
	SnapshotClientCounts() (clients, pending int)
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative broadcast and client statistics.
type StatsFunc func() (broadcasts, clients int)

// ReplayDumper triggers a recording roll and optionally returns the artefact location.
type ReplayDumper interface {
	DumpReplay(ctx context.Context) (string, error)
}

// ReplayDumperFunc adapts a function into a ReplayDumper.
type ReplayDumperFunc func(ctx context.Context) (string, error)

// DumpReplay implements ReplayDumper.
func (f ReplayDumperFunc) DumpReplay(ctx context.Context) (string, error) { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Stats       StatsFunc
	Ride        func() physics.State
	Track       func() replay.TrackSummary
	Ticks       func() server.TickStats
	Gate        func() map[string]control.DropCounters
	Commands    func() map[string]control.CommandCounters
	Replay      ReplayDumper
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
	ReplayStats func() replay.Stats
}

// HandlerSet bundles the operational handlers for the ride service.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	ride        func() physics.State
	track       func() replay.TrackSummary
	ticks       func() server.TickStats
	gate        func() map[string]control.DropCounters
	commands    func() map[string]control.CommandCounters
	replay      ReplayDumper
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
	replayStats func() replay.Stats
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		ride:        opts.Ride,
		track:       opts.Track,
		ticks:       opts.Ticks,
		gate:        opts.Gate,
		commands:    opts.Commands,
		replay:      opts.Replay,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
		replayStats: opts.ReplayStats,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/replay/dump", h.ReplayDumpHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports hub readiness, including rider counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status         string  `json:"status"`
		Message        string  `json:"message,omitempty"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Clients        int     `json:"clients"`
		PendingClients int     `json:"pending_clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			clients, pending := h.readiness.SnapshotClientCounts()
			resp.Clients = clients
			resp.PendingClients = pending
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		broadcasts, clients := h.metricsStats()
		pending, uptime := h.pendingAndUptime()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP coaster_uptime_seconds Service uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE coaster_uptime_seconds gauge\n")
		fmt.Fprintf(w, "coaster_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP coaster_clients Current connected WebSocket clients.\n")
		fmt.Fprintf(w, "# TYPE coaster_clients gauge\n")
		fmt.Fprintf(w, "coaster_clients %d\n", clients)

		fmt.Fprintf(w, "# HELP coaster_pending_clients Pending WebSocket handshakes awaiting upgrade.\n")
		fmt.Fprintf(w, "# TYPE coaster_pending_clients gauge\n")
		fmt.Fprintf(w, "coaster_pending_clients %d\n", pending)

		fmt.Fprintf(w, "# HELP coaster_broadcasts_total Total state payloads delivered.\n")
		fmt.Fprintf(w, "# TYPE coaster_broadcasts_total counter\n")
		fmt.Fprintf(w, "coaster_broadcasts_total %d\n", broadcasts)

		if h.ride != nil {
			state := h.ride()
			fmt.Fprintf(w, "# HELP coaster_ride_speed_mps Current train speed in metres per second.\n")
			fmt.Fprintf(w, "# TYPE coaster_ride_speed_mps gauge\n")
			fmt.Fprintf(w, "coaster_ride_speed_mps %.3f\n", state.Speed)
			fmt.Fprintf(w, "# HELP coaster_ride_progress Normalised train position along the track.\n")
			fmt.Fprintf(w, "# TYPE coaster_ride_progress gauge\n")
			fmt.Fprintf(w, "coaster_ride_progress %.4f\n", state.Progress)
			fmt.Fprintf(w, "# HELP coaster_ride_height_meters Current train height above the origin.\n")
			fmt.Fprintf(w, "# TYPE coaster_ride_height_meters gauge\n")
			fmt.Fprintf(w, "coaster_ride_height_meters %.3f\n", state.Height)
			fmt.Fprintf(w, "# HELP coaster_ride_g_force Smoothed total g-force on the riders.\n")
			fmt.Fprintf(w, "# TYPE coaster_ride_g_force gauge\n")
			fmt.Fprintf(w, "coaster_ride_g_force %.3f\n", state.GForceTotal)
			fmt.Fprintf(w, "# HELP coaster_ride_simulated_seconds Simulated ride time since the last reset.\n")
			fmt.Fprintf(w, "# TYPE coaster_ride_simulated_seconds gauge\n")
			fmt.Fprintf(w, "coaster_ride_simulated_seconds %.3f\n", state.SimulatedSeconds)
			fmt.Fprintf(w, "# HELP coaster_chain_lift_active Whether the chain lift is engaged.\n")
			fmt.Fprintf(w, "# TYPE coaster_chain_lift_active gauge\n")
			fmt.Fprintf(w, "coaster_chain_lift_active %d\n", boolGauge(state.OnChainLift))
			fmt.Fprintf(w, "# HELP coaster_loop_active Whether the train is inside a loop segment.\n")
			fmt.Fprintf(w, "# TYPE coaster_loop_active gauge\n")
			fmt.Fprintf(w, "coaster_loop_active %d\n", boolGauge(state.InLoop))
		}
		if h.track != nil {
			summary := h.track()
			fmt.Fprintf(w, "# HELP coaster_track_points Control points on the active track.\n")
			fmt.Fprintf(w, "# TYPE coaster_track_points gauge\n")
			fmt.Fprintf(w, "coaster_track_points %d\n", summary.PointCount)
			fmt.Fprintf(w, "# HELP coaster_track_length_meters Arc length of the active track.\n")
			fmt.Fprintf(w, "# TYPE coaster_track_length_meters gauge\n")
			fmt.Fprintf(w, "coaster_track_length_meters %.2f\n", summary.Length)
			fmt.Fprintf(w, "# HELP coaster_track_closed Whether the active track forms a closed circuit.\n")
			fmt.Fprintf(w, "# TYPE coaster_track_closed gauge\n")
			fmt.Fprintf(w, "coaster_track_closed %d\n", boolGauge(summary.Closed))
		}
		if h.ticks != nil {
			stats := h.ticks()
			fmt.Fprintf(w, "# HELP coaster_ticks_total Simulation ticks completed since startup.\n")
			fmt.Fprintf(w, "# TYPE coaster_ticks_total counter\n")
			fmt.Fprintf(w, "coaster_ticks_total %d\n", stats.Ticks)
			fmt.Fprintf(w, "# HELP coaster_tick_duration_avg_seconds Average simulation tick duration.\n")
			fmt.Fprintf(w, "# TYPE coaster_tick_duration_avg_seconds gauge\n")
			fmt.Fprintf(w, "coaster_tick_duration_avg_seconds %.6f\n", stats.Average.Seconds())
			fmt.Fprintf(w, "# HELP coaster_tick_duration_max_seconds Worst observed simulation tick duration.\n")
			fmt.Fprintf(w, "# TYPE coaster_tick_duration_max_seconds gauge\n")
			fmt.Fprintf(w, "coaster_tick_duration_max_seconds %.6f\n", stats.Max.Seconds())
		}
		if h.gate != nil {
			if drops := h.gate(); len(drops) > 0 {
				fmt.Fprintf(w, "# HELP coaster_command_drops_total Command frames dropped by the admission gate.\n")
				fmt.Fprintf(w, "# TYPE coaster_command_drops_total counter\n")
				for clientID, counters := range drops {
					fmt.Fprintf(w, "coaster_command_drops_total{client=%q,reason=\"sequence\"} %d\n", clientID, counters.Sequence)
					fmt.Fprintf(w, "coaster_command_drops_total{client=%q,reason=\"stale\"} %d\n", clientID, counters.Stale)
					fmt.Fprintf(w, "coaster_command_drops_total{client=%q,reason=\"rate_limit\"} %d\n", clientID, counters.RateLimited)
				}
			}
		}
		if h.commands != nil {
			if violations := h.commands(); len(violations) > 0 {
				fmt.Fprintf(w, "# HELP coaster_command_violations_total Commands rejected by the validator per reason.\n")
				fmt.Fprintf(w, "# TYPE coaster_command_violations_total counter\n")
				for clientID, counters := range violations {
					for reason, count := range counters.Violations {
						fmt.Fprintf(w, "coaster_command_violations_total{client=%q,reason=%q} %d\n", clientID, reason.String(), count)
					}
				}
				fmt.Fprintf(w, "# HELP coaster_command_cooldowns_total Validator cooldowns applied per client.\n")
				fmt.Fprintf(w, "# TYPE coaster_command_cooldowns_total counter\n")
				for clientID, counters := range violations {
					fmt.Fprintf(w, "coaster_command_cooldowns_total{client=%q} %d\n", clientID, counters.Cooldowns)
				}
				fmt.Fprintf(w, "# HELP coaster_command_disconnects_total Validator strike disconnects per client.\n")
				fmt.Fprintf(w, "# TYPE coaster_command_disconnects_total counter\n")
				for clientID, counters := range violations {
					fmt.Fprintf(w, "coaster_command_disconnects_total{client=%q} %d\n", clientID, counters.Disconnects)
				}
			}
		}
		if h.replayStats != nil {
			stats := h.replayStats()
			fmt.Fprintf(w, "# HELP coaster_replay_buffer_frames Buffered replay frames awaiting a roll.\n")
			fmt.Fprintf(w, "# TYPE coaster_replay_buffer_frames gauge\n")
			fmt.Fprintf(w, "coaster_replay_buffer_frames %d\n", stats.BufferedFrames)
			fmt.Fprintf(w, "# HELP coaster_replay_buffer_keyframes Buffered replay keyframes awaiting a roll.\n")
			fmt.Fprintf(w, "# TYPE coaster_replay_buffer_keyframes gauge\n")
			fmt.Fprintf(w, "coaster_replay_buffer_keyframes %d\n", stats.BufferedKeyframes)
			fmt.Fprintf(w, "# HELP coaster_replay_buffer_events Buffered replay events awaiting a roll.\n")
			fmt.Fprintf(w, "# TYPE coaster_replay_buffer_events gauge\n")
			fmt.Fprintf(w, "coaster_replay_buffer_events %d\n", stats.BufferedEvents)
			fmt.Fprintf(w, "# HELP coaster_replay_buffer_bytes Buffered replay payload size in bytes.\n")
			fmt.Fprintf(w, "# TYPE coaster_replay_buffer_bytes gauge\n")
			fmt.Fprintf(w, "coaster_replay_buffer_bytes %d\n", stats.BufferedBytes)
			fmt.Fprintf(w, "# HELP coaster_replay_dumps_total Replay dumps completed successfully.\n")
			fmt.Fprintf(w, "# TYPE coaster_replay_dumps_total counter\n")
			fmt.Fprintf(w, "coaster_replay_dumps_total %d\n", stats.Dumps)
		}
	}
}

// ReplayDumpHandler authorises and triggers replay dump creation.
func (h *HandlerSet) ReplayDumpHandler() http.HandlerFunc {
	type response struct {
		Status   string `json:"status"`
		Location string `json:"location,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "replay_dump"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("replay dump denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("replay dump denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("replay dump denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.replay == nil {
			reqLogger.Warn("replay dump denied: no recorder configured")
			http.Error(w, "replay dumping is unavailable", http.StatusServiceUnavailable)
			return
		}
		location, err := h.replay.DumpReplay(r.Context())
		if err != nil {
			reqLogger.Error("replay dump trigger failed", logging.Error(err))
			http.Error(w, "failed to trigger replay dump", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("replay dump triggered")
		writeJSON(w, http.StatusAccepted, response{Status: "accepted", Location: location})
	}
}

func (h *HandlerSet) metricsStats() (broadcasts, clients int) {
	if h.stats != nil {
		return h.stats()
	}
	if h.readiness != nil {
		clients, _ = h.readiness.SnapshotClientCounts()
	}
	return
}

func (h *HandlerSet) pendingAndUptime() (pending int, uptime float64) {
	if h.readiness == nil {
		return 0, 0
	}
	_, pending = h.readiness.SnapshotClientCounts()
	return pending, h.readiness.Uptime().Seconds()
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1 {
		return true
	}
	return false
}

func boolGauge(active bool) int {
	if active {
		return 1
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
