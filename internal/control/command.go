package control

import (
	"math"
	"sync"
	"time"

	"github.com/nKvs-you/roller-coaster-builder/internal/logging"
)

// Reason identifies why a command was rejected by the validator.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonProgressRange  Reason = "progress_range"
	ReasonSpeedRange     Reason = "speed_range"
	ReasonProgressDelta  Reason = "progress_delta"
	ReasonSpeedDelta     Reason = "speed_delta"
	ReasonCooldownActive Reason = "cooldown_active"
)

// String returns the textual representation of the rejection reason.
func (r Reason) String() string { return string(r) }

// Range defines the inclusive min/max for a floating point channel.
type Range struct {
	Min float64
	Max float64
}

// CommandRanges groups the inclusive ranges for each command channel.
type CommandRanges struct {
	Progress Range
	Speed    Range
}

// CommandDeltas groups the maximum per-command jumps for each channel.
type CommandDeltas struct {
	Progress float64
	Speed    float64
}

// Command captures the target values a client asked the simulation to adopt.
// Callers fill the untouched channel with the engine's current value so delta
// checks always compare against the live state.
type Command struct {
	Progress float64
	Speed    float64
}

// CommandConstraints configures the validator's range, delta, and cooldown policies.
type CommandConstraints struct {
	Ranges             CommandRanges
	Deltas             CommandDeltas
	InvalidBurstLimit  int
	InvalidBurstWindow time.Duration
	CooldownDuration   time.Duration
	MaxCooldownStrikes int
}

// CommandDecision summarises the result of a Validate call.
type CommandDecision struct {
	Accepted   bool
	Reason     Reason
	Warn       bool
	Disconnect bool
	Cooldown   time.Duration
}

// CommandCounters aggregates per-client violation statistics.
type CommandCounters struct {
	Violations  map[Reason]uint64 `json:"violations,omitempty"`
	Cooldowns   uint64            `json:"cooldowns"`
	Disconnects uint64            `json:"disconnects"`
}

// ValidatorOption customises validator construction.
type ValidatorOption func(*Validator)

// Validator enforces command ranges, delta limits, and cooldown behaviour.
type Validator struct {
	mu      sync.Mutex
	cfg     CommandConstraints
	clock   Clock
	logger  *logging.Logger
	clients map[string]*commandClientState
	metrics map[string]CommandCounters
}

type commandClientState struct {
	lastCommand   Command
	hasLast       bool
	firstInvalid  time.Time
	invalidCount  int
	cooldownUntil time.Time
	strikes       int
}

// DefaultCommandConstraints provides the tuned baseline for operator traffic.
var DefaultCommandConstraints = CommandConstraints{
	Ranges: CommandRanges{
		Progress: Range{Min: 0.0, Max: 1.0},
		Speed:    Range{Min: 0.0, Max: 50.0},
	},
	Deltas: CommandDeltas{
		Progress: 0.25,
		Speed:    15.0,
	},
	InvalidBurstLimit:  5,
	InvalidBurstWindow: time.Second,
	CooldownDuration:   500 * time.Millisecond,
	MaxCooldownStrikes: 3,
}

// WithValidatorClock overrides the clock used to determine cooldown windows.
func WithValidatorClock(clock Clock) ValidatorOption {
	return func(v *Validator) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// WithValidatorLogger injects a logger for diagnostics.
func WithValidatorLogger(logger *logging.Logger) ValidatorOption {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewValidator builds a validator with the supplied constraints and logger.
func NewValidator(cfg CommandConstraints, logger *logging.Logger, opts ...ValidatorOption) *Validator {
	//1.- Backfill unset policies from the defaults so zero configs stay safe.
	if cfg.InvalidBurstLimit <= 0 {
		cfg.InvalidBurstLimit = DefaultCommandConstraints.InvalidBurstLimit
	}
	if cfg.InvalidBurstWindow <= 0 {
		cfg.InvalidBurstWindow = DefaultCommandConstraints.InvalidBurstWindow
	}
	if cfg.CooldownDuration <= 0 {
		cfg.CooldownDuration = DefaultCommandConstraints.CooldownDuration
	}
	if cfg.MaxCooldownStrikes <= 0 {
		cfg.MaxCooldownStrikes = DefaultCommandConstraints.MaxCooldownStrikes
	}
	if cfg.Ranges == (CommandRanges{}) {
		cfg.Ranges = DefaultCommandConstraints.Ranges
	}
	if cfg.Deltas == (CommandDeltas{}) {
		cfg.Deltas = DefaultCommandConstraints.Deltas
	}
	validator := &Validator{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger,
		clients: make(map[string]*commandClientState),
		metrics: make(map[string]CommandCounters),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	if validator.clock == nil {
		validator.clock = systemClock{}
	}
	return validator
}

// Validate checks the supplied command and records any violations.
func (v *Validator) Validate(clientID string, cmd Command) CommandDecision {
	//1.- Assume acceptance when the validator is absent to reduce call sites.
	if v == nil {
		return CommandDecision{Accepted: true}
	}
	now := v.clock.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	state := v.ensureStateLocked(clientID)

	if !state.cooldownUntil.IsZero() && now.Before(state.cooldownUntil) {
		remaining := state.cooldownUntil.Sub(now)
		return CommandDecision{Accepted: false, Reason: ReasonCooldownActive, Cooldown: remaining}
	}

	if reason := v.checkRangesLocked(cmd); reason != ReasonNone {
		return v.registerViolationLocked(clientID, state, now, reason)
	}
	if state.hasLast {
		if reason := v.checkDeltasLocked(state.lastCommand, cmd); reason != ReasonNone {
			return v.registerViolationLocked(clientID, state, now, reason)
		}
	}

	return CommandDecision{Accepted: true}
}

// Commit marks the supplied command as applied, resetting invalid counters.
func (v *Validator) Commit(clientID string, cmd Command) {
	if v == nil {
		return
	}
	v.mu.Lock()
	state := v.ensureStateLocked(clientID)
	state.lastCommand = cmd
	state.hasLast = true
	state.invalidCount = 0
	state.firstInvalid = time.Time{}
	v.mu.Unlock()
}

// Forget clears all state for the specified client.
func (v *Validator) Forget(clientID string) {
	if v == nil || clientID == "" {
		return
	}
	v.mu.Lock()
	delete(v.clients, clientID)
	delete(v.metrics, clientID)
	v.mu.Unlock()
}

// Metrics returns a snapshot of per-client counters for diagnostics.
func (v *Validator) Metrics() map[string]CommandCounters {
	if v == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.metrics) == 0 {
		return nil
	}
	snapshot := make(map[string]CommandCounters, len(v.metrics))
	for clientID, counters := range v.metrics {
		clone := CommandCounters{Cooldowns: counters.Cooldowns, Disconnects: counters.Disconnects}
		if len(counters.Violations) > 0 {
			clone.Violations = make(map[Reason]uint64, len(counters.Violations))
			for reason, count := range counters.Violations {
				clone.Violations[reason] = count
			}
		}
		snapshot[clientID] = clone
	}
	return snapshot
}

func (v *Validator) ensureStateLocked(clientID string) *commandClientState {
	state := v.clients[clientID]
	if state == nil {
		state = &commandClientState{}
		v.clients[clientID] = state
	}
	return state
}

func (v *Validator) registerViolationLocked(clientID string, state *commandClientState, now time.Time, reason Reason) CommandDecision {
	counters := v.metrics[clientID]
	if counters.Violations == nil {
		counters.Violations = make(map[Reason]uint64)
	}
	counters.Violations[reason]++
	v.metrics[clientID] = counters

	decision := CommandDecision{Accepted: false, Reason: reason}

	window := v.cfg.InvalidBurstWindow
	limit := v.cfg.InvalidBurstLimit
	if limit > 0 {
		if state.invalidCount == 0 || now.Sub(state.firstInvalid) > window {
			state.firstInvalid = now
			state.invalidCount = 1
		} else {
			state.invalidCount++
		}
		remaining := limit - state.invalidCount
		if remaining <= 1 {
			decision.Warn = remaining == 1
		}
		if state.invalidCount >= limit {
			state.cooldownUntil = now.Add(v.cfg.CooldownDuration)
			state.invalidCount = 0
			state.firstInvalid = time.Time{}
			state.strikes++
			counters = v.metrics[clientID]
			counters.Cooldowns++
			if state.strikes >= v.cfg.MaxCooldownStrikes {
				decision.Disconnect = true
				counters.Disconnects++
			}
			v.metrics[clientID] = counters
			decision.Cooldown = v.cfg.CooldownDuration
			if v.logger != nil {
				v.logger.Debug("command validator cooldown",
					logging.String("client_id", clientID),
					logging.String("reason", string(reason)),
					logging.Field{Key: "cooldown_ms", Value: v.cfg.CooldownDuration.Milliseconds()},
				)
			}
		}
	}
	return decision
}

func (v *Validator) checkRangesLocked(cmd Command) Reason {
	//1.- Compare each channel individually to provide actionable feedback.
	if r := v.cfg.Ranges.Progress; cmd.Progress < r.Min || cmd.Progress > r.Max {
		return ReasonProgressRange
	}
	if r := v.cfg.Ranges.Speed; cmd.Speed < r.Min || cmd.Speed > r.Max {
		return ReasonSpeedRange
	}
	return ReasonNone
}

func (v *Validator) checkDeltasLocked(prev, next Command) Reason {
	//2.- Evaluate delta magnitudes with tolerance for floating point rounding.
	if limit := v.cfg.Deltas.Progress; limit > 0 {
		if math.Abs(next.Progress-prev.Progress) > limit+1e-9 {
			return ReasonProgressDelta
		}
	}
	if limit := v.cfg.Deltas.Speed; limit > 0 {
		if math.Abs(next.Speed-prev.Speed) > limit+1e-9 {
			return ReasonSpeedDelta
		}
	}
	return ReasonNone
}
