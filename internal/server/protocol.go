package server

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nKvs-you/roller-coaster-builder/internal/collision"
	"github.com/nKvs-you/roller-coaster-builder/internal/control"
	"github.com/nKvs-you/roller-coaster-builder/internal/events"
	"github.com/nKvs-you/roller-coaster-builder/internal/logging"
	"github.com/nKvs-you/roller-coaster-builder/internal/physics"
	"github.com/nKvs-you/roller-coaster-builder/internal/track"
)

// Client to server message kinds.
const (
	msgSetTrack     = "set_track"
	msgSetChainLift = "set_chain_lift"
	msgReset        = "reset"
	msgSetProgress  = "set_progress"
	msgSetSpeed     = "set_speed"
	msgValidate     = "validate"
	msgBounds       = "bounds"
	msgStats        = "stats"
)

// Server to client message kinds.
const (
	msgState    = "state"
	msgFindings = "findings"
	msgTrack    = "track"
	msgEvent    = "event"
	msgError    = "error"
)

var (
	errEmptyMessage   = errors.New("empty message payload")
	errMissingField   = errors.New("message missing required field")
	errNoTrackLoaded  = errors.New("no track loaded")
	errUnknownMessage = errors.New("unknown message type")
)

// clientEnvelope mirrors the JSON layout of inbound control messages. Pointer
// fields distinguish an absent channel from a legitimate zero value.
type clientEnvelope struct {
	Type       string          `json:"type"`
	SequenceID uint64          `json:"sequence_id,omitempty"`
	SentAtMs   int64           `json:"sent_at_ms,omitempty"`
	Layout     json.RawMessage `json:"layout,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
	Progress   *float64        `json:"progress,omitempty"`
	Speed      *float64        `json:"speed,omitempty"`
}

// decodeClientEnvelope parses a websocket frame into a structured message.
func decodeClientEnvelope(raw []byte) (*clientEnvelope, error) {
	//1.- Ensure we have data to decode before hitting JSON parsing.
	if len(raw) == 0 {
		return nil, errEmptyMessage
	}
	var envelope clientEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

// SentAt converts the optional capture timestamp into a time.Time instance.
func (e *clientEnvelope) SentAt() time.Time {
	//1.- Treat missing or zero timestamps as unset so freshness derives from arrival time.
	if e == nil || e.SentAtMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.SentAtMs)
}

// serverEnvelope is the single outbound frame shape; exactly one payload field
// is populated per message.
type serverEnvelope struct {
	Type       string                    `json:"type"`
	Tick       uint64                    `json:"tick,omitempty"`
	SequenceID uint64                    `json:"sequence_id,omitempty"`
	State      *physics.State            `json:"state,omitempty"`
	Findings   []track.Finding           `json:"findings,omitempty"`
	Summary    *events.ValidationSummary `json:"summary,omitempty"`
	Bounds     *collision.AABB           `json:"bounds,omitempty"`
	Stats      *physics.RideStats        `json:"stats,omitempty"`
	Track      *events.TrackChange       `json:"track,omitempty"`
	Event      *events.Envelope          `json:"event,omitempty"`
	Error      string                    `json:"error,omitempty"`
}

func marshalEnvelope(envelope serverEnvelope) []byte {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil
	}
	return payload
}

// handleMessage routes one inbound frame and reports whether the connection
// must be dropped. Replies go only to the requesting client; authoritative
// changes reach everyone through the loop's broadcasts and the event stream.
func (h *Hub) handleMessage(client *Client, raw []byte) bool {
	envelope, err := decodeClientEnvelope(raw)
	if err != nil {
		h.sendError(client, 0, "malformed message")
		return false
	}

	switch envelope.Type {
	case msgSetTrack:
		return h.handleSetTrack(client, envelope)
	case msgSetChainLift:
		return h.handleSetChainLift(client, envelope)
	case msgReset:
		return h.handleReset(client, envelope)
	case msgSetProgress:
		return h.handleRideChannel(client, envelope, msgSetProgress)
	case msgSetSpeed:
		return h.handleRideChannel(client, envelope, msgSetSpeed)
	case msgValidate:
		return h.handleValidate(client, envelope)
	case msgBounds:
		return h.handleBounds(client, envelope)
	case msgStats:
		return h.handleStats(client, envelope)
	default:
		h.sendError(client, envelope.SequenceID, errUnknownMessage.Error())
		return false
	}
}

// admitFrame runs sequencing, freshness, and throughput guards for a mutating command.
func (h *Hub) admitFrame(client *Client, envelope *clientEnvelope) bool {
	if h.gate == nil {
		return true
	}
	frame := control.Frame{ClientID: client.id, SequenceID: envelope.SequenceID}
	if ts := envelope.SentAt(); !ts.IsZero() {
		frame.SentAt = ts
	}
	decision := h.gate.Evaluate(frame)
	if decision.Accepted {
		return true
	}
	fields := []logging.Field{
		logging.String("reason", decision.Reason.String()),
		logging.String("client_id", client.id),
		logging.Field{Key: "sequence_id", Value: envelope.SequenceID},
	}
	if decision.Delay > 0 {
		fields = append(fields, logging.Field{Key: "delay_ms", Value: decision.Delay.Milliseconds()})
	}
	h.logger.Debug("dropping command frame", fields...)
	h.sendError(client, envelope.SequenceID, "command rejected: "+decision.Reason.String())
	return false
}

func (h *Hub) handleSetTrack(client *Client, envelope *clientEnvelope) bool {
	if len(envelope.Layout) == 0 {
		h.sendError(client, envelope.SequenceID, errMissingField.Error()+": layout")
		return false
	}
	layout, err := track.ParseLayout(envelope.Layout)
	if err != nil {
		h.sendError(client, envelope.SequenceID, "invalid track layout")
		return false
	}
	if len(layout.Points) < 2 {
		h.sendError(client, envelope.SequenceID, "track needs at least 2 control points")
		return false
	}
	if !h.admitFrame(client, envelope) {
		return false
	}

	//1.- Report the layout findings to the submitter before the rebuild lands.
	findings := track.Validate(layout)
	summary := events.SummarizeFindings(layout.Name, findings)
	h.send(client, serverEnvelope{Type: msgFindings, SequenceID: envelope.SequenceID, Findings: findings, Summary: &summary})
	if _, err := h.stream.PublishValidation(summary); err != nil {
		h.logger.Debug("validation event dropped", logging.Error(err))
	}

	//2.- The loop applies the rebuild so the engine stays single-owner.
	h.loop.Enqueue(rideCommand{kind: msgSetTrack, layout: &layout})
	return false
}

func (h *Hub) handleSetChainLift(client *Client, envelope *clientEnvelope) bool {
	if envelope.Enabled == nil {
		h.sendError(client, envelope.SequenceID, errMissingField.Error()+": enabled")
		return false
	}
	if !h.admitFrame(client, envelope) {
		return false
	}
	h.loop.Enqueue(rideCommand{kind: msgSetChainLift, enabled: *envelope.Enabled})
	return false
}

func (h *Hub) handleReset(client *Client, envelope *clientEnvelope) bool {
	if !h.admitFrame(client, envelope) {
		return false
	}
	h.loop.Enqueue(rideCommand{kind: msgReset})
	return false
}

// handleRideChannel covers the two numeric channels that steer the ride.
func (h *Hub) handleRideChannel(client *Client, envelope *clientEnvelope, kind string) bool {
	var value float64
	switch kind {
	case msgSetProgress:
		if envelope.Progress == nil {
			h.sendError(client, envelope.SequenceID, errMissingField.Error()+": progress")
			return false
		}
		value = *envelope.Progress
	case msgSetSpeed:
		if envelope.Speed == nil {
			h.sendError(client, envelope.SequenceID, errMissingField.Error()+": speed")
			return false
		}
		value = *envelope.Speed
	}

	if h.validator != nil {
		//1.- Seed the untouched channel from the live state so deltas stay meaningful.
		current := h.RideState()
		cmd := control.Command{Progress: current.Progress, Speed: current.Speed}
		if kind == msgSetProgress {
			cmd.Progress = value
		} else {
			cmd.Speed = value
		}
		decision := h.validator.Validate(client.id, cmd)
		if !decision.Accepted {
			fields := []logging.Field{
				logging.String("reason", decision.Reason.String()),
				logging.String("client_id", client.id),
			}
			if decision.Cooldown > 0 {
				fields = append(fields, logging.Field{Key: "cooldown_ms", Value: decision.Cooldown.Milliseconds()})
			}
			if decision.Warn {
				h.logger.Warn("command validation warning", fields...)
			} else {
				h.logger.Debug("dropping command", fields...)
			}
			h.sendError(client, envelope.SequenceID, "command rejected: "+decision.Reason.String())
			return decision.Disconnect
		}
		if !h.admitFrame(client, envelope) {
			return false
		}
		h.loop.Enqueue(rideCommand{kind: kind, value: value})
		//2.- Persist accepted channels to drive delta-based validation.
		h.validator.Commit(client.id, cmd)
		return false
	}

	if !h.admitFrame(client, envelope) {
		return false
	}
	h.loop.Enqueue(rideCommand{kind: kind, value: value})
	return false
}

func (h *Hub) handleValidate(client *Client, envelope *clientEnvelope) bool {
	var layout track.Layout
	if len(envelope.Layout) > 0 {
		parsed, err := track.ParseLayout(envelope.Layout)
		if err != nil {
			h.sendError(client, envelope.SequenceID, "invalid track layout")
			return false
		}
		layout = parsed
	} else {
		current, ok := h.CurrentLayout()
		if !ok {
			h.sendError(client, envelope.SequenceID, errNoTrackLoaded.Error())
			return false
		}
		layout = current
	}

	findings := track.Validate(layout)
	summary := events.SummarizeFindings(layout.Name, findings)
	h.send(client, serverEnvelope{Type: msgFindings, SequenceID: envelope.SequenceID, Findings: findings, Summary: &summary})
	if _, err := h.stream.PublishValidation(summary); err != nil {
		h.logger.Debug("validation event dropped", logging.Error(err))
	}
	return false
}

func (h *Hub) handleBounds(client *Client, envelope *clientEnvelope) bool {
	layout, ok := h.CurrentLayout()
	if !ok {
		h.sendError(client, envelope.SequenceID, errNoTrackLoaded.Error())
		return false
	}
	box := collision.ComputeBounds(layout.Points)
	h.send(client, serverEnvelope{Type: msgBounds, SequenceID: envelope.SequenceID, Bounds: &box})
	return false
}

func (h *Hub) handleStats(client *Client, envelope *clientEnvelope) bool {
	stats := h.RideStats()
	h.send(client, serverEnvelope{Type: msgStats, SequenceID: envelope.SequenceID, Stats: &stats})
	return false
}

// send marshals the envelope and queues it for a single client. The registry
// lock is held across the non-blocking send so the channel cannot be closed
// out from under it.
func (h *Hub) send(client *Client, envelope serverEnvelope) {
	payload := marshalEnvelope(envelope)
	if payload == nil || client == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	select {
	case client.send <- payload:
	default:
		//1.- A full send buffer means the client stopped reading; drop it.
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) sendError(client *Client, sequenceID uint64, message string) {
	h.send(client, serverEnvelope{Type: msgError, SequenceID: sequenceID, Error: message})
}
