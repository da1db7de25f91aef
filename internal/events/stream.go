package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Kind enumerates the ride lifecycle payloads carried by the stream.
type Kind string

const (
	KindRideStarted   Kind = "ride_started"
	KindRideRestarted Kind = "ride_restarted"
	KindLoopEntered   Kind = "loop_entered"
	KindLoopExited    Kind = "loop_exited"
	KindChainEngaged  Kind = "chain_engaged"
	KindChainReleased Kind = "chain_released"
	KindTrackRebuilt  Kind = "track_rebuilt"
	KindValidationRun Kind = "validation_run"
)

// Envelope carries exactly one typed payload together with sequencing metadata.
type Envelope struct {
	Sequence   uint64             `json:"sequence"`
	Kind       Kind               `json:"kind"`
	Ride       *RideMarker        `json:"ride,omitempty"`
	Track      *TrackChange       `json:"track,omitempty"`
	Validation *ValidationSummary `json:"validation,omitempty"`
}

// Clone duplicates the payload so subscribers can mutate their copy safely.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Ride != nil {
		marker := *e.Ride
		clone.Ride = &marker
	}
	if e.Track != nil {
		change := *e.Track
		clone.Track = &change
	}
	if e.Validation != nil {
		summary := *e.Validation
		clone.Validation = &summary
	}
	return &clone
}

// Config controls the retention policy for the stream log and subscriber buffers.
type Config struct {
	Retain int
}

// Default retention keeps the last 512 events if no explicit value is provided.
const defaultRetention = 512

// Stream coordinates ordered event delivery with at-least-once semantics per subscriber.
type Stream struct {
	mu          sync.Mutex
	nextSeq     uint64
	retention   int
	order       []uint64
	payloads    map[uint64]*Envelope
	subscribers map[string]*subscriberState
}

// subscriberState persists acknowledgement state between transient connections.
type subscriberState struct {
	id      string
	pending []uint64
	lastAck uint64
	ch      chan *Envelope
	active  bool
}

// Subscription exposes the event channel and acknowledgement helpers for a subscriber.
type Subscription struct {
	id     string
	stream *Stream
	events <-chan *Envelope
	once   sync.Once
}

// ErrOutOfOrderAck signals that a subscriber attempted to acknowledge out of sequence.
var ErrOutOfOrderAck = errors.New("acknowledgement must match the next pending sequence")

// NewStream constructs a stream using the provided configuration.
func NewStream(cfg Config) *Stream {
	retention := cfg.Retain
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Stream{
		retention:   retention,
		payloads:    make(map[uint64]*Envelope),
		subscribers: make(map[string]*subscriberState),
	}
}

// Subscribe attaches the logical subscriber to the stream and replays outstanding events.
func (s *Stream) Subscribe(ctx context.Context, subscriberID string, buffer int) (*Subscription, error) {
	if s == nil {
		return nil, errors.New("nil stream")
	}
	if subscriberID == "" {
		return nil, errors.New("subscriber id required")
	}
	if buffer <= 0 {
		buffer = 32
	}

	s.mu.Lock()
	state := s.ensureSubscriberLocked(subscriberID)
	replay := s.collectReplayLocked(state)
	ch := make(chan *Envelope, buffer)
	state.ch = ch
	state.active = true
	state.pending = append([]uint64(nil), replay...)
	deliveries := s.prepareDeliveriesLocked(replay)
	s.mu.Unlock()

	go func() {
		//1.- Replay any outstanding events immediately after subscription.
		for _, env := range deliveries {
			select {
			case <-ctx.Done():
				return
			case ch <- env:
			}
		}
	}()

	return &Subscription{id: subscriberID, stream: s, events: ch}, nil
}

// Events exposes the ordered delivery channel for the subscriber.
func (s *Subscription) Events() <-chan *Envelope {
	if s == nil {
		return nil
	}
	return s.events
}

// Ack informs the stream that the subscriber processed the given sequence.
func (s *Subscription) Ack(sequence uint64) error {
	if s == nil || s.stream == nil {
		return errors.New("subscription closed")
	}
	return s.stream.ack(s.id, sequence)
}

// Close marks the subscription as inactive while preserving acknowledgement state.
func (s *Subscription) Close() {
	if s == nil || s.stream == nil {
		return
	}
	s.once.Do(func() {
		s.stream.deactivateSubscriber(s.id)
	})
}

func (s *Stream) ensureSubscriberLocked(subscriberID string) *subscriberState {
	state, ok := s.subscribers[subscriberID]
	if !ok {
		state = &subscriberState{id: subscriberID}
		s.subscribers[subscriberID] = state
	}
	return state
}

func (s *Stream) collectReplayLocked(state *subscriberState) []uint64 {
	//1.- A reconnecting subscriber must see every sequence greater than its lastAck.
	replay := state.pending[:0]
	for _, seq := range s.order {
		if seq <= state.lastAck {
			continue
		}
		replay = append(replay, seq)
	}
	return append([]uint64(nil), replay...)
}

func (s *Stream) prepareDeliveriesLocked(sequences []uint64) []*Envelope {
	deliveries := make([]*Envelope, 0, len(sequences))
	for _, seq := range sequences {
		if payload, ok := s.payloads[seq]; ok {
			deliveries = append(deliveries, payload.Clone())
		}
	}
	return deliveries
}

// PublishRide enqueues a train lifecycle transition such as a loop entry or a
// chain lift hand-off.
func (s *Stream) PublishRide(kind Kind, marker RideMarker) (uint64, error) {
	if s == nil {
		return 0, errors.New("nil stream")
	}
	switch kind {
	case KindRideStarted, KindRideRestarted, KindLoopEntered, KindLoopExited, KindChainEngaged, KindChainReleased:
	default:
		return 0, fmt.Errorf("unsupported ride event kind %q", kind)
	}
	payload := marker
	return s.publishEnvelope(&Envelope{Kind: kind, Ride: &payload})
}

// PublishTrackRebuilt announces that a new layout replaced the active track.
func (s *Stream) PublishTrackRebuilt(change TrackChange) (uint64, error) {
	if s == nil {
		return 0, errors.New("nil stream")
	}
	if change.PointCount < 2 {
		return 0, fmt.Errorf("rebuilt track needs at least 2 points, got %d", change.PointCount)
	}
	payload := change
	return s.publishEnvelope(&Envelope{Kind: KindTrackRebuilt, Track: &payload})
}

// PublishValidation records a validator run so clients can surface the verdict.
func (s *Stream) PublishValidation(summary ValidationSummary) (uint64, error) {
	if s == nil {
		return 0, errors.New("nil stream")
	}
	payload := summary
	return s.publishEnvelope(&Envelope{Kind: KindValidationRun, Validation: &payload})
}

func (s *Stream) publishEnvelope(envelope *Envelope) (uint64, error) {
	if envelope == nil {
		return 0, errors.New("envelope required")
	}

	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	envelope.Sequence = seq
	s.payloads[seq] = envelope
	s.order = append(s.order, seq)

	for _, state := range s.subscribers {
		state.pending = append(state.pending, seq)
		if !state.active || state.ch == nil {
			continue
		}
		//1.- Non-blocking sends keep slow subscribers from stalling the publisher;
		// they rely on replay-after-ack to catch up. Sending under the lock means
		// Close can never shut a channel mid-delivery.
		select {
		case state.ch <- envelope.Clone():
		default:
		}
	}
	s.enforceRetentionLocked()
	s.mu.Unlock()

	return seq, nil
}

func (s *Stream) enforceRetentionLocked() {
	//1.- Keep everything the slowest subscriber still needs, then apply the size cap.
	if len(s.order) <= s.retention {
		return
	}
	minAck := s.nextSeq
	for _, state := range s.subscribers {
		if state.lastAck < minAck {
			minAck = state.lastAck
		}
	}
	cutoff := s.order[len(s.order)-s.retention]
	pruneBefore := minAck
	if cutoff < pruneBefore {
		pruneBefore = cutoff
	}
	if pruneBefore == 0 {
		return
	}
	idx := sort.Search(len(s.order), func(i int) bool { return s.order[i] > pruneBefore })
	for _, seq := range s.order[:idx] {
		delete(s.payloads, seq)
	}
	s.order = append([]uint64(nil), s.order[idx:]...)
}

func (s *Stream) ack(subscriberID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.subscribers[subscriberID]
	if !ok {
		return fmt.Errorf("unknown subscriber %q", subscriberID)
	}
	if len(state.pending) == 0 {
		if sequence <= state.lastAck {
			return nil
		}
		return ErrOutOfOrderAck
	}
	expected := state.pending[0]
	if sequence != expected {
		return ErrOutOfOrderAck
	}
	state.pending = state.pending[1:]
	state.lastAck = sequence
	s.enforceRetentionLocked()
	return nil
}

func (s *Stream) deactivateSubscriber(subscriberID string) {
	s.mu.Lock()
	state, ok := s.subscribers[subscriberID]
	if ok {
		//1.- The channel is abandoned rather than closed; the replay goroutine may
		// still hold a send on it, bounded by the subscriber context.
		state.active = false
		state.ch = nil
	}
	s.mu.Unlock()
}
