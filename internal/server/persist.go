package server

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nKvs-you/roller-coaster-builder/internal/logging"
	"github.com/nKvs-you/roller-coaster-builder/internal/track"
)

type persistOption func(*StatePersister)

// WithPersistClock overrides the persister time source; primarily used in tests.
func WithPersistClock(clock func() time.Time) persistOption {
	return func(p *StatePersister) {
		if clock != nil {
			p.now = clock
		}
	}
}

// PersistedRide is the on-disk snapshot that lets a restarted service resume
// the ride where it left off.
type PersistedRide struct {
	Layout    *track.Layout `json:"layout,omitempty"`
	ChainLift bool          `json:"chain_lift"`
	Progress  float64       `json:"progress"`
	Speed     float64       `json:"speed"`
	SavedAt   time.Time     `json:"saved_at"`
}

// StatePersister writes the latest ride snapshot to disk on a fixed cadence so
// frequent Record calls stay cheap.
type StatePersister struct {
	mu       sync.RWMutex
	path     string
	interval time.Duration
	log      *logging.Logger
	now      func() time.Time

	current  PersistedRide
	restored *PersistedRide
	dirty    bool

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewStatePersister constructs a persister backed by the provided file path.
// An empty path or non-positive interval disables persistence entirely.
func NewStatePersister(path string, interval time.Duration, logger *logging.Logger, opts ...persistOption) (*StatePersister, error) {
	if path == "" || interval <= 0 {
		return nil, nil
	}
	if logger == nil {
		logger = logging.L()
	}
	persister := &StatePersister{
		path:     path,
		interval: interval,
		log:      logger,
		now:      time.Now,
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(persister)
		}
	}
	if err := persister.load(); err != nil {
		return nil, err
	}
	go persister.loop()
	return persister, nil
}

func (p *StatePersister) load() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var ride PersistedRide
	if err := json.Unmarshal(data, &ride); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	restored := cloneRide(ride)
	p.restored = &restored
	p.current = ride
	return nil
}

// LastRide returns the snapshot restored from disk at startup, if any.
func (p *StatePersister) LastRide() *PersistedRide {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.restored == nil {
		return nil
	}
	clone := cloneRide(*p.restored)
	return &clone
}

// Record stores the snapshot as the latest ride state. The write reaches disk
// on the next periodic flush.
func (p *StatePersister) Record(ride PersistedRide) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.current = cloneRide(ride)
	p.dirty = true
	p.mu.Unlock()
}

// RecordNow stores the snapshot and requests an immediate flush; used for rare
// authoritative changes like track rebuilds.
func (p *StatePersister) RecordNow(ride PersistedRide) {
	if p == nil {
		return
	}
	p.Record(ride)
	select {
	case p.flushCh <- struct{}{}:
	default:
	}
}

func (p *StatePersister) loop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer close(p.doneCh)
	for {
		select {
		case <-ticker.C:
			p.flush()
		case <-p.flushCh:
			p.flush()
		case <-p.stopCh:
			p.flush()
			return
		}
	}
}

// Flush immediately persists the current ride snapshot to disk.
func (p *StatePersister) Flush() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty {
		return nil
	}
	snapshot := p.current
	snapshot.SavedAt = p.now().UTC()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	if err := os.WriteFile(p.path, data, 0o644); err != nil {
		return err
	}
	p.dirty = false
	return nil
}

func (p *StatePersister) flush() {
	if err := p.Flush(); err != nil {
		p.log.Error("failed to persist ride state", logging.Error(err))
	}
}

// Close stops the persistence goroutine and flushes any pending state to disk.
func (p *StatePersister) Close() error {
	if p == nil {
		return nil
	}
	close(p.stopCh)
	<-p.doneCh
	return nil
}

func cloneRide(ride PersistedRide) PersistedRide {
	clone := ride
	if ride.Layout != nil {
		layout := *ride.Layout
		layout.Points = append([]track.Point(nil), ride.Layout.Points...)
		clone.Layout = &layout
	}
	return clone
}
