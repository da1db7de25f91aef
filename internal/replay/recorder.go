package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// TickFrame stores the payload captured for a single simulation tick.
type TickFrame struct {
	Tick        uint64
	SimulatedMs int64
	CapturedAt  time.Time
	Payload     []byte
}

// Recorder buffers ride snapshots until they are rolled to disk on demand.
type Recorder struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	frames      []TickFrame
	keyframes   []TickFrame
	events      []TickFrame
	bytes       int64
	dumps       int64
	lastDump    time.Time
	lastDumpURI string
	track       TrackSummary
	tunables    PhysicsTunables
}

// Stats summarises recorder health for monitoring endpoints.
type Stats struct {
	BufferedFrames    int
	BufferedKeyframes int
	BufferedEvents    int
	BufferedBytes     int64
	Dumps             int64
	LastDumpURI       string
	LastDumpTime      time.Time
}

// NewRecorder constructs a recorder that writes gzip dumps into dir.
func NewRecorder(dir string, clock func() time.Time) (*Recorder, error) {
	if dir == "" {
		return nil, fmt.Errorf("replay directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{dir: dir, now: clock}, nil
}

// SetTrackMetadata configures the header written alongside each dump.
func (r *Recorder) SetTrackMetadata(track TrackSummary, tunables PhysicsTunables) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.track = track
	r.tunables = tunables.Clone()
	r.mu.Unlock()
}

// RecordFrame appends an encoded state snapshot for the supplied tick.
func (r *Recorder) RecordFrame(tick uint64, simulatedMs int64, payload []byte) {
	r.record(&r.frames, tick, simulatedMs, payload)
}

// RecordKeyframe appends a full layout-plus-state keyframe so dumps stand alone.
func (r *Recorder) RecordKeyframe(tick uint64, simulatedMs int64, payload []byte) {
	r.record(&r.keyframes, tick, simulatedMs, payload)
}

// RecordEvent appends an encoded ride event for the supplied tick.
func (r *Recorder) RecordEvent(tick uint64, simulatedMs int64, payload []byte) {
	r.record(&r.events, tick, simulatedMs, payload)
}

func (r *Recorder) record(bucket *[]TickFrame, tick uint64, simulatedMs int64, payload []byte) {
	if r == nil || len(payload) == 0 {
		return
	}
	clone := append([]byte(nil), payload...)
	captured := r.now().UTC()

	r.mu.Lock()
	//1.- Track buffered entries so monitoring captures outstanding work.
	*bucket = append(*bucket, TickFrame{Tick: tick, SimulatedMs: simulatedMs, CapturedAt: captured, Payload: clone})
	r.bytes += int64(len(clone))
	r.mu.Unlock()
}

// dumpSection is the JSON shape shared by every dump bucket.
type dumpSection struct {
	Tick        uint64          `json:"tick"`
	SimulatedMs int64           `json:"simulated_ms"`
	CapturedAt  string          `json:"captured_at"`
	Payload     json.RawMessage `json:"payload"`
}

func encodeSection(frames []TickFrame) []dumpSection {
	out := make([]dumpSection, len(frames))
	for idx, frame := range frames {
		out[idx] = dumpSection{
			Tick:        frame.Tick,
			SimulatedMs: frame.SimulatedMs,
			CapturedAt:  frame.CapturedAt.Format(time.RFC3339Nano),
			Payload:     json.RawMessage(frame.Payload),
		}
	}
	return out
}

// Roll writes the buffered entries to a gzip dump plus a header sidecar and
// clears the in-memory buffers.
func (r *Recorder) Roll(rideName string) (string, string, error) {
	if r == nil {
		return "", "", fmt.Errorf("recorder not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	//1.- Bail out gracefully when nothing has been recorded yet.
	if len(r.frames) == 0 && len(r.keyframes) == 0 && len(r.events) == 0 {
		return "", "", fmt.Errorf("no replay frames buffered")
	}

	cleaned := rideNameCleaner.ReplaceAllString(rideName, "")
	if cleaned == "" {
		cleaned = "ride"
	}
	timestamp := r.now().UTC().Format("20060102T150405Z")
	filename := fmt.Sprintf("%s-%s.json.gz", cleaned, timestamp)
	path := filepath.Join(r.dir, filename)

	//2.- Encode the buckets as one JSON envelope so tooling can parse dumps directly.
	envelope := struct {
		SavedAt   string        `json:"saved_at"`
		Frames    []dumpSection `json:"frames"`
		Keyframes []dumpSection `json:"keyframes"`
		Events    []dumpSection `json:"events"`
	}{
		SavedAt:   timestamp,
		Frames:    encodeSection(r.frames),
		Keyframes: encodeSection(r.keyframes),
		Events:    encodeSection(r.events),
	}

	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return "", "", err
	}

	file, err := os.Create(path)
	if err != nil {
		return "", "", err
	}
	gz := gzip.NewWriter(file)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		file.Close()
		return "", "", err
	}
	if err := gz.Close(); err != nil {
		file.Close()
		return "", "", err
	}
	if err := file.Close(); err != nil {
		return "", "", err
	}

	//3.- Persist the sidecar header so catalogue tooling can index the dump.
	headerPath := path + ".header.json"
	header := Header{SchemaVersion: HeaderSchemaVersion, Track: r.track, Tunables: r.tunables.Clone(), FilePointer: filename}
	if err := WriteHeader(headerPath, header); err != nil {
		return "", "", err
	}

	//4.- Reset the buffers so a fresh ride can begin immediately.
	r.frames = nil
	r.keyframes = nil
	r.events = nil
	r.bytes = 0
	r.dumps++
	r.lastDump = r.now().UTC()
	r.lastDumpURI = path
	return path, headerPath, nil
}

// Snapshot returns statistics describing the recorder state.
func (r *Recorder) Snapshot() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	//1.- Copy the counters so monitoring endpoints avoid racing with the writer.
	return Stats{
		BufferedFrames:    len(r.frames),
		BufferedKeyframes: len(r.keyframes),
		BufferedEvents:    len(r.events),
		BufferedBytes:     r.bytes,
		Dumps:             r.dumps,
		LastDumpURI:       r.lastDumpURI,
		LastDumpTime:      r.lastDump,
	}
}
