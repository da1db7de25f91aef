package replay

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
)

func TestRecorderRollsToDisk(t *testing.T) {
	dir := t.TempDir()
	current := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	recorder, err := NewRecorder(dir, clock)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	recorder.SetTrackMetadata(TrackSummary{Name: "hill-run", PointCount: 6, Length: 88.0}, PhysicsTunables{"gravity": 9.81, "drag": 0.02})

	recorder.RecordFrame(1, 0, []byte(`{"tick":1}`))
	recorder.RecordKeyframe(1, 0, []byte(`{"layout":"full"}`))
	recorder.RecordEvent(1, 0, []byte(`{"kind":"ride_started"}`))
	current = current.Add(10 * time.Millisecond)
	recorder.RecordFrame(2, 10, []byte(`{"tick":2}`))
	recorder.RecordEvent(2, 10, []byte(`{"kind":"chain_engaged"}`))

	stats := recorder.Snapshot()
	if stats.BufferedFrames != 2 {
		t.Fatalf("expected 2 buffered frames, got %d", stats.BufferedFrames)
	}
	if stats.BufferedKeyframes != 1 {
		t.Fatalf("expected 1 buffered keyframe, got %d", stats.BufferedKeyframes)
	}
	if stats.BufferedEvents != 2 {
		t.Fatalf("expected 2 buffered events, got %d", stats.BufferedEvents)
	}
	if stats.BufferedBytes == 0 {
		t.Fatalf("expected buffered bytes to be tracked")
	}

	path, headerPath, err := recorder.Roll("hill run")
	if err != nil {
		t.Fatalf("Roll: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("unexpected roll directory: %s", path)
	}
	if filepath.Dir(headerPath) != dir {
		t.Fatalf("unexpected header directory: %s", headerPath)
	}

	artifact, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer artifact.Close()

	gz, err := gzip.NewReader(artifact)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var dump struct {
		SavedAt   string        `json:"saved_at"`
		Frames    []dumpSection `json:"frames"`
		Keyframes []dumpSection `json:"keyframes"`
		Events    []dumpSection `json:"events"`
	}
	if err := json.Unmarshal(data, &dump); err != nil {
		t.Fatalf("decode roll: %v", err)
	}
	if len(dump.Frames) != 2 {
		t.Fatalf("expected two frames, got %d", len(dump.Frames))
	}
	if len(dump.Keyframes) != 1 {
		t.Fatalf("expected one keyframe, got %d", len(dump.Keyframes))
	}
	if len(dump.Events) != 2 {
		t.Fatalf("expected two events, got %d", len(dump.Events))
	}

	header, err := ReadHeader(headerPath)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if header.SchemaVersion != HeaderSchemaVersion {
		t.Fatalf("unexpected header schema version: %d", header.SchemaVersion)
	}
	if header.Track.Name != "hill-run" || header.Track.PointCount != 6 {
		t.Fatalf("unexpected header track: %+v", header.Track)
	}
	if header.FilePointer != filepath.Base(path) {
		t.Fatalf("unexpected header file pointer: %q", header.FilePointer)
	}
	if header.Tunables == nil || header.Tunables["gravity"] != 9.81 {
		t.Fatalf("unexpected tunables: %#v", header.Tunables)
	}

	stats = recorder.Snapshot()
	if stats.BufferedFrames != 0 || stats.BufferedKeyframes != 0 || stats.BufferedEvents != 0 {
		t.Fatalf("expected buffers to be cleared after roll, got %+v", stats)
	}
	if stats.Dumps != 1 {
		t.Fatalf("expected dumps counter to increment")
	}
	if stats.LastDumpURI != path {
		t.Fatalf("expected last dump uri to match path")
	}
}

func TestRecorderRollWithoutDataFails(t *testing.T) {
	recorder, err := NewRecorder(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	//1.- Rolling an empty buffer should fail loudly instead of writing husks.
	if _, _, err := recorder.Roll("empty"); err == nil {
		t.Fatal("expected error rolling empty recorder")
	}
}
