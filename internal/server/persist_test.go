package server

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nKvs-you/roller-coaster-builder/internal/geom"
	"github.com/nKvs-you/roller-coaster-builder/internal/logging"
	"github.com/nKvs-you/roller-coaster-builder/internal/track"
)

func TestStatePersisterDisabledWithoutPath(t *testing.T) {
	persister, err := NewStatePersister("", time.Second, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewStatePersister: %v", err)
	}
	if persister != nil {
		t.Fatalf("expected nil persister for empty path")
	}

	persister, err = NewStatePersister(filepath.Join(t.TempDir(), "ride.json"), 0, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewStatePersister: %v", err)
	}
	if persister != nil {
		t.Fatalf("expected nil persister for zero interval")
	}

	//1.- A disabled persister must stay safe to call through a nil receiver.
	persister.Record(PersistedRide{Progress: 0.5})
	persister.RecordNow(PersistedRide{Progress: 0.5})
	if persister.LastRide() != nil {
		t.Fatalf("expected no restored ride from nil persister")
	}
	if err := persister.Flush(); err != nil {
		t.Fatalf("Flush on nil persister: %v", err)
	}
	if err := persister.Close(); err != nil {
		t.Fatalf("Close on nil persister: %v", err)
	}
}

func TestStatePersisterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ride.json")
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	persister, err := NewStatePersister(path, time.Hour, logging.NewTestLogger(), WithPersistClock(clock))
	if err != nil {
		t.Fatalf("NewStatePersister: %v", err)
	}

	layout := track.Layout{Name: "boomerang", Points: []track.Point{
		track.NewPoint(geom.Vec3{Y: 30}),
		track.NewPoint(geom.Vec3{X: 40, Y: 5}),
		track.NewPoint(geom.Vec3{X: 80, Y: 22}),
	}}
	persister.Record(PersistedRide{Layout: &layout, ChainLift: true, Progress: 0.35, Speed: 12.5})
	//1.- Mutating the caller's layout after Record must not reach the stored copy.
	layout.Points[0] = track.NewPoint(geom.Vec3{Y: 999})

	if err := persister.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := persister.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	restored, err := NewStatePersister(path, time.Hour, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewStatePersister reload: %v", err)
	}
	defer restored.Close()

	last := restored.LastRide()
	if last == nil {
		t.Fatal("expected a restored ride snapshot")
	}
	if !last.ChainLift || last.Progress != 0.35 || last.Speed != 12.5 {
		t.Fatalf("unexpected restored ride: %+v", last)
	}
	if last.Layout == nil || last.Layout.Name != "boomerang" || len(last.Layout.Points) != 3 {
		t.Fatalf("unexpected restored layout: %+v", last.Layout)
	}
	if got := last.Layout.Points[0].Position.Y; got != 30 {
		t.Fatalf("stored layout picked up caller mutation: Y=%v", got)
	}
	if !last.SavedAt.Equal(now) {
		t.Fatalf("unexpected saved_at %v, want %v", last.SavedAt, now)
	}
}

func TestStatePersisterRecordNowFlushesPromptly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ride.json")
	persister, err := NewStatePersister(path, time.Hour, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewStatePersister: %v", err)
	}
	defer persister.Close()

	//1.- The hour-long interval means only the immediate flush can write the file.
	persister.RecordNow(PersistedRide{Progress: 0.8})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("state file never appeared after RecordNow")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStatePersisterCloseFlushesPendingState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ride.json")
	persister, err := NewStatePersister(path, time.Hour, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("NewStatePersister: %v", err)
	}

	persister.Record(PersistedRide{Progress: 0.6, Speed: 3})
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected no file before close, stat err=%v", err)
	}

	if err := persister.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var ride PersistedRide
	if err := json.Unmarshal(data, &ride); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ride.Progress != 0.6 || ride.Speed != 3 {
		t.Fatalf("unexpected persisted ride: %+v", ride)
	}
}

func TestStatePersisterRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ride.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := NewStatePersister(path, time.Hour, logging.NewTestLogger()); err == nil {
		t.Fatal("expected error for corrupt state file")
	}
}
