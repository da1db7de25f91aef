package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nKvs-you/roller-coaster-builder/internal/replay"
)

func frozenClock() func() time.Time {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

// recordDump buffers one frame and one event, then rolls them to disk.
func recordDump(t *testing.T, dir string) string {
	t.Helper()
	recorder, err := replay.NewRecorder(dir, frozenClock())
	if err != nil {
		t.Fatalf("create recorder: %v", err)
	}
	recorder.SetTrackMetadata(replay.TrackSummary{Name: "ring", PointCount: 12, Closed: true, Length: 180}, nil)
	recorder.RecordFrame(1, 16, []byte(`{"progress":0.1}`))
	recorder.RecordEvent(1, 16, []byte(`{"kind":"ride_started"}`))

	path, _, err := recorder.Roll("ring")
	if err != nil {
		t.Fatalf("roll recorder: %v", err)
	}
	return path
}

// recordBundle streams one event and one frame into a bundle directory.
func recordBundle(t *testing.T, dir string) string {
	t.Helper()
	writer, _, err := replay.NewWriter(dir, "boomerang", frozenClock())
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	writer.SetTrackMetadata(replay.TrackSummary{Name: "boomerang", PointCount: 6, Closed: false, Length: 95}, nil)
	if err := writer.AppendEvent(2, 32, "ride_started", []byte(`{"tick":2}`)); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := writer.AppendFrame(3, 48, []byte(`{"progress":0.2}`)); err != nil {
		t.Fatalf("append frame: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return writer.Directory()
}

func TestRunListShowsDumpsAndBundles(t *testing.T) {
	dir := t.TempDir()
	recordDump(t, dir)
	recordBundle(t, dir)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-list", "-root", dir}, &stdout, &stderr); code != 0 {
		t.Fatalf("list failed with %d: %s", code, stderr.String())
	}

	out := stdout.String()
	for _, want := range []string{"dump", "bundle", "ring", "boomerang", "closed", "open"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in listing:\n%s", want, out)
		}
	}
}

func TestRunDumpRendersTimeline(t *testing.T) {
	dir := t.TempDir()
	path := recordDump(t, dir)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-dump", path}, &stdout, &stderr); code != 0 {
		t.Fatalf("dump failed with %d: %s", code, stderr.String())
	}

	var doc dumpDocument
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		t.Fatalf("decode dump document: %v", err)
	}
	if doc.Kind != "dump" {
		t.Fatalf("expected kind dump, got %q", doc.Kind)
	}
	if doc.Header == nil || doc.Header.Track.Name != "ring" {
		t.Fatalf("expected the ring header, got %+v", doc.Header)
	}
	if len(doc.Entries) != 2 {
		t.Fatalf("expected 2 timeline entries, got %d", len(doc.Entries))
	}

	//1.- Same tick and time, so the timeline orders by type: event before frame.
	if doc.Entries[0].Type != "event" || doc.Entries[1].Type != "frame" {
		t.Fatalf("unexpected entry order: %q, %q", doc.Entries[0].Type, doc.Entries[1].Type)
	}
	var frame struct {
		Progress float64 `json:"progress"`
	}
	if err := json.Unmarshal(doc.Entries[1].Payload, &frame); err != nil {
		t.Fatalf("decode frame payload: %v", err)
	}
	if frame.Progress != 0.1 {
		t.Fatalf("expected progress 0.1 in the frame payload, got %f", frame.Progress)
	}
}

func TestRunDumpRendersBundle(t *testing.T) {
	dir := t.TempDir()
	bundleDir := recordBundle(t, dir)

	var stdout, stderr bytes.Buffer
	if code := run([]string{"-dump", bundleDir}, &stdout, &stderr); code != 0 {
		t.Fatalf("bundle dump failed with %d: %s", code, stderr.String())
	}

	var doc dumpDocument
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		t.Fatalf("decode bundle document: %v", err)
	}
	if doc.Kind != "bundle" {
		t.Fatalf("expected kind bundle, got %q", doc.Kind)
	}
	if doc.Header == nil || doc.Header.Track.Name != "boomerang" {
		t.Fatalf("expected the boomerang header, got %+v", doc.Header)
	}
	if len(doc.Entries) != 2 {
		t.Fatalf("expected 2 timeline entries, got %d", len(doc.Entries))
	}
	if doc.Entries[0].Type != "ride_started" || doc.Entries[1].Type != "frame" {
		t.Fatalf("unexpected entry order: %q, %q", doc.Entries[0].Type, doc.Entries[1].Type)
	}
}

func TestRunRequiresAMode(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 1 {
		t.Fatalf("expected usage exit 1, got %d", code)
	}
	if code := run([]string{"-dump", "does-not-exist"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1 for a missing artefact, got %d", code)
	}
}
