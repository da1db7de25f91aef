package replay

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// TimelineEntry represents a single replay datum ready for deterministic iteration.
type TimelineEntry struct {
	Tick        uint64
	SimulatedMs int64
	CapturedAt  time.Time
	Type        string
	Payload     json.RawMessage
}

// Loader rehydrates replay artefacts for validation and viewer workflows.
type Loader struct {
	entries []TimelineEntry
}

// Load reads a gzip dump produced by Recorder.Roll and merges its buckets
// into one deterministic timeline.
func Load(path string) (*Loader, error) {
	if path == "" {
		return nil, fmt.Errorf("replay path must be provided")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := gzip.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Frames    []dumpSection `json:"frames"`
		Keyframes []dumpSection `json:"keyframes"`
		Events    []dumpSection `json:"events"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	entries := make([]TimelineEntry, 0, len(envelope.Frames)+len(envelope.Keyframes)+len(envelope.Events))

	//1.- Rehydrate state frames so deterministic replays can step the motion.
	frames, err := decodeSections(envelope.Frames, "frame")
	if err != nil {
		return nil, err
	}
	entries = append(entries, frames...)

	//2.- Append keyframes so viewers can rebuild the track without the source layout.
	keyframes, err := decodeSections(envelope.Keyframes, "keyframe")
	if err != nil {
		return nil, err
	}
	entries = append(entries, keyframes...)

	//3.- Include ride events so lifecycle markers replay in order.
	eventEntries, err := decodeSections(envelope.Events, "event")
	if err != nil {
		return nil, err
	}
	entries = append(entries, eventEntries...)

	sortTimeline(entries)
	return &Loader{entries: entries}, nil
}

func decodeSections(sections []dumpSection, kind string) ([]TimelineEntry, error) {
	entries := make([]TimelineEntry, 0, len(sections))
	for _, section := range sections {
		captured, err := time.Parse(time.RFC3339Nano, section.CapturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse %s captured_at: %w", kind, err)
		}
		entries = append(entries, TimelineEntry{
			Tick:        section.Tick,
			SimulatedMs: section.SimulatedMs,
			CapturedAt:  captured,
			Type:        kind,
			Payload:     append(json.RawMessage(nil), section.Payload...),
		})
	}
	return entries, nil
}

// LoadBundle reads a streaming bundle produced by Writer and merges its event
// log and frame stream into one deterministic timeline.
func LoadBundle(dir string) (*Loader, error) {
	if dir == "" {
		return nil, fmt.Errorf("bundle directory must be provided")
	}
	manifestData, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("parse bundle manifest: %w", err)
	}

	var entries []TimelineEntry

	//1.- Stream the snappy event log line by line.
	eventFile, err := os.Open(filepath.Join(dir, manifest.EventsPath))
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(snappy.NewReader(eventFile))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record eventRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			eventFile.Close()
			return nil, fmt.Errorf("parse bundle event: %w", err)
		}
		captured, err := time.Parse(time.RFC3339Nano, record.CapturedAt)
		if err != nil {
			eventFile.Close()
			return nil, fmt.Errorf("parse bundle event captured_at: %w", err)
		}
		payload, err := base64.StdEncoding.DecodeString(record.PayloadB64)
		if err != nil {
			eventFile.Close()
			return nil, fmt.Errorf("decode bundle event payload: %w", err)
		}
		entries = append(entries, TimelineEntry{
			Tick:        record.Tick,
			SimulatedMs: record.SimulatedMs,
			CapturedAt:  captured,
			Type:        record.Type,
			Payload:     payload,
		})
	}
	if err := scanner.Err(); err != nil {
		eventFile.Close()
		return nil, err
	}
	if err := eventFile.Close(); err != nil {
		return nil, err
	}

	//2.- Decode the length-prefixed zstd frame stream.
	frameFile, err := os.Open(filepath.Join(dir, manifest.FramesPath))
	if err != nil {
		return nil, err
	}
	defer frameFile.Close()
	frameReader, err := zstd.NewReader(frameFile)
	if err != nil {
		return nil, err
	}
	defer frameReader.Close()
	raw, err := io.ReadAll(frameReader)
	if err != nil {
		return nil, err
	}
	frames, err := decodeFrameStream(raw)
	if err != nil {
		return nil, err
	}
	entries = append(entries, frames...)

	sortTimeline(entries)
	return &Loader{entries: entries}, nil
}

func decodeFrameStream(raw []byte) ([]TimelineEntry, error) {
	var entries []TimelineEntry
	offset := 0
	for offset < len(raw) {
		if offset+28 > len(raw) {
			return nil, fmt.Errorf("truncated frame header at offset %d", offset)
		}
		tick := binary.LittleEndian.Uint64(raw[offset : offset+8])
		sim := int64(binary.LittleEndian.Uint64(raw[offset+8 : offset+16]))
		captured := int64(binary.LittleEndian.Uint64(raw[offset+16 : offset+24]))
		size := int(binary.LittleEndian.Uint32(raw[offset+24 : offset+28]))
		offset += 28
		if offset+size > len(raw) {
			return nil, fmt.Errorf("truncated frame payload at offset %d", offset)
		}
		entries = append(entries, TimelineEntry{
			Tick:        tick,
			SimulatedMs: sim,
			CapturedAt:  time.Unix(0, captured).UTC(),
			Type:        "frame",
			Payload:     append(json.RawMessage(nil), raw[offset:offset+size]...),
		})
		offset += size
	}
	return entries, nil
}

func sortTimeline(entries []TimelineEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SimulatedMs == entries[j].SimulatedMs {
			if entries[i].Tick == entries[j].Tick {
				return entries[i].Type < entries[j].Type
			}
			return entries[i].Tick < entries[j].Tick
		}
		return entries[i].SimulatedMs < entries[j].SimulatedMs
	})
}

// Replay iterates over the loaded entries in deterministic order.
func (l *Loader) Replay(apply func(TimelineEntry) error) error {
	if l == nil {
		return fmt.Errorf("loader not initialised")
	}
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, entry := range l.entries {
		//1.- Invoke the callback for each timeline entry to drive the validation sim.
		if err := apply(entry); err != nil {
			return err
		}
	}
	return nil
}

// Entries exposes a defensive copy of the timeline for external assertions.
func (l *Loader) Entries() []TimelineEntry {
	if l == nil {
		return nil
	}
	out := make([]TimelineEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ArtefactInfo describes one replay artefact discovered under the root.
type ArtefactInfo struct {
	Path     string
	Kind     string
	Header   Header
	ModTime  time.Time
	HasError bool
}

// ListArtefacts scans the replay root for dumps and bundles, newest first.
func ListArtefacts(root string) ([]ArtefactInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	artefacts := make([]ArtefactInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(root, name)
		info, err := entry.Info()
		if err != nil {
			continue
		}
		switch {
		case entry.IsDir():
			//1.- Directories qualify as bundles only when a manifest is present.
			if _, err := os.Stat(filepath.Join(path, "manifest.json")); err != nil {
				continue
			}
			art := ArtefactInfo{Path: path, Kind: "bundle", ModTime: info.ModTime()}
			if header, err := ReadHeader(filepath.Join(path, "header.json")); err == nil {
				art.Header = header
			} else {
				art.HasError = true
			}
			artefacts = append(artefacts, art)
		case strings.HasSuffix(name, ".json.gz"):
			//2.- Dumps carry their metadata in a sidecar header next to the archive.
			art := ArtefactInfo{Path: path, Kind: "dump", ModTime: info.ModTime()}
			if header, err := ReadHeader(path + ".header.json"); err == nil {
				art.Header = header
			} else {
				art.HasError = true
			}
			artefacts = append(artefacts, art)
		}
	}
	sort.Slice(artefacts, func(i, j int) bool { return artefacts[i].ModTime.After(artefacts[j].ModTime) })
	return artefacts, nil
}
