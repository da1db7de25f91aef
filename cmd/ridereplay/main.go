package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/nKvs-you/roller-coaster-builder/internal/replay"
)

// dumpEntry is one timeline row in the -dump JSON document.
type dumpEntry struct {
	Tick        uint64          `json:"tick"`
	SimulatedMs int64           `json:"simulated_ms"`
	CapturedAt  time.Time       `json:"captured_at"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// dumpDocument is the -dump output: artefact metadata plus the full timeline.
type dumpDocument struct {
	Source  string         `json:"source"`
	Kind    string         `json:"kind"`
	Header  *replay.Header `json:"header,omitempty"`
	Entries []dumpEntry    `json:"entries"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ridereplay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	list := fs.Bool("list", false, "list recorded rides under the replay root")
	dump := fs.String("dump", "", "render a dump file or bundle directory as JSON")
	root := fs.String("root", "replays", "replay root scanned by -list")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: ridereplay -list [-root dir] | -dump <path>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	switch {
	case *dump != "":
		if err := renderDump(stdout, *dump); err != nil {
			fmt.Fprintf(stderr, "ridereplay: %v\n", err)
			return 1
		}
	case *list:
		if err := renderList(stdout, *root); err != nil {
			fmt.Fprintf(stderr, "ridereplay: %v\n", err)
			return 1
		}
	default:
		fs.Usage()
		return 1
	}
	return 0
}

// renderList prints one line per artefact, newest first, from the headers.
func renderList(w io.Writer, root string) error {
	artefacts, err := replay.ListArtefacts(root)
	if err != nil {
		return fmt.Errorf("scan %s: %w", root, err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tTRACK\tPOINTS\tSHAPE\tMODIFIED\tPATH")
	for _, art := range artefacts {
		track := art.Header.Track.Name
		points := fmt.Sprintf("%d", art.Header.Track.PointCount)
		shape := "open"
		if art.Header.Track.Closed {
			shape = "closed"
		}
		if art.HasError {
			track, points, shape = "(no header)", "-", "-"
		} else if track == "" {
			track = "(unnamed)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			art.Kind, track, points, shape, art.ModTime.UTC().Format(time.RFC3339), art.Path)
	}
	return tw.Flush()
}

// renderDump loads a dump file or bundle directory and emits the timeline as
// indented JSON.
func renderDump(w io.Writer, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	kind := "dump"
	header := path + ".header.json"
	loadArtefact := replay.Load
	if info.IsDir() {
		kind = "bundle"
		header = filepath.Join(path, "header.json")
		loadArtefact = replay.LoadBundle
	}

	loader, err := loadArtefact(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	doc := dumpDocument{Source: path, Kind: kind}
	//1.- The header is a sidecar; rides recorded without metadata still render.
	if h, err := replay.ReadHeader(header); err == nil {
		doc.Header = &h
	}
	for _, entry := range loader.Entries() {
		doc.Entries = append(doc.Entries, dumpEntry{
			Tick:        entry.Tick,
			SimulatedMs: entry.SimulatedMs,
			CapturedAt:  entry.CapturedAt,
			Type:        entry.Type,
			Payload:     payloadJSON(entry.Payload),
		})
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

// payloadJSON embeds well formed payloads verbatim and falls back to a base64
// string for anything else, so one corrupt record cannot sink the document.
func payloadJSON(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, err := json.Marshal(base64.StdEncoding.EncodeToString(payload))
	if err != nil {
		return nil
	}
	return json.RawMessage(quoted)
}
