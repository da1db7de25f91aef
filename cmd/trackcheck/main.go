package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nKvs-you/roller-coaster-builder/internal/collision"
	"github.com/nKvs-you/roller-coaster-builder/internal/events"
	"github.com/nKvs-you/roller-coaster-builder/internal/physics"
	"github.com/nKvs-you/roller-coaster-builder/internal/track"
)

// Exit codes: 0 when the layout passes, 1 on usage or IO problems, 2 when the
// validator reports error severity findings.
const (
	exitOK    = 0
	exitUsage = 1
	exitError = 2
)

// report is the machine readable shape behind -format json.
type report struct {
	Track    trackInfo                `json:"track"`
	Summary  events.ValidationSummary `json:"summary"`
	Findings []track.Finding          `json:"findings"`
	Bounds   collision.AABB           `json:"bounds"`
	Ride     *physics.RideStats       `json:"ride,omitempty"`
}

type trackInfo struct {
	Name       string  `json:"name"`
	PointCount int     `json:"point_count"`
	Closed     bool    `json:"closed"`
	Length     float64 `json:"length"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("trackcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "text", "output format: text or json")
	rideSeconds := fs.Float64("ride", 0, "simulate the ride for this many seconds and report statistics")
	chain := fs.Bool("chain", false, "engage the chain lift during the simulated ride")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: trackcheck [flags] [layout.json]")
		fmt.Fprintln(stderr, "reads the layout from stdin when no file is given")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *format != "text" && *format != "json" {
		fmt.Fprintf(stderr, "trackcheck: unknown format %q\n", *format)
		return exitUsage
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return exitUsage
	}

	layout, err := readLayout(fs.Arg(0), stdin)
	if err != nil {
		fmt.Fprintf(stderr, "trackcheck: %v\n", err)
		return exitUsage
	}

	//1.- Run the same safety checks the live service applies on set_track.
	findings := track.Validate(layout)
	summary := events.SummarizeFindings(layout.Name, findings)
	bounds := collision.ComputeBounds(layout.Points)

	out := report{
		Track: trackInfo{
			Name:       layout.Name,
			PointCount: len(layout.Points),
			Closed:     layout.Closed,
			Length:     layout.Build().Length(),
		},
		Summary:  summary,
		Findings: findings,
		Bounds:   bounds,
	}

	//2.- An unsafe layout is not worth simulating; skip the ride on errors.
	if *rideSeconds > 0 && summary.Errors == 0 && len(layout.Points) >= 2 {
		stats := simulateRide(layout, *rideSeconds, *chain)
		out.Ride = &stats
	}

	if *format == "json" {
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(out); err != nil {
			fmt.Fprintf(stderr, "trackcheck: %v\n", err)
			return exitUsage
		}
	} else {
		printReport(stdout, out)
	}

	if summary.Errors > 0 {
		return exitError
	}
	return exitOK
}

// readLayout loads the layout from the named file, or from stdin when the
// path is empty or "-".
func readLayout(path string, stdin io.Reader) (track.Layout, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return track.Layout{}, fmt.Errorf("read stdin: %w", err)
		}
		return track.ParseLayout(data)
	}
	return track.LoadLayout(path)
}

// simulateRide steps the engine at the service tick size and folds every
// snapshot into ride statistics. The run is deterministic for a given layout.
func simulateRide(layout track.Layout, seconds float64, chain bool) physics.RideStats {
	engine := physics.NewEngine()
	engine.SetTrack(layout)
	engine.SetChainLift(chain)

	tracker := physics.NewStatsTracker()
	const dt = 1.0 / 60.0
	steps := int(seconds / dt)
	for i := 0; i < steps; i++ {
		state := engine.Step(dt)
		tracker.Observe(state, dt)
	}
	return tracker.Stats()
}

func printReport(w io.Writer, out report) {
	name := out.Track.Name
	if name == "" {
		name = "(unnamed)"
	}
	shape := "open"
	if out.Track.Closed {
		shape = "closed"
	}
	fmt.Fprintf(w, "track %q: %d points, %s, length %.2f\n", name, out.Track.PointCount, shape, out.Track.Length)
	fmt.Fprintf(w, "bounds: x [%.2f, %.2f]  y [%.2f, %.2f]  z [%.2f, %.2f]\n",
		out.Bounds.Min.X, out.Bounds.Max.X,
		out.Bounds.Min.Y, out.Bounds.Max.Y,
		out.Bounds.Min.Z, out.Bounds.Max.Z)

	fmt.Fprintf(w, "findings (%d errors, %d warnings, %d info):\n",
		out.Summary.Errors, out.Summary.Warnings, out.Summary.Infos)
	for _, finding := range out.Findings {
		where := "track"
		if finding.PointIndex >= 0 {
			where = fmt.Sprintf("segment %d", finding.PointIndex)
		}
		fmt.Fprintf(w, "  [%s] %s: %s\n", finding.Severity, where, finding.Message)
	}

	if out.Ride != nil {
		r := out.Ride
		fmt.Fprintf(w, "ride (%.1fs simulated): max speed %.2f, max g %.2f, min vertical g %.2f, airtime %.2fs, laps %d, violations %d\n",
			r.SimulatedSeconds, r.MaxSpeed, r.MaxGForce, r.MinVerticalG, r.AirtimeSeconds, r.Laps, r.GForceViolations)
	}
}
