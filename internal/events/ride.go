package events

import (
	"github.com/nKvs-you/roller-coaster-builder/internal/physics"
	"github.com/nKvs-you/roller-coaster-builder/internal/track"
)

// RideMarker captures where the train was when a lifecycle event fired.
type RideMarker struct {
	Tick     uint64  `json:"tick"`
	Progress float64 `json:"progress"`
	Speed    float64 `json:"speed"`
	Height   float64 `json:"height"`
	GForce   float64 `json:"g_force"`
	Lap      int     `json:"lap,omitempty"`
}

// MarkerFromState copies the scalar fields clients need to locate an event on
// the track, leaving the full vectors to the state feed.
func MarkerFromState(state physics.State, tick uint64) RideMarker {
	return RideMarker{
		Tick:     tick,
		Progress: state.Progress,
		Speed:    state.Speed,
		Height:   state.Height,
		GForce:   state.GForceTotal,
	}
}

// TrackChange describes the layout swapped in by a rebuild.
type TrackChange struct {
	Name       string  `json:"name"`
	PointCount int     `json:"point_count"`
	Closed     bool    `json:"closed"`
	Length     float64 `json:"length"`
}

// ValidationSummary condenses one validator run for stream consumers.
type ValidationSummary struct {
	Name     string `json:"name"`
	Valid    bool   `json:"valid"`
	Errors   int    `json:"errors"`
	Warnings int    `json:"warnings"`
	Infos    int    `json:"infos"`
}

// SummarizeFindings tallies validator findings into a publishable summary.
func SummarizeFindings(name string, findings []track.Finding) ValidationSummary {
	summary := ValidationSummary{Name: name, Valid: true}
	//1.- Count each severity bucket and flip Valid when any error appears.
	for _, finding := range findings {
		switch finding.Severity {
		case track.SeverityError:
			summary.Errors++
			summary.Valid = false
		case track.SeverityWarning:
			summary.Warnings++
		default:
			summary.Infos++
		}
	}
	return summary
}
