package track

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nKvs-you/roller-coaster-builder/internal/geom"
	"github.com/nKvs-you/roller-coaster-builder/internal/spline"
)

// Layout describes a complete track: an ordered run of control points plus
// whether the last point joins back onto the first.
type Layout struct {
	Name   string  `json:"name"`
	Closed bool    `json:"closed"`
	Points []Point `json:"points"`
}

// ParseLayout decodes a JSON layout document.
func ParseLayout(data []byte) (Layout, error) {
	var layout Layout
	if err := json.Unmarshal(data, &layout); err != nil {
		return Layout{}, fmt.Errorf("parse track layout: %w", err)
	}
	return layout, nil
}

// LoadLayout reads and decodes a layout file from disk.
func LoadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("read track layout: %w", err)
	}
	return ParseLayout(data)
}

// Positions copies out the control point positions in track order.
func (l Layout) Positions() []geom.Vec3 {
	positions := make([]geom.Vec3, len(l.Points))
	for i, p := range l.Points {
		positions[i] = p.Position
	}
	return positions
}

// Build assembles the smooth curve that runs through the layout's control
// points.
func (l Layout) Build(opts ...spline.Option) *spline.Curve {
	return spline.NewCurve(l.Positions(), l.Closed, opts...)
}
