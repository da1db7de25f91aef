package track

import (
	"encoding/json"

	"github.com/nKvs-you/roller-coaster-builder/internal/geom"
)

// Default dimensions for loop elements attached to a control point.
const (
	DefaultLoopRadius = 8.0
	DefaultLoopPitch  = 12.0
)

// Point is a single control point of a track layout. Tilt is the bank angle
// in radians applied as the train passes through. A point may also anchor a
// vertical loop element.
type Point struct {
	Position   geom.Vec3 `json:"position"`
	Tilt       float64   `json:"tilt"`
	HasLoop    bool      `json:"has_loop"`
	LoopRadius float64   `json:"loop_radius"`
	LoopPitch  float64   `json:"loop_pitch"`
}

// NewPoint returns a control point at the given position with neutral tilt
// and default loop dimensions.
func NewPoint(position geom.Vec3) Point {
	return Point{Position: position, LoopRadius: DefaultLoopRadius, LoopPitch: DefaultLoopPitch}
}

// UnmarshalJSON decodes a point while backfilling loop dimensions that the
// payload omits, so hand written layouts can leave them out.
func (p *Point) UnmarshalJSON(data []byte) error {
	type alias Point
	decoded := alias(NewPoint(geom.Vec3{}))
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*p = Point(decoded)
	return nil
}
