package collision

import (
	"github.com/nKvs-you/roller-coaster-builder/internal/geom"
	"github.com/nKvs-you/roller-coaster-builder/internal/track"
)

// Padding added to every axis of a computed track bounding box, and the
// clearance a train needs above the ground.
const (
	BoundsPadding   = 2.0
	GroundClearance = 0.5
)

// AABB is an axis aligned bounding box. Both faces are inclusive.
type AABB struct {
	Min geom.Vec3 `json:"min"`
	Max geom.Vec3 `json:"max"`
}

// Intersects reports whether the two boxes overlap, touching faces count.
func (b AABB) Intersects(other AABB) bool {
	return b.Min.X <= other.Max.X && b.Max.X >= other.Min.X &&
		b.Min.Y <= other.Max.Y && b.Max.Y >= other.Min.Y &&
		b.Min.Z <= other.Max.Z && b.Max.Z >= other.Min.Z
}

// ContainsPoint reports whether the point lies inside or on the box.
func (b AABB) ContainsPoint(p geom.Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// ComputeBounds returns the padded bounding box around a layout's control
// points. An empty layout yields the zero box.
func ComputeBounds(points []track.Point) AABB {
	if len(points) == 0 {
		return AABB{}
	}

	//1.- Fold every control point into the running min and max corners.
	bounds := AABB{Min: points[0].Position, Max: points[0].Position}
	for _, p := range points[1:] {
		pos := p.Position
		if pos.X < bounds.Min.X {
			bounds.Min.X = pos.X
		}
		if pos.Y < bounds.Min.Y {
			bounds.Min.Y = pos.Y
		}
		if pos.Z < bounds.Min.Z {
			bounds.Min.Z = pos.Z
		}
		if pos.X > bounds.Max.X {
			bounds.Max.X = pos.X
		}
		if pos.Y > bounds.Max.Y {
			bounds.Max.Y = pos.Y
		}
		if pos.Z > bounds.Max.Z {
			bounds.Max.Z = pos.Z
		}
	}

	//2.- Pad each face so the train body and supports fit inside.
	padding := geom.Vec3{X: BoundsPadding, Y: BoundsPadding, Z: BoundsPadding}
	bounds.Min = bounds.Min.Sub(padding)
	bounds.Max = bounds.Max.Add(padding)
	return bounds
}

// CheckGroundCollision reports whether a position sits too close to the
// ground plane at the given height.
func CheckGroundCollision(position geom.Vec3, groundHeight float64) bool {
	return position.Y < groundHeight+GroundClearance
}
