package geom

import "math"

// Vec3 represents a point or direction in 3D space with value semantics.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns the component wise sum of two vectors.
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub returns the difference between two vectors.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Scale multiplies every component by a scalar.
func (v Vec3) Scale(scalar float64) Vec3 {
	return Vec3{X: v.X * scalar, Y: v.Y * scalar, Z: v.Z * scalar}
}

// Div divides every component by a scalar; the caller guards against zero.
func (v Vec3) Div(scalar float64) Vec3 {
	return Vec3{X: v.X / scalar, Y: v.Y / scalar, Z: v.Z / scalar}
}

// Dot returns the scalar dot product of two vectors.
func (v Vec3) Dot(other Vec3) float64 {
	return v.X*other.X + v.Y*other.Y + v.Z*other.Z
}

// Cross returns the right-handed cross product of two vectors.
func (v Vec3) Cross(other Vec3) Vec3 {
	return Vec3{
		X: v.Y*other.Z - v.Z*other.Y,
		Y: v.Z*other.X - v.X*other.Z,
		Z: v.X*other.Y - v.Y*other.X,
	}
}

// Length computes the Euclidean norm of the vector.
func (v Vec3) Length() float64 {
	return math.Sqrt(v.Dot(v))
}

// LengthSq returns the squared norm, avoiding the square root where possible.
func (v Vec3) LengthSq() float64 {
	return v.Dot(v)
}

// DistanceTo returns the Euclidean distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Length()
}

// Lerp linearly interpolates between v and other by fraction t.
func (v Vec3) Lerp(other Vec3, t float64) Vec3 {
	return v.Scale(1.0 - t).Add(other.Scale(t))
}

// Normalized returns a unit length copy of the vector. Near-zero vectors
// (length below 1e-10) degrade to the canonical world-up direction instead
// of producing NaN components.
func (v Vec3) Normalized() Vec3 {
	length := v.Length()
	if length < 1e-10 {
		return Vec3{X: 0, Y: 1, Z: 0}
	}
	return v.Div(length)
}
