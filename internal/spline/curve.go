package spline

import (
	"math"

	"github.com/nKvs-you/roller-coaster-builder/internal/geom"
)

// DefaultTension is the blend weight applied when no override is supplied.
const DefaultTension = 0.5

// samplesPerSegment controls the arc length estimation density.
const samplesPerSegment = 50

// Curve is a Catmull-Rom path through an ordered set of control points. It is
// immutable after construction and safe for concurrent readers.
type Curve struct {
	points     []geom.Vec3
	closed     bool
	tension    float64
	arcLengths []float64
	total      float64
}

// Option customises curve construction.
type Option func(*Curve)

// WithTension overrides the default blend weight stored on the curve.
func WithTension(tension float64) Option {
	return func(c *Curve) {
		c.tension = tension
	}
}

// NewCurve builds a curve through the supplied control points. The points are
// copied so later host-side mutation cannot alias the curve. Fewer than two
// points produce a degenerate curve whose samples are all zero.
func NewCurve(points []geom.Vec3, closed bool, opts ...Option) *Curve {
	curve := &Curve{
		points:  append([]geom.Vec3(nil), points...),
		closed:  closed,
		tension: DefaultTension,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(curve)
		}
	}
	curve.computeArcLengths()
	return curve
}

// computeArcLengths densely samples the interpolation and accumulates the
// cumulative distance table used for length queries.
func (c *Curve) computeArcLengths() {
	c.arcLengths = nil
	c.total = 0
	if len(c.points) < 2 {
		return
	}

	segments := c.SegmentCount()
	steps := segments * samplesPerSegment

	//1.- Seed the table with the zero entry so cumulative sums stay aligned.
	c.arcLengths = make([]float64, 1, steps+1)

	prev := c.Point(0)
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		curr := c.Point(t)
		//2.- Accumulate consecutive sample distances into a non-decreasing table.
		c.total += prev.DistanceTo(curr)
		c.arcLengths = append(c.arcLengths, c.total)
		prev = curr
	}
}

// SegmentCount returns the number of spline segments spanned by the points.
func (c *Curve) SegmentCount() int {
	if c == nil || len(c.points) < 2 {
		return 0
	}
	if c.closed {
		return len(c.points)
	}
	return len(c.points) - 1
}

// PointCount returns how many control points define the curve.
func (c *Curve) PointCount() int {
	if c == nil {
		return 0
	}
	return len(c.points)
}

// Closed reports whether the last control point joins back to the first.
func (c *Curve) Closed() bool {
	return c != nil && c.closed
}

// Tension returns the configured blend weight.
func (c *Curve) Tension() float64 {
	if c == nil {
		return DefaultTension
	}
	return c.tension
}

// Length returns the precomputed total arc length.
func (c *Curve) Length() float64 {
	if c == nil {
		return 0
	}
	return c.total
}

// ArcLengths returns a copy of the cumulative arc length table.
func (c *Curve) ArcLengths() []float64 {
	if c == nil || len(c.arcLengths) == 0 {
		return nil
	}
	out := make([]float64, len(c.arcLengths))
	copy(out, c.arcLengths)
	return out
}

// Point evaluates the curve position at parameter t in [0,1].
func (c *Curve) Point(t float64) geom.Vec3 {
	if c == nil || len(c.points) < 2 {
		return geom.Vec3{}
	}

	n := len(c.points)
	segments := c.SegmentCount()

	//1.- Split the scaled parameter into a segment index and local fraction.
	scaled := t * float64(segments)
	i := int(math.Floor(scaled))
	frac := scaled - float64(i)

	if c.closed {
		i = ((i % n) + n) % n
	} else {
		//2.- Clamp open curves into the valid range, pinning the fraction at the end.
		if i >= segments {
			i = segments - 1
			frac = 1.0
		}
		if i < 0 {
			i = 0
		}
	}

	//3.- Select the four neighbouring control points, wrapping or clamping.
	var p0, p1, p2, p3 int
	if c.closed {
		p0 = ((i-1)%n + n) % n
		p1 = i
		p2 = (i + 1) % n
		p3 = (i + 2) % n
	} else {
		p0 = max(0, i-1)
		p1 = i
		p2 = min(n-1, i+1)
		p3 = min(n-1, i+2)
	}

	return interpolate(c.points[p0], c.points[p1], c.points[p2], c.points[p3], frac)
}

// interpolate evaluates the cubic Catmull-Rom blend per axis. The basis is
// fixed; altering it changes downstream g-force readings.
func interpolate(p0, p1, p2, p3 geom.Vec3, t float64) geom.Vec3 {
	t2 := t * t
	t3 := t2 * t

	return geom.Vec3{
		X: 0.5 * (2.0*p1.X + (-p0.X+p2.X)*t +
			(2.0*p0.X-5.0*p1.X+4.0*p2.X-p3.X)*t2 +
			(-p0.X+3.0*p1.X-3.0*p2.X+p3.X)*t3),
		Y: 0.5 * (2.0*p1.Y + (-p0.Y+p2.Y)*t +
			(2.0*p0.Y-5.0*p1.Y+4.0*p2.Y-p3.Y)*t2 +
			(-p0.Y+3.0*p1.Y-3.0*p2.Y+p3.Y)*t3),
		Z: 0.5 * (2.0*p1.Z + (-p0.Z+p2.Z)*t +
			(2.0*p0.Z-5.0*p1.Z+4.0*p2.Z-p3.Z)*t2 +
			(-p0.Z+3.0*p1.Z-3.0*p2.Z+p3.Z)*t3),
	}
}

// Tangent approximates the unit direction of travel at parameter t using a
// symmetric finite difference.
func (c *Curve) Tangent(t float64) geom.Vec3 {
	const epsilon = 1e-4
	p1 := c.Point(math.Max(0.0, t-epsilon))
	p2 := c.Point(math.Min(1.0, t+epsilon))
	return p2.Sub(p1).Normalized()
}

// Curvature estimates the direction change per unit arc length at t. Straight
// or degenerate spans report zero rather than dividing by a vanishing chord.
func (c *Curve) Curvature(t float64) float64 {
	const epsilon = 1e-4
	t1 := c.Tangent(math.Max(0.0, t-epsilon))
	t2 := c.Tangent(math.Min(1.0, t+epsilon))

	angle := math.Acos(math.Max(-1.0, math.Min(1.0, t1.Dot(t2))))
	chord := c.Point(t - epsilon).DistanceTo(c.Point(t + epsilon))

	if chord < 1e-10 {
		return 0
	}
	return angle / chord
}
