package track

import (
	"math"
	"strconv"

	"github.com/nKvs-you/roller-coaster-builder/internal/geom"
	"github.com/nKvs-you/roller-coaster-builder/internal/spline"
)

// Severity ranks a validation finding.
type Severity int

// Severities in increasing order of concern.
const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String names the severity for logs and CLI output.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Finding is a single validation result. PointIndex is the segment or control
// point the finding refers to, or -1 when it applies to the whole track.
// Value carries the measured quantity behind the finding, such as the grade
// percentage or turn radius.
type Finding struct {
	Valid      bool     `json:"valid"`
	Message    string   `json:"message"`
	Severity   Severity `json:"severity"`
	PointIndex int      `json:"point_index"`
	Value      float64  `json:"value"`
}

// Safety thresholds applied by Validate.
const (
	extremeGradePercent = 80.0
	steepGradePercent   = 60.0
	tightTurnCurvature  = 0.5
	sharpTurnCurvature  = 0.25
	minPointHeight      = 0.5

	gradeSamplesPerSegment        = 10
	intersectionSamplesPerSegment = 5
	intersectionSampleSkip        = 5
	intersectionMinDistance       = 2.0
)

// Validate inspects a layout for rider safety problems. It always returns at
// least one finding; a lone info finding means every check passed.
func Validate(layout Layout) []Finding {
	if len(layout.Points) < 2 {
		return []Finding{{Message: "Need at least 2 points", Severity: SeverityError, PointIndex: -1}}
	}

	curve := layout.Build()
	segments := curve.SegmentCount()

	var findings []Finding
	for i := 0; i < segments; i++ {
		tStart := float64(i) / float64(segments)
		tEnd := float64(i+1) / float64(segments)

		//1.- Sample along the segment, stopping short of the end the next segment covers.
		for s := 0; s < gradeSamplesPerSegment; s++ {
			t := tStart + (tEnd-tStart)*float64(s)/gradeSamplesPerSegment

			grade := math.Abs(curve.Tangent(t).Y) * 100.0
			if grade > extremeGradePercent {
				findings = append(findings, Finding{
					Message:    "Extreme grade detected (" + strconv.Itoa(int(grade)) + "%)",
					Severity:   SeverityError,
					PointIndex: i,
					Value:      grade,
				})
			} else if grade > steepGradePercent {
				findings = append(findings, Finding{
					Message:    "Steep grade (" + strconv.Itoa(int(grade)) + "%)",
					Severity:   SeverityWarning,
					PointIndex: i,
					Value:      grade,
				})
			}

			curvature := curve.Curvature(t)
			if curvature > tightTurnCurvature {
				findings = append(findings, Finding{
					Message:    "Turn radius too tight",
					Severity:   SeverityError,
					PointIndex: i,
					Value:      1.0 / curvature,
				})
			} else if curvature > sharpTurnCurvature {
				findings = append(findings, Finding{
					Message:    "Sharp turn detected",
					Severity:   SeverityWarning,
					PointIndex: i,
					Value:      1.0 / curvature,
				})
			}
		}

		//2.- Low control points risk the spline dipping below the terrain between them.
		if y := layout.Points[i].Position.Y; y < minPointHeight {
			findings = append(findings, Finding{
				Message:    "Point too low (underground risk)",
				Severity:   SeverityWarning,
				PointIndex: i,
				Value:      y,
			})
		}
	}

	if finding, ok := findSelfIntersection(curve, segments); ok {
		findings = append(findings, finding)
	}

	if len(findings) == 0 {
		return []Finding{{Valid: true, Message: "Track validation passed", Severity: SeverityInfo, PointIndex: -1}}
	}
	return findings
}

// findSelfIntersection looks for two well separated parameter ranges that
// pass within a train's width of each other. Only the first hit is reported.
func findSelfIntersection(curve *spline.Curve, segments int) (Finding, bool) {
	numSamples := segments * intersectionSamplesPerSegment
	samples := make([]geom.Vec3, 0, numSamples)
	for i := 0; i < numSamples; i++ {
		samples = append(samples, curve.Point(float64(i)/float64(numSamples)))
	}

	//1.- Neighbouring samples always sit close together, so only compare pairs a few strides apart.
	for i := 0; i < len(samples); i++ {
		for j := i + intersectionSampleSkip; j < len(samples); j++ {
			dist := samples[i].DistanceTo(samples[j])
			if dist < intersectionMinDistance {
				return Finding{
					Message:    "Possible self-intersection detected",
					Severity:   SeverityWarning,
					PointIndex: i * segments / numSamples,
					Value:      dist,
				}, true
			}
		}
	}
	return Finding{}, false
}
