package geometry

import (
	"fmt"
	"math"

	"github.com/cjeanneret/RangePano/internal/device"
)

// StepsCalculator converts between positioner encoder steps and
// azimuth angles. The encoder range [0, maxSteps] spans sweepAngleDeg.
type StepsCalculator struct {
	maxSteps       int
	stepsPerDegree float64
}

// NewStepsCalculator creates a calculator for an encoder range.
func NewStepsCalculator(maxSteps int, sweepAngleDeg float64) (*StepsCalculator, error) {
	if maxSteps <= 0 {
		return nil, fmt.Errorf("max encoder steps must be > 0, got %d", maxSteps)
	}
	if sweepAngleDeg <= 0 || sweepAngleDeg > 360 || math.IsNaN(sweepAngleDeg) {
		return nil, fmt.Errorf("sweep angle must be in (0, 360], got %g", sweepAngleDeg)
	}
	return &StepsCalculator{
		maxSteps:       maxSteps,
		stepsPerDegree: float64(maxSteps) / sweepAngleDeg,
	}, nil
}

// FromStatus builds a calculator from the range reported in a state
// status.
func FromStatus(st device.Status, sweepAngleDeg float64) (*StepsCalculator, error) {
	if st.Kind() != device.KindState {
		return nil, fmt.Errorf("need a state status, got %q", st.Message)
	}
	return NewStepsCalculator(st.MaxPositionInEncoderSteps, sweepAngleDeg)
}

// StepsFromAngle converts an azimuth (degrees from home) to an encoder
// position, clamped to the encoder range.
func (s *StepsCalculator) StepsFromAngle(angleDegrees float64) int {
	return s.Clamp(int(angleDegrees * s.stepsPerDegree))
}

// AngleFromSteps converts an encoder position to degrees from home.
func (s *StepsCalculator) AngleFromSteps(steps int) float64 {
	return float64(steps) / s.stepsPerDegree
}

// Clamp limits steps to [0, maxSteps].
func (s *StepsCalculator) Clamp(steps int) int {
	if steps < 0 {
		return 0
	}
	if steps > s.maxSteps {
		return s.maxSteps
	}
	return steps
}

// MaxSteps returns the top of the encoder range.
func (s *StepsCalculator) MaxSteps() int { return s.maxSteps }
