package geometry

import (
	"math"
	"testing"

	"github.com/cjeanneret/RangePano/internal/device"
)

func TestStepsCalculator_KnownRange(t *testing.T) {
	// 3600 steps over 360 degrees = 10 steps per degree
	sc, err := NewStepsCalculator(3600, 360)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name  string
		angle float64
		want  int
	}{
		{"zero", 0, 0},
		{"90_degrees", 90, 900},
		{"fractional", 12.35, 123},
		{"full_range", 360, 3600},
		{"negative_clamped", -10, 0},
		{"beyond_range_clamped", 400, 3600},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sc.StepsFromAngle(tc.angle); got != tc.want {
				t.Errorf("StepsFromAngle(%v) = %d, want %d", tc.angle, got, tc.want)
			}
		})
	}
}

func TestStepsCalculator_AngleFromSteps(t *testing.T) {
	sc, err := NewStepsCalculator(4000, 180)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		steps int
		want  float64
	}{
		{0, 0},
		{2000, 90},
		{4000, 180},
		{1000, 45},
	}
	for _, tc := range cases {
		if got := sc.AngleFromSteps(tc.steps); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("AngleFromSteps(%d) = %v, want %v", tc.steps, got, tc.want)
		}
	}
}

func TestStepsCalculator_RoundTrip(t *testing.T) {
	sc, err := NewStepsCalculator(3200, 360)
	if err != nil {
		t.Fatal(err)
	}
	for steps := 0; steps <= 3200; steps += 160 {
		angle := sc.AngleFromSteps(steps)
		back := sc.StepsFromAngle(angle + 1e-9)
		if back != steps {
			t.Errorf("steps %d -> %v deg -> %d steps", steps, angle, back)
		}
	}
}

func TestNewStepsCalculator_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		steps int
		sweep float64
	}{
		{"zero_steps", 0, 360},
		{"negative_steps", -1, 360},
		{"zero_sweep", 1000, 0},
		{"sweep_over_360", 1000, 361},
		{"nan_sweep", 1000, math.NaN()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewStepsCalculator(tc.steps, tc.sweep); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestFromStatus(t *testing.T) {
	st := device.Status{Message: "state", MaxPositionInEncoderSteps: 7200}
	sc, err := FromStatus(st, 360)
	if err != nil {
		t.Fatal(err)
	}
	if sc.MaxSteps() != 7200 {
		t.Errorf("MaxSteps() = %d, want 7200", sc.MaxSteps())
	}
	if _, err := FromStatus(device.Status{Message: "init"}, 360); err == nil {
		t.Error("expected error for non-state status")
	}
	if _, err := FromStatus(device.Status{Message: "state"}, 360); err == nil {
		t.Error("expected error when the range is unknown")
	}
}
