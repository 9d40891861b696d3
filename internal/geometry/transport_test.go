package geometry

import (
	"math"
	"testing"
)

func TestStepsPerMm(t *testing.T) {
	tr := Transport{StepsPerRev: 4096, GearRatio: 1.0, SpoolDiameterMm: 12.0}

	// One rev moves pi*12 mm, so steps/mm = 4096 / (pi*12).
	want := 4096.0 / (math.Pi * 12.0)
	got := tr.StepsPerMm()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("StepsPerMm = %v, want %v", got, want)
	}
}

func TestStepsForAdvance(t *testing.T) {
	tr := Transport{StepsPerRev: 4096, GearRatio: 1.0, SpoolDiameterMm: 12.0}

	tests := []struct {
		name string
		mm   float64
		want int
	}{
		{"one mm", 1.0, int(math.Round(4096 / (math.Pi * 12)))},
		{"frame pitch", Frame135PitchMm, int(math.Round(38.0 * 4096 / (math.Pi * 12)))},
		{"zero", 0, 0},
		{"negative", -5, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tr.StepsForAdvance(tc.mm); got != tc.want {
				t.Errorf("StepsForAdvance(%v) = %d, want %d", tc.mm, got, tc.want)
			}
		})
	}
}

func TestGearRatioScalesSteps(t *testing.T) {
	base := Transport{StepsPerRev: 4096, GearRatio: 1.0, SpoolDiameterMm: 12.0}
	geared := Transport{StepsPerRev: 4096, GearRatio: 2.0, SpoolDiameterMm: 12.0}

	// Rounding happens after the gear ratio is applied, so compare against
	// the exact doubled step count rather than doubling the rounded base.
	want := int(math.Round(2 * 10 * base.StepsPerMm()))
	if got := geared.StepsForAdvance(10); got != want {
		t.Errorf("StepsForAdvance(10) with 2:1 gearing = %d, want %d", got, want)
	}
	if got := geared.StepsPerMm(); math.Abs(got-2*base.StepsPerMm()) > 1e-9 {
		t.Errorf("StepsPerMm with 2:1 gearing = %v, want %v", got, 2*base.StepsPerMm())
	}
}

func TestUnconfiguredTransport(t *testing.T) {
	var tr Transport
	if tr.StepsPerMm() != 0 {
		t.Error("unconfigured transport should report 0 steps/mm")
	}
	if tr.AdvancePerStepMm() != 0 {
		t.Error("unconfigured transport should report 0 mm/step")
	}
}
