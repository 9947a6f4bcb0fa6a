package units

import (
	"math"
	"testing"
)

func TestIsValid(t *testing.T) {
	for _, u := range ValidUnits {
		if !IsValid(u) {
			t.Errorf("IsValid(%q) = false, want true", u)
		}
	}
	for _, u := range []string{"", "knots", "mph", "furlongs"} {
		if IsValid(u) {
			t.Errorf("IsValid(%q) = true, want false", u)
		}
	}
}

func TestConvertSpeed(t *testing.T) {
	tests := []struct {
		name  string
		mps   float64
		units string
		want  float64
	}{
		{"mps passthrough", 5.0, MPS, 5.0},
		{"knots", 5.0, KTS, 9.719222},
		{"hull speed in knots", 2.8, KTS, 5.442765},
		{"kmph", 10.0, KMPH, 36.0},
		{"kph alias", 10.0, KPH, 36.0},
		{"unknown unit falls back to mps", 5.0, "bogus", 5.0},
		{"zero", 0, KTS, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConvertSpeed(tt.mps, tt.units)
			if math.Abs(got-tt.want) > 1e-4 {
				t.Errorf("ConvertSpeed(%v, %q) = %v, want %v", tt.mps, tt.units, got, tt.want)
			}
		})
	}
}
