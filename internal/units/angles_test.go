package units

import (
	"math"
	"testing"
)

func TestMas2RadRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		mas  float64
	}{
		{"pixel scale", 65.6},
		{"sub-mas", 0.25},
		{"arcsecond", 1000.0},
		{"zero", 0.0},
		{"negative offset", -32.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			back := Rad2Mas(Mas2Rad(tt.mas))
			if math.Abs(back-tt.mas) > 1e-9 {
				t.Errorf("round trip %f mas -> %f mas", tt.mas, back)
			}
		})
	}
}

func TestMas2RadKnownValue(t *testing.T) {
	// 1 arcsecond = 1000 mas = pi/648000 rad.
	got := Mas2Rad(1000.0)
	want := math.Pi / 648000.0
	if math.Abs(got-want) > 1e-15 {
		t.Errorf("Mas2Rad(1000) = %g, want %g", got, want)
	}
}

func TestConvertAngle(t *testing.T) {
	tests := []struct {
		name     string
		rad      float64
		units    string
		expected float64
	}{
		{"pi rad to deg", math.Pi, Deg, 180.0},
		{"quarter turn to deg", math.Pi / 2, Deg, 90.0},
		{"rad passthrough", 1.25, Rad, 1.25},
		{"unknown units default to rad", 1.25, "unknown", 1.25},
		{"small angle to mas", Mas2Rad(65.6), Mas, 65.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertAngle(tt.rad, tt.units)
			if math.Abs(result-tt.expected) > 1e-9 {
				t.Errorf("ConvertAngle(%f, %s) = %f, want %f", tt.rad, tt.units, result, tt.expected)
			}
		})
	}
}

func TestIsValidAngleUnit(t *testing.T) {
	for _, u := range ValidAngleUnits {
		if !IsValidAngleUnit(u) {
			t.Errorf("expected %q to be valid", u)
		}
	}
	if IsValidAngleUnit("furlongs") {
		t.Error("expected furlongs to be invalid")
	}
}

func TestWrapRadians(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"zero", 0, 0},
		{"small positive", 0.5, 0.5},
		{"small negative", -0.5, -0.5},
		{"just over pi", math.Pi + 0.1, -math.Pi + 0.1},
		{"just under minus pi", -math.Pi - 0.1, math.Pi - 0.1},
		{"two turns", 4 * math.Pi, 0},
		{"three half turns", 3 * math.Pi, -math.Pi},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WrapRadians(tt.in)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("WrapRadians(%f) = %f, want %f", tt.in, got, tt.want)
			}
			if got < -math.Pi || got >= math.Pi {
				t.Errorf("WrapRadians(%f) = %f outside [-pi, pi)", tt.in, got)
			}
		})
	}
}
