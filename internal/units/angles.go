// Package units provides shared constants and conversions for the angular
// units used across the fringe pipeline. Observables are stored in radians
// internally; milliarcseconds and degrees appear at the instrument and
// exchange-format boundaries.
package units

import "math"

// Angle unit names accepted at CLI and file boundaries.
const (
	Rad = "rad"
	Deg = "deg"
	Mas = "mas"
)

// ValidAngleUnits contains all valid angle unit values.
var ValidAngleUnits = []string{Rad, Deg, Mas}

// MasPerDeg is the number of milliarcseconds in one degree.
const MasPerDeg = 60.0 * 60.0 * 1000.0

// IsValidAngleUnit checks if the given unit is in the list of valid units.
func IsValidAngleUnit(unit string) bool {
	for _, validUnit := range ValidAngleUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// Mas2Rad converts milliarcseconds to radians.
func Mas2Rad(mas float64) float64 {
	return mas * math.Pi / (180.0 * MasPerDeg)
}

// Rad2Mas converts radians to milliarcseconds.
func Rad2Mas(rad float64) float64 {
	return rad * 180.0 * MasPerDeg / math.Pi
}

// Deg2Rad converts degrees to radians.
func Deg2Rad(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Rad2Deg converts radians to degrees.
func Rad2Deg(rad float64) float64 {
	return rad * 180.0 / math.Pi
}

// ConvertAngle converts an angle in radians to the target units.
// Internal storage is always radians.
func ConvertAngle(rad float64, targetUnits string) float64 {
	switch targetUnits {
	case Deg:
		return Rad2Deg(rad)
	case Mas:
		return Rad2Mas(rad)
	case Rad:
		return rad
	default:
		return rad
	}
}

// WrapRadians wraps an angle to the interval [-pi, pi). Closure phases and
// calibrated phase differences are always reported wrapped so that repeated
// subtraction cannot walk a phase off the principal branch.
func WrapRadians(a float64) float64 {
	w := math.Mod(a+math.Pi, 2.0*math.Pi)
	if w < 0 {
		w += 2.0 * math.Pi
	}
	return w - math.Pi
}
