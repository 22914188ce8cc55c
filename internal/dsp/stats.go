package dsp

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// MaxAbs returns the largest absolute sample value, or 0 for empty input.
func MaxAbs(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return math.Max(math.Abs(floats.Max(samples)), math.Abs(floats.Min(samples)))
}

// TotalPower returns the sum of squared magnitudes.
func TotalPower(mag []float64) float64 {
	return floats.Dot(mag, mag)
}

// AllFinite reports whether every value is neither NaN nor Inf.
func AllFinite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
