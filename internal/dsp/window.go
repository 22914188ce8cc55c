package dsp

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/dsp/window"
)

// Window selects the taper applied to a block before the FFT.
type Window int

const (
	Rectangular Window = iota
	Hamming
	Hann
	FlatTop
)

func (w Window) String() string {
	switch w {
	case Rectangular:
		return "rectangular"
	case Hamming:
		return "hamming"
	case Hann:
		return "hann"
	case FlatTop:
		return "flattop"
	default:
		return "unknown"
	}
}

// ParseWindow converts a config string to a Window.
func ParseWindow(s string) (Window, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rectangular", "rect", "none", "":
		return Rectangular, nil
	case "hamming":
		return Hamming, nil
	case "hann", "hanning":
		return Hann, nil
	case "flattop", "flat-top":
		return FlatTop, nil
	default:
		return Window(0), fmt.Errorf("unsupported window %q", s)
	}
}

// Apply returns a tapered copy of samples and the sum of the window weights,
// which is the amplitude normalization for the transform. The rectangular
// window returns the input unchanged with a sum of len(samples).
func (w Window) Apply(samples []float64) ([]float64, float64) {
	if w == Rectangular || len(samples) == 0 {
		return samples, float64(len(samples))
	}
	weights := make([]float64, len(samples))
	for i := range weights {
		weights[i] = 1
	}
	switch w {
	case Hamming:
		window.Hamming(weights)
	case Hann:
		window.Hann(weights)
	case FlatTop:
		window.FlatTop(weights)
	}
	out := make([]float64, len(samples))
	var sum float64
	for i, v := range samples {
		out[i] = v * weights[i]
		sum += weights[i]
	}
	return out, sum
}
