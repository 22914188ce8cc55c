package dsp

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// DefaultMaxPlotFreq is the upper edge of the published band in Hz.
const DefaultMaxPlotFreq = 100.0

// Spectrum is a band-limited single-sided magnitude spectrum. Frequencies is
// strictly increasing and has the same length as Magnitudes.
type Spectrum struct {
	Frequencies []float64
	Magnitudes  []float64
}

// Len returns the number of bins in the band.
func (s Spectrum) Len() int { return len(s.Magnitudes) }

// Transformer turns sample blocks into band-limited spectra. It caches the FFT
// plan for the last block size; the plan is guarded so a Transformer may be
// shared between goroutines.
type Transformer struct {
	mu      sync.Mutex
	backend Backend
	window  Window
	fftSize int
	fft     *fourier.FFT
}

// NewTransformer creates a transformer using the given FFT backend and taper.
func NewTransformer(backend Backend, win Window) *Transformer {
	return &Transformer{backend: backend, window: win}
}

// Backend reports the FFT implementation in use.
func (t *Transformer) Backend() Backend { return t.backend }

// Transform computes the single-sided magnitude spectrum of samples and keeps
// the bins at or below maxFreq.
func (t *Transformer) Transform(samples []float64, sampleRate, maxFreq float64) (Spectrum, error) {
	n := len(samples)
	if n == 0 {
		return Spectrum{}, ErrEmptyInput
	}
	if sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return Spectrum{}, fmt.Errorf("sample rate %v: %w", sampleRate, ErrNonFinite)
	}

	tapered, norm := t.window.Apply(samples)
	var mag []float64
	switch t.backend {
	case BackendGoDSP:
		mag = halfSpectrumGoDSP(tapered, norm)
	default:
		mag = t.halfSpectrum(tapered, norm)
	}
	SingleSided(mag)

	df := sampleRate / float64(n)
	keep := len(mag)
	for i := range mag {
		if float64(i)*df > maxFreq {
			keep = i
			break
		}
	}

	spec := Spectrum{
		Frequencies: make([]float64, keep),
		Magnitudes:  mag[:keep:keep],
	}
	for i := 0; i < keep; i++ {
		if math.IsNaN(mag[i]) || math.IsInf(mag[i], 0) {
			return Spectrum{}, fmt.Errorf("magnitude bin %d: %w", i, ErrNonFinite)
		}
		spec.Frequencies[i] = float64(i) * df
	}
	return spec, nil
}

func (t *Transformer) halfSpectrum(samples []float64, norm float64) []float64 {
	t.mu.Lock()
	if t.fft == nil || t.fftSize != len(samples) {
		t.fft = fourier.NewFFT(len(samples))
		t.fftSize = len(samples)
	}
	coeffs := t.fft.Coefficients(nil, samples)
	t.mu.Unlock()
	return normalizedMagnitude(coeffs, len(samples), norm)
}

// Size returns the block size of the cached plan, or 0 before first use.
func (t *Transformer) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fftSize
}
