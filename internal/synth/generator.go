package synth

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// Harmonic weights relative to the base tone.
	secondHarmonicAmp = 0.5
	thirdHarmonicAmp  = 0.3
	subharmonicAmp    = 0.2

	// Baseline wander.
	driftFreqHz = 0.05
	driftAmp    = 0.2

	// noiseScale maps noise_level to the Gaussian standard deviation.
	noiseScale = 0.8
)

// Params carries the per-block signal settings.
type Params struct {
	BaseFreq   float64
	NoiseLevel float64
	SampleRate float64
	NumSamples int
}

// Generator synthesizes a multi-tone test signal on a running virtual clock.
// Blocks returned by successive Generate/Advance pairs are contiguous in
// virtual time.
type Generator struct {
	mu     sync.Mutex
	src    rand.Source
	offset float64 // seconds accumulated before the last sample-rate change
	count  int64   // samples generated at rate
	rate   float64
}

// NewGenerator builds a generator seeded from the wall clock.
func NewGenerator() *Generator {
	seed := uint64(time.Now().UnixNano())
	return NewSeededGenerator(seed, seed>>1|1)
}

// NewSeededGenerator builds a generator with a deterministic noise source.
func NewSeededGenerator(seed1, seed2 uint64) *Generator {
	return &Generator{src: rand.NewPCG(seed1, seed2)}
}

// Clock returns the current virtual time in seconds.
func (g *Generator) Clock() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clockLocked()
}

func (g *Generator) clockLocked() float64 {
	if g.rate <= 0 {
		return g.offset
	}
	return g.offset + float64(g.count)/g.rate
}

// Generate returns p.NumSamples samples starting at the current virtual time.
// It does not move the clock; call Advance once the block has been consumed.
func (g *Generator) Generate(p Params) []float64 {
	if p.NumSamples <= 0 || p.SampleRate <= 0 {
		return []float64{}
	}

	g.mu.Lock()
	start := g.clockLocked()
	noise := distuv.Normal{Mu: 0, Sigma: noiseScale * p.NoiseLevel, Src: g.src}
	out := make([]float64, p.NumSamples)
	dt := 1 / p.SampleRate
	f := p.BaseFreq
	for i := range out {
		t := start + float64(i)*dt
		out[i] = math.Sin(2*math.Pi*f*t) +
			secondHarmonicAmp*math.Sin(2*math.Pi*(2*f)*t) +
			thirdHarmonicAmp*math.Sin(2*math.Pi*(3*f)*t) +
			subharmonicAmp*math.Sin(2*math.Pi*(f/2)*t) +
			driftAmp*math.Sin(2*math.Pi*driftFreqHz*t)
		if noise.Sigma > 0 {
			out[i] += noise.Rand()
		}
	}
	g.mu.Unlock()
	return out
}

// Advance moves the virtual clock forward by n samples at sampleRate.
func (g *Generator) Advance(n int, sampleRate float64) {
	if n <= 0 || sampleRate <= 0 {
		return
	}
	g.mu.Lock()
	if sampleRate != g.rate {
		g.offset = g.clockLocked()
		g.count = 0
		g.rate = sampleRate
	}
	g.count += int64(n)
	g.mu.Unlock()
}
