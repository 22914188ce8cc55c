package dsp

import (
	"math"
	"sort"
)

// PeakOptions holds the acceptance criteria for FindPeaks. Zero values
// disable the corresponding filter.
type PeakOptions struct {
	Height     float64 // minimum peak value
	Distance   int     // minimum index separation between peaks
	Prominence float64 // minimum prominence
	Width      float64 // minimum width in samples at half prominence
}

var (
	// StrictPeaks is the first detection pass.
	StrictPeaks = PeakOptions{Height: 0.1, Distance: 5, Prominence: 0.05, Width: 1}
	// LenientPeaks is used only when the strict pass finds nothing.
	LenientPeaks = PeakOptions{Height: 0.03, Distance: 3, Prominence: 0.02, Width: 1}
)

// widthTolerance absorbs interpolation error on single-bin peaks: an exactly
// on-bin tone measures one bin wide give or take leakage asymmetry.
const widthTolerance = 0.05

// RefineRadius is the half-width, in bins, of the window searched for the true
// maximum around each candidate.
const RefineRadius = 8

// Peak is a refined spectral peak.
type Peak struct {
	Frequency float64 `json:"frequency"`
	Magnitude float64 `json:"magnitude"`
	Bin       int     `json:"-"`
}

// DetectPeaks runs the strict pass, falls back to the lenient pass when the
// strict one is empty, and snaps every candidate to the maximum of its
// refinement window. Candidates that snap to the same bin are merged.
func DetectPeaks(spec Spectrum) []Peak {
	mag := spec.Magnitudes
	if len(mag) == 0 || len(spec.Frequencies) != len(mag) {
		return []Peak{}
	}

	candidates := FindPeaks(mag, StrictPeaks)
	if len(candidates) == 0 {
		candidates = FindPeaks(mag, LenientPeaks)
	}

	peaks := make([]Peak, 0, len(candidates))
	seen := make(map[int]struct{}, len(candidates))
	for _, c := range candidates {
		bin := RefineBin(mag, c, RefineRadius)
		if _, dup := seen[bin]; dup {
			continue
		}
		seen[bin] = struct{}{}
		peaks = append(peaks, Peak{Frequency: spec.Frequencies[bin], Magnitude: mag[bin], Bin: bin})
	}
	sort.SliceStable(peaks, func(i, j int) bool { return peaks[i].Bin < peaks[j].Bin })
	return peaks
}

// RefineBin returns the index of the maximum of x within [idx-radius, idx+radius],
// clamped to the slice. The first maximum wins on ties.
func RefineBin(x []float64, idx, radius int) int {
	lo := idx - radius
	if lo < 0 {
		lo = 0
	}
	hi := idx + radius
	if hi > len(x)-1 {
		hi = len(x) - 1
	}
	best := lo
	for i := lo + 1; i <= hi; i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// FindPeaks returns the indices of local maxima of x that satisfy opts, in
// ascending order. Filters apply in the order height, distance, prominence,
// width. Flat tops report their middle sample (rounded down); the first and
// last samples are never peaks.
func FindPeaks(x []float64, opts PeakOptions) []int {
	peaks := localMaxima(x)
	if len(peaks) == 0 {
		return []int{}
	}

	if opts.Height > 0 {
		peaks = filterPeaks(peaks, func(p int) bool { return x[p] >= opts.Height })
	}
	if opts.Distance > 1 {
		peaks = selectByDistance(x, peaks, opts.Distance)
	}
	if opts.Prominence <= 0 && opts.Width <= 0 {
		return peaks
	}

	proms := make([]prominence, len(peaks))
	for i, p := range peaks {
		proms[i] = peakProminence(x, p)
	}
	if opts.Prominence > 0 {
		keptPeaks := peaks[:0:0]
		keptProms := proms[:0:0]
		for i, p := range peaks {
			if proms[i].value >= opts.Prominence {
				keptPeaks = append(keptPeaks, p)
				keptProms = append(keptProms, proms[i])
			}
		}
		peaks, proms = keptPeaks, keptProms
	}
	if opts.Width > 0 {
		kept := peaks[:0:0]
		for i, p := range peaks {
			if peakWidth(x, p, proms[i], 0.5) >= opts.Width-widthTolerance {
				kept = append(kept, p)
			}
		}
		peaks = kept
	}
	return peaks
}

func localMaxima(x []float64) []int {
	peaks := []int{}
	iMax := len(x) - 1
	for i := 1; i < iMax; i++ {
		if x[i-1] >= x[i] {
			continue
		}
		ahead := i + 1
		for ahead < iMax && x[ahead] == x[i] {
			ahead++
		}
		if x[ahead] < x[i] {
			peaks = append(peaks, (i+ahead-1)/2)
			i = ahead
		}
	}
	return peaks
}

func filterPeaks(peaks []int, keep func(int) bool) []int {
	out := peaks[:0:0]
	for _, p := range peaks {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}

// selectByDistance drops peaks closer than distance to a higher peak. Higher
// peaks are visited first; among equal heights the later one wins.
func selectByDistance(x []float64, peaks []int, distance int) []int {
	n := len(peaks)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return x[peaks[order[a]]] < x[peaks[order[b]]] })

	keep := make([]bool, n)
	for i := range keep {
		keep[i] = true
	}
	for i := n - 1; i >= 0; i-- {
		j := order[i]
		if !keep[j] {
			continue
		}
		for k := j - 1; k >= 0 && peaks[j]-peaks[k] < distance; k-- {
			keep[k] = false
		}
		for k := j + 1; k < n && peaks[k]-peaks[j] < distance; k++ {
			keep[k] = false
		}
	}
	out := make([]int, 0, n)
	for i, p := range peaks {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

type prominence struct {
	value     float64
	leftBase  int
	rightBase int
}

// peakProminence measures how far x[p] stands above the higher of the two
// lowest points reached before meeting a higher sample or the boundary.
func peakProminence(x []float64, p int) prominence {
	leftMin, leftBase := x[p], p
	for i := p; i >= 0 && x[i] <= x[p]; i-- {
		if x[i] < leftMin {
			leftMin, leftBase = x[i], i
		}
	}
	rightMin, rightBase := x[p], p
	for i := p; i < len(x) && x[i] <= x[p]; i++ {
		if x[i] < rightMin {
			rightMin, rightBase = x[i], i
		}
	}
	return prominence{
		value:     x[p] - math.Max(leftMin, rightMin),
		leftBase:  leftBase,
		rightBase: rightBase,
	}
}

// peakWidth returns the interpolated width of the peak at relHeight of its
// prominence below the top.
func peakWidth(x []float64, p int, prom prominence, relHeight float64) float64 {
	height := x[p] - prom.value*relHeight

	i := p
	for prom.leftBase < i && height < x[i] {
		i--
	}
	left := float64(i)
	if x[i] < height {
		left += (height - x[i]) / (x[i+1] - x[i])
	}

	i = p
	for i < prom.rightBase && height < x[i] {
		i++
	}
	right := float64(i)
	if x[i] < height {
		right -= (height - x[i]) / (x[i-1] - x[i])
	}
	return right - left
}
