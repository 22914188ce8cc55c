package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// Settings is a point-in-time copy of the signal parameters.
type Settings struct {
	BaseFreq   float64 `json:"base_freq" yaml:"base_freq"`
	NoiseLevel float64 `json:"noise_level" yaml:"noise_level"`
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`
	WindowSize int     `json:"window_size" yaml:"window_size"`
}

// DefaultSettings returns the parameters used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		BaseFreq:   10,
		NoiseLevel: 0.1,
		SampleRate: 500,
		WindowSize: 1000,
	}
}

// liveSettings stores each field as its own atomic. Readers may observe a mix
// of old and new fields; no invariant spans fields.
type liveSettings struct {
	baseFreq   atomic.Uint64
	noiseLevel atomic.Uint64
	sampleRate atomic.Uint64
	windowSize atomic.Int64
}

func newLiveSettings(s Settings) *liveSettings {
	ls := &liveSettings{}
	ls.baseFreq.Store(math.Float64bits(s.BaseFreq))
	ls.noiseLevel.Store(math.Float64bits(s.NoiseLevel))
	ls.sampleRate.Store(math.Float64bits(s.SampleRate))
	ls.windowSize.Store(int64(s.WindowSize))
	return ls
}

func (ls *liveSettings) load() Settings {
	return Settings{
		BaseFreq:   math.Float64frombits(ls.baseFreq.Load()),
		NoiseLevel: math.Float64frombits(ls.noiseLevel.Load()),
		SampleRate: math.Float64frombits(ls.sampleRate.Load()),
		WindowSize: int(ls.windowSize.Load()),
	}
}

const (
	keyBaseFreq   = "base_freq"
	keyNoiseLevel = "noise_level"
)

// settingsPatch holds the fields present in an update request.
type settingsPatch struct {
	baseFreq   *float64
	noiseLevel *float64
}

// parsePatch coerces and validates the recognised keys of raw. Unknown keys
// are ignored. Nothing is applied if any recognised key is bad.
func parsePatch(raw map[string]any) (settingsPatch, error) {
	var p settingsPatch
	if v, ok := raw[keyBaseFreq]; ok {
		f, err := toFloat(v)
		if err != nil {
			return settingsPatch{}, &ConfigurationError{Field: keyBaseFreq, Value: v, Err: err}
		}
		if f <= 0 {
			return settingsPatch{}, &ConfigurationError{Field: keyBaseFreq, Value: v, Err: fmt.Errorf("%w: must be > 0", ErrInvalidValue)}
		}
		p.baseFreq = &f
	}
	if v, ok := raw[keyNoiseLevel]; ok {
		f, err := toFloat(v)
		if err != nil {
			return settingsPatch{}, &ConfigurationError{Field: keyNoiseLevel, Value: v, Err: err}
		}
		if f < 0 {
			return settingsPatch{}, &ConfigurationError{Field: keyNoiseLevel, Value: v, Err: fmt.Errorf("%w: must be >= 0", ErrInvalidValue)}
		}
		p.noiseLevel = &f
	}
	return p, nil
}

func (ls *liveSettings) apply(p settingsPatch) {
	if p.baseFreq != nil {
		ls.baseFreq.Store(math.Float64bits(*p.baseFreq))
	}
	if p.noiseLevel != nil {
		ls.noiseLevel.Store(math.Float64bits(*p.noiseLevel))
	}
}

// toFloat performs numeric coercion of decoded JSON values.
func toFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, n)
		}
		f = parsed
	case bool:
		if n {
			f = 1
		}
	default:
		return 0, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: not finite", ErrInvalidValue)
	}
	return f, nil
}
