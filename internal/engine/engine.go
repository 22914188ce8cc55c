package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rjboer/GoFFT/internal/dsp"
	"github.com/rjboer/GoFFT/internal/logging"
	"github.com/rjboer/GoFFT/internal/synth"
)

// Config captures engine level configuration.
type Config struct {
	Settings        Settings
	MaxPlotFreq     float64
	Cadence         time.Duration
	StopTimeout     time.Duration
	TimeSeriesLimit int
	Backend         dsp.Backend
	Window          dsp.Window
}

const (
	defaultCadence         = 200 * time.Millisecond
	defaultStopTimeout     = time.Second
	defaultTimeSeriesLimit = 100
)

func (c Config) withDefaults() Config {
	def := DefaultSettings()
	if c.Settings.BaseFreq == 0 {
		c.Settings.BaseFreq = def.BaseFreq
	}
	if c.Settings.SampleRate == 0 {
		c.Settings.SampleRate = def.SampleRate
	}
	if c.Settings.WindowSize == 0 {
		c.Settings.WindowSize = def.WindowSize
	}
	if c.MaxPlotFreq == 0 {
		c.MaxPlotFreq = dsp.DefaultMaxPlotFreq
	}
	if c.Cadence == 0 {
		c.Cadence = defaultCadence
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.TimeSeriesLimit == 0 {
		c.TimeSeriesLimit = defaultTimeSeriesLimit
	}
	return c
}

// Source produces contiguous sample blocks on a virtual clock.
type Source interface {
	Generate(p synth.Params) []float64
	Advance(n int, sampleRate float64)
	Clock() float64
}

// Status describes the engine for health reporting.
type Status struct {
	Running     bool
	Iterations  uint64
	LastError   error
	Settings    Settings
	VirtualTime float64
	Backend     dsp.Backend
}

// Engine runs the periodic analysis loop and owns the snapshot store.
type Engine struct {
	cfg         Config
	settings    *liveSettings
	src         Source
	transformer *dsp.Transformer
	store       *Store
	logger      logging.Logger

	ctrl   sync.Mutex // serializes Start and Stop
	cancel context.CancelFunc
	done   chan struct{}

	runID      atomic.Uint64
	iterations atomic.Uint64
	lastErr    atomic.Pointer[error]
}

// New builds a stopped engine. A nil src uses a wall-clock seeded synth.Generator.
func New(src Source, logger logging.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if src == nil {
		src = synth.NewGenerator()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:         cfg,
		settings:    newLiveSettings(cfg.Settings),
		src:         src,
		transformer: dsp.NewTransformer(cfg.Backend, cfg.Window),
		store:       NewStore(),
		logger:      logger.With(logging.Field{Key: "subsystem", Value: "engine"}),
	}
}

// Store exposes the snapshot store for readers.
func (e *Engine) Store() *Store { return e.store }

// Start transitions Stopped to Running and spawns the loop. It reports whether
// the transition happened.
func (e *Engine) Start() bool {
	e.ctrl.Lock()
	defer e.ctrl.Unlock()
	if e.store.Running() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	id := e.runID.Add(1)
	e.cancel, e.done = cancel, done
	e.lastErr.Store(nil)
	e.store.SetRunning(true)

	s := e.settings.load()
	e.logger.Info("analysis started",
		logging.Field{Key: "run", Value: id},
		logging.Field{Key: "base_freq", Value: siHz(s.BaseFreq)},
		logging.Field{Key: "sample_rate", Value: siHz(s.SampleRate)},
		logging.Field{Key: "window_size", Value: s.WindowSize},
		logging.Field{Key: "backend", Value: e.transformer.Backend().String()},
		logging.Field{Key: "virtual_time", Value: e.src.Clock()},
	)
	go e.run(ctx, id, done)
	return true
}

// Stop transitions Running to Stopped, cancels the loop and waits up to the
// configured stop timeout for it to exit. It reports whether the transition
// happened. When the wait times out Stop still returns true; the old loop can
// no longer publish or change the running flag.
func (e *Engine) Stop() bool {
	e.ctrl.Lock()
	defer e.ctrl.Unlock()
	if !e.store.Running() {
		return false
	}

	e.runID.Add(1)
	e.store.SetRunning(false)
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		timer := time.NewTimer(e.cfg.StopTimeout)
		defer timer.Stop()
		select {
		case <-e.done:
		case <-timer.C:
			e.logger.Warn("analysis loop did not exit before timeout", logging.Field{Key: "timeout_ms", Value: e.cfg.StopTimeout.Milliseconds()})
		}
	}
	e.logger.Info("analysis stopped", logging.Field{Key: "iterations", Value: e.iterations.Load()})
	return true
}

// Close stops the loop if it is running.
func (e *Engine) Close() error {
	e.Stop()
	return nil
}

// Running reports whether the loop is in the Running state.
func (e *Engine) Running() bool { return e.store.Running() }

// Summary returns the latest peak summary.
func (e *Engine) Summary() Summary { return e.store.Summary() }

// Raw returns the latest plotting data.
func (e *Engine) Raw() Raw { return e.store.Raw() }

// Settings returns the current signal settings.
func (e *Engine) Settings() Settings { return e.settings.load() }

// UpdateSettings applies base_freq and noise_level from patch, ignoring other
// keys. Values are coerced to float64 and validated; on error nothing is
// applied and a *ConfigurationError is returned.
func (e *Engine) UpdateSettings(patch map[string]any) error {
	p, err := parsePatch(patch)
	if err != nil {
		e.logger.Warn("settings rejected", logging.Field{Key: "error", Value: err})
		return err
	}
	e.settings.apply(p)
	s := e.settings.load()
	e.logger.Info("settings updated",
		logging.Field{Key: "base_freq", Value: siHz(s.BaseFreq)},
		logging.Field{Key: "noise_level", Value: s.NoiseLevel},
	)
	return nil
}

// Status returns the engine state for health reporting.
func (e *Engine) Status() Status {
	var lastErr error
	if p := e.lastErr.Load(); p != nil {
		lastErr = *p
	}
	return Status{
		Running:     e.store.Running(),
		Iterations:  e.iterations.Load(),
		LastError:   lastErr,
		Settings:    e.settings.load(),
		VirtualTime: e.src.Clock(),
		Backend:     e.transformer.Backend(),
	}
}

func (e *Engine) run(ctx context.Context, id uint64, done chan struct{}) {
	defer close(done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		iterationStart := time.Now()
		snap, err := e.iterate(ctx)
		if err != nil {
			e.halt(id, err)
			return
		}
		if snap == nil {
			return
		}
		elapsed := time.Since(iterationStart)
		e.logger.Debug("iteration complete",
			logging.Field{Key: "iteration", Value: snap.Iteration},
			logging.Field{Key: "peaks", Value: len(snap.Peaks)},
			logging.Field{Key: "elapsed_ms", Value: elapsed.Seconds() * 1000},
		)

		wait := e.cfg.Cadence - elapsed
		if wait <= 0 {
			continue
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// iterate runs one generate/transform/detect cycle and publishes the result,
// stamped at publish time. It returns a nil snapshot without error when ctx
// was cancelled mid-cycle.
func (e *Engine) iterate(ctx context.Context) (snap *Snapshot, err error) {
	iteration := e.iterations.Load() + 1
	defer func() {
		if r := recover(); r != nil {
			snap = nil
			err = &ComputationError{Stage: "panic", Iteration: iteration, Err: fmt.Errorf("%v", r)}
		}
	}()

	s := e.settings.load()
	if s.WindowSize <= 0 || !(s.SampleRate > 0) {
		return nil, &ComputationError{Stage: "settings", Iteration: iteration, Err: fmt.Errorf("window %d at %v Hz: %w", s.WindowSize, s.SampleRate, ErrInvalidValue)}
	}

	samples := e.src.Generate(synth.Params{
		BaseFreq:   s.BaseFreq,
		NoiseLevel: s.NoiseLevel,
		SampleRate: s.SampleRate,
		NumSamples: s.WindowSize,
	})
	if len(samples) == 0 {
		return nil, &ComputationError{Stage: "generate", Iteration: iteration, Err: dsp.ErrEmptyInput}
	}
	if !dsp.AllFinite(samples) {
		return nil, &ComputationError{Stage: "generate", Iteration: iteration, Err: dsp.ErrNonFinite}
	}

	spec, err := e.transformer.Transform(samples, s.SampleRate, e.cfg.MaxPlotFreq)
	if err != nil {
		return nil, &ComputationError{Stage: "transform", Iteration: iteration, Err: err}
	}
	peaks := dsp.DetectPeaks(spec)
	maxAmp := dsp.MaxAbs(samples)
	power := dsp.TotalPower(spec.Magnitudes)
	if !dsp.AllFinite([]float64{maxAmp, power}) {
		return nil, &ComputationError{Stage: "reduce", Iteration: iteration, Err: dsp.ErrNonFinite}
	}

	if ctx.Err() != nil {
		return nil, nil
	}
	e.src.Advance(len(samples), s.SampleRate)

	limit := e.cfg.TimeSeriesLimit
	if limit > len(samples) || limit < 0 {
		limit = len(samples)
	}
	snap = &Snapshot{
		Timestamp:    time.Now(),
		Iteration:    e.iterations.Add(1),
		VirtualTime:  e.src.Clock(),
		Peaks:        peaks,
		Frequencies:  spec.Frequencies,
		Magnitudes:   spec.Magnitudes,
		TimeSeries:   append([]float64(nil), samples[:limit]...),
		MaxAmplitude: maxAmp,
		TotalPower:   power,
		Running:      true,
	}
	e.store.Publish(snap)
	return snap, nil
}

// halt records a loop fault and moves the engine to Stopped unless a newer
// run has taken over.
func (e *Engine) halt(id uint64, err error) {
	e.lastErr.Store(&err)
	var compErr *ComputationError
	stage := "unknown"
	if errors.As(err, &compErr) {
		stage = compErr.Stage
	}
	e.logger.Error("analysis halted",
		logging.Field{Key: "run", Value: id},
		logging.Field{Key: "stage", Value: stage},
		logging.Field{Key: "error", Value: err},
	)
	e.store.setRunningIf(false, func() bool { return e.runID.Load() == id })
}

func siHz(hz float64) string {
	v, prefix := humanize.ComputeSI(hz)
	return humanize.FtoaWithDigits(v, 3) + " " + prefix + "Hz"
}

// Subscribe registers a listener for published summaries.
func (e *Engine) Subscribe() (<-chan Summary, func()) { return e.store.Subscribe() }
