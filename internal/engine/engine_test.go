package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoFFT/internal/dsp"
	"github.com/rjboer/GoFFT/internal/synth"
)

func testConfig() Config {
	return Config{
		Settings: Settings{BaseFreq: 10, NoiseLevel: 0, SampleRate: 500, WindowSize: 1000},
		Cadence:  2 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, src Source) *Engine {
	t.Helper()
	if src == nil {
		src = synth.NewSeededGenerator(1, 2)
	}
	e := New(src, nil, testConfig())
	t.Cleanup(func() { e.Stop() })
	return e
}

func waitIterations(t *testing.T, e *Engine, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Status().Iterations >= n }, 2*time.Second, time.Millisecond)
}

func TestIterationFindsHarmonics(t *testing.T) {
	e := newTestEngine(t, nil)
	snap, err := e.iterate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)

	require.Len(t, snap.Peaks, 4)
	want := []float64{5, 10, 20, 30}
	for i, p := range snap.Peaks {
		assert.InDelta(t, want[i], p.Frequency, 0.5, "peak %d", i)
	}
	byFreq := map[float64]float64{}
	for _, p := range snap.Peaks {
		byFreq[p.Frequency] = p.Magnitude
	}
	assert.Greater(t, byFreq[10], byFreq[20])
	assert.Greater(t, byFreq[20], byFreq[30])
	assert.Greater(t, byFreq[30], byFreq[5])

	assert.Len(t, snap.Frequencies, 201)
	assert.Len(t, snap.TimeSeries, defaultTimeSeriesLimit)
	assert.InDelta(t, dsp.TotalPower(snap.Magnitudes), snap.TotalPower, 1e-12)
	assert.Equal(t, uint64(1), snap.Iteration)
	assert.Equal(t, 2.0, snap.VirtualTime)
}

func TestStartStopTransitions(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.False(t, e.Stop(), "stop while stopped")
	assert.True(t, e.Start())
	assert.False(t, e.Start(), "start while running")
	assert.True(t, e.Running())
	waitIterations(t, e, 1)
	assert.True(t, e.Stop())
	assert.False(t, e.Running())
	assert.False(t, e.Stop())
	assert.False(t, e.Summary().Running)
}

func TestRestartContinuesVirtualClock(t *testing.T) {
	e := newTestEngine(t, nil)
	require.True(t, e.Start())
	waitIterations(t, e, 2)
	require.True(t, e.Stop())

	st := e.Status()
	assert.Equal(t, float64(st.Iterations*1000)/500, st.VirtualTime)

	require.True(t, e.Start())
	waitIterations(t, e, st.Iterations+2)
	require.True(t, e.Stop())

	st2 := e.Status()
	assert.Greater(t, st2.VirtualTime, st.VirtualTime)
	assert.Equal(t, float64(st2.Iterations*1000)/500, st2.VirtualTime)
}

func TestReadersSeeConsistentSnapshots(t *testing.T) {
	e := newTestEngine(t, nil)
	require.True(t, e.Start())

	var wg sync.WaitGroup
	var bad atomic.Int32
	deadline := time.Now().Add(100 * time.Millisecond)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(deadline) {
				snap := e.Store().Snapshot()
				if len(snap.Frequencies) != len(snap.Magnitudes) {
					bad.Add(1)
				}
				if math.Abs(dsp.TotalPower(snap.Magnitudes)-snap.TotalPower) > 1e-9 {
					bad.Add(1)
				}
				if snap.MaxAmplitude < dsp.MaxAbs(snap.TimeSeries) {
					bad.Add(1)
				}
				_ = e.Summary()
				_ = e.Raw()
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, bad.Load())
}

func TestUpdateSettingsPartial(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.UpdateSettings(map[string]any{"noise_level": 0.5}))
	s := e.Settings()
	assert.Equal(t, 10.0, s.BaseFreq)
	assert.Equal(t, 0.5, s.NoiseLevel)

	require.NoError(t, e.UpdateSettings(map[string]any{"base_freq": "12.5", "unknown": true}))
	s = e.Settings()
	assert.Equal(t, 12.5, s.BaseFreq)
	assert.Equal(t, 0.5, s.NoiseLevel)
	assert.Equal(t, 500.0, s.SampleRate)
	assert.Equal(t, 1000, s.WindowSize)

	require.NoError(t, e.UpdateSettings(map[string]any{}))
	assert.Equal(t, s, e.Settings())
}

func TestUpdateSettingsRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		patch map[string]any
		field string
	}{
		{"not a number", map[string]any{"base_freq": "abc"}, "base_freq"},
		{"zero frequency", map[string]any{"base_freq": 0}, "base_freq"},
		{"negative noise", map[string]any{"noise_level": -1.0}, "noise_level"},
		{"nan", map[string]any{"noise_level": math.NaN()}, "noise_level"},
		{"wrong type", map[string]any{"base_freq": []int{1}}, "base_freq"},
		{"one bad field", map[string]any{"base_freq": 20.0, "noise_level": "x"}, "noise_level"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, nil)
			before := e.Settings()
			err := e.UpdateSettings(tc.patch)
			require.Error(t, err)
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tc.field, cfgErr.Field)
			assert.ErrorIs(t, err, ErrInvalidValue)
			assert.Equal(t, before, e.Settings(), "nothing applied")
		})
	}
}

func TestSettingsChangeTakesEffect(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.UpdateSettings(map[string]any{"base_freq": 20}))
	snap, err := e.iterate(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, snap.Peaks)

	var strongest dsp.Peak
	for _, p := range snap.Peaks {
		if p.Magnitude > strongest.Magnitude {
			strongest = p
		}
	}
	assert.InDelta(t, 20, strongest.Frequency, 0.5)
}

// faultySource yields good blocks until fail is set.
type faultySource struct {
	*synth.Generator
	fail    atomic.Bool
	panicky bool
}

func (f *faultySource) Generate(p synth.Params) []float64 {
	out := f.Generator.Generate(p)
	if f.fail.Load() {
		if f.panicky {
			panic("source exploded")
		}
		out[3] = math.NaN()
	}
	return out
}

func TestFaultHaltsLoop(t *testing.T) {
	src := &faultySource{Generator: synth.NewSeededGenerator(1, 2)}
	e := newTestEngine(t, src)
	require.True(t, e.Start())
	waitIterations(t, e, 1)
	src.fail.Store(true)

	require.Eventually(t, func() bool { return !e.Running() }, 2*time.Second, time.Millisecond)
	st := e.Status()
	var compErr *ComputationError
	require.True(t, errors.As(st.LastError, &compErr))
	assert.Equal(t, "generate", compErr.Stage)
	assert.ErrorIs(t, st.LastError, dsp.ErrNonFinite)

	published := e.Summary().Iteration
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, published, e.Summary().Iteration, "no publish after a fault")
	assert.False(t, e.Summary().Running)

	src.fail.Store(false)
	require.True(t, e.Start(), "a halted engine can be restarted")
	assert.Nil(t, e.Status().LastError)
	waitIterations(t, e, published+1)
}

func TestPanicBecomesComputationError(t *testing.T) {
	src := &faultySource{Generator: synth.NewSeededGenerator(1, 2), panicky: true}
	src.fail.Store(true)
	e := newTestEngine(t, src)
	require.True(t, e.Start())

	require.Eventually(t, func() bool { return !e.Running() }, 2*time.Second, time.Millisecond)
	var compErr *ComputationError
	require.True(t, errors.As(e.Status().LastError, &compErr))
	assert.Equal(t, "panic", compErr.Stage)
	assert.Zero(t, e.Summary().Iteration)
}

// gatedSource blocks its first Generate call until gate is closed.
type gatedSource struct {
	*synth.Generator
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (g *gatedSource) Generate(p synth.Params) []float64 {
	g.once.Do(func() {
		close(g.entered)
		<-g.gate
	})
	return g.Generator.Generate(p)
}

func TestStaleLoopDoesNotPublish(t *testing.T) {
	src := &gatedSource{
		Generator: synth.NewSeededGenerator(1, 2),
		gate:      make(chan struct{}),
		entered:   make(chan struct{}),
	}
	cfg := testConfig()
	cfg.StopTimeout = 10 * time.Millisecond
	e := New(src, nil, cfg)

	require.True(t, e.Start())
	done := e.done
	<-src.entered
	require.True(t, e.Stop(), "stop returns once the timeout passes")
	assert.False(t, e.Running())

	close(src.gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stale loop did not exit")
	}
	assert.Zero(t, e.Summary().Iteration)
	assert.Zero(t, src.Clock())
	assert.False(t, e.Running())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultSettings().BaseFreq, cfg.Settings.BaseFreq)
	assert.Equal(t, 1000, cfg.Settings.WindowSize)
	assert.Equal(t, defaultCadence, cfg.Cadence)
	assert.Equal(t, defaultStopTimeout, cfg.StopTimeout)
	assert.Equal(t, dsp.DefaultMaxPlotFreq, cfg.MaxPlotFreq)
}

func TestCadencePacesIterations(t *testing.T) {
	cfg := testConfig()
	cfg.Cadence = 50 * time.Millisecond
	e := New(synth.NewSeededGenerator(1, 2), nil, cfg)
	defer e.Stop()

	require.True(t, e.Start())
	time.Sleep(525 * time.Millisecond)
	require.True(t, e.Stop())

	// iterations begin at roughly 0, 50, ..., 500 ms
	n := e.Status().Iterations
	assert.GreaterOrEqual(t, n, uint64(5))
	assert.LessOrEqual(t, n, uint64(13))
}

// slowSource takes delay per block and records when each block was requested.
type slowSource struct {
	*synth.Generator
	delay time.Duration
	mu    sync.Mutex
	calls []time.Time
}

func (s *slowSource) Generate(p synth.Params) []float64 {
	s.mu.Lock()
	s.calls = append(s.calls, time.Now())
	s.mu.Unlock()
	time.Sleep(s.delay)
	return s.Generator.Generate(p)
}

func TestOverrunningIterationsRunBackToBack(t *testing.T) {
	src := &slowSource{Generator: synth.NewSeededGenerator(1, 2), delay: 40 * time.Millisecond}
	cfg := testConfig()
	cfg.Cadence = 20 * time.Millisecond
	e := New(src, nil, cfg)
	defer e.Stop()

	updates, cancel := e.Subscribe()
	defer cancel()
	require.True(t, e.Start())

	var seen []uint64
	for len(seen) < 6 {
		select {
		case sum := <-updates:
			seen = append(seen, sum.Iteration)
		case <-time.After(2 * time.Second):
			t.Fatal("loop stalled")
		}
	}
	require.True(t, e.Stop())

	for i := 1; i < len(seen); i++ {
		assert.Equal(t, seen[i-1]+1, seen[i], "no iteration skipped")
	}
	st := e.Status()
	assert.Equal(t, float64(st.Iterations*1000)/500, st.VirtualTime, "every block advanced the clock")

	src.mu.Lock()
	calls := append([]time.Time(nil), src.calls...)
	src.mu.Unlock()
	require.GreaterOrEqual(t, len(calls), 6)
	gaps := make([]time.Duration, 0, len(calls)-1)
	for i := 1; i < len(calls); i++ {
		gaps = append(gaps, calls[i].Sub(calls[i-1]))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	median := gaps[len(gaps)/2]
	assert.Less(t, median, src.delay+cfg.Cadence/2, "overrunning iterations must not add a cadence sleep")
}

func TestSnapshotStampedAtPublish(t *testing.T) {
	src := &slowSource{Generator: synth.NewSeededGenerator(1, 2), delay: 20 * time.Millisecond}
	e := New(src, nil, testConfig())

	before := time.Now()
	snap, err := e.iterate(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Timestamp.Sub(before), src.delay)
	assert.Equal(t, snap.Timestamp, e.Summary().Timestamp)
}

func TestStatusReportsBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Backend = dsp.BackendGoDSP
	e := New(nil, nil, cfg)
	assert.Equal(t, dsp.BackendGoDSP, e.Status().Backend)
}
