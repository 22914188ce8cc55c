package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoFFT/internal/api"
	"github.com/rjboer/GoFFT/internal/client"
	"github.com/rjboer/GoFFT/internal/dsp"
	"github.com/rjboer/GoFFT/internal/engine"
	"github.com/rjboer/GoFFT/internal/logging"
	"github.com/rjboer/GoFFT/internal/synth"
)

func noEnv(string) (string, bool) { return "", false }

func mapEnv(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestDefaultsResolve(t *testing.T) {
	cfg, err := applyEnv(defaultServerConfig(), noEnv).resolve()
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.ListenAddr)
	assert.Equal(t, 500.0, cfg.SampleRate)
	assert.Equal(t, 1000, cfg.WindowSize)
	assert.Equal(t, dsp.BackendGonum, cfg.backend)
	assert.Equal(t, dsp.Rectangular, cfg.window)
	assert.Equal(t, logging.Info, cfg.logLevel)

	ec := cfg.engineConfig()
	assert.Equal(t, engine.DefaultSettings(), ec.Settings)
	assert.Equal(t, 200*time.Millisecond, ec.Cadence)
	assert.Equal(t, 100, ec.TimeSeriesLimit)
}

func TestEnvOverrides(t *testing.T) {
	env := mapEnv(map[string]string{
		"FFT_SAMPLE_RATE":       "1000",
		"FFT_WINDOW_SIZE":       "2048",
		"FFT_BASE_FREQ":         "12.5",
		"FFT_CADENCE":           "50ms",
		"FFT_TRANSFORM_BACKEND": "godsp",
		"FFT_AUTOSTART":         "true",
		"FFT_NOISE_LEVEL":       "loud",
	})
	cfg := applyEnv(defaultServerConfig(), env)
	assert.Equal(t, 1000.0, cfg.SampleRate)
	assert.Equal(t, 2048, cfg.WindowSize)
	assert.Equal(t, 12.5, cfg.BaseFreq)
	assert.Equal(t, 50*time.Millisecond, cfg.Cadence)
	assert.Equal(t, "godsp", cfg.TransformBackend)
	assert.True(t, cfg.Autostart)
	assert.Equal(t, 0.1, cfg.NoiseLevel, "unparseable values are ignored")
}

func TestFlagsOverrideEnvOnlyWhenSet(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := addServeFlags(fs)
	require.NoError(t, fs.Parse([]string{"--base-freq", "20", "--window", "hann"}))

	env := mapEnv(map[string]string{"FFT_BASE_FREQ": "15", "FFT_SAMPLE_RATE": "800"})
	cfg := flags.apply(applyEnv(defaultServerConfig(), env))
	assert.Equal(t, 20.0, cfg.BaseFreq, "flag beats env")
	assert.Equal(t, 800.0, cfg.SampleRate, "unset flag keeps env")
	assert.Equal(t, "hann", cfg.Window)
}

func TestResolveRejectsBadValues(t *testing.T) {
	cases := map[string]func(*serverConfig){
		"sample rate": func(c *serverConfig) { c.SampleRate = 0 },
		"window size": func(c *serverConfig) { c.WindowSize = 1 },
		"base freq":   func(c *serverConfig) { c.BaseFreq = -1 },
		"noise":       func(c *serverConfig) { c.NoiseLevel = -0.1 },
		"cadence":     func(c *serverConfig) { c.Cadence = 0 },
		"backend":     func(c *serverConfig) { c.TransformBackend = "fftw" },
		"window":      func(c *serverConfig) { c.Window = "kaiser" },
		"log level":   func(c *serverConfig) { c.LogLevel = "loud" },
		"log format":  func(c *serverConfig) { c.LogFormat = "xml" },
		"series zero": func(c *serverConfig) { c.TimeSeriesLimit = 0 },
		"series neg":  func(c *serverConfig) { c.TimeSeriesLimit = -5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultServerConfig()
			mutate(&cfg)
			_, err := cfg.resolve()
			assert.Error(t, err)
		})
	}
}

func TestLoadOrCreateConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fftserver.yaml")
	cfg, err := loadOrCreateConfig(path)
	require.NoError(t, err)
	assert.Equal(t, defaultServerConfig(), cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "cadence: 200ms")

	require.NoError(t, os.WriteFile(path, []byte("base_freq: 25\ncadence: 1s\n"), 0o644))
	cfg, err = loadOrCreateConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 25.0, cfg.BaseFreq)
	assert.Equal(t, time.Second, cfg.Cadence)
	assert.Equal(t, 500.0, cfg.SampleRate, "missing keys keep defaults")

	require.NoError(t, os.WriteFile(path, []byte("base_freq: [\n"), 0o644))
	_, err = loadOrCreateConfig(path)
	assert.Error(t, err)
}

func TestBuildServeConfigPersistsOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fftserver.yaml")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := addServeFlags(fs)
	require.NoError(t, fs.Parse([]string{"--noise-level", "0.3"}))

	cfg, err := buildServeConfig(path, noEnv, flags)
	require.NoError(t, err)
	assert.Equal(t, 0.3, cfg.NoiseLevel)

	saved, err := loadOrCreateConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.3, saved.NoiseLevel)
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fftserver.yaml")
	cmd := newRootCmd(noEnv)
	cmd.SetArgs([]string{"serve", "--config", path, "--backend", "fftw"})
	cmd.SetOut(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fftw")
}

func TestRunServeStopsOnCancelledContext(t *testing.T) {
	cfg := defaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Autostart = true
	resolved, err := cfg.resolve()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var logs bytes.Buffer
	require.NoError(t, runServe(ctx, resolved, &logs))
	assert.Contains(t, logs.String(), "fftserver ready")
}

func TestFormatSummary(t *testing.T) {
	line := formatSummary(api.DataResponse{
		IsRunning:  true,
		MaxVoltage: 1.5,
		TotalPower: 1.38,
		PeakData:   []dsp.Peak{{Frequency: 10, Magnitude: 1}, {Frequency: 1500, Magnitude: 0.25}},
	})
	assert.Equal(t, "[running] max=1.500 power=1.380 peaks: 10Hz(1.000) 1.5kHz(0.250)", line)
	assert.Contains(t, formatSummary(api.DataResponse{}), "[stopped]")
	assert.Contains(t, formatSummary(api.DataResponse{}), "none")
}

func TestWatchPrintsCount(t *testing.T) {
	e := engine.New(synth.NewSeededGenerator(1, 2), nil, engine.Config{Cadence: 2 * time.Millisecond})
	defer e.Stop()
	ts := httptest.NewServer(api.NewServer("", e, nil).Handler())
	defer ts.Close()

	var out bytes.Buffer
	c := client.New(ts.URL, time.Second, 0)
	require.NoError(t, watch(context.Background(), c, &out, time.Millisecond, 3))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "[stopped]"))
}
