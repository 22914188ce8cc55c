package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/rjboer/GoFFT/internal/dsp"
	"github.com/rjboer/GoFFT/internal/engine"
	"github.com/rjboer/GoFFT/internal/logging"
)

const defaultConfigPath = "fftserver.yaml"

type serverConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	SampleRate       float64       `yaml:"sample_rate"`
	WindowSize       int           `yaml:"window_size"`
	BaseFreq         float64       `yaml:"base_freq"`
	NoiseLevel       float64       `yaml:"noise_level"`
	MaxPlotFreq      float64       `yaml:"max_plot_freq"`
	Cadence          time.Duration `yaml:"cadence"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	TimeSeriesLimit  int           `yaml:"time_series_limit"`
	TransformBackend string        `yaml:"transform_backend"`
	Window           string        `yaml:"window"`
	Autostart        bool          `yaml:"autostart"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	MDNSEnabled      bool          `yaml:"mdns_enabled"`
	MDNSInstance     string        `yaml:"mdns_instance"`
}

func defaultServerConfig() serverConfig {
	s := engine.DefaultSettings()
	return serverConfig{
		ListenAddr:       ":5000",
		SampleRate:       s.SampleRate,
		WindowSize:       s.WindowSize,
		BaseFreq:         s.BaseFreq,
		NoiseLevel:       s.NoiseLevel,
		MaxPlotFreq:      dsp.DefaultMaxPlotFreq,
		Cadence:          200 * time.Millisecond,
		StopTimeout:      time.Second,
		TimeSeriesLimit:  100,
		TransformBackend: "gonum",
		Window:           "rectangular",
		LogLevel:         "info",
		LogFormat:        "text",
		MDNSInstance:     "fftserver",
	}
}

func loadOrCreateConfig(path string) (serverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := defaultServerConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return serverConfig{}, saveErr
			}
			return cfg, nil
		}
		return serverConfig{}, err
	}

	// keys missing from the file keep their defaults
	cfg := defaultServerConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return serverConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(path string, cfg serverConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnv overlays FFT_* environment variables. Unparseable values are
// ignored.
func applyEnv(cfg serverConfig, lookup func(string) (string, bool)) serverConfig {
	cfg.ListenAddr = envString(lookup, "FFT_LISTEN_ADDR", cfg.ListenAddr)
	cfg.SampleRate = envFloat(lookup, "FFT_SAMPLE_RATE", cfg.SampleRate)
	cfg.WindowSize = envInt(lookup, "FFT_WINDOW_SIZE", cfg.WindowSize)
	cfg.BaseFreq = envFloat(lookup, "FFT_BASE_FREQ", cfg.BaseFreq)
	cfg.NoiseLevel = envFloat(lookup, "FFT_NOISE_LEVEL", cfg.NoiseLevel)
	cfg.MaxPlotFreq = envFloat(lookup, "FFT_MAX_PLOT_FREQ", cfg.MaxPlotFreq)
	cfg.Cadence = envDuration(lookup, "FFT_CADENCE", cfg.Cadence)
	cfg.StopTimeout = envDuration(lookup, "FFT_STOP_TIMEOUT", cfg.StopTimeout)
	cfg.TimeSeriesLimit = envInt(lookup, "FFT_TIME_SERIES_LIMIT", cfg.TimeSeriesLimit)
	cfg.TransformBackend = envString(lookup, "FFT_TRANSFORM_BACKEND", cfg.TransformBackend)
	cfg.Window = envString(lookup, "FFT_WINDOW", cfg.Window)
	cfg.Autostart = envBool(lookup, "FFT_AUTOSTART", cfg.Autostart)
	cfg.LogLevel = envString(lookup, "FFT_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString(lookup, "FFT_LOG_FORMAT", cfg.LogFormat)
	cfg.MDNSEnabled = envBool(lookup, "FFT_MDNS_ENABLED", cfg.MDNSEnabled)
	cfg.MDNSInstance = envString(lookup, "FFT_MDNS_INSTANCE", cfg.MDNSInstance)
	return cfg
}

// serveFlags holds command line overrides. Only flags the user set are
// applied on top of the file and environment.
type serveFlags struct {
	fs  *pflag.FlagSet
	cfg serverConfig
}

func addServeFlags(fs *pflag.FlagSet) *serveFlags {
	f := &serveFlags{fs: fs}
	d := defaultServerConfig()
	fs.StringVar(&f.cfg.ListenAddr, "listen", d.ListenAddr, "HTTP listen address")
	fs.Float64Var(&f.cfg.SampleRate, "sample-rate", d.SampleRate, "Sample rate in Hz")
	fs.IntVar(&f.cfg.WindowSize, "window-size", d.WindowSize, "Samples per analysis window")
	fs.Float64Var(&f.cfg.BaseFreq, "base-freq", d.BaseFreq, "Fundamental frequency of the test signal in Hz")
	fs.Float64Var(&f.cfg.NoiseLevel, "noise-level", d.NoiseLevel, "Noise level of the test signal")
	fs.Float64Var(&f.cfg.MaxPlotFreq, "max-plot-freq", d.MaxPlotFreq, "Upper edge of the published band in Hz")
	fs.DurationVar(&f.cfg.Cadence, "cadence", d.Cadence, "Delay between analysis iterations")
	fs.DurationVar(&f.cfg.StopTimeout, "stop-timeout", d.StopTimeout, "Maximum wait for the loop to exit on stop")
	fs.IntVar(&f.cfg.TimeSeriesLimit, "time-series-limit", d.TimeSeriesLimit, "Samples of the time series kept for plotting")
	fs.StringVar(&f.cfg.TransformBackend, "backend", d.TransformBackend, "FFT backend (gonum|godsp)")
	fs.StringVar(&f.cfg.Window, "window", d.Window, "Window function (rectangular|hann|hamming|flattop)")
	fs.BoolVar(&f.cfg.Autostart, "autostart", d.Autostart, "Start analysis at launch")
	fs.StringVar(&f.cfg.LogLevel, "log-level", d.LogLevel, "Log level (debug|info|warn|error)")
	fs.StringVar(&f.cfg.LogFormat, "log-format", d.LogFormat, "Log format (text|json)")
	fs.BoolVar(&f.cfg.MDNSEnabled, "mdns", d.MDNSEnabled, "Advertise the server over mDNS")
	fs.StringVar(&f.cfg.MDNSInstance, "mdns-instance", d.MDNSInstance, "mDNS instance name")
	return f
}

func (f *serveFlags) apply(cfg serverConfig) serverConfig {
	set := func(name string, apply func()) {
		if f.fs.Changed(name) {
			apply()
		}
	}
	set("listen", func() { cfg.ListenAddr = f.cfg.ListenAddr })
	set("sample-rate", func() { cfg.SampleRate = f.cfg.SampleRate })
	set("window-size", func() { cfg.WindowSize = f.cfg.WindowSize })
	set("base-freq", func() { cfg.BaseFreq = f.cfg.BaseFreq })
	set("noise-level", func() { cfg.NoiseLevel = f.cfg.NoiseLevel })
	set("max-plot-freq", func() { cfg.MaxPlotFreq = f.cfg.MaxPlotFreq })
	set("cadence", func() { cfg.Cadence = f.cfg.Cadence })
	set("stop-timeout", func() { cfg.StopTimeout = f.cfg.StopTimeout })
	set("time-series-limit", func() { cfg.TimeSeriesLimit = f.cfg.TimeSeriesLimit })
	set("backend", func() { cfg.TransformBackend = f.cfg.TransformBackend })
	set("window", func() { cfg.Window = f.cfg.Window })
	set("autostart", func() { cfg.Autostart = f.cfg.Autostart })
	set("log-level", func() { cfg.LogLevel = f.cfg.LogLevel })
	set("log-format", func() { cfg.LogFormat = f.cfg.LogFormat })
	set("mdns", func() { cfg.MDNSEnabled = f.cfg.MDNSEnabled })
	set("mdns-instance", func() { cfg.MDNSInstance = f.cfg.MDNSInstance })
	return cfg
}

// resolvedConfig is a validated serverConfig with parsed enums.
type resolvedConfig struct {
	serverConfig
	backend   dsp.Backend
	window    dsp.Window
	logLevel  logging.Level
	logFormat logging.Format
}

func (c serverConfig) resolve() (resolvedConfig, error) {
	r := resolvedConfig{serverConfig: c}
	var err error
	if !(c.SampleRate > 0) {
		return r, fmt.Errorf("sample_rate must be > 0, got %v", c.SampleRate)
	}
	if c.WindowSize < 2 {
		return r, fmt.Errorf("window_size must be >= 2, got %d", c.WindowSize)
	}
	if !(c.BaseFreq > 0) {
		return r, fmt.Errorf("base_freq must be > 0, got %v", c.BaseFreq)
	}
	if c.NoiseLevel < 0 {
		return r, fmt.Errorf("noise_level must be >= 0, got %v", c.NoiseLevel)
	}
	if !(c.MaxPlotFreq > 0) {
		return r, fmt.Errorf("max_plot_freq must be > 0, got %v", c.MaxPlotFreq)
	}
	if c.Cadence <= 0 || c.StopTimeout <= 0 {
		return r, fmt.Errorf("cadence and stop_timeout must be positive")
	}
	if c.TimeSeriesLimit < 1 {
		return r, fmt.Errorf("time_series_limit must be >= 1, got %d", c.TimeSeriesLimit)
	}
	if r.backend, err = dsp.ParseBackend(c.TransformBackend); err != nil {
		return r, err
	}
	if r.window, err = dsp.ParseWindow(c.Window); err != nil {
		return r, err
	}
	if r.logLevel, err = logging.ParseLevel(c.LogLevel); err != nil {
		return r, err
	}
	if r.logFormat, err = logging.ParseFormat(c.LogFormat); err != nil {
		return r, err
	}
	return r, nil
}

func (r resolvedConfig) engineConfig() engine.Config {
	return engine.Config{
		Settings: engine.Settings{
			BaseFreq:   r.BaseFreq,
			NoiseLevel: r.NoiseLevel,
			SampleRate: r.SampleRate,
			WindowSize: r.WindowSize,
		},
		MaxPlotFreq:     r.MaxPlotFreq,
		Cadence:         r.Cadence,
		StopTimeout:     r.StopTimeout,
		TimeSeriesLimit: r.TimeSeriesLimit,
		Backend:         r.backend,
		Window:          r.window,
	}
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
