package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rjboer/GoFFT/internal/api"
	"github.com/rjboer/GoFFT/internal/client"
	"github.com/rjboer/GoFFT/internal/engine"
	"github.com/rjboer/GoFFT/internal/logging"
	"github.com/rjboer/GoFFT/internal/mdns"
)

func main() {
	if err := newRootCmd(os.LookupEnv).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(lookup func(string) (string, bool)) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "fftserver",
		Short:         "Periodic spectral analysis server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", envString(lookup, "FFT_CONFIG", defaultConfigPath), "YAML config file, created with defaults when missing")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis engine and HTTP gateway (default)",
		Args:  cobra.NoArgs,
	}
	serve.RunE = serveRunE(&configPath, lookup, addServeFlags(serve.Flags()))

	// bare invocation behaves like serve
	root.RunE = serveRunE(&configPath, lookup, addServeFlags(root.Flags()))

	root.AddCommand(serve, newWatchCmd(lookup), newDiscoverCmd())
	return root
}

func serveRunE(configPath *string, lookup func(string) (string, bool), flags *serveFlags) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := buildServeConfig(*configPath, lookup, flags)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, cmd.ErrOrStderr())
	}
}

// buildServeConfig layers the YAML file, FFT_* environment and set flags, and
// writes the merged result back to the file.
func buildServeConfig(path string, lookup func(string) (string, bool), flags *serveFlags) (resolvedConfig, error) {
	fileCfg, err := loadOrCreateConfig(path)
	if err != nil {
		return resolvedConfig{}, fmt.Errorf("load config: %w", err)
	}
	merged := flags.apply(applyEnv(fileCfg, lookup))
	cfg, err := merged.resolve()
	if err != nil {
		return resolvedConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := saveConfig(path, merged); err != nil {
		return resolvedConfig{}, fmt.Errorf("save config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg resolvedConfig, logOut io.Writer) error {
	logger := logging.New(cfg.logLevel, cfg.logFormat, logOut)
	logging.SetDefault(logger)

	eng := engine.New(nil, logger, cfg.engineConfig())
	defer eng.Close()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	if cfg.MDNSEnabled {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := mdns.Advertise(cfg.MDNSInstance, port, []string{"version=" + api.Version, "path=/api"})
		if err != nil {
			logger.Warn("mdns advertisement failed", logging.Field{Key: "error", Value: err})
		} else {
			defer adv.Shutdown()
			logger.Info("advertising over mdns", logging.Field{Key: "instance", Value: cfg.MDNSInstance}, logging.Field{Key: "service", Value: mdns.ServiceType})
		}
	}

	if cfg.Autostart {
		eng.Start()
	}
	logger.Info("fftserver ready",
		logging.Field{Key: "addr", Value: ln.Addr().String()},
		logging.Field{Key: "backend", Value: cfg.backend.String()},
		logging.Field{Key: "window", Value: cfg.window.String()},
		logging.Field{Key: "cadence", Value: cfg.Cadence.String()},
	)
	return api.NewServer(cfg.ListenAddr, eng, logger).Serve(ctx, ln)
}

func newWatchCmd(lookup func(string) (string, bool)) *cobra.Command {
	var (
		addr     string
		interval time.Duration
		count    int
		start    bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll a running server and print detected peaks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			c := client.New(addr, 5*time.Second, 3)
			if start {
				if _, err := c.Start(ctx); err != nil {
					return err
				}
			}
			return watch(ctx, c, cmd.OutOrStdout(), interval, count)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envString(lookup, "FFT_SERVER", "localhost:5000"), "Server address")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval")
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many polls (0 runs until interrupted)")
	cmd.Flags().BoolVar(&start, "start", false, "Start analysis before watching")
	return cmd
}

func watch(ctx context.Context, c *client.Client, out io.Writer, interval time.Duration, count int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 0; count <= 0 || n < count; n++ {
		sum, err := c.Summary(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Fprintln(out, formatSummary(sum))
		if count > 0 && n == count-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

func formatSummary(sum api.DataResponse) string {
	state := "stopped"
	if sum.IsRunning {
		state = "running"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] max=%.3f power=%.3f peaks:", state, sum.MaxVoltage, sum.TotalPower)
	if len(sum.PeakData) == 0 {
		b.WriteString(" none")
	}
	for _, p := range sum.PeakData {
		fmt.Fprintf(&b, " %s(%.3f)", formatHz(p.Frequency), p.Magnitude)
	}
	return b.String()
}

func formatHz(hz float64) string {
	v, prefix := humanize.ComputeSI(hz)
	return humanize.FtoaWithDigits(v, 2) + prefix + "Hz"
}

func newDiscoverCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for analysis servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			hosts, err := mdns.Discover(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(hosts) == 0 {
				fmt.Fprintln(out, "no servers found")
				return nil
			}
			for _, h := range hosts {
				fmt.Fprintf(out, "%s\t%s\t%s\n", h.Instance, h.URL(), strings.Join(h.TXT, ","))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "Browse duration")
	return cmd
}
