// Package main implements the pint worker binary. A launcher starts one
// worker per rank; the worker reads its assignment from stdin, joins the
// other ranks over TCP and writes progress and its result to stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openpint/openpint/pkg/telemetry"
	"github.com/openpint/openpint/pkg/worker"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		logLevel       string
		logFormat      string
		metricsAddr    string
		otlpEndpoint   string
		connectTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "pint-worker",
		Short: "Run one rank of a distributed PFASST integration",
		Long: `pint-worker serves exactly one rank assignment over stdin/stdout and
exits. It is started by "pint launch" and not meant to be run by hand.
Logs go to stderr.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := telemetry.DefaultConfig()
			cfg.ServiceName = "pint-worker"
			cfg.ServiceVersion = Version
			cfg.Logging.Level = logLevel
			cfg.Logging.Format = logFormat
			cfg.Logging.Output = "stderr"
			cfg.Logging.EnableCaller = false

			// Stdout carries the worker protocol, spans go to a collector
			// or nowhere.
			cfg.Tracing.Enabled = otlpEndpoint != ""
			cfg.Tracing.Exporter = "otlp"
			cfg.Tracing.Endpoint = otlpEndpoint

			cfg.Metrics.Enabled = metricsAddr != ""
			cfg.Metrics.ListenAddress = metricsAddr

			tel, err := telemetry.NewTelemetry(cfg)
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.Background())
			if err := tel.StartMetricsServer(); err != nil {
				return err
			}

			w := worker.New(worker.Config{
				Version:        Version,
				Logger:         tel.Logger,
				Telemetry:      tel,
				ConnectTimeout: connectTimeout,
			})
			return w.Serve(cmd.Context(), os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn or error")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "log format: json or console")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "export spans to this OTLP collector")
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 30*time.Second, "limit on joining the other ranks")

	return cmd
}
