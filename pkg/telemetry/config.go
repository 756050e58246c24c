package telemetry

import (
	"fmt"
	"time"
)

// Config selects the telemetry of one pint process, either the CLI or a
// worker serving a single rank.
type Config struct {
	ServiceName    string
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error or fatal.
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path. Workers must not log to
	// stdout since it carries their protocol.
	Output string

	// EnableCaller adds file:line to every line.
	EnableCaller bool

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP collector, e.g. "localhost:4317".
	Endpoint string

	// Insecure disables TLS towards the collector.
	Insecure bool

	Headers map[string]string

	// SamplingRate is the fraction of runs traced. Iteration spans inherit
	// the decision of their run.
	SamplingRate float64

	MaxExportBatchSize int
	ExportTimeout      time.Duration
}

// MetricsConfig configures the Prometheus collectors and their endpoint.
type MetricsConfig struct {
	Enabled bool

	ListenAddress string
	Path          string
	Namespace     string

	// StageBuckets are the histogram buckets of stage and run durations in
	// seconds.
	StageBuckets []float64

	// ResidualBuckets are the histogram buckets of residuals after a sweep.
	ResidualBuckets []float64
}

// EventsConfig configures the run event publisher.
type EventsConfig struct {
	Enabled bool

	// EnableAsync delivers events from a background goroutine in batches.
	// Synchronous delivery runs subscribers on the publishing rank.
	EnableAsync   bool
	BufferSize    int
	MaxBatchSize  int
	FlushInterval time.Duration
}

// DefaultConfig returns the configuration of an interactive pint process:
// console logs on stdout, no tracing, metrics on :9090.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "openpint",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			Output:       "stdout",
			EnableCaller: true,
			TimeFormat:   "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "stdout",
			Insecure:           true,
			Headers:            map[string]string{},
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "pint",
			StageBuckets: []float64{
				1e-5, 1e-4, 1e-3, 0.01, 0.1, 0.5, 1, 5, 30,
			},
			ResidualBuckets: []float64{
				1e-14, 1e-12, 1e-10, 1e-8, 1e-6, 1e-4, 1e-2, 1,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			EnableAsync:   true,
			BufferSize:    1000,
			MaxBatchSize:  100,
			FlushInterval: 5 * time.Second,
		},
	}
}

var (
	logLevels     = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	logFormats    = map[string]bool{"console": true, "json": true}
	spanExporters = map[string]bool{"otlp": true, "stdout": true, "none": true}
)

// Validate checks the configuration before any component is built.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("service version is required")
	case !logLevels[c.Logging.Level]:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	case !logFormats[c.Logging.Format]:
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		if !spanExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			return fmt.Errorf("the otlp exporter needs an endpoint")
		}
		if c.Tracing.Exporter == "stdout" && c.Logging.Output == "stdout" {
			return fmt.Errorf("spans and logs cannot both go to stdout")
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	if c.Events.Enabled && c.Events.EnableAsync && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}
