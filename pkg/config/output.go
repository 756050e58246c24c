package config

import "github.com/openpint/openpint/pkg/telemetry"

// Telemetry returns the telemetry configuration the output section asks
// for. Logs go to stderr.
func (o OutputConfig) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}

	cfg.Logging.Output = "stderr"
	cfg.Logging.EnableCaller = false
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}

	switch o.Trace {
	case "stdout", "otlp":
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = o.Trace
		cfg.Tracing.Endpoint = o.OTLPEndpoint
	default:
		cfg.Tracing.Enabled = false
	}

	cfg.Metrics.Enabled = o.MetricsAddr != ""
	cfg.Metrics.ListenAddress = o.MetricsAddr
	return cfg
}
