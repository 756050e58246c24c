package telemetry

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of a pint process in a private
// registry. Every method is a no-op when metrics are disabled.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	blocksCompleted    *prometheus.CounterVec
	blockIterations    *prometheus.HistogramVec
	forcedTerminations *prometheus.CounterVec
	windowSize         prometheus.Gauge

	sweeps        *prometheus.CounterVec
	residuals     *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec

	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec

	errors      *prometheus.CounterVec
	activeRanks prometheus.Gauge
}

// NewMetrics registers the collectors described by cfg.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	stageBuckets := cfg.StageBuckets
	if len(stageBuckets) == 0 {
		stageBuckets = prometheus.DefBuckets
	}
	residualBuckets := cfg.ResidualBuckets
	if len(residualBuckets) == 0 {
		residualBuckets = prometheus.ExponentialBuckets(1e-14, 100, 8)
	}

	ns := cfg.Namespace
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsStarted:   counter("runs_started_total", "Runs started", "transport"),
		runsCompleted: counter("runs_completed_total", "Runs finished", "status"),
		runDuration:   histogram("run_duration_seconds", "Wall time of a run", stageBuckets, "status"),

		blocksCompleted:    counter("blocks_completed_total", "Blocks finished per rank", "rank"),
		blockIterations:    histogram("block_iterations", "Iterations a step needed to finish its block", prometheus.LinearBuckets(1, 2, 25), "rank"),
		forcedTerminations: counter("forced_terminations_total", "Steps stopped by the iteration estimator", "rank"),
		windowSize:         gauge("window_size", "Active window of the latest block"),

		sweeps:        counter("sweeps_total", "Sweeps per level", "level"),
		residuals:     histogram("residual", "Residual left by a sweep", residualBuckets, "level"),
		stageDuration: histogram("stage_duration_seconds", "Time spent in a controller stage", stageBuckets, "stage"),

		messagesSent:     counter("messages_sent_total", "Point-to-point messages sent", "channel"),
		messagesReceived: counter("messages_received_total", "Point-to-point messages received", "channel"),

		errors:      counter("errors_total", "Failed ranks by error class and code", "class", "code"),
		activeRanks: gauge("active_ranks", "Ranks running a controller"),
	}

	m.registry.MustRegister(
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.blocksCompleted, m.blockIterations, m.forcedTerminations, m.windowSize,
		m.sweeps, m.residuals, m.stageDuration,
		m.messagesSent, m.messagesReceived,
		m.errors, m.activeRanks,
	)
	return m, nil
}

func (m *Metrics) enabled() bool { return m.registry != nil }

// RecordRunStarted counts a run started over transport.
func (m *Metrics) RecordRunStarted(transport string) {
	if m.enabled() {
		m.runsStarted.WithLabelValues(transport).Inc()
	}
}

// RecordRunCompleted counts a finished run and observes its wall time.
func (m *Metrics) RecordRunCompleted(status string, elapsed time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// RecordBlockCompleted records the end of a block on rank.
func (m *Metrics) RecordBlockCompleted(rank, iterations, window int) {
	if !m.enabled() {
		return
	}
	label := strconv.Itoa(rank)
	m.blocksCompleted.WithLabelValues(label).Inc()
	m.blockIterations.WithLabelValues(label).Observe(float64(iterations))
	m.windowSize.Set(float64(window))
}

// RecordForcedTermination counts a step stopped by the iteration estimator.
func (m *Metrics) RecordForcedTermination(rank int) {
	if m.enabled() {
		m.forcedTerminations.WithLabelValues(strconv.Itoa(rank)).Inc()
	}
}

// RecordSweep counts a sweep on level and observes the residual it left.
func (m *Metrics) RecordSweep(level int, residual float64) {
	if !m.enabled() {
		return
	}
	label := strconv.Itoa(level)
	m.sweeps.WithLabelValues(label).Inc()
	m.residuals.WithLabelValues(label).Observe(residual)
}

// RecordStage observes the time spent in one stage.
func (m *Metrics) RecordStage(stage string, elapsed time.Duration) {
	if m.enabled() {
		m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	}
}

// RecordMessageSent counts an outgoing message on channel.
func (m *Metrics) RecordMessageSent(channel string) {
	if m.enabled() {
		m.messagesSent.WithLabelValues(channel).Inc()
	}
}

// RecordMessageReceived counts an incoming message on channel.
func (m *Metrics) RecordMessageReceived(channel string) {
	if m.enabled() {
		m.messagesReceived.WithLabelValues(channel).Inc()
	}
}

// RecordError counts a failed rank. code may be empty.
func (m *Metrics) RecordError(class, code string) {
	if m.enabled() {
		m.errors.WithLabelValues(class, code).Inc()
	}
}

// RankStarted marks one more rank as running.
func (m *Metrics) RankStarted() {
	if m.enabled() {
		m.activeRanks.Inc()
	}
}

// RankStopped marks one rank as finished.
func (m *Metrics) RankStopped() {
	if m.enabled() {
		m.activeRanks.Dec()
	}
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer measures the wall time since its creation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// StartMetricsServer serves the registry on the configured address in the
// background.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Stdout may carry the worker protocol.
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()
	return nil
}
