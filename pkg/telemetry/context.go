package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one
// process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds every component it enables.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{Logger: logger, Tracer: tracer, Metrics: metrics, Events: events, Config: cfg}, nil
}

// NewNopTelemetry returns telemetry that records nothing.
func NewNopTelemetry() *Telemetry {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false

	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)

	return &Telemetry{Logger: NewNopLogger(), Tracer: tracer, Metrics: metrics, Events: events, Config: cfg}
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

func telemetryFromContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains pending events, then pending spans. The metrics server
// keeps serving until the process exits.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer serves /metrics when metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

type runSpanKey struct{}

type runTimerKey struct{}

// WithRunContext opens the run span, tags the logger in ctx with the run
// and records the run start. Without telemetry in ctx it returns ctx.
func WithRunContext(ctx context.Context, runID, transport string, ranks int) context.Context {
	tel := telemetryFromContext(ctx)
	if tel == nil {
		return ctx
	}

	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, ranks)
	ctx = tel.Logger.WithRunID(runID).WithField("transport", transport).WithContext(ctx)

	tel.Metrics.RecordRunStarted(transport)
	_ = tel.Events.PublishRunStarted(runID, ranks)

	ctx = context.WithValue(ctx, runSpanKey{}, span)
	return context.WithValue(ctx, runTimerKey{}, NewTimer())
}

// EndRunContext closes what WithRunContext opened. err is the outcome of
// the run.
func EndRunContext(ctx context.Context, runID string, blocks int, err error) {
	tel := telemetryFromContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var elapsed time.Duration
	if timer, ok := ctx.Value(runTimerKey{}).(*Timer); ok {
		elapsed = timer.Duration()
	}

	if err != nil {
		tel.Metrics.RecordRunCompleted("failed", elapsed)
		_ = tel.Events.PublishRunFailed(runID, err.Error())
		return
	}
	tel.Metrics.RecordRunCompleted("succeeded", elapsed)
	_ = tel.Events.PublishRunCompleted(runID, blocks, elapsed)
}
