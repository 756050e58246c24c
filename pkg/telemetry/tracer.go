package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Span attributes of runs, blocks and iterations.
var (
	AttrRunID     = attribute.Key("run.id")
	AttrRanks     = attribute.Key("run.ranks")
	AttrRank      = attribute.Key("rank")
	AttrBlock     = attribute.Key("block.index")
	AttrWindow    = attribute.Key("block.window")
	AttrTimeStart = attribute.Key("block.time_start")
	AttrSlot      = attribute.Key("step.slot")
	AttrIteration = attribute.Key("step.iteration")
	AttrLevel     = attribute.Key("level")
	AttrResidual  = attribute.Key("residual")
)

// Tracer opens the span tree of a run: one run span on the launcher, a
// block span per block and rank below it, and an iteration span per
// iteration below that.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer and installs it as the global provider. A
// disabled configuration yields spans that are never exported.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion string) (*Tracer, error) {
	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider()
		return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
	}

	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}
	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// newSpanExporter returns nil for the none exporter.
func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithBlock()),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
}

// NewSyncTracer hands every finished span to exporter as soon as it ends.
// The global provider is left alone.
func NewSyncTracer(exporter sdktrace.SpanExporter, serviceName string) *Tracer {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSyncer(exporter),
	)
	return &Tracer{provider: provider, tracer: provider.Tracer(serviceName)}
}

// StartRunSpan opens the root span of a run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID string, ranks int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		AttrRunID.String(runID),
		AttrRanks.Int(ranks),
	))
}

// StartBlockSpan opens the span of one block on one rank.
func (t *Tracer) StartBlockSpan(ctx context.Context, rank, block, window int, timeStart float64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "block.execute", trace.WithAttributes(
		AttrRank.Int(rank),
		AttrBlock.Int(block),
		AttrWindow.Int(window),
		AttrTimeStart.Float64(timeStart),
	))
}

// StartIterationSpan opens the span of one iteration of a step.
func (t *Tracer) StartIterationSpan(ctx context.Context, slot, iteration int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("iteration.%d", iteration), trace.WithAttributes(
		AttrSlot.Int(slot),
		AttrIteration.Int(iteration),
	))
}

// Shutdown flushes pending spans and stops the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ForceFlush exports pending spans now.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// SetAttributes sets attrs on span.
func SetAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
}

// AddRunEvent records a named run event with a message on span.
func AddRunEvent(span trace.Span, name, message string) {
	span.AddEvent(name, trace.WithAttributes(attribute.String("event.message", message)))
}

// AddResidualEvent records the residual a sweep left on level.
func AddResidualEvent(span trace.Span, level int, residual float64) {
	span.AddEvent("residual", trace.WithAttributes(
		AttrLevel.Int(level),
		AttrResidual.Float64(residual),
	))
}
