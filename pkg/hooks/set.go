package hooks

import (
	"context"

	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/stores"
	"github.com/openpint/openpint/pkg/telemetry"
)

// Options selects the hooks of one rank.
type Options struct {
	RunID  string
	Logger *telemetry.Logger

	// Telemetry feeds the metrics, tracing and event bridges. Nil disables
	// all three.
	Telemetry *telemetry.Telemetry

	// SpanContext parents the block spans, typically the run span.
	SpanContext context.Context

	// Store persists blocks and statistics when set. The run row must exist.
	Store stores.Store

	// PlotDir receives residual plots when set.
	PlotDir string

	ExactError bool
}

// Set is the hook list of one rank.
type Set struct {
	// Stats is always registered first.
	Stats *Stats

	// Metrics is nil without telemetry. It doubles as a comm.Observer.
	Metrics *Metrics

	hooks []engine.Hook
}

// NewSet assembles the hooks selected by o in registration order.
func NewSet(o Options) *Set {
	var statsOpts []StatsOption
	if o.ExactError {
		statsOpts = append(statsOpts, WithExactError())
	}

	s := &Set{Stats: NewStats(statsOpts...)}
	s.hooks = append(s.hooks, s.Stats, NewLogging(o.Logger))

	if t := o.Telemetry; t != nil {
		s.Metrics = NewMetrics(t.Metrics)
		s.hooks = append(s.hooks,
			s.Metrics,
			NewTracing(o.SpanContext, t.Tracer),
			NewEvents(t.Events, o.RunID))
	}
	if o.Store != nil {
		s.hooks = append(s.hooks, NewStore(o.SpanContext, o.Store, o.RunID, s.Stats))
	}
	if o.PlotDir != "" {
		s.hooks = append(s.hooks, NewPlot(o.PlotDir, s.Stats))
	}
	return s
}

// Hooks returns the hooks for engine.WithHooks.
func (s *Set) Hooks() []engine.Hook {
	return append([]engine.Hook(nil), s.hooks...)
}
