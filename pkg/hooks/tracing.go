package hooks

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/telemetry"
)

// Tracing opens a span per block and a child span per iteration on one
// rank. Residuals are attached as span events.
type Tracing struct {
	tracer *telemetry.Tracer
	parent context.Context

	blockCtx  context.Context
	blockSpan trace.Span
	iterSpan  trace.Span
}

// NewTracing returns a tracing hook whose block spans are children of the
// span in ctx, typically the run span.
func NewTracing(ctx context.Context, tracer *telemetry.Tracer) *Tracing {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Tracing{tracer: tracer, parent: ctx}
}

// OnEvent implements engine.Hook.
func (h *Tracing) OnEvent(ev engine.Event) error {
	if h.tracer == nil || ev.Step == nil {
		return nil
	}
	st := ev.Status()

	switch ev.Kind {
	case engine.EventPreStep:
		h.endBlock()
		h.blockCtx, h.blockSpan = h.tracer.StartBlockSpan(h.parent, ev.Rank, ev.Block, st.TimeSize, ev.Step.Time())

	case engine.EventPreIteration:
		if h.blockSpan == nil {
			return nil
		}
		h.endIteration()
		_, h.iterSpan = h.tracer.StartIterationSpan(h.blockCtx, st.Slot, st.Iter)

	case engine.EventPostSweep:
		if l := ev.LevelData(); l != nil && h.current() != nil {
			telemetry.AddResidualEvent(h.current(), l.Index, l.Residual)
		}

	case engine.EventPostIteration:
		if ev.Interrupted && h.current() != nil {
			telemetry.AddRunEvent(h.current(), "interrupted", "stopped by the iteration estimator")
		}
		h.endIteration()

	case engine.EventPostStep:
		if h.blockSpan != nil {
			telemetry.SetAttributes(h.blockSpan, telemetry.AttrIteration.Int(st.Iter))
		}
		h.endBlock()

	case engine.EventPostRun:
		h.endBlock()
	}
	return nil
}

func (h *Tracing) current() trace.Span {
	if h.iterSpan != nil {
		return h.iterSpan
	}
	return h.blockSpan
}

func (h *Tracing) endIteration() {
	if h.iterSpan == nil {
		return
	}
	telemetry.RecordSuccess(h.iterSpan)
	h.iterSpan.End()
	h.iterSpan = nil
}

func (h *Tracing) endBlock() {
	h.endIteration()
	if h.blockSpan == nil {
		return
	}
	telemetry.RecordSuccess(h.blockSpan)
	h.blockSpan.End()
	h.blockSpan = nil
	h.blockCtx = nil
}
