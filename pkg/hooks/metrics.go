package hooks

import (
	"time"

	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/telemetry"
)

// stageSpans pairs the opening and closing event of every timed phase.
var stageSpans = map[engine.EventKind]struct {
	open  engine.EventKind
	phase string
}{
	engine.EventPostStep:      {engine.EventPreStep, "step"},
	engine.EventPostPredict:   {engine.EventPrePredict, "predict"},
	engine.EventPostIteration: {engine.EventPreIteration, "iteration"},
	engine.EventPostSweep:     {engine.EventPreSweep, "sweep"},
	engine.EventPostComm:      {engine.EventPreComm, "comm"},
}

// Metrics feeds controller events into Prometheus collectors. It also
// implements comm.Observer to count messages per channel.
type Metrics struct {
	metrics *telemetry.Metrics
	opened  map[engine.EventKind]time.Time
}

// NewMetrics returns a bridge into m. A nil m records nothing.
func NewMetrics(m *telemetry.Metrics) *Metrics {
	return &Metrics{
		metrics: m,
		opened:  make(map[engine.EventKind]time.Time),
	}
}

// OnEvent implements engine.Hook.
func (h *Metrics) OnEvent(ev engine.Event) error {
	if h.metrics == nil {
		return nil
	}

	switch ev.Kind {
	case engine.EventPreRun:
		h.metrics.RankStarted()
	case engine.EventPostRun:
		h.metrics.RankStopped()
	case engine.EventPreStep, engine.EventPrePredict, engine.EventPreIteration,
		engine.EventPreSweep, engine.EventPreComm:
		h.opened[ev.Kind] = ev.Timestamp
	}

	if span, ok := stageSpans[ev.Kind]; ok {
		if start, ok := h.opened[span.open]; ok {
			h.metrics.RecordStage(span.phase, ev.Timestamp.Sub(start))
			delete(h.opened, span.open)
		}
	}

	switch ev.Kind {
	case engine.EventPostSweep:
		if l := ev.LevelData(); l != nil {
			h.metrics.RecordSweep(l.Index, l.Residual)
		}
	case engine.EventPostStep:
		st := ev.Status()
		h.metrics.RecordBlockCompleted(ev.Rank, st.Iter, st.TimeSize)
		if ev.Interrupted {
			h.metrics.RecordForcedTermination(ev.Rank)
		}
	}
	return nil
}

// MessageSent implements comm.Observer.
func (h *Metrics) MessageSent(tag int) {
	if h.metrics != nil {
		h.metrics.RecordMessageSent(engine.TagChannel(tag))
	}
}

// MessageReceived implements comm.Observer.
func (h *Metrics) MessageReceived(tag int) {
	if h.metrics != nil {
		h.metrics.RecordMessageReceived(engine.TagChannel(tag))
	}
}
