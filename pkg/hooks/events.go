package hooks

import (
	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/telemetry"
)

// Events publishes block completions, interrupts and window changes of one
// rank. Publishing failures are ignored so a full event buffer never stops
// a run.
type Events struct {
	publisher *telemetry.EventPublisher
	runID     string
	window    int
}

// NewEvents returns an event bridge for runID.
func NewEvents(publisher *telemetry.EventPublisher, runID string) *Events {
	return &Events{publisher: publisher, runID: runID}
}

// Reset forgets the last seen window size.
func (h *Events) Reset() {
	h.window = 0
}

// OnEvent implements engine.Hook.
func (h *Events) OnEvent(ev engine.Event) error {
	if h.publisher == nil || ev.Step == nil {
		return nil
	}
	st := ev.Status()

	switch ev.Kind {
	case engine.EventPreStep:
		if h.window > st.TimeSize {
			_ = h.publisher.PublishWindowShrunk(h.runID, ev.Rank, ev.Block, h.window, st.TimeSize)
		}
		h.window = st.TimeSize

	case engine.EventPostStep:
		if ev.Interrupted {
			_ = h.publisher.PublishStepInterrupted(h.runID, ev.Rank, ev.Block, st.Iter)
		}
		_ = h.publisher.PublishBlockCompleted(h.runID, ev.Rank, ev.Block, st.Iter, ev.Step.Time()+ev.Step.Dt())
	}
	return nil
}
