package hooks

import (
	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/telemetry"
)

// Logging writes one line per sweep at debug level and one line per
// finished step at info level.
type Logging struct {
	logger *telemetry.Logger
}

// NewLogging returns a logging hook. A nil logger discards everything.
func NewLogging(logger *telemetry.Logger) *Logging {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Logging{logger: logger.NewComponentLogger("hooks")}
}

// OnEvent implements engine.Hook.
func (h *Logging) OnEvent(ev engine.Event) error {
	if ev.Step == nil {
		return nil
	}
	st := ev.Status()

	switch ev.Kind {
	case engine.EventPostSweep:
		l := ev.LevelData()
		if l == nil {
			return nil
		}
		h.logger.WithRank(ev.Rank).Debugf(
			"Process %2d on time %8.6f at stage %15s: Level: %d -- Iteration: %2d -- Sweep: %2d -- residual: %12.8e",
			st.Slot, l.Time, st.Stage, l.Index, st.Iter, l.Sweep, l.Residual)

	case engine.EventPostStep:
		fine := ev.Step.Fine()
		log := h.logger.WithRank(ev.Rank).WithSlot(st.Slot, ev.Block)
		if ev.Interrupted {
			log.Infof("Process %2d on time %8.6f interrupted after %2d iterations -- residual: %12.8e",
				st.Slot, fine.Time, st.Iter, fine.Residual)
			return nil
		}
		log.Infof("Process %2d on time %8.6f done after %2d iterations -- residual: %12.8e",
			st.Slot, fine.Time, st.Iter, fine.Residual)
	}
	return nil
}
