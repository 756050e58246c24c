package hooks

import (
	"context"
	"fmt"

	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/stores"
)

// Store persists one rank's block summaries as they finish and, at the end
// of the run, the entries of an optional Stats hook registered before it.
type Store struct {
	ctx   context.Context
	store stores.Store
	runID string
	stats *Stats
}

// NewStore returns a persistence hook for runID. The run row must exist.
func NewStore(ctx context.Context, store stores.Store, runID string, stats *Stats) *Store {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Store{ctx: ctx, store: store, runID: runID, stats: stats}
}

// OnEvent implements engine.Hook.
func (h *Store) OnEvent(ev engine.Event) error {
	if h.store == nil || ev.Step == nil {
		return nil
	}

	switch ev.Kind {
	case engine.EventPostStep:
		st := ev.Status()
		fine := ev.Step.Fine()
		block := &stores.Block{
			RunID:       h.runID,
			Rank:        ev.Rank,
			Index:       ev.Block,
			Slot:        st.Slot,
			Window:      st.TimeSize,
			Iterations:  st.Iter,
			Residual:    fine.Residual,
			TimeStart:   fine.Time,
			TimeEnd:     fine.Time + fine.Dt,
			Interrupted: ev.Interrupted,
		}
		if err := h.store.AppendBlock(h.ctx, block); err != nil {
			return fmt.Errorf("store block %d: %w", ev.Block, err)
		}

	case engine.EventPostRun:
		if h.stats == nil {
			return nil
		}
		entries := h.stats.Entries()
		rows := make([]*stores.Stat, len(entries))
		for i, e := range entries {
			rows[i] = &stores.Stat{
				RunID:   h.runID,
				Rank:    ev.Rank,
				Process: e.Process,
				Time:    e.Time,
				Level:   e.Level,
				Iter:    e.Iter,
				Sweep:   e.Sweep,
				Type:    e.Type,
				Value:   e.Value,
			}
		}
		if err := h.store.AppendStats(h.ctx, rows); err != nil {
			return fmt.Errorf("store statistics: %w", err)
		}
	}
	return nil
}

// EntriesFromStore converts stored statistics back into entries, e.g. to
// feed Filter, Sort or PlotResiduals.
func EntriesFromStore(rows []*stores.Stat) []Entry {
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = Entry{
			Process: r.Process,
			Time:    r.Time,
			Level:   r.Level,
			Iter:    r.Iter,
			Sweep:   r.Sweep,
			Type:    r.Type,
			Value:   r.Value,
		}
	}
	return out
}
