package hooks

import (
	"sort"
	"sync"
	"time"

	"github.com/openpint/openpint/pkg/engine"
)

// Statistic types recorded by Stats.
const (
	TypeResidualPostSweep     = "residual_post_sweep"
	TypeResidualPostIteration = "residual_post_iteration"
	TypeResidualPostStep      = "residual_post_step"
	TypeNiter                 = "niter"
	TypeTimingStep            = "timing_step"
	TypeTimingRun             = "timing_run"
	TypeErrorPostStep         = "error_post_step"
	TypeInterrupted           = "interrupted"
)

// Entry is one recorded value. Level, Iter and Sweep are -1 when the value
// does not refer to one.
type Entry struct {
	Process int     `json:"process"`
	Time    float64 `json:"time"`
	Level   int     `json:"level"`
	Iter    int     `json:"iter"`
	Sweep   int     `json:"sweep"`
	Type    string  `json:"type"`
	Value   float64 `json:"value"`
}

// Stats collects residuals, iteration counts, timings and errors of one
// rank. Process is the step's slot in its window.
type Stats struct {
	mu        sync.Mutex
	entries   []Entry
	exact     bool
	runStart  time.Time
	stepStart time.Time
}

// StatsOption configures a Stats hook.
type StatsOption func(*Stats)

// WithExactError records the distance to the exact solution after each
// step. Problems without an exact solution are skipped.
func WithExactError() StatsOption {
	return func(s *Stats) {
		s.exact = true
	}
}

// NewStats returns an empty collector.
func NewStats(opts ...StatsOption) *Stats {
	s := &Stats{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reset drops every entry.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// Entries returns a copy of the recorded entries in recording order.
func (s *Stats) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// OnEvent implements engine.Hook.
func (s *Stats) OnEvent(ev engine.Event) error {
	if ev.Step == nil {
		return nil
	}
	st := ev.Status()
	fine := ev.Step.Fine()

	switch ev.Kind {
	case engine.EventPreRun:
		s.runStart = ev.Timestamp

	case engine.EventPreStep:
		s.stepStart = ev.Timestamp

	case engine.EventPostSweep:
		l := ev.LevelData()
		if l == nil {
			return nil
		}
		s.add(Entry{Process: st.Slot, Time: l.Time, Level: l.Index, Iter: st.Iter, Sweep: l.Sweep,
			Type: TypeResidualPostSweep, Value: l.Residual})

	case engine.EventPostIteration:
		s.add(Entry{Process: st.Slot, Time: fine.Time, Level: -1, Iter: st.Iter, Sweep: -1,
			Type: TypeResidualPostIteration, Value: fine.Residual})

	case engine.EventPostStep:
		s.add(Entry{Process: st.Slot, Time: fine.Time, Level: -1, Iter: st.Iter, Sweep: fine.Sweep,
			Type: TypeNiter, Value: float64(st.Iter)})
		s.add(Entry{Process: st.Slot, Time: fine.Time, Level: -1, Iter: st.Iter, Sweep: fine.Sweep,
			Type: TypeResidualPostStep, Value: fine.Residual})
		if !s.stepStart.IsZero() {
			s.add(Entry{Process: st.Slot, Time: fine.Time, Level: -1, Iter: st.Iter, Sweep: fine.Sweep,
				Type: TypeTimingStep, Value: ev.Timestamp.Sub(s.stepStart).Seconds()})
		}
		if ev.Interrupted {
			s.add(Entry{Process: st.Slot, Time: fine.Time, Level: -1, Iter: st.Iter, Sweep: -1,
				Type: TypeInterrupted, Value: 1})
		}
		if s.exact && fine.UEnd != nil {
			uex, err := fine.Problem.Exact(fine.Time + fine.Dt)
			if err == nil {
				s.add(Entry{Process: st.Slot, Time: fine.Time + fine.Dt, Level: -1, Iter: st.Iter, Sweep: -1,
					Type: TypeErrorPostStep, Value: engine.Distance(uex, fine.UEnd)})
			}
		}

	case engine.EventPostRun:
		if !s.runStart.IsZero() {
			s.add(Entry{Process: st.Slot, Time: fine.Time, Level: -1, Iter: -1, Sweep: -1,
				Type: TypeTimingRun, Value: ev.Timestamp.Sub(s.runStart).Seconds()})
		}
	}
	return nil
}

func (s *Stats) add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

// Predicate selects entries in Filter.
type Predicate func(Entry) bool

// ByType matches one statistic type.
func ByType(typ string) Predicate {
	return func(e Entry) bool { return e.Type == typ }
}

// ByProcess matches one process.
func ByProcess(process int) Predicate {
	return func(e Entry) bool { return e.Process == process }
}

// ByLevel matches one level.
func ByLevel(level int) Predicate {
	return func(e Entry) bool { return e.Level == level }
}

// ByIter matches one iteration.
func ByIter(iter int) Predicate {
	return func(e Entry) bool { return e.Iter == iter }
}

// ByTime matches one step start time.
func ByTime(t float64) Predicate {
	return func(e Entry) bool { return e.Time == t }
}

// Filter returns the entries matching every predicate.
func Filter(entries []Entry, preds ...Predicate) []Entry {
	var out []Entry
next:
	for _, e := range entries {
		for _, p := range preds {
			if !p(e) {
				continue next
			}
		}
		out = append(out, e)
	}
	return out
}

// SortKey names the field Sort orders by.
type SortKey string

const (
	SortByTime    SortKey = "time"
	SortByProcess SortKey = "process"
	SortByLevel   SortKey = "level"
	SortByIter    SortKey = "iter"
	SortBySweep   SortKey = "sweep"
)

// Point is a (key, value) pair produced by Sort.
type Point struct {
	Key   float64 `json:"key"`
	Value float64 `json:"value"`
}

// Sort returns (key, value) pairs ordered by key. Entries with equal keys
// keep their recording order.
func Sort(entries []Entry, by SortKey) []Point {
	out := make([]Point, len(entries))
	for i, e := range entries {
		out[i] = Point{Key: sortKey(e, by), Value: e.Value}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out
}

func sortKey(e Entry, by SortKey) float64 {
	switch by {
	case SortByProcess:
		return float64(e.Process)
	case SortByLevel:
		return float64(e.Level)
	case SortByIter:
		return float64(e.Iter)
	case SortBySweep:
		return float64(e.Sweep)
	default:
		return e.Time
	}
}

// Types returns the distinct statistic types in sorted order.
func Types(entries []Entry) []string {
	seen := make(map[string]struct{})
	for _, e := range entries {
		seen[e.Type] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for typ := range seen {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Merge concatenates the entries of several collectors, typically one per
// rank.
func Merge(collectors ...*Stats) []Entry {
	var out []Entry
	for _, c := range collectors {
		out = append(out, c.Entries()...)
	}
	return out
}
