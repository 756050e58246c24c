package hooks

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openpint/openpint/pkg/comm"
	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/field"
	"github.com/openpint/openpint/pkg/problems"
	"github.com/openpint/openpint/pkg/sdc"
	"github.com/openpint/openpint/pkg/stores"
	"github.com/openpint/openpint/pkg/telemetry"
)

const (
	testDt   = 0.25
	testTend = 0.75
)

// runDahlquist integrates u' = -u on one rank over three steps.
func runDahlquist(t *testing.T, hooks ...engine.Hook) *engine.Result {
	t.Helper()

	coll, err := sdc.NewCollocation(sdc.RadauRight, 3)
	if err != nil {
		t.Fatalf("NewCollocation() error = %v", err)
	}
	sw, err := sdc.NewSweeper(coll, sdc.SweeperParams{QIType: sdc.QILU})
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	level, err := engine.NewLevel(0, problems.NewDahlquist(-1, 0, 1), sw,
		engine.LevelParams{Sweeps: 1, Restol: 1e-10, Dt: testDt})
	if err != nil {
		t.Fatalf("NewLevel() error = %v", err)
	}
	step, err := engine.NewStep([]*engine.Level{level}, nil)
	if err != nil {
		t.Fatalf("NewStep() error = %v", err)
	}

	world := comm.NewLocalWorld(1)
	ctrl, err := engine.NewController(world[0], step, engine.DefaultControllerParams(), engine.WithHooks(hooks...))
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	res, err := ctrl.Run(context.Background(), field.Scalar(1), 0, testTend)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return res
}

func TestStatsRecordsRun(t *testing.T) {
	stats := NewStats(WithExactError())
	res := runDahlquist(t, stats)

	if got, want := field.As(res.UEnd).At(0), math.Exp(-testTend); math.Abs(got-want) > 1e-6 {
		t.Errorf("UEnd = %v, want %v", got, want)
	}

	entries := stats.Entries()
	types := Types(entries)
	for _, want := range []string{TypeNiter, TypeResidualPostIteration, TypeResidualPostStep,
		TypeResidualPostSweep, TypeTimingRun, TypeTimingStep, TypeErrorPostStep} {
		found := false
		for _, typ := range types {
			if typ == want {
				found = true
			}
		}
		if !found {
			t.Errorf("type %s missing from %v", want, types)
		}
	}

	niter := Sort(Filter(entries, ByType(TypeNiter)), SortByTime)
	if len(niter) != 3 {
		t.Fatalf("niter entries = %d, want 3", len(niter))
	}
	for i, p := range niter {
		if want := float64(i) * testDt; math.Abs(p.Key-want) > 1e-12 {
			t.Errorf("niter[%d] time = %v, want %v", i, p.Key, want)
		}
		if p.Value < 1 || p.Value > 20 {
			t.Errorf("niter[%d] = %v, want within [1, 20]", i, p.Value)
		}
	}

	for _, e := range Filter(entries, ByType(TypeResidualPostStep)) {
		if e.Value > 1e-10 {
			t.Errorf("residual after step at t=%v is %v", e.Time, e.Value)
		}
	}

	errs := Filter(entries, ByType(TypeErrorPostStep))
	if len(errs) != 3 {
		t.Fatalf("error entries = %d, want 3", len(errs))
	}
	for _, e := range errs {
		if e.Value > 1e-6 {
			t.Errorf("error at t=%v is %v", e.Time, e.Value)
		}
	}

	if n := len(Filter(entries, ByType(TypeTimingRun))); n != 1 {
		t.Errorf("timing_run entries = %d, want 1", n)
	}
	if n := len(Filter(entries, ByType(TypeInterrupted))); n != 0 {
		t.Errorf("interrupted entries = %d, want 0", n)
	}
}

func TestStatsReset(t *testing.T) {
	stats := NewStats()
	runDahlquist(t, stats)
	first := len(stats.Entries())
	if first == 0 {
		t.Fatal("no entries recorded")
	}

	// Run resets its hooks, so a second run records the same amount.
	runDahlquist(t, stats)
	if got := len(stats.Entries()); got != first {
		t.Errorf("entries after second run = %d, want %d", got, first)
	}

	stats.Reset()
	if got := len(stats.Entries()); got != 0 {
		t.Errorf("entries after Reset = %d, want 0", got)
	}
}

func TestFilterSortTypes(t *testing.T) {
	entries := []Entry{
		{Process: 1, Time: 0.2, Level: 0, Iter: 1, Type: "a", Value: 3},
		{Process: 0, Time: 0.1, Level: 1, Iter: 2, Type: "b", Value: 2},
		{Process: 0, Time: 0.0, Level: 0, Iter: 2, Type: "a", Value: 1},
		{Process: 1, Time: 0.2, Level: 0, Iter: 3, Type: "a", Value: 4},
	}

	tests := []struct {
		name  string
		preds []Predicate
		want  int
	}{
		{"none", nil, 4},
		{"type", []Predicate{ByType("a")}, 3},
		{"type and process", []Predicate{ByType("a"), ByProcess(1)}, 2},
		{"level", []Predicate{ByLevel(1)}, 1},
		{"iter", []Predicate{ByIter(2)}, 2},
		{"time", []Predicate{ByTime(0.2)}, 2},
		{"no match", []Predicate{ByType("c")}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(Filter(entries, tt.preds...)); got != tt.want {
				t.Errorf("Filter() returned %d entries, want %d", got, tt.want)
			}
		})
	}

	byTime := Sort(Filter(entries, ByType("a")), SortByTime)
	wantValues := []float64{1, 3, 4}
	for i, p := range byTime {
		if p.Value != wantValues[i] {
			t.Errorf("Sort(time)[%d] = %v, want %v", i, p.Value, wantValues[i])
		}
	}

	byIter := Sort(entries, SortByIter)
	if byIter[0].Key != 1 || byIter[3].Key != 3 {
		t.Errorf("Sort(iter) keys = %v", byIter)
	}
	if byIter[1].Value != 2 || byIter[2].Value != 1 {
		t.Errorf("Sort(iter) is not stable: %v", byIter)
	}

	if got := Sort(entries, SortByProcess); got[0].Key != 0 || got[3].Key != 1 {
		t.Errorf("Sort(process) keys = %v", got)
	}

	types := Types(entries)
	if len(types) != 2 || types[0] != "a" || types[1] != "b" {
		t.Errorf("Types() = %v, want [a b]", types)
	}
}

func TestMerge(t *testing.T) {
	a, b := NewStats(), NewStats()
	a.add(Entry{Type: "x", Value: 1})
	b.add(Entry{Type: "x", Value: 2})
	b.add(Entry{Type: "y", Value: 3})
	if got := len(Merge(a, b)); got != 3 {
		t.Errorf("Merge() returned %d entries, want 3", got)
	}
}

func TestLoggingHook(t *testing.T) {
	var buf bytes.Buffer
	runDahlquist(t, NewLogging(telemetry.NewWriterLogger(&buf, "debug")))

	out := buf.String()
	if got := strings.Count(out, "done after"); got != 3 {
		t.Errorf("step lines = %d, want 3\n%s", got, out)
	}
	if !strings.Contains(out, "residual:") || !strings.Contains(out, `"component":"hooks"`) {
		t.Errorf("log output lacks sweep lines or component field:\n%s", out)
	}
}

// familyTotal sums the counter values, or histogram sample counts, of a
// metric family.
func familyTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				total += float64(h.GetSampleCount())
			}
		}
	}
	return total
}

func TestMetricsHook(t *testing.T) {
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "pinttest"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	h := NewMetrics(m)
	runDahlquist(t, h)
	reg := m.Registry()

	if got := familyTotal(t, reg, "pinttest_blocks_completed_total"); got != 3 {
		t.Errorf("blocks completed = %v, want 3", got)
	}
	if got := familyTotal(t, reg, "pinttest_sweeps_total"); got < 3 {
		t.Errorf("sweeps = %v, want at least 3", got)
	}
	if got := familyTotal(t, reg, "pinttest_stage_duration_seconds"); got == 0 {
		t.Error("no stage durations recorded")
	}
	if got := familyTotal(t, reg, "pinttest_forced_terminations_total"); got != 0 {
		t.Errorf("forced terminations = %v, want 0", got)
	}

	h.MessageSent(3)
	h.MessageSent(3)
	h.MessageReceived(3)
	if got := familyTotal(t, reg, "pinttest_messages_sent_total"); got != 2 {
		t.Errorf("messages sent = %v, want 2", got)
	}
	if got := familyTotal(t, reg, "pinttest_messages_received_total"); got != 1 {
		t.Errorf("messages received = %v, want 1", got)
	}
}

func TestMetricsHookNil(t *testing.T) {
	h := NewMetrics(nil)
	if err := h.OnEvent(engine.Event{Kind: engine.EventPostStep}); err != nil {
		t.Errorf("OnEvent() error = %v", err)
	}
	h.MessageSent(0)
	h.MessageReceived(0)
}

func TestEventsHook(t *testing.T) {
	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 8})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var (
		mu     sync.Mutex
		blocks []int
	)
	ep.Subscribe(func(event telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		if event.RunID != "run-events" {
			t.Errorf("event run id = %q", event.RunID)
		}
		blocks = append(blocks, event.Block)
	}, telemetry.FilterByType(telemetry.EventTypeBlockCompleted))

	runDahlquist(t, NewEvents(ep, "run-events"))

	mu.Lock()
	defer mu.Unlock()
	if len(blocks) != 3 || blocks[0] != 0 || blocks[1] != 1 || blocks[2] != 2 {
		t.Errorf("completed blocks = %v, want [0 1 2]", blocks)
	}
}

func TestTracingHook(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tracer := telemetry.NewSyncTracer(exporter, "hooks-test")

	stats := NewStats()
	runDahlquist(t, stats, NewTracing(context.Background(), tracer))

	blocks, iterations := 0, 0
	for _, span := range exporter.GetSpans() {
		switch {
		case span.Name == "block.execute":
			blocks++
		case strings.HasPrefix(span.Name, "iteration."):
			iterations++
		}
	}
	if blocks != 3 {
		t.Errorf("block spans = %d, want 3", blocks)
	}

	// Every iteration opens a span.
	total := 0
	for _, p := range Filter(stats.Entries(), ByType(TypeNiter)) {
		total += int(p.Value)
	}
	if iterations != total {
		t.Errorf("iteration spans = %d, want %d", iterations, total)
	}
}

func TestStoreHook(t *testing.T) {
	ctx := context.Background()
	db, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := db.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.CreateRun(ctx, &stores.Run{ID: "run-store", Ranks: 1, Levels: 1, Tend: testTend, Status: stores.RunStatusRunning}); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	stats := NewStats()
	runDahlquist(t, stats, NewStore(ctx, db, "run-store", stats))

	blocks, err := db.ListBlocks(ctx, "run-store")
	if err != nil {
		t.Fatalf("ListBlocks() error = %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("stored blocks = %d, want 3", len(blocks))
	}
	if blocks[2].TimeEnd != testTend || blocks[2].Window != 1 {
		t.Errorf("last block = %+v", blocks[2])
	}

	rows, err := db.QueryStats(ctx, stores.StatsQuery{RunID: "run-store"})
	if err != nil {
		t.Fatalf("QueryStats() error = %v", err)
	}
	if len(rows) != len(stats.Entries()) {
		t.Errorf("stored stats = %d, want %d", len(rows), len(stats.Entries()))
	}
	entries := EntriesFromStore(rows)
	if got := len(Filter(entries, ByType(TypeNiter))); got != 3 {
		t.Errorf("stored niter entries = %d, want 3", got)
	}
}

func TestPlotHook(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plots")
	stats := NewStats()
	runDahlquist(t, stats, NewPlot(dir, stats))

	info, err := os.Stat(filepath.Join(dir, "residuals_rank000.png"))
	if err != nil {
		t.Fatalf("plot not written: %v", err)
	}
	if info.Size() == 0 {
		t.Error("plot file is empty")
	}
}

func TestPlotResidualsNeedsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.png")
	if err := PlotResiduals([]Entry{{Iter: 1, Value: 0}}, "empty", path); err == nil {
		t.Error("expected an error without positive residuals")
	}
}

func TestNewSet(t *testing.T) {
	tests := []struct {
		name        string
		opts        Options
		wantHooks   int
		wantMetrics bool
	}{
		{
			name:      "stats and logging only",
			opts:      Options{RunID: "run-1"},
			wantHooks: 2,
		},
		{
			name:        "with telemetry",
			opts:        Options{RunID: "run-1", Telemetry: telemetry.NewNopTelemetry()},
			wantHooks:   5,
			wantMetrics: true,
		},
		{
			name:        "with telemetry and plots",
			opts:        Options{RunID: "run-1", Telemetry: telemetry.NewNopTelemetry(), ExactError: true},
			wantHooks:   6,
			wantMetrics: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.wantHooks == 6 {
				tt.opts.PlotDir = t.TempDir()
			}
			set := NewSet(tt.opts)
			if got := len(set.Hooks()); got != tt.wantHooks {
				t.Fatalf("len(Hooks()) = %d, want %d", got, tt.wantHooks)
			}
			if (set.Metrics != nil) != tt.wantMetrics {
				t.Errorf("Metrics set = %v, want %v", set.Metrics != nil, tt.wantMetrics)
			}

			runDahlquist(t, set.Hooks()...)
			entries := set.Stats.Entries()
			if got := len(Filter(entries, ByType(TypeNiter))); got != 3 {
				t.Errorf("niter entries = %d, want 3", got)
			}
			if got := len(Filter(entries, ByType(TypeErrorPostStep))) > 0; got != tt.opts.ExactError {
				t.Errorf("error entries recorded = %v, want %v", got, tt.opts.ExactError)
			}
		})
	}
}
