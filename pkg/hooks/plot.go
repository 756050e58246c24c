package hooks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/openpint/openpint/pkg/engine"
)

// Plot writes a residual-versus-iteration chart of one rank at the end of
// a run. It reads the entries of a Stats hook registered on the same
// controller, which must precede it in the hook list.
type Plot struct {
	dir   string
	stats *Stats
}

// NewPlot returns a plot hook writing PNG files into dir.
func NewPlot(dir string, stats *Stats) *Plot {
	return &Plot{dir: dir, stats: stats}
}

// OnEvent implements engine.Hook.
func (h *Plot) OnEvent(ev engine.Event) error {
	if ev.Kind != engine.EventPostRun || h.stats == nil {
		return nil
	}
	entries := Filter(h.stats.Entries(), ByType(TypeResidualPostIteration))
	if len(entries) == 0 {
		return nil
	}
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return fmt.Errorf("create plot directory: %w", err)
	}
	path := filepath.Join(h.dir, fmt.Sprintf("residuals_rank%03d.png", ev.Rank))
	return PlotResiduals(entries, fmt.Sprintf("Residuals on rank %d", ev.Rank), path)
}

// PlotResiduals draws one line per step start time with the residual over
// the iteration count on a log scale and saves the chart to path. The
// format follows the file extension.
func PlotResiduals(entries []Entry, title, path string) error {
	byTime := make(map[float64]plotter.XYs)
	for _, e := range entries {
		if e.Value <= 0 || e.Iter < 0 {
			continue
		}
		byTime[e.Time] = append(byTime[e.Time], plotter.XY{X: float64(e.Iter), Y: e.Value})
	}
	if len(byTime) == 0 {
		return fmt.Errorf("no positive residuals to plot")
	}
	times := make([]float64, 0, len(byTime))
	for t := range byTime {
		times = append(times, t)
	}
	sort.Float64s(times)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "residual"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}

	for i, t := range times {
		pts := byTime[t]
		sort.Slice(pts, func(a, b int) bool { return pts[a].X < pts[b].X })
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("residual line at t=%g: %w", t, err)
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("t=%.4g", t), line)
	}

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}
