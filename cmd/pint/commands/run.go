package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openpint/openpint/pkg/config"
	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/hooks"
	"github.com/openpint/openpint/pkg/policy"
	"github.com/openpint/openpint/pkg/stores"
	"github.com/openpint/openpint/pkg/telemetry"
)

// runSummary is the JSON output of run and launch.
type runSummary struct {
	ID         string         `json:"id"`
	Transport  string         `json:"transport"`
	Ranks      int            `json:"ranks"`
	T0         float64        `json:"t0"`
	Tend       float64        `json:"tend"`
	TimeEnd    float64        `json:"time_end"`
	EndValue   string         `json:"end_value"`
	Error      *float64       `json:"error,omitempty"`
	Blocks     []blockSummary `json:"blocks"`
	DurationMS int64          `json:"duration_ms"`
}

type blockSummary struct {
	Index       int     `json:"index"`
	Window      int     `json:"window"`
	TimeStart   float64 `json:"time_start"`
	Iterations  int     `json:"iterations"`
	Residual    float64 `json:"residual"`
	Interrupted bool    `json:"interrupted,omitempty"`
}

func newRunCommand() *cobra.Command {
	var (
		ranks   int
		dbPath  string
		plotDir string
		exact   bool
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Integrate a problem in this process",
		Long: `Run a PFASST integration with one goroutine per rank.

The run:
  - Checks the configuration against the run policies
  - Builds the level hierarchy of every rank
  - Iterates block by block from t0 to tend
  - Records statistics, blocks and plots when asked to`,
		Example: `  # Run a configuration
  pint run -c dahlquist.yaml

  # Override the world size and keep statistics
  pint run -c heat.cue --ranks 8 --db pint.db

  # Write residual plots and errors against the exact solution
  pint run -c heat.yaml --plot ./plots --exact`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			run, err := loadRun(ctx)
			if err != nil {
				return err
			}
			if ranks > 0 {
				run.Ranks = ranks
				if err := run.Validate(); err != nil {
					return err
				}
			}
			if dbPath != "" {
				run.Output.DB = dbPath
			}
			if plotDir != "" {
				run.Output.PlotDir = plotDir
			}
			run.Output.ExactError = run.Output.ExactError || exact

			tel, err := newTelemetry(run)
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.Background())

			if err := checkPolicies(ctx, tel.Logger, run, "run", force); err != nil {
				return err
			}

			var store stores.Store
			if run.Output.DB != "" {
				s, err := openStore(ctx, run.Output.DB)
				if err != nil {
					return err
				}
				defer s.Close()
				store = s
			}

			summary, err := runLocal(tel.WithContext(ctx), tel, store, run)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(summary)
			}
			printSummary(summary)
			return nil
		},
	}

	cmd.Flags().IntVar(&ranks, "ranks", 0, "override the number of ranks")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database for runs and statistics")
	cmd.Flags().StringVar(&plotDir, "plot", "", "directory for residual plots")
	cmd.Flags().BoolVar(&exact, "exact", false, "record the error against the exact solution")
	cmd.Flags().BoolVar(&force, "force", false, "run even when a policy rejects the configuration")

	return cmd
}

// checkPolicies evaluates the built-in policies and refuses rejected
// configurations unless force is set.
func checkPolicies(ctx context.Context, logger *telemetry.Logger, run *config.RunConfig, operation string, force bool) error {
	pe, err := policy.NewEngine(*logger.Zerolog())
	if err != nil {
		return err
	}
	res, err := pe.Evaluate(ctx, run, operation)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		logger.WithField("policy", w.Policy).Warn(w.Message)
	}
	if res.Allowed {
		return nil
	}
	for _, v := range res.Violations {
		logger.WithField("policy", v.Policy).Error(v.Message)
	}
	if force {
		logger.Warn("Policy violations ignored")
		return nil
	}
	return fmt.Errorf("configuration rejected by %d policy violation(s), use --force to run anyway", len(res.Violations))
}

// runLocal integrates run with a LocalScheduler. ctx must carry tel.
func runLocal(ctx context.Context, tel *telemetry.Telemetry, store stores.Store, run *config.RunConfig) (summary *runSummary, err error) {
	id := uuid.New().String()
	logger := tel.Logger.WithRunID(id)

	if store != nil {
		if err := store.CreateRun(ctx, newRunRecord(id, run)); err != nil {
			return nil, err
		}
		defer func() { finishRunRecord(ctx, store, id, err) }()
	}

	builds := make([]*config.Build, run.Ranks)
	defer func() {
		for _, b := range builds {
			if b != nil {
				b.Close(context.Background())
			}
		}
	}()
	for r := range builds {
		if builds[r], err = run.BuildStep(ctx); err != nil {
			return nil, fmt.Errorf("build rank %d: %w", r, err)
		}
	}
	u0 := builds[0].U0
	if u0 == nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("problem %q has no initial value", run.Problem.Name), nil)
	}

	runCtx := telemetry.WithRunContext(ctx, id, "local", run.Ranks)
	sched, err := engine.NewLocalScheduler(run.Ranks, run.ControllerParams(),
		func(rank int) (*engine.Step, []engine.Hook, error) {
			set := hooks.NewSet(hooks.Options{
				RunID:       id,
				Logger:      logger,
				Telemetry:   tel,
				SpanContext: runCtx,
				Store:       store,
				PlotDir:     run.Output.PlotDir,
				ExactError:  run.Output.ExactError,
			})
			return builds[rank].Step, set.Hooks(), nil
		},
		engine.WithSchedulerLogger(tel.Logger),
		engine.WithRunID(id),
		engine.WithObserver(hooks.NewMetrics(tel.Metrics)))
	if err != nil {
		telemetry.EndRunContext(runCtx, id, 0, err)
		return nil, err
	}

	res, err := sched.Run(runCtx, u0, run.T0, run.Tend)
	var blocks []engine.BlockSummary
	if res != nil && len(res.Results) > 0 && res.Results[0] != nil {
		blocks = res.Results[0].Blocks
	}
	telemetry.EndRunContext(runCtx, id, len(blocks), err)
	if err != nil {
		return nil, err
	}

	uend := res.UEnd()
	summary = &runSummary{
		ID:         id,
		Transport:  "local",
		Ranks:      run.Ranks,
		T0:         run.T0,
		Tend:       run.Tend,
		TimeEnd:    res.Results[0].Time,
		EndValue:   fmt.Sprint(uend),
		DurationMS: res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	}
	if exact, xerr := builds[0].Problems[0].Exact(run.Tend); xerr == nil {
		e := engine.Distance(uend, exact)
		summary.Error = &e
	}
	for _, b := range blocks {
		summary.Blocks = append(summary.Blocks, blockSummary{
			Index:       b.Index,
			Window:      b.Window,
			TimeStart:   b.TimeStart,
			Iterations:  b.Iterations,
			Residual:    b.Residual,
			Interrupted: b.Interrupted,
		})
	}
	return summary, nil
}

func printSummary(s *runSummary) {
	fmt.Printf("Run %s (%s, %d ranks)\n\n", s.ID, s.Transport, s.Ranks)
	fmt.Printf("  %-6s %-7s %-12s %-6s %s\n", "BLOCK", "WINDOW", "START", "ITERS", "RESIDUAL")
	for _, b := range s.Blocks {
		mark := ""
		if b.Interrupted {
			mark = " (interrupted)"
		}
		fmt.Printf("  %-6d %-7d %-12.6f %-6d %.6e%s\n", b.Index, b.Window, b.TimeStart, b.Iterations, b.Residual, mark)
	}
	fmt.Printf("\n✓ Reached t=%g in %dms\n", s.TimeEnd, s.DurationMS)
	fmt.Printf("  u(t) = %s\n", s.EndValue)
	if s.Error != nil {
		fmt.Printf("  error against exact solution: %.6e\n", *s.Error)
	}
}
