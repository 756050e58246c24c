package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openpint/openpint/pkg/hooks"
	"github.com/openpint/openpint/pkg/stores"
)

func newStatsCommand() *cobra.Command {
	var (
		dbPath string
		runID  string
		typ    string
		rank   int
		sortBy string
		plot   string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Inspect recorded runs and statistics",
		Long: `Inspect the runs, blocks and statistics kept in a SQLite database.

Without --run the most recent runs are listed. With --run the blocks of the
run and its statistic types are shown; --type prints one statistic sorted
by --sort, and --plot draws the residuals per iteration.`,
		Example: `  # List runs
  pint stats --db pint.db

  # Residuals of one run, sorted by iteration
  pint stats --db pint.db --run <id> --type residual_post_iteration --sort iter

  # Plot the residuals of rank 0
  pint stats --db pint.db --run <id> --rank 0 --plot residuals.png`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if dbPath == "" {
				return fmt.Errorf("no database given, use --db")
			}

			store, err := openStore(ctx, dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if runID == "" {
				runs, err := store.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(runs)
				}
				fmt.Printf("  %-36s %-10s %-10s %-6s %s\n", "ID", "STATUS", "PROBLEM", "RANKS", "STARTED")
				for _, r := range runs {
					fmt.Printf("  %-36s %-10s %-10s %-6d %s\n", r.ID, r.Status, r.Problem, r.Ranks, r.StartedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			}

			log.Debug().Str("run", runID).Str("type", typ).Msg("Querying statistics")

			q := stores.StatsQuery{RunID: runID, Limit: limit}
			if rank >= 0 {
				q.Rank = &rank
			}

			if plot != "" {
				residuals := hooks.TypeResidualPostIteration
				q.Type = &residuals
				q.Limit = 0
				rows, err := store.QueryStats(ctx, q)
				if err != nil {
					return err
				}
				title := fmt.Sprintf("Residuals of run %s", runID)
				if err := hooks.PlotResiduals(hooks.EntriesFromStore(rows), title, plot); err != nil {
					return err
				}
				fmt.Printf("✓ Wrote %s\n", plot)
				return nil
			}

			if typ == "" {
				return showRun(cmd, store, runID)
			}

			q.Type = &typ
			rows, err := store.QueryStats(ctx, q)
			if err != nil {
				return err
			}
			points := hooks.Sort(hooks.EntriesFromStore(rows), hooks.SortKey(sortBy))
			if jsonOutput {
				return printJSON(points)
			}
			fmt.Printf("  %-12s %s\n", sortBy, typ)
			for _, p := range points {
				fmt.Printf("  %-12g %.6e\n", p.Key, p.Value)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database")
	cmd.Flags().StringVar(&runID, "run", "", "run to inspect")
	cmd.Flags().StringVar(&typ, "type", "", "statistic type to print")
	cmd.Flags().IntVar(&rank, "rank", -1, "only statistics of this rank")
	cmd.Flags().StringVar(&sortBy, "sort", string(hooks.SortByTime), "sort key: time, process, level, iter or sweep")
	cmd.Flags().StringVar(&plot, "plot", "", "write a residual plot (.png, .svg or .pdf)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of rows")

	return cmd
}

// showRun prints a run, its blocks and the statistic types it recorded.
func showRun(cmd *cobra.Command, store stores.Store, runID string) error {
	ctx := cmd.Context()

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	blocks, err := store.ListBlocks(ctx, runID)
	if err != nil {
		return err
	}
	types, err := store.StatTypes(ctx, runID)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(map[string]interface{}{
			"run":    run,
			"blocks": blocks,
			"types":  types,
		})
	}

	fmt.Printf("Run %s: %s, %s on %d ranks from t=%g to t=%g\n", run.ID, run.Status, run.Problem, run.Ranks, run.T0, run.Tend)
	if run.Error != nil {
		fmt.Printf("  error: %s\n", *run.Error)
	}
	fmt.Printf("\n  %-5s %-6s %-5s %-7s %-12s %-6s %s\n", "RANK", "BLOCK", "SLOT", "WINDOW", "START", "ITERS", "RESIDUAL")
	for _, b := range blocks {
		fmt.Printf("  %-5d %-6d %-5d %-7d %-12.6f %-6d %.6e\n", b.Rank, b.Index, b.Slot, b.Window, b.TimeStart, b.Iterations, b.Residual)
	}
	if len(types) > 0 {
		fmt.Printf("\nStatistics: %v\n", types)
	}
	return nil
}
