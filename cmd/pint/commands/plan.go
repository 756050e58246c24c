package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openpint/openpint/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var ranks int

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the block schedule of a run",
		Long: `Show the blocks a run goes through without integrating anything.

The plan lists for every block:
  - Its time span
  - The ranks taking part, in slot order
  - The start time of every step

Ranks without a step in the last block stay idle.`,
		Example: `  # Show the schedule
  pint plan -c heat.yaml

  # Try another world size
  pint plan -c heat.yaml --ranks 8 --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := loadRun(cmd.Context())
			if err != nil {
				return err
			}
			if ranks > 0 {
				run.Ranks = ranks
			}

			log.Debug().
				Int("ranks", run.Ranks).
				Float64("dt", run.Dt).
				Msg("Planning blocks")

			blocks, err := engine.PlanBlocks(run.Dts(), run.T0, run.Tend)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(blocks)
			}

			fmt.Printf("%d steps of %g on %d ranks in %d blocks\n\n", run.Steps(), run.Dt, run.Ranks, len(blocks))
			fmt.Printf("  %-6s %-12s %-12s %s\n", "BLOCK", "START", "END", "RANKS")
			for _, b := range blocks {
				fmt.Printf("  %-6d %-12.6f %-12.6f %v\n", b.Index, b.Start, b.End, b.Ranks)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&ranks, "ranks", 0, "override the number of ranks")

	return cmd
}
