package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// version is reported by workers and telemetry.
	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	version = ver
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pint",
		Short: "pint - parallel-in-time integration with PFASST",
		Long: `pint integrates initial value problems with the parallel full approximation
scheme in space and time (PFASST). Every rank owns one time step of a block;
ranks iterate on their steps concurrently and pass updated values forward.

Features:
  - Typed run configurations in YAML, JSON, CUE or Starlark
  - In-process worlds of goroutines or distributed worlds over TCP
  - Remote workers started over SSH
  - Statistics in SQLite, residual plots, Prometheus metrics and traces
  - Policy checks of run configurations`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "run configuration (.yaml, .json, .cue, .star or a CUE directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newLaunchCommand())
	rootCmd.AddCommand(newStatsCommand())

	return rootCmd
}
