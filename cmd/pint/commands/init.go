package commands

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openpint/openpint/pkg/config"
	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/problems"
)

// presets are the starting points init can write.
var presets = map[string]func() *config.RunConfig{
	"dahlquist": config.DefaultRunConfig,
	"heat1d": func() *config.RunConfig {
		run := config.DefaultRunConfig()
		run.Name = "heat1d"
		run.Problem = problems.Spec{Name: "heat1d", Params: map[string]float64{"nvars": 127, "nu": 0.1, "freq": 4}}
		run.Tend = 0.5
		run.Dt = 0.05
		run.Ranks = 4
		run.CoarsenSpace = true
		fine, coarse := run.Levels[0], run.Levels[0]
		fine.NumNodes = 5
		run.Levels = []config.LevelConfig{fine, coarse}
		run.Controller.MaxIter = 50
		run.Controller.PredictType = string(engine.PredictLibpfasst)
		return run
	},
	"vanderpol": func() *config.RunConfig {
		run := config.DefaultRunConfig()
		run.Name = "vanderpol"
		run.Problem = problems.Spec{Name: "vanderpol", Params: map[string]float64{"mu": 5, "x0": 2, "y0": 0}}
		run.Tend = 1
		run.Dt = 0.1
		run.Ranks = 2
		fine, coarse := run.Levels[0], run.Levels[0]
		fine.NumNodes = 5
		run.Levels = []config.LevelConfig{fine, coarse}
		return run
	},
}

func presetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newInitCommand() *cobra.Command {
	var (
		preset string
		force  bool
		dbPath string
	)

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a starter run configuration",
		Long: `Write a run configuration in YAML that can be edited and passed to run or
launch. The --db flag also creates and migrates a statistics database.`,
		Example: `  # Write pint.yaml for the Dahlquist problem
  pint init

  # Two-level heat equation on four ranks
  pint init heat.yaml --preset heat1d

  # Also create the statistics database
  pint init --db pint.db`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				path = "pint.yaml"
			}

			build, ok := presets[preset]
			if !ok {
				return fmt.Errorf("unknown preset %q, choose one of %s", preset, strings.Join(presetNames(), ", "))
			}

			log.Info().
				Str("path", path).
				Str("preset", preset).
				Msg("Writing run configuration")

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}

			run := build()
			if dbPath != "" {
				run.Output.DB = dbPath
			}
			if err := run.Validate(); err != nil {
				return err
			}

			var buf bytes.Buffer
			if err := config.WriteYAML(&buf, run); err != nil {
				return err
			}
			if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Printf("✓ Created run configuration: %s\n", path)

			if dbPath != "" {
				store, err := openStore(cmd.Context(), dbPath)
				if err != nil {
					return err
				}
				store.Close()
				fmt.Printf("✓ Initialized SQLite database: %s\n", dbPath)
			}

			fmt.Printf("\nNext steps:\n")
			fmt.Printf("  1. Check the schedule:\n")
			fmt.Printf("     pint plan -c %s\n\n", path)
			fmt.Printf("  2. Run it:\n")
			fmt.Printf("     pint run -c %s\n\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&preset, "preset", "dahlquist", "starting point: "+strings.Join(presetNames(), ", "))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().StringVar(&dbPath, "db", "", "also create this SQLite database")

	return cmd
}
