package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/openpint/openpint/pkg/config"
	"github.com/openpint/openpint/pkg/stores"
	"github.com/openpint/openpint/pkg/telemetry"
)

// loadRun reads the run configuration named by --config.
func loadRun(ctx context.Context) (*config.RunConfig, error) {
	if configPath == "" {
		return nil, fmt.Errorf("no run configuration given, use --config")
	}
	return config.Load(ctx, configPath)
}

// newTelemetry builds the telemetry the run's output section asks for and
// starts the metrics server when one is configured.
func newTelemetry(run *config.RunConfig) (*telemetry.Telemetry, error) {
	cfg := run.Output.Telemetry(version)
	if verbose {
		cfg.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}
	return tel, nil
}

// openStore opens and migrates the SQLite database at path.
func openStore(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// newRunRecord describes run for the run store.
func newRunRecord(id string, run *config.RunConfig) *stores.Run {
	return &stores.Run{
		ID:         id,
		ConfigHash: run.Hash(),
		Problem:    run.Problem.Name,
		Ranks:      run.Ranks,
		Levels:     len(run.Levels),
		T0:         run.T0,
		Tend:       run.Tend,
		Status:     stores.RunStatusRunning,
		Metadata:   "{}",
	}
}

// finishRunRecord stores the final status of a run.
func finishRunRecord(ctx context.Context, store stores.Store, id string, err error) {
	if store == nil {
		return
	}
	status := stores.RunStatusCompleted
	var msg *string
	switch {
	case err == nil:
	case ctx.Err() != nil:
		status = stores.RunStatusCancelled
	default:
		status = stores.RunStatusFailed
	}
	if err != nil {
		s := err.Error()
		msg = &s
	}
	// The run context may already be done.
	if uerr := store.UpdateRunStatus(context.Background(), id, status, msg); uerr != nil {
		fmt.Fprintf(os.Stderr, "failed to record run status: %v\n", uerr)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
