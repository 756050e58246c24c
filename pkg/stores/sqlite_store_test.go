package stores

import (
	"context"
	"os"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func createTestRun(t *testing.T, store *SQLiteStore, id string) *Run {
	t.Helper()

	run := &Run{
		ID:         id,
		ConfigHash: "abc123",
		Problem:    "dahlquist",
		Ranks:      4,
		Levels:     2,
		T0:         0,
		Tend:       1,
		Status:     RunStatusRunning,
		StartedAt:  time.Now().UTC(),
		Metadata:   `{"predictor":"libpfasst_style"}`,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}

func TestHealthCheckBeforeInit(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Error("expected migrate to fail before Init")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	tables := []string{"runs", "blocks", "stats"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// A second run finds nothing to do.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migrate failed: %v", err)
	}
}

// TestRunCRUD tests Run CRUD operations
func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	run := createTestRun(t, store, "run-001")

	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}

	if retrieved.ID != run.ID {
		t.Errorf("expected ID %s, got %s", run.ID, retrieved.ID)
	}
	if retrieved.Problem != run.Problem {
		t.Errorf("expected Problem %s, got %s", run.Problem, retrieved.Problem)
	}
	if retrieved.Ranks != 4 || retrieved.Levels != 2 {
		t.Errorf("expected 4 ranks and 2 levels, got %d and %d", retrieved.Ranks, retrieved.Levels)
	}
	if retrieved.Tend != 1 {
		t.Errorf("expected Tend 1, got %g", retrieved.Tend)
	}
	if retrieved.Status != RunStatusRunning {
		t.Errorf("expected Status %s, got %s", RunStatusRunning, retrieved.Status)
	}
	if retrieved.FinishedAt != nil {
		t.Error("expected FinishedAt to be unset")
	}

	errMsg := "communication failed"
	if err := store.UpdateRunStatus(ctx, run.ID, RunStatusFailed, &errMsg); err != nil {
		t.Fatalf("failed to update run status: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated run: %v", err)
	}

	if updated.Status != RunStatusFailed {
		t.Errorf("expected Status %s, got %s", RunStatusFailed, updated.Status)
	}
	if updated.Error == nil || *updated.Error != errMsg {
		t.Errorf("expected Error %s, got %v", errMsg, updated.Error)
	}
	if updated.FinishedAt == nil {
		t.Error("expected FinishedAt to be set")
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	if _, err := store.GetRun(ctx, run.ID); err == nil {
		t.Error("expected error when getting deleted run")
	}
	if err := store.DeleteRun(ctx, run.ID); err == nil {
		t.Error("expected error when deleting a missing run")
	}
	if err := store.UpdateRunStatus(ctx, run.ID, RunStatusCompleted, nil); err == nil {
		t.Error("expected error when updating a missing run")
	}
}

func TestRunStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status RunStatus
		want   bool
	}{
		{RunStatusPending, false},
		{RunStatusRunning, false},
		{RunStatusCompleted, true},
		{RunStatusFailed, true},
		{RunStatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestBlockOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	run := createTestRun(t, store, "run-blocks")

	blocks := []*Block{
		{RunID: run.ID, Rank: 1, Index: 0, Slot: 1, Window: 2, Iterations: 5, Residual: 1e-11, TimeStart: 0.1, TimeEnd: 0.2},
		{RunID: run.ID, Rank: 0, Index: 0, Slot: 0, Window: 2, Iterations: 4, Residual: 2e-11, TimeStart: 0, TimeEnd: 0.1},
		{RunID: run.ID, Rank: 0, Index: 1, Slot: 0, Window: 1, Iterations: 3, Residual: 3e-11, TimeStart: 0.2, TimeEnd: 0.3, Interrupted: true},
	}
	for _, b := range blocks {
		if err := store.AppendBlock(ctx, b); err != nil {
			t.Fatalf("failed to append block: %v", err)
		}
		if b.ID == 0 {
			t.Error("expected block ID to be set")
		}
	}

	dup := *blocks[0]
	if err := store.AppendBlock(ctx, &dup); err == nil {
		t.Error("expected duplicate (run, rank, block) to be rejected")
	}

	got, err := store.ListBlocks(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list blocks: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(got))
	}

	wantOrder := [][2]int{{0, 0}, {0, 1}, {1, 0}}
	for i, b := range got {
		if b.Index != wantOrder[i][0] || b.Rank != wantOrder[i][1] {
			t.Errorf("block %d: got (index %d, rank %d), want %v", i, b.Index, b.Rank, wantOrder[i])
		}
	}
	if !got[2].Interrupted {
		t.Error("expected last block to be interrupted")
	}
	if got[0].Iterations != 4 || got[0].TimeEnd != 0.1 {
		t.Errorf("unexpected first block: %+v", got[0])
	}
}

func TestStatsOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	run := createTestRun(t, store, "run-stats")

	stats := []*Stat{
		{RunID: run.ID, Rank: 0, Process: 0, Time: 0.0, Level: -1, Iter: 1, Sweep: -1, Type: "residual_post_iteration", Value: 1e-3},
		{RunID: run.ID, Rank: 0, Process: 0, Time: 0.0, Level: -1, Iter: 2, Sweep: -1, Type: "residual_post_iteration", Value: 1e-6},
		{RunID: run.ID, Rank: 1, Process: 1, Time: 0.1, Level: -1, Iter: 2, Sweep: -1, Type: "residual_post_iteration", Value: 1e-5},
		{RunID: run.ID, Rank: 0, Process: 0, Time: 0.0, Level: -1, Iter: 2, Sweep: 1, Type: "niter", Value: 2},
		{RunID: run.ID, Rank: 1, Process: 1, Time: 0.1, Level: 0, Iter: 2, Sweep: 1, Type: "residual_post_sweep", Value: 1e-5},
	}
	if err := store.AppendStats(ctx, stats); err != nil {
		t.Fatalf("failed to append stats: %v", err)
	}
	for _, st := range stats {
		if st.ID == 0 {
			t.Error("expected stat ID to be set")
		}
	}

	if err := store.AppendStats(ctx, nil); err != nil {
		t.Errorf("appending no stats should succeed: %v", err)
	}

	all, err := store.QueryStats(ctx, StatsQuery{RunID: run.ID})
	if err != nil {
		t.Fatalf("failed to query stats: %v", err)
	}
	if len(all) != len(stats) {
		t.Errorf("expected %d stats, got %d", len(stats), len(all))
	}

	residual := "residual_post_iteration"
	rank0 := 0
	tests := []struct {
		name  string
		query StatsQuery
		want  int
	}{
		{"by type", StatsQuery{RunID: run.ID, Type: &residual}, 3},
		{"by type and rank", StatsQuery{RunID: run.ID, Type: &residual, Rank: &rank0}, 2},
		{"by process", StatsQuery{RunID: run.ID, Process: &rank0}, 3},
		{"by level", StatsQuery{RunID: run.ID, Level: &rank0}, 1},
		{"limit", StatsQuery{RunID: run.ID, Limit: 2}, 2},
		{"offset", StatsQuery{RunID: run.ID, Limit: 10, Offset: 4}, 1},
		{"other run", StatsQuery{RunID: "missing"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.QueryStats(ctx, tt.query)
			if err != nil {
				t.Fatalf("QueryStats: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d stats, got %d", tt.want, len(got))
			}
		})
	}

	byType, err := store.QueryStats(ctx, StatsQuery{RunID: run.ID, Type: &residual})
	if err != nil {
		t.Fatalf("failed to query stats: %v", err)
	}
	for i := 1; i < len(byType); i++ {
		if byType[i].Time < byType[i-1].Time {
			t.Errorf("stats not ordered by time: %g before %g", byType[i-1].Time, byType[i].Time)
		}
	}

	types, err := store.StatTypes(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list stat types: %v", err)
	}
	want := []string{"niter", "residual_post_iteration", "residual_post_sweep"}
	if len(types) != len(want) {
		t.Fatalf("expected types %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("type %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestAppendStatsIsAtomic(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	run := createTestRun(t, store, "run-atomic")

	stats := []*Stat{
		{RunID: run.ID, Type: "niter", Value: 1},
		{RunID: "no-such-run", Type: "niter", Value: 2},
	}
	if err := store.AppendStats(ctx, stats); err == nil {
		t.Fatal("expected a foreign key violation")
	}

	got, err := store.QueryStats(ctx, StatsQuery{RunID: run.ID})
	if err != nil {
		t.Fatalf("failed to query stats: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected the failed batch to be rolled back, got %d stats", len(got))
	}
}

func TestTransactions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	query := `
		INSERT INTO runs (id, ranks, levels, t0, tend, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	if _, err := tx.ExecContext(ctx, query, "run-tx-001", 1, 1, 0.0, 1.0, RunStatusPending, now); err != nil {
		_ = store.RollbackTx(tx)
		t.Fatalf("failed to insert run in transaction: %v", err)
	}
	if err := store.RollbackTx(tx); err != nil {
		t.Fatalf("failed to rollback transaction: %v", err)
	}

	if _, err := store.GetRun(ctx, "run-tx-001"); err == nil {
		t.Error("expected error when getting rolled back run")
	}

	tx, err = store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin second transaction: %v", err)
	}
	if _, err := tx.ExecContext(ctx, query, "run-tx-001", 1, 1, 0.0, 1.0, RunStatusPending, now); err != nil {
		_ = store.RollbackTx(tx)
		t.Fatalf("failed to insert run in second transaction: %v", err)
	}
	if err := store.CommitTx(tx); err != nil {
		t.Fatalf("failed to commit transaction: %v", err)
	}

	retrieved, err := store.GetRun(ctx, "run-tx-001")
	if err != nil {
		t.Fatalf("failed to get committed run: %v", err)
	}
	if retrieved.Metadata != "{}" {
		t.Errorf("expected default metadata {}, got %s", retrieved.Metadata)
	}
}

// TestCascadeDelete tests foreign key cascading
func TestCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	run := createTestRun(t, store, "run-cascade")

	if err := store.AppendBlock(ctx, &Block{RunID: run.ID, Iterations: 3, TimeEnd: 0.1}); err != nil {
		t.Fatalf("failed to append block: %v", err)
	}
	if err := store.AppendStats(ctx, []*Stat{{RunID: run.ID, Type: "niter", Value: 3}}); err != nil {
		t.Fatalf("failed to append stats: %v", err)
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	blocks, err := store.ListBlocks(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list blocks: %v", err)
	}
	if len(blocks) != 0 {
		t.Errorf("expected blocks to be deleted, got %d", len(blocks))
	}

	stats, err := store.QueryStats(ctx, StatsQuery{RunID: run.ID})
	if err != nil {
		t.Fatalf("failed to query stats: %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("expected stats to be deleted, got %d", len(stats))
	}
}

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}
