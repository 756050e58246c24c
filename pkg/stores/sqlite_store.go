package stores

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned for a run that does not exist.
var ErrNotFound = errors.New("not found")

var errNotInitialized = errors.New("database not initialized")

// memoryPath names a private in-memory database.
const memoryPath = ":memory:"

// Config configures a SQLiteStore. Zero pool settings take defaults.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteStore is the Store backed by a SQLite file, or by memory when
// Path is ":memory:".
type SQLiteStore struct {
	cfg Config
	db  *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore checks cfg; Init opens the database.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Path == memoryPath {
		// A second connection would see a different, empty database.
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
		return &SQLiteStore{cfg: cfg}, nil
	}
	cfg.MaxOpenConns = cmp.Or(cfg.MaxOpenConns, 25)
	cfg.MaxIdleConns = cmp.Or(cfg.MaxIdleConns, 5)
	cfg.ConnMaxLifetime = cmp.Or(cfg.ConnMaxLifetime, 5*time.Minute)
	return &SQLiteStore{cfg: cfg}, nil
}

// dsn enables foreign keys and a busy timeout; file databases also get WAL.
func (s *SQLiteStore) dsn() string {
	q := url.Values{"_txlock": {"immediate"}}
	q["_pragma"] = []string{"foreign_keys(1)", "busy_timeout(5000)"}
	if s.cfg.Path != memoryPath {
		q["_pragma"] = append(q["_pragma"], "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	return s.cfg.Path + "?" + q.Encode()
}

// Init opens and pings the database.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Path, err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("open %s: %w", s.cfg.Path, err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate brings the schema up to the newest embedded migration.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	target, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", target)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

func (s *SQLiteStore) CommitTx(tx *sql.Tx) error   { return tx.Commit() }
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error { return tx.Rollback() }

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	return s.db.PingContext(ctx)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// collect runs query and scans every row with scan.
func collect[T any](ctx context.Context, db *sql.DB, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// execOne runs a statement that must touch exactly one run.
func (s *SQLiteStore) execOne(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

const runColumns = `id, config_hash, problem, ranks, levels, t0, tend, status, started_at, finished_at, error, metadata`

func scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	err := row.Scan(&r.ID, &r.ConfigHash, &r.Problem, &r.Ranks, &r.Levels, &r.T0, &r.Tend,
		&r.Status, &r.StartedAt, &r.FinishedAt, &r.Error, &r.Metadata)
	return r, err
}

// CreateRun inserts run. An empty Metadata becomes "{}" and a zero
// StartedAt becomes now.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.Metadata == "" {
		run.Metadata = "{}"
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ConfigHash, run.Problem, run.Ranks, run.Levels, run.T0, run.Tend,
		run.Status, run.StartedAt, run.FinishedAt, run.Error, run.Metadata)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// UpdateRunStatus sets status and error. A terminal status stamps the
// finish time; any other clears it.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	var finished *time.Time
	if status.IsTerminal() {
		now := time.Now().UTC()
		finished = &now
	}
	return s.execOne(ctx, id, `UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, errMsg, finished, id)
}

// ListRuns pages through runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	runs, err := collect(ctx, s.db, scanRun,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// DeleteRun removes a run together with its blocks and stats.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	return s.execOne(ctx, id, `DELETE FROM runs WHERE id = ?`, id)
}

const blockColumns = `run_id, rank, block_index, slot, window_size, iterations, residual, time_start, time_end, interrupted`

// AppendBlock inserts block and sets its ID. A rank records each block
// once.
func (s *SQLiteStore) AppendBlock(ctx context.Context, b *Block) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO blocks (`+blockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.RunID, b.Rank, b.Index, b.Slot, b.Window, b.Iterations, b.Residual, b.TimeStart, b.TimeEnd, b.Interrupted)
	if err != nil {
		return fmt.Errorf("append block %d of rank %d: %w", b.Index, b.Rank, err)
	}
	b.ID, err = res.LastInsertId()
	return err
}

// ListBlocks returns the blocks of a run by block, then rank.
func (s *SQLiteStore) ListBlocks(ctx context.Context, runID string) ([]*Block, error) {
	scan := func(row rowScanner) (*Block, error) {
		b := &Block{}
		err := row.Scan(&b.ID, &b.RunID, &b.Rank, &b.Index, &b.Slot, &b.Window,
			&b.Iterations, &b.Residual, &b.TimeStart, &b.TimeEnd, &b.Interrupted)
		return b, err
	}
	blocks, err := collect(ctx, s.db, scan,
		`SELECT id, `+blockColumns+` FROM blocks WHERE run_id = ? ORDER BY block_index, rank`, runID)
	if err != nil {
		return nil, fmt.Errorf("list blocks of %s: %w", runID, err)
	}
	return blocks, nil
}

// AppendStats inserts stats in one transaction and sets their IDs.
func (s *SQLiteStore) AppendStats(ctx context.Context, stats []*Stat) error {
	if len(stats) == 0 {
		return nil
	}
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("append stats: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO stats (run_id, rank, process, time, level, iter, sweep, type, value) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("append stats: %w", err)
	}
	defer stmt.Close()

	for i, st := range stats {
		res, err := stmt.ExecContext(ctx, st.RunID, st.Rank, st.Process, st.Time, st.Level, st.Iter, st.Sweep, st.Type, st.Value)
		if err != nil {
			return fmt.Errorf("append stat %d (%s): %w", i, st.Type, err)
		}
		if st.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("append stat %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// QueryStats returns the stats matching q ordered by time, rank and
// insertion.
func (s *SQLiteStore) QueryStats(ctx context.Context, q StatsQuery) ([]*Stat, error) {
	where, args := "run_id = ?", []any{q.RunID}
	filter := func(col string, v any) {
		where += " AND " + col + " = ?"
		args = append(args, v)
	}
	if q.Type != nil {
		filter("type", *q.Type)
	}
	if q.Rank != nil {
		filter("rank", *q.Rank)
	}
	if q.Process != nil {
		filter("process", *q.Process)
	}
	if q.Level != nil {
		filter("level", *q.Level)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}
	args = append(args, limit, q.Offset)

	scan := func(row rowScanner) (*Stat, error) {
		st := &Stat{}
		err := row.Scan(&st.ID, &st.RunID, &st.Rank, &st.Process, &st.Time,
			&st.Level, &st.Iter, &st.Sweep, &st.Type, &st.Value)
		return st, err
	}
	stats, err := collect(ctx, s.db, scan,
		`SELECT id, run_id, rank, process, time, level, iter, sweep, type, value FROM stats
		WHERE `+where+` ORDER BY time, rank, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query stats of %s: %w", q.RunID, err)
	}
	return stats, nil
}

// StatTypes returns the distinct stat types of a run, sorted.
func (s *SQLiteStore) StatTypes(ctx context.Context, runID string) ([]string, error) {
	scan := func(row rowScanner) (string, error) {
		var typ string
		err := row.Scan(&typ)
		return typ, err
	}
	types, err := collect(ctx, s.db, scan, `SELECT DISTINCT type FROM stats WHERE run_id = ? ORDER BY type`, runID)
	if err != nil {
		return nil, fmt.Errorf("stat types of %s: %w", runID, err)
	}
	return types, nil
}
