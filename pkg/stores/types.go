package stores

import (
	"context"
	"database/sql"
	"time"
)

// RunStatus represents the status of a run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition is expected.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run represents one integration from T0 to Tend
type Run struct {
	ID         string     `json:"id"`
	ConfigHash string     `json:"config_hash"`
	Problem    string     `json:"problem"`
	Ranks      int        `json:"ranks"`
	Levels     int        `json:"levels"`
	T0         float64    `json:"t0"`
	Tend       float64    `json:"tend"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      *string    `json:"error,omitempty"`
	Metadata   string     `json:"metadata"` // JSON blob
}

// Block is one block as seen by one rank
type Block struct {
	ID          int64   `json:"id"`
	RunID       string  `json:"run_id"`
	Rank        int     `json:"rank"`
	Index       int     `json:"index"`
	Slot        int     `json:"slot"`
	Window      int     `json:"window"`
	Iterations  int     `json:"iterations"`
	Residual    float64 `json:"residual"`
	TimeStart   float64 `json:"time_start"`
	TimeEnd     float64 `json:"time_end"`
	Interrupted bool    `json:"interrupted"`
}

// Stat is one recorded statistic
type Stat struct {
	ID      int64   `json:"id"`
	RunID   string  `json:"run_id"`
	Rank    int     `json:"rank"`
	Process int     `json:"process"`
	Time    float64 `json:"time"`
	Level   int     `json:"level"`
	Iter    int     `json:"iter"`
	Sweep   int     `json:"sweep"`
	Type    string  `json:"type"`
	Value   float64 `json:"value"`
}

// StatsQuery selects statistics. Nil fields match everything.
type StatsQuery struct {
	RunID   string
	Type    *string
	Rank    *int
	Process *int
	Level   *int
	Limit   int
	Offset  int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, err *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Block operations
	AppendBlock(ctx context.Context, block *Block) error
	ListBlocks(ctx context.Context, runID string) ([]*Block, error)

	// Stats operations
	AppendStats(ctx context.Context, stats []*Stat) error
	QueryStats(ctx context.Context, q StatsQuery) ([]*Stat, error)
	StatTypes(ctx context.Context, runID string) ([]string, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
