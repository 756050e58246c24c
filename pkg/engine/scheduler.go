package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openpint/openpint/pkg/comm"
	"github.com/openpint/openpint/pkg/telemetry"
)

// RankFactory builds the step and hooks of one rank. It is called once
// per rank before any rank starts.
type RankFactory func(rank int) (*Step, []Hook, error)

// Run is the record of one integration over a world.
type Run struct {
	ID         string    `json:"id"`
	Status     RunStatus `json:"status"`
	Ranks      int       `json:"ranks"`
	T0         float64   `json:"t0"`
	Tend       float64   `json:"tend"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`

	// Results holds one entry per world rank.
	Results []*Result `json:"-"`
}

// UEnd returns the end value the run produced. Every active rank ends with
// the same value, rank 0 holds it whenever the run succeeded.
func (r *Run) UEnd() State {
	if len(r.Results) == 0 || r.Results[0] == nil {
		return nil
	}
	return r.Results[0].UEnd
}

// SchedulerOption configures a LocalScheduler.
type SchedulerOption func(*LocalScheduler)

// WithSchedulerLogger sets the logger handed to every controller.
func WithSchedulerLogger(logger *telemetry.Logger) SchedulerOption {
	return func(s *LocalScheduler) {
		s.logger = logger
	}
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) SchedulerOption {
	return func(s *LocalScheduler) {
		s.runID = id
	}
}

// WithObserver reports the point-to-point traffic of every rank to obs.
func WithObserver(obs comm.Observer) SchedulerOption {
	return func(s *LocalScheduler) {
		s.observer = obs
	}
}

// LocalScheduler runs every rank of a world as a goroutine of the calling
// process over the in-process communicator.
type LocalScheduler struct {
	ranks    int
	params   ControllerParams
	factory  RankFactory
	logger   *telemetry.Logger
	runID    string
	observer comm.Observer

	// mu protects controllers
	mu          sync.Mutex
	controllers []*Controller
}

// NewLocalScheduler creates a scheduler for a world of ranks goroutines.
func NewLocalScheduler(ranks int, params ControllerParams, factory RankFactory, opts ...SchedulerOption) (*LocalScheduler, error) {
	if ranks <= 0 {
		return nil, NewConfigurationError(fmt.Sprintf("world size must be positive, got %d", ranks), nil)
	}
	if factory == nil {
		return nil, NewConfigurationError("scheduler needs a rank factory", nil)
	}

	s := &LocalScheduler{
		ranks:   ranks,
		params:  params,
		factory: factory,
		logger:  telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runID == "" {
		s.runID = uuid.New().String()
	}
	return s, nil
}

// Controllers returns the controllers of the last Run, indexed by rank.
func (s *LocalScheduler) Controllers() []*Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Controller(nil), s.controllers...)
}

// Run integrates from t0 to tend on every rank. The first failing rank
// cancels the others.
func (s *LocalScheduler) Run(ctx context.Context, u0 State, t0, tend float64) (*Run, error) {
	run := &Run{
		ID:        s.runID,
		Status:    RunStatusPending,
		Ranks:     s.ranks,
		T0:        t0,
		Tend:      tend,
		StartedAt: time.Now(),
		Results:   make([]*Result, s.ranks),
	}
	logger := s.logger.WithRunID(run.ID)

	world := comm.NewLocalWorld(s.ranks)
	for r := range world {
		world[r] = comm.Observe(world[r], s.observer)
	}
	controllers := make([]*Controller, s.ranks)
	for r := range controllers {
		step, hooks, err := s.factory(r)
		if err != nil {
			return s.finish(run, fmt.Errorf("build rank %d: %w", r, err))
		}
		controllers[r], err = NewController(world[r], step, s.params,
			WithHooks(hooks...),
			WithLogger(logger))
		if err != nil {
			return s.finish(run, err)
		}
	}

	s.mu.Lock()
	s.controllers = controllers
	s.mu.Unlock()

	run.Status = RunStatusRunning
	logger.Infof("starting run with %d ranks from t=%g to t=%g", s.ranks, t0, tend)

	g, gctx := errgroup.WithContext(ctx)
	for r, c := range controllers {
		g.Go(func() error {
			defer func() { _ = world[r].Free() }()
			res, err := c.Run(gctx, u0.Copy(), t0, tend)
			if err != nil {
				return fmt.Errorf("rank %d: %w", r, err)
			}
			run.Results[r] = res
			return nil
		})
	}
	return s.finish(run, g.Wait())
}

func (s *LocalScheduler) finish(run *Run, err error) (*Run, error) {
	run.FinishedAt = time.Now()
	switch {
	case err == nil:
		run.Status = RunStatusSucceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		run.Status = RunStatusCancelled
		run.Error = err.Error()
	default:
		run.Status = RunStatusFailed
		run.Error = err.Error()
	}
	return run, err
}
