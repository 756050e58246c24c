package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/openpint/openpint/pkg/comm"
)

func newCopyController(t *testing.T, params ControllerParams, opts ...Option) *Controller {
	t.Helper()

	step, err := newCopyStep(1, 1)
	if err != nil {
		t.Fatalf("newCopyStep() error = %v", err)
	}
	c, err := NewController(comm.NewLocalWorld(1)[0], step, params, opts...)
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	return c
}

func TestControllerIterationLimits(t *testing.T) {
	tests := []struct {
		name    string
		minIter int
		maxIter int
		want    int
	}{
		{"converged at prediction", 0, 20, 0},
		{"min iter forces iterations", 3, 20, 3},
		{"max iter caps min iter", 5, 2, 2},
		{"zero max iter", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := DefaultControllerParams()
			params.MinIter = tt.minIter
			params.MaxIter = tt.maxIter

			c := newCopyController(t, params)
			res, err := c.Run(context.Background(), &scalar{v: 2}, 0, 1)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if len(res.Blocks) != 1 {
				t.Fatalf("blocks = %d, want 1", len(res.Blocks))
			}
			if got := res.Blocks[0].Iterations; got != tt.want {
				t.Errorf("iterations = %d, want %d", got, tt.want)
			}
			if got := res.UEnd.(*scalar).v; got != 2 {
				t.Errorf("UEnd = %g, want 2", got)
			}
		})
	}
}

func TestControllerEventOrder(t *testing.T) {
	var kinds []EventKind
	record := HookFunc(func(ev Event) error {
		switch ev.Kind {
		case EventPreComm, EventPostComm, EventPreSweep, EventPostSweep:
			return nil
		}
		kinds = append(kinds, ev.Kind)
		return nil
	})

	params := DefaultControllerParams()
	params.MinIter = 2
	c := newCopyController(t, params, WithHooks(record))
	if _, err := c.Run(context.Background(), &scalar{v: 1}, 0, 1); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []EventKind{
		EventPreSetup, EventPostSetup, EventPreRun,
		EventPreStep,
		EventPreIteration, EventPostIteration,
		EventPreIteration, EventPostIteration,
		EventPostStep,
		EventPostRun,
	}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

type countingHook struct {
	resets int
	events int
}

func (h *countingHook) OnEvent(Event) error {
	h.events++
	return nil
}

func (h *countingHook) Reset() {
	h.resets++
	h.events = 0
}

func TestControllerResetsHooks(t *testing.T) {
	h := &countingHook{}
	c := newCopyController(t, DefaultControllerParams(), WithHooks(h))

	for i := 0; i < 2; i++ {
		if _, err := c.Run(context.Background(), &scalar{v: 1}, 0, 3); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}
	if h.resets != 2 {
		t.Errorf("resets = %d, want 2", h.resets)
	}
	if h.events == 0 {
		t.Error("hook saw no events")
	}
}

func TestControllerHookErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	failing := HookFunc(func(ev Event) error {
		if ev.Kind == EventPostSweep {
			return boom
		}
		return nil
	})

	params := DefaultControllerParams()
	params.MinIter = 1
	c := newCopyController(t, params, WithHooks(failing))

	_, err := c.Run(context.Background(), &scalar{v: 1}, 0, 1)
	if !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want wrapped %v", err, boom)
	}
	if !errors.Is(err, &EngineError{Class: ErrorClassControl, Code: ErrCodeHookFailed}) {
		t.Errorf("Run() error = %v, want hook failure", err)
	}
}

func TestControllerUnknownStage(t *testing.T) {
	c := newCopyController(t, DefaultControllerParams())
	c.restartBlock(0, 1, 0, &scalar{v: 1})
	c.step.Status.Stage = Stage("BOGUS")

	_, err := c.runBlock(context.Background(), c.world)
	if !IsControl(err) {
		t.Fatalf("runBlock() error = %v, want control error", err)
	}
	var e *EngineError
	if !errors.As(err, &e) || e.Code != ErrCodeUnknownStage {
		t.Errorf("runBlock() error = %v, want code %s", err, ErrCodeUnknownStage)
	}
}

func TestControllerCanceledBlock(t *testing.T) {
	c := newCopyController(t, DefaultControllerParams())
	c.restartBlock(0, 1, 0, &scalar{v: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.runBlock(ctx, c.world)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("runBlock() error = %v, want context.Canceled", err)
	}
}

func TestControllerNothingToDo(t *testing.T) {
	c := newCopyController(t, DefaultControllerParams())

	_, err := c.Run(context.Background(), &scalar{v: 1}, 1, 1)
	if !errors.Is(err, &EngineError{Class: ErrorClassControl, Code: ErrCodeNothingToDo}) {
		t.Errorf("Run() error = %v, want nothing to do", err)
	}
}

func TestNewControllerValidation(t *testing.T) {
	world := comm.NewLocalWorld(2)

	tests := []struct {
		name     string
		levels   int
		sweepers []*copySweeper
		coarse   int
		params   func(*ControllerParams)
		code     string
	}{
		{
			name:     "end point not a node",
			levels:   2,
			sweepers: []*copySweeper{{nodes: []float64{0.25, 0.75}}},
			code:     ErrCodeBoundaryNode,
		},
		{
			name:     "collocation update",
			levels:   2,
			sweepers: []*copySweeper{nil, {nodes: []float64{1}, rightNode: true, collUpdate: true}},
			code:     ErrCodeBoundaryNode,
		},
		{
			name:   "two coarse sweeps",
			levels: 2,
			coarse: 2,
			code:   ErrCodeCoarseSweeps,
		},
		{
			name:   "two sweeps on a single level window",
			levels: 1,
			coarse: 2,
			code:   ErrCodeCoarseSweeps,
		},
		{
			name:   "unknown predictor",
			levels: 1,
			params: func(p *ControllerParams) { p.PredictType = "magic" },
			code:   ErrCodeInvalidConfig,
		},
		{
			name:   "negative min iter",
			levels: 1,
			params: func(p *ControllerParams) { p.MinIter = -1 },
			code:   ErrCodeInvalidConfig,
		},
		{
			name:   "estimator without tolerance",
			levels: 1,
			params: func(p *ControllerParams) {
				p.UseIterationEstimator = true
				p.ErrTol = 0
			},
			code: ErrCodeInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step, err := newCopyStep(tt.levels, 0.1, tt.sweepers...)
			if err != nil {
				t.Fatalf("newCopyStep() error = %v", err)
			}
			if tt.coarse > 0 {
				step.Coarse().Params.Sweeps = tt.coarse
			}
			params := DefaultControllerParams()
			if tt.params != nil {
				tt.params(&params)
			}

			_, err = NewController(world[0], step, params)
			if !IsConfiguration(err) {
				t.Fatalf("NewController() error = %v, want configuration error", err)
			}
			var e *EngineError
			if !errors.As(err, &e) || e.Code != tt.code {
				t.Errorf("NewController() error = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestNewControllerAllowsSingleRankCollUpdate(t *testing.T) {
	step, err := newCopyStep(2, 0.1, nil, &copySweeper{nodes: []float64{1}, rightNode: true, collUpdate: true})
	if err != nil {
		t.Fatalf("newCopyStep() error = %v", err)
	}
	if _, err := NewController(comm.NewLocalWorld(1)[0], step, DefaultControllerParams()); err != nil {
		t.Errorf("NewController() error = %v, want nil", err)
	}
}

func TestNewControllerJacobiSkipsCoarseSweepCheck(t *testing.T) {
	step, err := newCopyStep(1, 0.1)
	if err != nil {
		t.Fatalf("newCopyStep() error = %v", err)
	}
	step.Fine().Params.Sweeps = 3

	params := DefaultControllerParams()
	params.MSSDCJacobi = true
	if _, err := NewController(comm.NewLocalWorld(2)[0], step, params); err != nil {
		t.Errorf("NewController() error = %v, want nil", err)
	}
}

func TestPipelinedStatusPropagation(t *testing.T) {
	const ranks = 3
	world := comm.NewLocalWorld(ranks)

	type seen struct {
		prevDoneEarly bool
		prevDoneAtEnd bool
	}
	results := make([]seen, ranks)

	errs := make(chan error, ranks)
	for r := 0; r < ranks; r++ {
		step, err := newCopyStep(1, 1)
		if err != nil {
			t.Fatalf("newCopyStep() error = %v", err)
		}
		record := HookFunc(func(ev Event) error {
			switch ev.Kind {
			case EventPostIteration:
				if ev.Status().Iter < 2 && ev.Status().PrevDone {
					results[r].prevDoneEarly = true
				}
			case EventPostStep:
				results[r].prevDoneAtEnd = ev.Status().PrevDone
			}
			return nil
		})

		params := DefaultControllerParams()
		params.MinIter = 2
		c, err := NewController(world[r], step, params, WithHooks(record))
		if err != nil {
			t.Fatalf("NewController() error = %v", err)
		}
		go func() {
			_, err := c.Run(context.Background(), &scalar{v: 1}, 0, ranks)
			errs <- err
		}()
	}
	for r := 0; r < ranks; r++ {
		if err := <-errs; err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}

	for r, s := range results {
		if s.prevDoneEarly {
			t.Errorf("rank %d saw its predecessor done before it was", r)
		}
		if want := r > 0; s.prevDoneAtEnd != want {
			t.Errorf("rank %d: prev_done at post_step = %v, want %v", r, s.prevDoneAtEnd, want)
		}
	}
}
