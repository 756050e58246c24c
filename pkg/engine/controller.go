package engine

import (
	"context"
	"fmt"

	"github.com/openpint/openpint/pkg/comm"
	"github.com/openpint/openpint/pkg/telemetry"
)

// machineEpsilon is the spacing of float64 values at 1.
const machineEpsilon = 2.220446049250313e-16

// maxIterations keeps data tags below the reserved control tags.
const maxIterations = tagStatus/levelStride - 1

// ControllerParams configure the PFASST controller.
type ControllerParams struct {
	// MaxIter is the iteration limit per block.
	MaxIter int `json:"max_iter"`

	// MinIter is the number of iterations before the residual may stop a
	// step.
	MinIter int `json:"min_iter"`

	// PredictType selects the multi-level predictor.
	PredictType PredictorType `json:"predict_type"`

	// AllToDone replaces pipelined status propagation by a collective.
	AllToDone bool `json:"all_to_done"`

	// MSSDCJacobi sweeps single-level windows Jacobi-style on the finest
	// level instead of Gauss-Seidel style on the coarsest.
	MSSDCJacobi bool `json:"mssdc_jacobi"`

	// UseIterationEstimator enables the convergence-rate estimator.
	UseIterationEstimator bool `json:"use_iteration_estimator"`

	// ErrTol is the estimator's target error.
	ErrTol float64 `json:"err_tol"`

	// Safety multiplies the estimated iteration count.
	Safety float64 `json:"safety"`
}

// DefaultControllerParams returns the defaults of a pipelined run.
func DefaultControllerParams() ControllerParams {
	return ControllerParams{
		MaxIter:     20,
		PredictType: PredictLibpfasst,
		ErrTol:      1e-7,
		Safety:      1.05,
	}
}

// Validate checks the parameters.
func (p ControllerParams) Validate() error {
	if p.MaxIter < 0 || p.MaxIter > maxIterations {
		return fmt.Errorf("max_iter must be in [0, %d], got %d", maxIterations, p.MaxIter)
	}
	if p.MinIter < 0 {
		return fmt.Errorf("min_iter must be non-negative, got %d", p.MinIter)
	}
	if err := p.PredictType.Validate(); err != nil {
		return err
	}
	if p.UseIterationEstimator {
		if p.ErrTol <= 0 {
			return fmt.Errorf("err_tol must be positive, got %g", p.ErrTol)
		}
		if p.Safety <= 0 {
			return fmt.Errorf("safety must be positive, got %g", p.Safety)
		}
	}
	return nil
}

// Option configures a Controller.
type Option func(*Controller)

// WithHooks registers hooks in invocation order.
func WithHooks(hooks ...Hook) Option {
	return func(c *Controller) {
		c.hooks = append(c.hooks, hooks...)
	}
}

// WithLogger sets the controller logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// Controller runs one step of a PFASST window per rank.
type Controller struct {
	params ControllerParams
	step   *Step
	world  comm.Communicator
	hooks  hookSet
	logger *telemetry.Logger

	stages map[Stage]func(context.Context) error

	// Per-block state.
	comm      comm.Communicator
	block     int
	reqSend   []comm.Request
	reqStatus comm.Request
	reqEst    comm.Request
	est       Estimator
	intr      interruptState
}

// NewController validates the hierarchy against the world size and
// returns a controller for the calling rank.
func NewController(world comm.Communicator, step *Step, params ControllerParams, opts ...Option) (*Controller, error) {
	if world == nil || step == nil {
		return nil, NewConfigurationError("controller needs a communicator and a step", nil)
	}
	if err := params.Validate(); err != nil {
		return nil, NewConfigurationError("invalid controller parameters", err)
	}

	c := &Controller{
		params: params,
		step:   step,
		world:  world,
		logger: telemetry.NewNopLogger(),
		est:    Estimator{ErrTol: params.ErrTol, Safety: params.Safety},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.NewComponentLogger("controller").WithRank(world.Rank())

	numLevels := len(step.Levels)
	if world.Size() > 1 && numLevels > 1 {
		for _, l := range step.Levels {
			if !l.Sweeper.RightIsNode() || l.Sweeper.CollUpdate() {
				return nil, NewConfigurationError(
					"for PFASST to work, we assume uend == u_M", nil).
					WithCode(ErrCodeBoundaryNode).
					WithDetail("level", l.Index)
			}
		}
	}

	coarseReachable := numLevels > 1 || (world.Size() > 1 && !params.MSSDCJacobi)
	if coarseReachable && step.Coarse().Params.Sweeps != 1 {
		return nil, NewConfigurationError(
			fmt.Sprintf("the coarsest level must run exactly one sweep, got %d", step.Coarse().Params.Sweeps), nil).
			WithCode(ErrCodeCoarseSweeps)
	}

	if numLevels == 1 && params.PredictType != PredictNone && params.PredictType != "" {
		c.logger.Warnf("predictor %s configured with a single level, it will be ignored", params.PredictType)
	}

	step.Status.TimeSize = world.Size()

	c.stages = map[Stage]func(context.Context) error{
		StageSpread:  c.spread,
		StagePredict: c.predict,
		StageCheck:   c.itCheck,
		StageFine:    c.itFine,
		StageDown:    c.itDown,
		StageCoarse:  c.itCoarse,
		StageUp:      c.itUp,
	}
	return c, nil
}

// Step returns the controlled step.
func (c *Controller) Step() *Step {
	return c.step
}

// Result is the outcome of Run on one rank.
type Result struct {
	// UEnd is the end value broadcast after the last block this rank took
	// part in. Ranks never active return u0.
	UEnd State

	// Time is the end time of that block.
	Time float64

	// Blocks summarizes every block this rank took part in.
	Blocks []BlockSummary
}

// BlockSummary describes one block from one rank's point of view.
type BlockSummary struct {
	Index       int     `json:"index"`
	Slot        int     `json:"slot"`
	Window      int     `json:"window"`
	TimeStart   float64 `json:"time_start"`
	Iterations  int     `json:"iterations"`
	Residual    float64 `json:"residual"`
	Estimate    int     `json:"estimate,omitempty"`
	Interrupted bool    `json:"interrupted,omitempty"`
}

// Run integrates from t0 to tend starting at u0 and returns the end value.
// Every rank of the world must call Run with the same t0 and tend.
func (c *Controller) Run(ctx context.Context, u0 State, t0, tend float64) (*Result, error) {
	c.hooks.reset()
	c.block = 0
	if err := c.emit(EventPreSetup, -1, nil); err != nil {
		return nil, err
	}

	group := c.world
	rank := group.Rank()
	dt := c.step.Dt()

	times, active, err := c.window(ctx, group, t0, tend)
	if err != nil {
		return nil, err
	}
	if !anyTrue(active) {
		return nil, NewControlError("nothing to do, check t0, dt and tend", nil).
			WithCode(ErrCodeNothingToDo).
			WithDetail("t0", t0).
			WithDetail("tend", tend)
	}
	time := times[rank]
	isActive := active[rank]

	if !allTrue(active) {
		group, err = c.split(ctx, group, isActive)
		if err != nil {
			return nil, err
		}
	}

	result := &Result{UEnd: u0, Time: t0}
	if isActive {
		c.restartBlock(group.Rank(), group.Size(), time, u0)
	}

	if err := c.emit(EventPostSetup, -1, nil); err != nil {
		return nil, err
	}
	if err := c.emit(EventPreRun, 0, c.step); err != nil {
		return nil, err
	}

	if isActive {
		if err := group.Barrier(ctx); err != nil {
			return nil, NewCommunicationError("barrier before first block", err)
		}
	}

	for isActive {
		summary, err := c.runBlock(ctx, group)
		if err != nil {
			return nil, err
		}
		result.Blocks = append(result.Blocks, summary)

		time += dt
		last := group.Size() - 1

		payload, err := group.Bcast(ctx, last, comm.EncodeFloat64(time))
		if err != nil {
			return nil, NewCommunicationError("broadcast block end time", err)
		}
		blockEnd, err := comm.DecodeFloat64(payload)
		if err != nil {
			return nil, NewCommunicationError("decode block end time", err)
		}

		var uendBytes []byte
		if group.Rank() == last {
			uendBytes, err = c.step.Fine().UEnd.MarshalBinary()
			if err != nil {
				return nil, NewControlError("encode end value", err).WithCode(ErrCodeCollaborator)
			}
		}
		uendBytes, err = group.Bcast(ctx, last, uendBytes)
		if err != nil {
			return nil, NewCommunicationError("broadcast end value", err)
		}
		uend := c.step.Fine().Problem.Init()
		if err := uend.UnmarshalBinary(uendBytes); err != nil {
			return nil, NewControlError("decode end value", err).WithCode(ErrCodeCollaborator)
		}
		result.UEnd = uend
		result.Time = blockEnd

		times, active, err = c.window(ctx, group, blockEnd, tend)
		if err != nil {
			return nil, err
		}
		time = times[group.Rank()]
		isActive = active[group.Rank()]

		if !allTrue(active) {
			next, err := c.split(ctx, group, isActive)
			if err != nil {
				return nil, err
			}
			if group != c.world {
				_ = group.Free()
			}
			group = next
		}

		c.block++
		if isActive {
			c.restartBlock(group.Rank(), group.Size(), time, uend)
		}
	}

	if err := c.emit(EventPostRun, 0, c.step); err != nil {
		return nil, err
	}

	if group != nil && group != c.world {
		_ = group.Free()
	}
	return result, nil
}

// window gathers every rank's dt and returns each rank's start time and
// whether it still has work before tend.
func (c *Controller) window(ctx context.Context, group comm.Communicator, start, tend float64) ([]float64, []bool, error) {
	parts, err := group.Allgather(ctx, comm.EncodeFloat64(c.step.Dt()))
	if err != nil {
		return nil, nil, NewCommunicationError("gather step sizes", err)
	}
	dts := make([]float64, len(parts))
	for i, p := range parts {
		if dts[i], err = comm.DecodeFloat64(p); err != nil {
			return nil, nil, NewCommunicationError("decode step size", err)
		}
	}
	times, active := ActiveTimes(start, dts, tend)
	return times, active, nil
}

// split drops the inactive ranks from group. Inactive ranks get nil.
func (c *Controller) split(ctx context.Context, group comm.Communicator, active bool) (comm.Communicator, error) {
	color := comm.Undefined
	if active {
		color = 1
	}
	next, err := group.Split(ctx, color, group.Rank())
	if err != nil {
		return nil, NewCommunicationError("split active ranks", err)
	}
	if next != nil {
		c.logger.Debugf("window shrinks from %d to %d ranks", group.Size(), next.Size())
	}
	return next, nil
}

// ActiveTimes returns the start time of every rank of a window beginning
// at start and whether that time lies before tend.
func ActiveTimes(start float64, dts []float64, tend float64) ([]float64, []bool) {
	times := make([]float64, len(dts))
	active := make([]bool, len(dts))
	t := start
	for i, dt := range dts {
		times[i] = t
		active[i] = t < tend-10*machineEpsilon
		t += dt
	}
	return times, active
}

func anyTrue(v []bool) bool {
	for _, b := range v {
		if b {
			return true
		}
	}
	return false
}

func allTrue(v []bool) bool {
	for _, b := range v {
		if !b {
			return false
		}
	}
	return true
}

// restartBlock resets the step for a new block.
func (c *Controller) restartBlock(slot, size int, time float64, u0 State) {
	c.step.Status.Restart(slot, size)
	c.step.Reset()
	c.step.Init(u0)

	c.reqSend = make([]comm.Request, len(c.step.Levels))
	c.reqStatus = nil
	c.reqEst = nil
	c.est.Reset()
	c.intr = interruptState{}

	for _, l := range c.step.Levels {
		l.Time = time
		l.Sweep = 1
	}
}

// emit invokes the hooks for one lifecycle point.
func (c *Controller) emit(kind EventKind, level int, step *Step) error {
	return c.hooks.emit(Event{
		Kind:  kind,
		Step:  step,
		Level: level,
		Rank:  c.world.Rank(),
		Block: c.block,
	})
}

// emitComm is emit for post_comm events that may close an exchange.
func (c *Controller) emitComm(kind EventKind, level int, addToStats bool) error {
	return c.hooks.emit(Event{
		Kind:       kind,
		Step:       c.step,
		Level:      level,
		Rank:       c.world.Rank(),
		Block:      c.block,
		AddToStats: addToStats,
	})
}
