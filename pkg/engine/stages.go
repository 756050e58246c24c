package engine

import (
	"context"
	"fmt"

	"github.com/openpint/openpint/pkg/comm"
)

// spread runs the sweeper's predictor on the finest level.
func (c *Controller) spread(ctx context.Context) error {
	st := &c.step.Status
	if err := c.emit(EventPreStep, 0, c.step); err != nil {
		return err
	}

	fine := c.step.Fine()
	if err := fine.Sweeper.Predict(fine); err != nil {
		return c.collaboratorError("predict", 0, err)
	}
	if c.params.UseIterationEstimator {
		fine.Snapshot()
	}

	if len(c.step.Levels) > 1 {
		st.Stage = StagePredict
	} else {
		st.Stage = StageCheck
	}
	return nil
}

// predict runs the configured multi-level predictor.
func (c *Controller) predict(ctx context.Context) error {
	st := &c.step.Status
	if err := c.emit(EventPrePredict, 0, c.step); err != nil {
		return err
	}

	var err error
	switch c.params.PredictType {
	case PredictNone, "":
	case PredictFineOnly:
		fine := c.step.Fine()
		if err := fine.Sweeper.UpdateNodes(fine); err != nil {
			return c.collaboratorError("update nodes", 0, err)
		}
	case PredictLibpfasst:
		err = c.predictLibpfasst(ctx)
	case PredictBurnin:
		err = c.predictBurnin(ctx)
	case PredictFMG:
		return NewNotImplementedError("FMG predictor is not yet implemented").
			WithSlot(st.Slot).
			WithOperation(string(StagePredict))
	default:
		return NewConfigurationError(fmt.Sprintf("wrong predictor type, got %s", c.params.PredictType), nil)
	}
	if err != nil {
		return err
	}

	if err := c.emit(EventPostPredict, 0, c.step); err != nil {
		return err
	}
	st.Stage = StageCheck
	return nil
}

// restrictToCoarsest transfers the finest values down the hierarchy.
func (c *Controller) restrictToCoarsest() error {
	for l := 1; l < len(c.step.Levels); l++ {
		if err := c.step.Transfer(l-1, l); err != nil {
			return c.collaboratorError("restrict", l, err)
		}
	}
	return nil
}

// coarsePredictSweep is one exchange-and-sweep round on the coarsest level.
func (c *Controller) coarsePredictSweep(ctx context.Context, receive, addToStats bool) error {
	coarse := c.step.Coarse()
	l := coarse.Index

	if err := c.emitComm(EventPreComm, l, false); err != nil {
		return err
	}
	if receive {
		if err := c.recvStart(ctx, l); err != nil {
			return err
		}
	}
	if err := c.emitComm(EventPostComm, l, false); err != nil {
		return err
	}

	if err := coarse.Sweeper.UpdateNodes(coarse); err != nil {
		return c.collaboratorError("update nodes", l, err)
	}

	if err := c.emitComm(EventPreComm, l, false); err != nil {
		return err
	}
	if err := c.sendEndBlocking(ctx, l); err != nil {
		return err
	}
	return c.emitComm(EventPostComm, l, addToStats)
}

// predictLibpfasst sweeps the coarsest level once after hearing from the
// predecessor, then unwinds with sweeps on every intermediate level.
func (c *Controller) predictLibpfasst(ctx context.Context) error {
	if err := c.restrictToCoarsest(); err != nil {
		return err
	}
	if err := c.coarsePredictSweep(ctx, true, true); err != nil {
		return err
	}

	for l := len(c.step.Levels) - 1; l > 0; l-- {
		if err := c.step.Transfer(l, l-1); err != nil {
			return c.collaboratorError("prolong", l-1, err)
		}
		if l-1 > 0 {
			lvl := c.step.Levels[l-1]
			if err := lvl.Sweeper.UpdateNodes(lvl); err != nil {
				return c.collaboratorError("update nodes", l-1, err)
			}
		}
	}

	fine := c.step.Fine()
	if err := fine.Sweeper.UpdateNodes(fine); err != nil {
		return c.collaboratorError("update nodes", 0, err)
	}
	return nil
}

// predictBurnin sweeps the coarsest level once per predecessor so that the
// coarse solution has propagated through the whole window.
func (c *Controller) predictBurnin(ctx context.Context) error {
	st := &c.step.Status
	if err := c.restrictToCoarsest(); err != nil {
		return err
	}

	for p := 0; p <= st.Slot; p++ {
		if err := c.coarsePredictSweep(ctx, p != 0, p == st.Slot); err != nil {
			return err
		}
	}

	for l := len(c.step.Levels) - 1; l > 0; l-- {
		if err := c.step.Transfer(l, l-1); err != nil {
			return c.collaboratorError("prolong", l-1, err)
		}
	}

	fine := c.step.Fine()
	if err := fine.Sweeper.UpdateNodes(fine); err != nil {
		return c.collaboratorError("update nodes", 0, err)
	}
	return nil
}

// itCheck is the convergence gate of every iteration.
func (c *Controller) itCheck(ctx context.Context) error {
	st := &c.step.Status
	fine := c.step.Fine()

	if err := c.emitComm(EventPreComm, 0, false); err != nil {
		return err
	}
	if err := c.sendEnd(ctx, 0); err != nil {
		return err
	}
	if err := c.recvStart(ctx, 0); err != nil {
		return err
	}

	diffNew := 0.0
	if c.params.UseIterationEstimator {
		var err error
		if diffNew, err = c.exchangeEstimate(ctx, iterateDiff(fine)); err != nil {
			return err
		}
	}

	if err := c.emitComm(EventPostComm, 0, false); err != nil {
		return err
	}

	if err := fine.Sweeper.ComputeResidual(fine); err != nil {
		return c.collaboratorError("compute residual", 0, err)
	}
	st.Done = c.checkConvergence()

	if err := c.exchangeStatus(ctx); err != nil {
		return err
	}

	if st.Iter > 0 {
		if err := c.emit(EventPostIteration, 0, c.step); err != nil {
			return err
		}
	}

	if c.params.UseIterationEstimator {
		if err := c.applyEstimate(ctx, diffNew); err != nil {
			return err
		}
	}

	if !st.Done {
		st.Iter++
		if err := c.emit(EventPreIteration, 0, c.step); err != nil {
			return err
		}
		if c.params.UseIterationEstimator {
			fine.Snapshot()
		}

		switch {
		case len(c.step.Levels) > 1:
			st.Stage = StageDown
		case st.TimeSize == 1 || c.params.MSSDCJacobi:
			st.Stage = StageFine
		default:
			st.Stage = StageCoarse
		}
		return nil
	}

	// The first active step never waits on its last sends otherwise.
	if err := c.drainRequests(ctx); err != nil {
		return err
	}
	if err := c.emit(EventPostStep, 0, c.step); err != nil {
		return err
	}
	st.Stage = StageDone
	return nil
}

// checkConvergence decides whether the step is done.
func (c *Controller) checkConvergence() bool {
	st := c.step.Status
	fine := c.step.Fine()
	return st.Iter >= c.params.MaxIter ||
		(fine.Residual <= fine.Params.Restol && st.Iter >= c.params.MinIter) ||
		st.ForceDone
}

// exchangeStatus combines done flags, either pipelined along the ring or
// with a collective.
func (c *Controller) exchangeStatus(ctx context.Context) error {
	st := &c.step.Status

	if err := c.emitComm(EventPreComm, 0, false); err != nil {
		return err
	}

	if c.params.AllToDone {
		done, err := comm.AllreduceBool(ctx, c.comm, st.Done, comm.OpLAND)
		if err != nil {
			return NewCommunicationError("reduce done flags", err).WithSlot(st.Slot)
		}
		st.Done = done
		return c.emitComm(EventPostComm, 0, true)
	}

	if err := c.wait(ctx, &c.reqStatus); err != nil {
		return err
	}

	if !st.First && !st.PrevDone {
		c.debugComm("recv status", st.Prev, tagStatus, 0)
		payload, err := c.recvFromPrev(ctx, tagStatus)
		if err != nil {
			return err
		}
		if st.PrevDone, err = comm.DecodeBool(payload); err != nil {
			return NewCommunicationError("decode status", err).WithSlot(st.Slot)
		}
	}

	if !st.Last {
		c.debugComm("isend status", st.Next, tagStatus, 0)
		c.reqStatus = c.comm.Isend(st.Next, tagStatus, comm.EncodeBool(st.Done))
	}

	return c.emitComm(EventPostComm, 0, true)
}

// sweepLevel runs the configured sweeps of level l, each preceded by the
// neighbour exchange. closeStats marks the exchange of the last sweep.
func (c *Controller) sweepLevel(ctx context.Context, l int, countSweeps, closeStats bool) error {
	lvl := c.step.Levels[l]
	n := lvl.Params.Sweeps
	if countSweeps {
		lvl.Sweep = 0
	}

	for k := 0; k < n; k++ {
		if countSweeps {
			lvl.Sweep++
		}
		if err := c.exchange(ctx, l, closeStats && k == n-1); err != nil {
			return err
		}
		if err := c.sweep(l); err != nil {
			return err
		}
	}
	return nil
}

// sweep updates and checks one level between the sweep hooks.
func (c *Controller) sweep(l int) error {
	lvl := c.step.Levels[l]
	if err := c.emit(EventPreSweep, l, c.step); err != nil {
		return err
	}
	if err := lvl.Sweeper.UpdateNodes(lvl); err != nil {
		return c.collaboratorError("update nodes", l, err)
	}
	if err := lvl.Sweeper.ComputeResidual(lvl); err != nil {
		return c.collaboratorError("compute residual", l, err)
	}
	return c.emit(EventPostSweep, l, c.step)
}

// itFine sweeps the finest level.
func (c *Controller) itFine(ctx context.Context) error {
	if err := c.sweepLevel(ctx, 0, true, true); err != nil {
		return err
	}
	c.step.Status.Stage = StageCheck
	return nil
}

// itDown restricts towards the coarsest level, sweeping on the way.
func (c *Controller) itDown(ctx context.Context) error {
	if err := c.step.Transfer(0, 1); err != nil {
		return c.collaboratorError("restrict", 1, err)
	}

	for l := 1; l < len(c.step.Levels)-1; l++ {
		if err := c.sweepLevel(ctx, l, false, false); err != nil {
			return err
		}
		if err := c.step.Transfer(l, l+1); err != nil {
			return c.collaboratorError("restrict", l+1, err)
		}
	}

	c.step.Status.Stage = StageCoarse
	return nil
}

// itCoarse sweeps the coarsest level exactly once.
func (c *Controller) itCoarse(ctx context.Context) error {
	st := &c.step.Status
	coarse := c.step.Coarse()
	l := coarse.Index

	if err := c.wait(ctx, &c.reqSend[l]); err != nil {
		return err
	}

	if err := c.emitComm(EventPreComm, l, false); err != nil {
		return err
	}
	if err := c.recvStart(ctx, l); err != nil {
		return err
	}
	if err := c.emitComm(EventPostComm, l, false); err != nil {
		return err
	}

	if err := c.sweep(l); err != nil {
		return err
	}
	if err := coarse.Sweeper.ComputeEndPoint(coarse); err != nil {
		return c.collaboratorError("compute end point", l, err)
	}

	if err := c.emitComm(EventPreComm, l, false); err != nil {
		return err
	}
	if !st.Last {
		payload, err := coarse.UEnd.MarshalBinary()
		if err != nil {
			return c.collaboratorError("encode end point", l, err)
		}
		tag := dataTag(st.Iter, l)
		c.debugComm("isend data", st.Next, tag, l)
		c.reqSend[l] = c.comm.Isend(st.Next, tag, payload)
	}
	if err := c.emitComm(EventPostComm, l, true); err != nil {
		return err
	}

	if len(c.step.Levels) > 1 {
		st.Stage = StageUp
	} else {
		st.Stage = StageCheck
	}
	return nil
}

// itUp prolongs corrections towards the finest level, sweeping every
// intermediate level.
func (c *Controller) itUp(ctx context.Context) error {
	for l := len(c.step.Levels) - 1; l > 0; l-- {
		if err := c.step.Transfer(l, l-1); err != nil {
			return c.collaboratorError("prolong", l-1, err)
		}
		if l-1 > 0 {
			if err := c.sweepLevel(ctx, l-1, false, true); err != nil {
				return err
			}
		}
	}

	c.step.Status.Stage = StageFine
	return nil
}
