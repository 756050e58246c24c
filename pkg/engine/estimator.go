package engine

import (
	"context"
	"math"

	"github.com/openpint/openpint/pkg/comm"
)

// maxContraction caps the estimated contraction factor.
const maxContraction = 0.9

// Estimator predicts the number of iterations a window needs from the
// contraction of successive iterate differences.
type Estimator struct {
	ErrTol float64
	Safety float64

	diffOld   float64
	diffFirst float64

	// K is the last estimate, 0 before the second iteration.
	K int
}

// Reset forgets every difference seen so far.
func (e *Estimator) Reset() {
	e.diffOld = 0
	e.diffFirst = 0
	e.K = 0
}

// Update feeds the iterate difference of iteration iter and returns the
// estimated iteration count. ok is false while no estimate exists.
func (e *Estimator) Update(iter int, diffNew float64) (int, bool) {
	switch {
	case iter < 1:
		return 0, false
	case iter == 1:
		e.diffOld = diffNew
		e.diffFirst = diffNew
		return 0, false
	}

	if e.diffOld <= 0 {
		e.diffOld = diffNew
		e.K = 0
		return e.K, true
	}
	contraction := math.Min(diffNew/e.diffOld, maxContraction)
	e.diffOld = diffNew
	if contraction <= 0 {
		e.K = 0
		return e.K, true
	}

	alpha := e.diffFirst / (1 - contraction)
	if alpha == 0 {
		e.K = 0
		return e.K, true
	}
	e.K = int(math.Ceil(math.Log(e.ErrTol/alpha) / math.Log(contraction) * e.Safety))
	return e.K, true
}

// iterateDiff is the largest change of the finest-level nodes since the
// last snapshot.
func iterateDiff(l *Level) float64 {
	diff := 0.0
	for m := 1; m < len(l.U); m++ {
		if l.U[m] == nil || l.Prev[m] == nil {
			continue
		}
		diff = math.Max(diff, Distance(l.Prev[m], l.U[m]))
	}
	return diff
}

// exchangeEstimate forwards the running maximum of the iterate difference
// along the window.
func (c *Controller) exchangeEstimate(ctx context.Context, diff float64) (float64, error) {
	st := &c.step.Status

	if err := c.wait(ctx, &c.reqEst); err != nil {
		return 0, err
	}

	if !st.First && !st.PrevDone {
		c.debugComm("recv estimate", st.Prev, tagEstimate, 0)
		payload, err := c.recvFromPrev(ctx, tagEstimate)
		if err != nil {
			return 0, err
		}
		prev, err := comm.DecodeFloat64(payload)
		if err != nil {
			return 0, NewCommunicationError("decode estimate", err).WithSlot(st.Slot)
		}
		diff = math.Max(diff, prev)
	}

	if !st.Last {
		c.debugComm("isend estimate", st.Next, tagEstimate, 0)
		c.reqEst = c.comm.Isend(st.Next, tagEstimate, comm.EncodeFloat64(diff))
	}
	return diff, nil
}

// applyEstimate updates the estimator and stops the window once the last
// step expects no further gain.
func (c *Controller) applyEstimate(ctx context.Context, diffNew float64) error {
	st := &c.step.Status
	k, ok := c.est.Update(st.Iter, diffNew)
	if ok {
		c.logger.Debugf("iteration estimate at t=%g, iter %d: %d", c.step.Time(), st.Iter, k)
	}
	stop := ok && st.Last && k <= st.Iter

	if c.params.AllToDone {
		if st.Iter <= 1 {
			return nil
		}
		if err := c.emitComm(EventPreComm, 0, false); err != nil {
			return err
		}
		forced, err := comm.AllreduceBool(ctx, c.comm, stop, comm.OpLOR)
		if err != nil {
			return NewCommunicationError("reduce estimator decision", err).WithSlot(st.Slot)
		}
		if err := c.emitComm(EventPostComm, 0, false); err != nil {
			return err
		}
		if forced {
			st.ForceDone = true
			st.Done = true
		}
		return nil
	}

	if !stop {
		return nil
	}
	st.ForceDone = true
	st.Done = true
	return c.announce(ctx, true)
}
