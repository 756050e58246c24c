package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openpint/openpint/pkg/comm"
)

// runBlock drives the state machine of one block until the step is done.
// Every block runs in its own message epoch so that messages left over
// by an interrupted block are never matched by the next one.
func (c *Controller) runBlock(ctx context.Context, group comm.Communicator) (BlockSummary, error) {
	c.comm = group.Epoch(c.block)
	defer func() { _ = c.comm.Free() }()

	st := &c.step.Status
	summary := BlockSummary{
		Index:     c.block,
		Slot:      st.Slot,
		Window:    st.TimeSize,
		TimeStart: c.step.Time(),
	}

	for !st.Stage.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return summary, NewControlError("run canceled", err).
				WithSlot(st.Slot).
				WithOperation(string(st.Stage))
		}

		stop, err := c.pollInterrupt(ctx)
		if err != nil {
			return summary, err
		}
		if stop {
			if err := c.abort(); err != nil {
				return summary, err
			}
			continue
		}

		stage, ok := c.stages[st.Stage]
		if !ok {
			return summary, NewControlError(fmt.Sprintf("weird stage, got %s", st.Stage), nil).
				WithCode(ErrCodeUnknownStage).
				WithSlot(st.Slot).
				WithOperation(string(st.Stage))
		}

		c.logger.Debugf("%s - slot %d", st.Stage, st.Slot)
		if err := stage(ctx); err != nil {
			if !errors.Is(err, errInterrupted) {
				return summary, err
			}
			if err := c.abort(); err != nil {
				return summary, err
			}
		}
	}

	if err := c.finishInterrupt(ctx); err != nil {
		return summary, err
	}

	summary.Iterations = st.Iter
	summary.Residual = c.step.Fine().Residual
	summary.Estimate = c.est.K
	summary.Interrupted = c.intr.interrupted
	c.logger.WithFields(map[string]interface{}{
		"block":      summary.Index,
		"slot":       summary.Slot,
		"iterations": summary.Iterations,
		"residual":   summary.Residual,
	}).Debug("block finished")
	return summary, nil
}
