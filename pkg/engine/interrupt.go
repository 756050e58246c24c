package engine

import (
	"context"
	"errors"

	"github.com/openpint/openpint/pkg/comm"
)

// errInterrupted aborts a stage when a forced stop reaches the step.
var errInterrupted = errors.New("step interrupted by iteration estimator")

// interruptState tracks the stop token of one block. The last step
// originates the token, every other step relays it to its successor and
// the token returning to the last step acknowledges the stop.
type interruptState struct {
	announced    bool
	relayed      bool
	acknowledged bool
	interrupted  bool
}

// ringInterrupt reports whether stop decisions travel as a token along
// the window.
func (c *Controller) ringInterrupt() bool {
	return c.params.UseIterationEstimator && !c.params.AllToDone
}

// announce sends the stop token from the last step and waits until it
// has passed every other step.
func (c *Controller) announce(ctx context.Context, forced bool) error {
	st := &c.step.Status
	if !st.Last || c.intr.announced {
		return nil
	}
	c.intr.announced = true

	if forced {
		c.logger.Debugf("slot %d is done, sending to %d", st.Slot, st.Next)
	}
	c.debugComm("send interrupt", st.Next, tagInterrupt, 0)
	if err := c.comm.Send(ctx, st.Next, tagInterrupt, comm.EncodeBool(forced)); err != nil {
		return NewCommunicationError("send interrupt", err).WithSlot(st.Slot)
	}

	c.debugComm("wait interrupt", st.Prev, tagInterrupt, 0)
	if _, err := c.comm.Recv(ctx, st.Prev, tagInterrupt); err != nil {
		return c.recvError(tagInterrupt, err)
	}
	c.intr.acknowledged = true
	return nil
}

// takeToken handles a received token and relays it. It returns whether
// the token forces the step to stop.
func (c *Controller) takeToken(ctx context.Context, payload []byte) (bool, error) {
	st := &c.step.Status
	forced, err := comm.DecodeBool(payload)
	if err != nil {
		return false, NewCommunicationError("decode interrupt", err).WithSlot(st.Slot)
	}

	if st.Last {
		c.intr.acknowledged = true
		return forced, nil
	}
	if !c.intr.relayed {
		c.intr.relayed = true
		c.debugComm("relay interrupt", st.Next, tagInterrupt, 0)
		if err := c.comm.Send(ctx, st.Next, tagInterrupt, payload); err != nil {
			return false, NewCommunicationError("relay interrupt", err).WithSlot(st.Slot)
		}
	}
	return forced, nil
}

// pollInterrupt takes a token waiting from the predecessor without
// blocking. It returns whether the step must stop.
func (c *Controller) pollInterrupt(ctx context.Context) (bool, error) {
	st := &c.step.Status
	if !c.ringInterrupt() || c.intr.relayed || !c.comm.Iprobe(st.Prev, tagInterrupt) {
		return false, nil
	}
	payload, err := c.comm.Recv(ctx, st.Prev, tagInterrupt)
	if err != nil {
		return false, c.recvError(tagInterrupt, err)
	}
	return c.takeToken(ctx, payload)
}

// abort stops the step where it stands.
func (c *Controller) abort() error {
	st := &c.step.Status
	st.Done = true
	c.intr.interrupted = true
	c.logger.Debugf("slot %d interrupted in %s at iteration %d", st.Slot, st.Stage, st.Iter)

	if err := c.emitInterrupted(EventPostIteration); err != nil {
		return err
	}
	c.cancelRequests()
	st.Stage = StageDone
	return c.emitInterrupted(EventPostStep)
}

// finishInterrupt completes the token round of a step that reached DONE.
func (c *Controller) finishInterrupt(ctx context.Context) error {
	st := &c.step.Status
	if !c.ringInterrupt() {
		return nil
	}
	if st.Last {
		return c.announce(ctx, false)
	}
	if c.intr.relayed {
		return nil
	}

	c.debugComm("wait interrupt", st.Prev, tagInterrupt, 0)
	payload, err := c.comm.Recv(ctx, st.Prev, tagInterrupt)
	if err != nil {
		return c.recvError(tagInterrupt, err)
	}
	_, err = c.takeToken(ctx, payload)
	return err
}

func (c *Controller) emitInterrupted(kind EventKind) error {
	return c.hooks.emit(Event{
		Kind:        kind,
		Step:        c.step,
		Level:       0,
		Rank:        c.world.Rank(),
		Block:       c.block,
		Interrupted: true,
	})
}
