package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openpint/openpint/pkg/comm"
)

// Message tags. Data tags encode (iteration, level); the control tags sit
// above every data tag.
const (
	levelStride  = 64
	tagStatus    = 1 << 20
	tagEstimate  = tagStatus + 1
	tagInterrupt = tagStatus + 2
)

func dataTag(iter, level int) int {
	return iter*levelStride + level
}

// TagChannel names the channel a message tag belongs to: "data",
// "status", "estimate", "interrupt", or "collective" for the reserved
// negative tags.
func TagChannel(tag int) string {
	switch {
	case tag < 0:
		return "collective"
	case tag == tagStatus:
		return "status"
	case tag == tagEstimate:
		return "estimate"
	case tag == tagInterrupt:
		return "interrupt"
	default:
		return "data"
	}
}

// wait completes a pending send handle and clears it.
func (c *Controller) wait(ctx context.Context, req *comm.Request) error {
	if *req == nil {
		return nil
	}
	err := (*req).Wait(ctx)
	*req = nil
	if err != nil {
		return NewCommunicationError("wait for pending send", err).WithSlot(c.step.Status.Slot)
	}
	return nil
}

// drainRequests waits on every outstanding handle.
func (c *Controller) drainRequests(ctx context.Context) error {
	for l := range c.reqSend {
		if err := c.wait(ctx, &c.reqSend[l]); err != nil {
			return err
		}
	}
	if err := c.wait(ctx, &c.reqStatus); err != nil {
		return err
	}
	return c.wait(ctx, &c.reqEst)
}

// cancelRequests cancels every outstanding handle.
func (c *Controller) cancelRequests() {
	for l, req := range c.reqSend {
		if req != nil {
			req.Cancel()
			c.reqSend[l] = nil
		}
	}
	if c.reqStatus != nil {
		c.reqStatus.Cancel()
		c.reqStatus = nil
	}
	if c.reqEst != nil {
		c.reqEst.Cancel()
		c.reqEst = nil
	}
}

// sendEnd computes the end point of level l and starts sending it to the
// successor.
func (c *Controller) sendEnd(ctx context.Context, l int) error {
	st := &c.step.Status
	lvl := c.step.Levels[l]

	if err := c.wait(ctx, &c.reqSend[l]); err != nil {
		return err
	}
	if err := lvl.Sweeper.ComputeEndPoint(lvl); err != nil {
		return c.collaboratorError("compute end point", l, err)
	}
	if st.Last {
		return nil
	}

	payload, err := lvl.UEnd.MarshalBinary()
	if err != nil {
		return c.collaboratorError("encode end point", l, err)
	}
	tag := dataTag(st.Iter, l)
	c.debugComm("isend data", st.Next, tag, l)
	c.reqSend[l] = c.comm.Isend(st.Next, tag, payload)
	return nil
}

// sendEndBlocking is sendEnd with a blocking send, used by the predictors.
func (c *Controller) sendEndBlocking(ctx context.Context, l int) error {
	st := &c.step.Status
	lvl := c.step.Levels[l]

	if err := lvl.Sweeper.ComputeEndPoint(lvl); err != nil {
		return c.collaboratorError("compute end point", l, err)
	}
	if st.Last {
		return nil
	}

	payload, err := lvl.UEnd.MarshalBinary()
	if err != nil {
		return c.collaboratorError("encode end point", l, err)
	}
	tag := dataTag(st.Iter, l)
	c.debugComm("send data predict", st.Next, tag, l)
	if err := c.comm.Send(ctx, st.Next, tag, payload); err != nil {
		return NewCommunicationError("send predictor data", err).WithSlot(st.Slot)
	}
	return nil
}

// recvStart receives the predecessor's end point into U[0] of level l and
// re-evaluates F[0]. It is a no-op for the first step and once the
// predecessor is done.
func (c *Controller) recvStart(ctx context.Context, l int) error {
	st := &c.step.Status
	if st.First || st.PrevDone {
		return nil
	}
	lvl := c.step.Levels[l]
	tag := dataTag(st.Iter, l)

	c.debugComm("recv data", st.Prev, tag, l)
	payload, err := c.recvFromPrev(ctx, tag)
	if err != nil {
		return err
	}

	if lvl.U[0] == nil {
		lvl.U[0] = lvl.Problem.Init()
	}
	if err := lvl.U[0].UnmarshalBinary(payload); err != nil {
		return c.collaboratorError("decode start value", l, err)
	}
	if lvl.F[0], err = lvl.Problem.EvalF(lvl.U[0], lvl.Time); err != nil {
		return c.collaboratorError("evaluate f at start value", l, err)
	}
	return nil
}

// exchange is the per-sweep neighbour exchange of level l wrapped in the
// communication hooks.
func (c *Controller) exchange(ctx context.Context, l int, addToStats bool) error {
	if err := c.emitComm(EventPreComm, l, false); err != nil {
		return err
	}
	if err := c.sendEnd(ctx, l); err != nil {
		return err
	}
	if err := c.recvStart(ctx, l); err != nil {
		return err
	}
	return c.emitComm(EventPostComm, l, addToStats)
}

// recvFromPrev blocks for a message from the predecessor. While the
// estimator's interrupt ring is active it also wakes on interrupt tokens;
// a forced token aborts the receive with errInterrupted.
func (c *Controller) recvFromPrev(ctx context.Context, tag int) ([]byte, error) {
	st := &c.step.Status
	if !c.ringInterrupt() {
		payload, err := c.comm.Recv(ctx, st.Prev, tag)
		if err != nil {
			return nil, c.recvError(tag, err)
		}
		return payload, nil
	}

	for {
		got, payload, err := c.comm.RecvAny(ctx, st.Prev, tag, tagInterrupt)
		if err != nil {
			return nil, c.recvError(tag, err)
		}
		if got == tag {
			return payload, nil
		}
		forced, err := c.takeToken(ctx, payload)
		if err != nil {
			return nil, err
		}
		if forced {
			return nil, errInterrupted
		}
	}
}

func (c *Controller) recvError(tag int, err error) error {
	st := c.step.Status
	return NewCommunicationError(fmt.Sprintf("receive tag %d from %d", tag, st.Prev), err).
		WithSlot(st.Slot).
		WithOperation(string(st.Stage))
}

func (c *Controller) collaboratorError(op string, level int, err error) error {
	st := c.step.Status
	return NewControlError(op, err).
		WithCode(ErrCodeCollaborator).
		WithSlot(st.Slot).
		WithOperation(string(st.Stage)).
		WithDetail("level", level)
}

// debugComm logs one message the way every exchange is traced.
func (c *Controller) debugComm(action string, peer, tag, level int) {
	if !c.logger.Enabled(zerolog.DebugLevel) {
		return
	}
	st := c.step.Status
	c.logger.WithFields(map[string]interface{}{
		"slot":  st.Slot,
		"stage": st.Stage,
		"time":  c.step.Time(),
		"peer":  peer,
		"tag":   tag,
		"level": level,
		"iter":  st.Iter,
	}).Debug(action)
}
