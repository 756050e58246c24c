package engine

import (
	"fmt"
	"time"
)

// EventKind identifies a controller lifecycle point.
type EventKind string

const (
	EventPreSetup      EventKind = "pre_setup"
	EventPostSetup     EventKind = "post_setup"
	EventPreRun        EventKind = "pre_run"
	EventPostRun       EventKind = "post_run"
	EventPrePredict    EventKind = "pre_predict"
	EventPostPredict   EventKind = "post_predict"
	EventPreStep       EventKind = "pre_step"
	EventPostStep      EventKind = "post_step"
	EventPreIteration  EventKind = "pre_iteration"
	EventPostIteration EventKind = "post_iteration"
	EventPreSweep      EventKind = "pre_sweep"
	EventPostSweep     EventKind = "post_sweep"
	EventPreComm       EventKind = "pre_comm"
	EventPostComm      EventKind = "post_comm"
)

// EventKinds lists every kind in lifecycle order.
var EventKinds = []EventKind{
	EventPreSetup, EventPostSetup, EventPreRun, EventPostRun,
	EventPrePredict, EventPostPredict, EventPreStep, EventPostStep,
	EventPreIteration, EventPostIteration, EventPreSweep, EventPostSweep,
	EventPreComm, EventPostComm,
}

// Event is passed to every hook at a lifecycle point.
type Event struct {
	// Kind is the lifecycle point.
	Kind EventKind

	// Step is the observed step. It is nil for setup events of ranks that
	// hold no step yet and must not be retained after OnEvent returns.
	Step *Step

	// Level is the level the event refers to, -1 when none.
	Level int

	// Rank is the world rank of the controller.
	Rank int

	// Block is the index of the current block.
	Block int

	// AddToStats marks the communication event that closes an exchange.
	AddToStats bool

	// Interrupted is set on post_iteration and post_step of a step stopped
	// by an interrupt.
	Interrupted bool

	// Timestamp is when the event was emitted.
	Timestamp time.Time
}

// Status returns the step status, or a zero status when Step is nil.
func (e Event) Status() StepStatus {
	if e.Step == nil {
		return StepStatus{}
	}
	return e.Step.Status
}

// LevelData returns the referenced level, or nil.
func (e Event) LevelData() *Level {
	if e.Step == nil || e.Level < 0 || e.Level >= len(e.Step.Levels) {
		return nil
	}
	return e.Step.Levels[e.Level]
}

// hookSet invokes hooks synchronously in registration order.
type hookSet []Hook

func (h hookSet) emit(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for i, hook := range h {
		if err := hook.OnEvent(ev); err != nil {
			return NewControlError(fmt.Sprintf("hook %d failed on %s", i, ev.Kind), err).
				WithCode(ErrCodeHookFailed).
				WithOperation(string(ev.Kind))
		}
	}
	return nil
}

func (h hookSet) reset() {
	for _, hook := range h {
		if r, ok := hook.(Resetter); ok {
			r.Reset()
		}
	}
}
