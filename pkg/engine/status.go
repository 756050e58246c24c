package engine

import (
	"fmt"
)

// RunStatus represents the overall status of a run.
type RunStatus string

const (
	// RunStatusPending indicates the run is set up but has not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every rank finished.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates a rank returned an error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled by the user.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// Stage is the position of a step in the controller state machine.
type Stage string

const (
	// StageSpread runs the sweeper's predictor on the finest level.
	StageSpread Stage = "SPREAD"

	// StagePredict runs the configured multi-level predictor.
	StagePredict Stage = "PREDICT"

	// StageCheck exchanges end points, residual and status.
	StageCheck Stage = "IT_CHECK"

	// StageFine sweeps the finest level.
	StageFine Stage = "IT_FINE"

	// StageDown restricts and sweeps towards the coarsest level.
	StageDown Stage = "IT_DOWN"

	// StageCoarse sweeps the coarsest level once.
	StageCoarse Stage = "IT_COARSE"

	// StageUp prolongs corrections towards the finest level.
	StageUp Stage = "IT_UP"

	// StageDone is terminal.
	StageDone Stage = "DONE"
)

// IsTerminal returns true for StageDone.
func (s Stage) IsTerminal() bool {
	return s == StageDone
}

// Validate checks if the stage is valid.
func (s Stage) Validate() error {
	switch s {
	case StageSpread, StagePredict, StageCheck, StageFine,
		StageDown, StageCoarse, StageUp, StageDone:
		return nil
	default:
		return fmt.Errorf("invalid stage: %s", s)
	}
}

// PredictorType selects the multi-level predictor.
type PredictorType string

const (
	// PredictNone skips prediction.
	PredictNone PredictorType = "none"

	// PredictFineOnly runs one sweep on the finest level.
	PredictFineOnly PredictorType = "fine_only"

	// PredictLibpfasst restricts to the coarsest level, sweeps there once
	// after receiving from the predecessor and unwinds with sweeps.
	PredictLibpfasst PredictorType = "libpfasst_style"

	// PredictBurnin sweeps the coarsest level once per predecessor.
	PredictBurnin PredictorType = "pfasst_burnin"

	// PredictFMG is declared for full multigrid prediction but refused.
	PredictFMG PredictorType = "fmg"
)

// Validate checks if the predictor type is known. The empty type means
// PredictNone.
func (p PredictorType) Validate() error {
	switch p {
	case "", PredictNone, PredictFineOnly, PredictLibpfasst, PredictBurnin, PredictFMG:
		return nil
	default:
		return fmt.Errorf("invalid predictor type: %s", p)
	}
}

// StepStatus is the per-block control state of a step.
type StepStatus struct {
	// Slot is the step's rank in the active window.
	Slot int `json:"slot"`

	// Prev and Next are the ring neighbours of Slot.
	Prev int `json:"prev"`
	Next int `json:"next"`

	// First and Last mark the ends of the window.
	First bool `json:"first"`
	Last  bool `json:"last"`

	// Stage is the current state machine stage.
	Stage Stage `json:"stage"`

	// Iter is the iteration count, incremented only in IT_CHECK.
	Iter int `json:"iter"`

	// Done is set when the step has converged or was stopped.
	Done bool `json:"done"`

	// PrevDone is set once the predecessor reported done.
	PrevDone bool `json:"prev_done"`

	// ForceDone is set by the iteration estimator.
	ForceDone bool `json:"force_done"`

	// TimeSize is the number of steps in the window.
	TimeSize int `json:"time_size"`
}

// Restart resets the status for a new block of size steps.
func (s *StepStatus) Restart(slot, size int) {
	*s = StepStatus{
		Slot:     slot,
		Prev:     mod(slot-1, size),
		Next:     mod(slot+1, size),
		Stage:    StageSpread,
		TimeSize: size,
	}
	s.First = s.Prev == size-1
	s.Last = s.Next == 0
}

func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}
