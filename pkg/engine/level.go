package engine

import (
	"fmt"
)

// LevelParams are the per-level solver parameters.
type LevelParams struct {
	// Sweeps is the number of sweeps per visit of the level.
	Sweeps int `json:"sweeps"`

	// Restol is the residual tolerance. Only the finest level's value is
	// used for convergence.
	Restol float64 `json:"restol"`

	// Dt is the step size.
	Dt float64 `json:"dt"`
}

// Validate checks the parameters.
func (p LevelParams) Validate() error {
	if p.Sweeps < 1 {
		return fmt.Errorf("sweeps must be at least 1, got %d", p.Sweeps)
	}
	if p.Restol < 0 {
		return fmt.Errorf("restol must be non-negative, got %g", p.Restol)
	}
	if p.Dt <= 0 {
		return fmt.Errorf("dt must be positive, got %g", p.Dt)
	}
	return nil
}

// Level is one resolution of a step. Level 0 is the finest.
type Level struct {
	// Index is the position in the hierarchy.
	Index int

	// Problem and Sweeper are the level's collaborators.
	Problem Problem
	Sweeper Sweeper

	// Params are the level parameters.
	Params LevelParams

	// U holds M+1 values; U[0] is the left boundary.
	U []State

	// F holds the right-hand side at every entry of U.
	F []RHS

	// Tau holds M FAS corrections, nil when absent.
	Tau []State

	// Prev is a snapshot of U used by the estimator on the finest level
	// and by coarse-grid corrections on coarse levels.
	Prev []State

	// UEnd is the value at the right interval boundary.
	UEnd State

	// Residual is the last computed residual.
	Residual float64

	// Time and Dt describe the interval [Time, Time+Dt].
	Time float64
	Dt   float64

	// Sweep counts the sweeps of the current iteration.
	Sweep int
}

// NewLevel allocates a level for the sweeper's node count.
func NewLevel(index int, problem Problem, sweeper Sweeper, params LevelParams) (*Level, error) {
	if problem == nil || sweeper == nil {
		return nil, NewConfigurationError(fmt.Sprintf("level %d needs a problem and a sweeper", index), nil)
	}
	if err := params.Validate(); err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("level %d", index), err)
	}
	if len(sweeper.Nodes()) == 0 {
		return nil, NewConfigurationError(fmt.Sprintf("level %d has no collocation nodes", index), nil)
	}

	l := &Level{
		Index:   index,
		Problem: problem,
		Sweeper: sweeper,
		Params:  params,
		Dt:      params.Dt,
	}
	l.Reset()
	return l, nil
}

// NumNodes returns M.
func (l *Level) NumNodes() int {
	return len(l.Sweeper.Nodes())
}

// NodeTime returns the time of node m, 1 <= m <= M. Node 0 is l.Time.
func (l *Level) NodeTime(m int) float64 {
	if m == 0 {
		return l.Time
	}
	return l.Time + l.Dt*l.Sweeper.Nodes()[m-1]
}

// Reset clears every value of the level.
func (l *Level) Reset() {
	m := l.NumNodes()
	l.U = make([]State, m+1)
	l.F = make([]RHS, m+1)
	l.Prev = make([]State, m+1)
	l.Tau = nil
	l.UEnd = nil
	l.Residual = 0
	l.Sweep = 0
}

// Snapshot copies U into Prev.
func (l *Level) Snapshot() {
	for m, u := range l.U {
		if u == nil {
			l.Prev[m] = nil
			continue
		}
		if l.Prev[m] == nil {
			l.Prev[m] = u.Copy()
		} else {
			l.Prev[m].CopyFrom(u)
		}
	}
}
