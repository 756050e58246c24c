package engine

import "fmt"

// Step is one time interval with its level hierarchy.
type Step struct {
	// Levels are ordered finest first.
	Levels []*Level

	// Transfers[i] connects Levels[i] and Levels[i+1].
	Transfers []Transfer

	// Status is the per-block control state.
	Status StepStatus
}

// NewStep builds a step from a hierarchy and its transfers.
func NewStep(levels []*Level, transfers []Transfer) (*Step, error) {
	if len(levels) == 0 {
		return nil, NewConfigurationError("a step needs at least one level", nil)
	}
	if len(transfers) != len(levels)-1 {
		return nil, NewConfigurationError(
			fmt.Sprintf("%d levels need %d transfers, got %d", len(levels), len(levels)-1, len(transfers)), nil)
	}
	for i, l := range levels {
		if l.Index != i {
			return nil, NewConfigurationError(fmt.Sprintf("level at position %d has index %d", i, l.Index), nil)
		}
		if l.Params.Dt != levels[0].Params.Dt {
			return nil, NewConfigurationError("all levels of a step must share dt", nil)
		}
	}
	return &Step{Levels: levels, Transfers: transfers}, nil
}

// Fine returns the finest level.
func (s *Step) Fine() *Level {
	return s.Levels[0]
}

// Coarse returns the coarsest level.
func (s *Step) Coarse() *Level {
	return s.Levels[len(s.Levels)-1]
}

// Time returns the start of the step's interval.
func (s *Step) Time() float64 {
	return s.Levels[0].Time
}

// Dt returns the step size.
func (s *Step) Dt() float64 {
	return s.Levels[0].Dt
}

// Reset clears every level.
func (s *Step) Reset() {
	for _, l := range s.Levels {
		l.Reset()
	}
}

// Init seeds the left boundary of the finest level with u0.
func (s *Step) Init(u0 State) {
	s.Levels[0].U[0] = u0.Copy()
}

// Transfer restricts when target is coarser than source and prolongs
// otherwise. The levels must be adjacent.
func (s *Step) Transfer(source, target int) error {
	switch {
	case target == source+1 && target < len(s.Levels):
		if err := s.Transfers[source].Restrict(s.Levels[source], s.Levels[target]); err != nil {
			return fmt.Errorf("restrict %d->%d: %w", source, target, err)
		}
	case target == source-1 && target >= 0:
		if err := s.Transfers[target].Prolong(s.Levels[source], s.Levels[target]); err != nil {
			return fmt.Errorf("prolong %d->%d: %w", source, target, err)
		}
	default:
		return NewControlError(fmt.Sprintf("no transfer between levels %d and %d", source, target), nil)
	}
	return nil
}
