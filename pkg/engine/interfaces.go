package engine

import (
	"encoding"
)

// State is a solution value at one collocation node. Implementations own
// their storage; all arithmetic is in place.
type State interface {
	// Copy returns a deep copy.
	Copy() State

	// CopyFrom overwrites the receiver with src.
	CopyFrom(src State)

	// Axpy adds a*x to the receiver.
	Axpy(a float64, x State)

	// Scale multiplies the receiver by a.
	Scale(a float64)

	// Norm returns the max-abs norm.
	Norm() float64

	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Distance returns Norm(a - b).
func Distance(a, b State) float64 {
	d := a.Copy()
	d.Axpy(-1, b)
	return d.Norm()
}

// RHS is a right-hand-side evaluation split into an implicit and an
// optional explicit part.
type RHS struct {
	Impl State
	Expl State
}

// Copy returns a deep copy of the evaluation.
func (r RHS) Copy() RHS {
	out := RHS{}
	if r.Impl != nil {
		out.Impl = r.Impl.Copy()
	}
	if r.Expl != nil {
		out.Expl = r.Expl.Copy()
	}
	return out
}

// Sum returns Impl + Expl as a new state.
func (r RHS) Sum() State {
	out := r.Impl.Copy()
	if r.Expl != nil {
		out.Axpy(1, r.Expl)
	}
	return out
}

// Problem is the differential equation solved on one level.
type Problem interface {
	// Init returns a zero state of the problem's shape.
	Init() State

	// EvalF evaluates the right-hand side at (u, t).
	EvalF(u State, t float64) (RHS, error)

	// SolveSystem solves u - factor*f_impl(u, t) = rhs starting from guess.
	SolveSystem(rhs State, factor float64, guess State, t float64) (State, error)

	// Exact returns the exact solution at t. Problems without one return
	// an error.
	Exact(t float64) (State, error)
}

// Sweeper performs the node-wise corrections of one level.
type Sweeper interface {
	// Predict fills U[1:] and F from U[0].
	Predict(l *Level) error

	// UpdateNodes performs one correction sweep over the nodes.
	UpdateNodes(l *Level) error

	// ComputeResidual stores the max-abs collocation residual in
	// l.Residual.
	ComputeResidual(l *Level) error

	// ComputeEndPoint stores the value at the right interval boundary in
	// l.UEnd.
	ComputeEndPoint(l *Level) error

	// Integrate returns dt * Q F for every node 1..M.
	Integrate(l *Level) ([]State, error)

	// Nodes returns the collocation nodes in [0, 1].
	Nodes() []float64

	// RightIsNode reports whether the right boundary is a node.
	RightIsNode() bool

	// CollUpdate reports whether the end point is computed by a
	// quadrature update instead of taken from the last node.
	CollUpdate() bool
}

// Transfer moves level data between two adjacent levels.
type Transfer interface {
	// Restrict moves fine-level values and FAS corrections to coarse.
	Restrict(fine, coarse *Level) error

	// Prolong adds the coarse correction to the fine level.
	Prolong(coarse, fine *Level) error
}

// Hook observes controller lifecycle events. A returned error aborts the
// run.
type Hook interface {
	OnEvent(ev Event) error
}

// Resetter is implemented by hooks that keep statistics across events.
// Run calls Reset before the first block.
type Resetter interface {
	Reset()
}

// HookFunc adapts a function to the Hook interface.
type HookFunc func(ev Event) error

// OnEvent calls f(ev).
func (f HookFunc) OnEvent(ev Event) error {
	return f(ev)
}
