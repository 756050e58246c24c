package sdc

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/openpint/openpint/pkg/engine"
)

// Implicit preconditioners.
const (
	// QIImplicitEuler uses the node spacings on and below the diagonal.
	QIImplicitEuler = "IE"

	// QILU uses the upper factor of the LU decomposition of Q^T.
	QILU = "LU"
)

// Initial guesses of Predict.
const (
	// GuessSpread copies U[0] to every node.
	GuessSpread = "spread"

	// GuessZero starts every node from zero.
	GuessZero = "zero"
)

// SweeperParams configure an IMEX sweeper.
type SweeperParams struct {
	// QIType is the implicit preconditioner, IE or LU.
	QIType string `json:"qi_type"`

	// InitialGuess is spread or zero.
	InitialGuess string `json:"initial_guess"`

	// DoCollUpdate computes the end point by quadrature.
	DoCollUpdate bool `json:"do_coll_update"`
}

// Sweeper is a first-order IMEX SDC sweeper: implicit parts are corrected
// with QI, explicit parts with forward-Euler QE.
type Sweeper struct {
	coll   *Collocation
	params SweeperParams

	// qi and qe are (M+1)x(M+1) with row and column 0 for the left
	// boundary.
	qi [][]float64
	qe [][]float64
}

var _ engine.Sweeper = (*Sweeper)(nil)

// NewSweeper creates a sweeper on coll.
func NewSweeper(coll *Collocation, params SweeperParams) (*Sweeper, error) {
	if coll == nil {
		return nil, fmt.Errorf("sweeper needs a collocation rule")
	}
	if params.QIType == "" {
		params.QIType = QIImplicitEuler
	}
	if params.InitialGuess == "" {
		params.InitialGuess = GuessSpread
	}
	if params.InitialGuess != GuessSpread && params.InitialGuess != GuessZero {
		return nil, fmt.Errorf("invalid initial guess: %s", params.InitialGuess)
	}

	s := &Sweeper{coll: coll, params: params}
	var err error
	if s.qi, err = implicitPreconditioner(coll, params.QIType); err != nil {
		return nil, err
	}
	s.qe = explicitEuler(coll)
	return s, nil
}

// Collocation returns the sweeper's rule.
func (s *Sweeper) Collocation() *Collocation {
	return s.coll
}

// Nodes returns the collocation nodes.
func (s *Sweeper) Nodes() []float64 {
	return s.coll.Nodes
}

// RightIsNode reports whether 1 is a node.
func (s *Sweeper) RightIsNode() bool {
	return s.coll.RightIsNode
}

// CollUpdate reports whether the end point is integrated.
func (s *Sweeper) CollUpdate() bool {
	return s.params.DoCollUpdate
}

func square(n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	return out
}

func implicitPreconditioner(coll *Collocation, kind string) ([][]float64, error) {
	m := coll.M()
	qi := square(m + 1)
	switch kind {
	case QIImplicitEuler:
		delta := coll.Delta()
		for row := 1; row <= m; row++ {
			for j := 1; j <= row; j++ {
				qi[row][j] = delta[j-1]
			}
		}
	case QILU:
		var qt mat.Dense
		qt.CloneFrom(coll.Q.T())
		var lu mat.LU
		lu.Factorize(&qt)
		var u mat.TriDense
		lu.UTo(&u)
		for row := 1; row <= m; row++ {
			for j := 1; j <= m; j++ {
				qi[row][j] = u.At(j-1, row-1)
			}
		}
	default:
		return nil, fmt.Errorf("invalid implicit preconditioner: %s", kind)
	}
	return qi, nil
}

func explicitEuler(coll *Collocation) [][]float64 {
	m := coll.M()
	qe := square(m + 1)
	delta := coll.Delta()
	for row := 1; row <= m; row++ {
		for j := 0; j < row; j++ {
			qe[row][j] = delta[j]
		}
	}
	return qe
}

// addRHS adds a*impl + b*expl of f to dst. Missing parts count as zero.
func addRHS(dst engine.State, a, b float64, f engine.RHS) {
	if a != 0 && f.Impl != nil {
		dst.Axpy(a, f.Impl)
	}
	if b != 0 && f.Expl != nil {
		dst.Axpy(b, f.Expl)
	}
}

// Predict evaluates F[0] and fills the nodes with the initial guess.
func (s *Sweeper) Predict(l *engine.Level) error {
	if l.U[0] == nil {
		return fmt.Errorf("predict: level %d has no initial value", l.Index)
	}
	var err error
	if l.F[0], err = l.Problem.EvalF(l.U[0], l.Time); err != nil {
		return fmt.Errorf("predict: %w", err)
	}

	for m := 1; m <= s.coll.M(); m++ {
		if s.params.InitialGuess == GuessSpread {
			l.U[m] = l.U[0].Copy()
			if l.F[m], err = l.Problem.EvalF(l.U[m], l.NodeTime(m)); err != nil {
				return fmt.Errorf("predict: %w", err)
			}
			continue
		}
		l.U[m] = l.Problem.Init()
		l.F[m] = engine.RHS{Impl: l.Problem.Init(), Expl: l.Problem.Init()}
	}
	return nil
}

// Integrate returns dt * Q F for every node.
func (s *Sweeper) Integrate(l *engine.Level) ([]engine.State, error) {
	m := s.coll.M()
	out := make([]engine.State, m)
	for row := 0; row < m; row++ {
		acc := l.Problem.Init()
		for j := 0; j < m; j++ {
			q := l.Dt * s.coll.Q.At(row, j)
			addRHS(acc, q, q, l.F[j+1])
		}
		out[row] = acc
	}
	return out, nil
}

// UpdateNodes performs one Gauss-Seidel sweep over the nodes.
func (s *Sweeper) UpdateNodes(l *engine.Level) error {
	m := s.coll.M()

	// u0 + QF(u^k) - QI FI(u^k) - QE FE(u^k) + tau
	integral, err := s.Integrate(l)
	if err != nil {
		return err
	}
	for row := 0; row < m; row++ {
		for j := 0; j <= m; j++ {
			addRHS(integral[row], -l.Dt*s.qi[row+1][j], -l.Dt*s.qe[row+1][j], l.F[j])
		}
		integral[row].Axpy(1, l.U[0])
		if l.Tau != nil && l.Tau[row] != nil {
			integral[row].Axpy(1, l.Tau[row])
		}
	}

	for row := 0; row < m; row++ {
		rhs := integral[row]
		for j := 0; j <= row; j++ {
			addRHS(rhs, l.Dt*s.qi[row+1][j], l.Dt*s.qe[row+1][j], l.F[j])
		}

		t := l.NodeTime(row + 1)
		guess := l.U[row+1]
		if guess == nil {
			guess = l.Problem.Init()
		}
		u, err := l.Problem.SolveSystem(rhs, l.Dt*s.qi[row+1][row+1], guess, t)
		if err != nil {
			return fmt.Errorf("solve at node %d: %w", row+1, err)
		}
		l.U[row+1] = u
		if l.F[row+1], err = l.Problem.EvalF(u, t); err != nil {
			return fmt.Errorf("evaluate f at node %d: %w", row+1, err)
		}
	}
	return nil
}

// ComputeResidual stores max_m |u0 + QF - u_m + tau_m| in l.Residual.
func (s *Sweeper) ComputeResidual(l *engine.Level) error {
	res, err := s.Integrate(l)
	if err != nil {
		return err
	}

	norm := 0.0
	for m, r := range res {
		r.Axpy(1, l.U[0])
		r.Axpy(-1, l.U[m+1])
		if l.Tau != nil && l.Tau[m] != nil {
			r.Axpy(1, l.Tau[m])
		}
		if n := r.Norm(); n > norm {
			norm = n
		}
	}
	l.Residual = norm
	return nil
}

// ComputeEndPoint takes the last node or integrates over the interval.
func (s *Sweeper) ComputeEndPoint(l *engine.Level) error {
	m := s.coll.M()
	if s.coll.RightIsNode && !s.params.DoCollUpdate {
		l.UEnd = l.U[m].Copy()
		return nil
	}

	uend := l.U[0].Copy()
	for j := 0; j < m; j++ {
		w := l.Dt * s.coll.Weights[j]
		addRHS(uend, w, w, l.F[j+1])
	}
	if l.Tau != nil && l.Tau[m-1] != nil {
		uend.Axpy(1, l.Tau[m-1])
	}
	l.UEnd = uend
	return nil
}
