package engine

import (
	"errors"
	"math"

	"github.com/openpint/openpint/pkg/comm"
)

// scalar is a one-value State.
type scalar struct{ v float64 }

func (s *scalar) Copy() State { return &scalar{v: s.v} }
func (s *scalar) CopyFrom(src State) { s.v = src.(*scalar).v }
func (s *scalar) Axpy(a float64, x State) { s.v += a * x.(*scalar).v }
func (s *scalar) Scale(a float64) { s.v *= a }
func (s *scalar) Norm() float64 { return math.Abs(s.v) }

func (s *scalar) MarshalBinary() ([]byte, error) {
	return comm.EncodeFloat64(s.v), nil
}

func (s *scalar) UnmarshalBinary(data []byte) error {
	v, err := comm.DecodeFloat64(data)
	if err != nil {
		return err
	}
	s.v = v
	return nil
}

// constProblem is u' = 0.
type constProblem struct{}

func (constProblem) Init() State { return &scalar{} }

func (constProblem) EvalF(u State, _ float64) (RHS, error) {
	return RHS{Impl: &scalar{}}, nil
}

func (constProblem) SolveSystem(rhs State, _ float64, _ State, _ float64) (State, error) {
	return rhs.Copy(), nil
}

func (constProblem) Exact(float64) (State, error) {
	return nil, errors.New("no exact solution")
}

// copySweeper keeps every node at the start value, so the residual is
// always zero.
type copySweeper struct {
	nodes      []float64
	rightNode  bool
	collUpdate bool
}

func newCopySweeper() *copySweeper {
	return &copySweeper{nodes: []float64{0.5, 1}, rightNode: true}
}

func (s *copySweeper) Predict(l *Level) error {
	for m := 1; m < len(l.U); m++ {
		l.U[m] = l.U[0].Copy()
		l.F[m] = RHS{Impl: &scalar{}}
	}
	l.F[0] = RHS{Impl: &scalar{}}
	return nil
}

func (s *copySweeper) UpdateNodes(l *Level) error {
	return s.Predict(l)
}

func (s *copySweeper) ComputeResidual(l *Level) error {
	l.Residual = 0
	return nil
}

func (s *copySweeper) ComputeEndPoint(l *Level) error {
	l.UEnd = l.U[len(l.U)-1].Copy()
	return nil
}

func (s *copySweeper) Integrate(l *Level) ([]State, error) {
	out := make([]State, len(l.U)-1)
	for m := range out {
		out[m] = &scalar{}
	}
	return out, nil
}

func (s *copySweeper) Nodes() []float64 { return s.nodes }
func (s *copySweeper) RightIsNode() bool { return s.rightNode }
func (s *copySweeper) CollUpdate() bool { return s.collUpdate }

// copyTransfer copies the left boundary between levels.
type copyTransfer struct{}

func (copyTransfer) Restrict(fine, coarse *Level) error {
	coarse.Time = fine.Time
	coarse.U[0] = fine.U[0].Copy()
	return coarse.Sweeper.Predict(coarse)
}

func (copyTransfer) Prolong(coarse, fine *Level) error {
	return nil
}

// newCopyStep builds a step of the given number of levels over copySweepers.
func newCopyStep(levels int, dt float64, sweepers ...*copySweeper) (*Step, error) {
	ls := make([]*Level, levels)
	ts := make([]Transfer, levels-1)
	for i := range ls {
		sw := newCopySweeper()
		if i < len(sweepers) && sweepers[i] != nil {
			sw = sweepers[i]
		}
		l, err := NewLevel(i, constProblem{}, sw, LevelParams{Sweeps: 1, Dt: dt})
		if err != nil {
			return nil, err
		}
		ls[i] = l
		if i > 0 {
			ts[i-1] = copyTransfer{}
		}
	}
	return NewStep(ls, ts)
}
