package problems

import (
	"math"

	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/field"
)

// Dahlquist is u' = (lambda + lambda_expl) u with lambda treated
// implicitly and lambda_expl explicitly.
type Dahlquist struct {
	Lambda     float64
	LambdaExpl float64
	U0         float64
}

// NewDahlquist returns the test equation u' = lambda u, u(0) = u0.
func NewDahlquist(lambda, lambdaExpl, u0 float64) *Dahlquist {
	return &Dahlquist{Lambda: lambda, LambdaExpl: lambdaExpl, U0: u0}
}

func (p *Dahlquist) Init() engine.State {
	return field.NewVector(1)
}

func (p *Dahlquist) InitialValue() engine.State {
	return field.Scalar(p.U0)
}

func (p *Dahlquist) EvalF(u engine.State, _ float64) (engine.RHS, error) {
	x := field.As(u).At(0)
	f := engine.RHS{Impl: field.Scalar(p.Lambda * x)}
	if p.LambdaExpl != 0 {
		f.Expl = field.Scalar(p.LambdaExpl * x)
	}
	return f, nil
}

func (p *Dahlquist) SolveSystem(rhs engine.State, factor float64, _ engine.State, _ float64) (engine.State, error) {
	return field.Scalar(field.As(rhs).At(0) / (1 - factor*p.Lambda)), nil
}

func (p *Dahlquist) Exact(t float64) (engine.State, error) {
	return field.Scalar(p.U0 * math.Exp((p.Lambda+p.LambdaExpl)*t)), nil
}
