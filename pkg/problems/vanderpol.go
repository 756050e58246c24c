package problems

import (
	"errors"
	"fmt"
	"math"

	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/field"
)

// ErrNoExactSolution is returned by Exact of problems without a closed
// form solution.
var ErrNoExactSolution = errors.New("problem has no exact solution")

// VanDerPol is the oscillator x'' = mu (1 - x^2) x' - x written as a
// first-order system in (x, x'). Implicit solves use Newton's method.
type VanDerPol struct {
	Mu     float64
	U0     [2]float64
	Newton NewtonParams
}

// NewVanDerPol returns the oscillator with damping mu.
func NewVanDerPol(mu float64, u0 [2]float64, newton NewtonParams) *VanDerPol {
	return &VanDerPol{Mu: mu, U0: u0, Newton: newton}
}

func (p *VanDerPol) Init() engine.State {
	return field.NewVector(2)
}

func (p *VanDerPol) InitialValue() engine.State {
	return field.FromSlice(p.U0[:])
}

func (p *VanDerPol) rhs(x, y float64) (float64, float64) {
	return y, p.Mu*(1-x*x)*y - x
}

func (p *VanDerPol) EvalF(u engine.State, _ float64) (engine.RHS, error) {
	v := field.As(u)
	fx, fy := p.rhs(v.At(0), v.At(1))
	return engine.RHS{Impl: field.FromSlice([]float64{fx, fy})}, nil
}

// SolveSystem solves u - factor f(u) = rhs.
func (p *VanDerPol) SolveSystem(rhs engine.State, factor float64, guess engine.State, _ float64) (engine.State, error) {
	r := field.As(rhs)
	g := field.As(guess)
	x, y := g.At(0), g.At(1)

	for n := 0; n < p.Newton.MaxIter; n++ {
		fx, fy := p.rhs(x, y)
		g0 := x - factor*fx - r.At(0)
		g1 := y - factor*fy - r.At(1)
		if math.Max(math.Abs(g0), math.Abs(g1)) < p.Newton.Tol {
			return field.FromSlice([]float64{x, y}), nil
		}

		// Jacobian of g: I - factor * Df.
		a := 1.0
		b := -factor
		c := -factor * (-2*p.Mu*x*y - 1)
		d := 1 - factor*p.Mu*(1-x*x)
		det := a*d - b*c
		if det == 0 {
			return nil, fmt.Errorf("vanderpol: singular jacobian at (%g, %g)", x, y)
		}
		x -= (d*g0 - b*g1) / det
		y -= (a*g1 - c*g0) / det
	}
	return nil, fmt.Errorf("vanderpol: newton did not converge in %d iterations", p.Newton.MaxIter)
}

func (p *VanDerPol) Exact(float64) (engine.State, error) {
	return nil, ErrNoExactSolution
}
