package problems

import (
	"fmt"
	"math"
)

// NewtonParams bound the nonlinear solves of implicit problems.
type NewtonParams struct {
	Tol     float64 `json:"newton_tol"`
	MaxIter int     `json:"newton_maxiter"`
}

// DefaultNewtonParams returns the tolerances used when none are set.
func DefaultNewtonParams() NewtonParams {
	return NewtonParams{Tol: 1e-12, MaxIter: 50}
}

// newtonScalar solves u - factor*f(u) = rhs with a central-difference
// derivative.
func newtonScalar(f func(u float64) (float64, error), rhs, factor, guess float64, p NewtonParams) (float64, error) {
	if factor == 0 {
		return rhs, nil
	}

	u := guess
	for n := 0; n < p.MaxIter; n++ {
		fu, err := f(u)
		if err != nil {
			return 0, err
		}
		g := u - factor*fu - rhs
		if math.Abs(g) < p.Tol {
			return u, nil
		}

		h := 1e-7 * math.Max(1, math.Abs(u))
		fp, err := f(u + h)
		if err != nil {
			return 0, err
		}
		fm, err := f(u - h)
		if err != nil {
			return 0, err
		}
		dg := 1 - factor*(fp-fm)/(2*h)
		if dg == 0 {
			return 0, fmt.Errorf("newton: singular derivative at u=%g", u)
		}
		u -= g / dg
	}
	return 0, fmt.Errorf("newton did not converge in %d iterations", p.MaxIter)
}
