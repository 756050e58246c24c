package problems

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/field"
	"github.com/openpint/openpint/pkg/sdc"
)

// Heat1D is u_t = nu u_xx on (0, 1) with homogeneous Dirichlet boundaries,
// discretized by second-order finite differences on N interior points.
// The initial value is a single sine mode.
type Heat1D struct {
	N    int
	Nu   float64
	Freq int

	dx float64
	a  *mat.Dense

	// mu protects solvers
	mu      sync.Mutex
	solvers map[float64]*mat.LU
}

// NewHeat1D builds the problem on n interior points.
func NewHeat1D(n int, nu float64, freq int) (*Heat1D, error) {
	if n < 1 {
		return nil, fmt.Errorf("heat1d needs at least one interior point, got %d", n)
	}
	if nu <= 0 {
		return nil, fmt.Errorf("heat1d diffusion must be positive, got %g", nu)
	}

	p := &Heat1D{
		N:       n,
		Nu:      nu,
		Freq:    freq,
		dx:      1 / float64(n+1),
		a:       mat.NewDense(n, n, nil),
		solvers: make(map[float64]*mat.LU),
	}
	s := nu / (p.dx * p.dx)
	for i := 0; i < n; i++ {
		p.a.Set(i, i, -2*s)
		if i > 0 {
			p.a.Set(i, i-1, s)
		}
		if i < n-1 {
			p.a.Set(i, i+1, s)
		}
	}
	return p, nil
}

func (p *Heat1D) Init() engine.State {
	return field.NewVector(p.N)
}

func (p *Heat1D) InitialValue() engine.State {
	u, _ := p.Exact(0)
	return u
}

func (p *Heat1D) EvalF(u engine.State, _ float64) (engine.RHS, error) {
	out := field.NewVector(p.N)
	out.Dense().MulVec(p.a, field.As(u).Dense())
	return engine.RHS{Impl: out}, nil
}

// SolveSystem solves (I - factor A) u = rhs. Factorizations are cached per
// factor since a sweep uses only a few distinct ones.
func (p *Heat1D) SolveSystem(rhs engine.State, factor float64, _ engine.State, _ float64) (engine.State, error) {
	lu := p.solver(factor)
	out := field.NewVector(p.N)
	if err := lu.SolveVecTo(out.Dense(), false, field.As(rhs).Dense()); err != nil {
		return nil, fmt.Errorf("heat1d solve: %w", err)
	}
	return out, nil
}

func (p *Heat1D) solver(factor float64) *mat.LU {
	p.mu.Lock()
	defer p.mu.Unlock()

	if lu, ok := p.solvers[factor]; ok {
		return lu
	}
	m := mat.NewDense(p.N, p.N, nil)
	m.Scale(-factor, p.a)
	for i := 0; i < p.N; i++ {
		m.Set(i, i, m.At(i, i)+1)
	}
	lu := &mat.LU{}
	lu.Factorize(m)
	p.solvers[factor] = lu
	return lu
}

// Exact returns the decaying sine mode.
func (p *Heat1D) Exact(t float64) (engine.State, error) {
	k := float64(p.Freq) * math.Pi
	decay := math.Exp(-p.Nu * k * k * t)
	out := field.NewVector(p.N)
	for i := 0; i < p.N; i++ {
		out.Set(i, math.Sin(k*float64(i+1)*p.dx)*decay)
	}
	return out, nil
}

// Coarsen returns the problem on every second grid point and the transfer
// between both grids.
func (p *Heat1D) Coarsen() (engine.Problem, sdc.SpaceTransfer, error) {
	if p.N%2 == 0 || p.N < 3 {
		return nil, nil, fmt.Errorf("heat1d with %d points cannot be coarsened, need an odd count >= 3", p.N)
	}
	coarse, err := NewHeat1D((p.N-1)/2, p.Nu, p.Freq)
	if err != nil {
		return nil, nil, err
	}
	return coarse, MeshTransfer{}, nil
}

// MeshTransfer moves values between a grid of 2n+1 and one of n interior
// points: injection down, linear interpolation up.
type MeshTransfer struct{}

// Restrict injects every second fine point.
func (MeshTransfer) Restrict(fine engine.State) (engine.State, error) {
	f := field.As(fine)
	if f.Len()%2 == 0 {
		return nil, fmt.Errorf("mesh transfer: fine grid has even size %d", f.Len())
	}
	out := field.NewVector((f.Len() - 1) / 2)
	for i := 0; i < out.Len(); i++ {
		out.Set(i, f.At(2*i+1))
	}
	return out, nil
}

// Prolong interpolates linearly, using the zero boundary values.
func (MeshTransfer) Prolong(coarse engine.State) (engine.State, error) {
	c := field.As(coarse)
	nc := c.Len()
	out := field.NewVector(2*nc + 1)
	at := func(i int) float64 {
		if i < 0 || i >= nc {
			return 0
		}
		return c.At(i)
	}
	for i := 0; i <= nc; i++ {
		if i < nc {
			out.Set(2*i+1, c.At(i))
		}
		out.Set(2*i, (at(i-1)+at(i))/2)
	}
	return out, nil
}
