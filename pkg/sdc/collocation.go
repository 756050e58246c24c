// Package sdc implements spectral deferred corrections on collocation
// nodes: node families, the IMEX sweeper and the FAS transfer between
// levels.
package sdc

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/integrate/quad"
	"gonum.org/v1/gonum/mat"
)

// NodeType selects a family of collocation nodes on [0, 1].
type NodeType string

const (
	// RadauRight nodes end in 1.
	RadauRight NodeType = "radau_right"

	// EquidistantRight nodes are i/M for i = 1..M.
	EquidistantRight NodeType = "equidistant_right"

	// Lobatto nodes include both interval ends.
	Lobatto NodeType = "lobatto"

	// Legendre nodes exclude both interval ends.
	Legendre NodeType = "legendre"
)

// Validate checks if the node type is known.
func (n NodeType) Validate() error {
	switch n {
	case RadauRight, EquidistantRight, Lobatto, Legendre:
		return nil
	default:
		return fmt.Errorf("invalid node type: %s", n)
	}
}

// Collocation holds nodes and quadrature of one collocation rule.
type Collocation struct {
	Type NodeType

	// Nodes are the M nodes in [0, 1].
	Nodes []float64

	// Weights integrate the Lagrange basis over [0, 1].
	Weights []float64

	// Q[m][j] integrates the j-th Lagrange polynomial from 0 to Nodes[m].
	Q *mat.Dense

	LeftIsNode  bool
	RightIsNode bool
}

// NewCollocation builds the rule with m nodes of the given family.
func NewCollocation(kind NodeType, m int) (*Collocation, error) {
	nodes, err := collocationNodes(kind, m)
	if err != nil {
		return nil, err
	}

	c := &Collocation{
		Type:        kind,
		Nodes:       nodes,
		LeftIsNode:  nodes[0] == 0,
		RightIsNode: nodes[len(nodes)-1] == 1,
	}
	if err := c.buildQuadrature(); err != nil {
		return nil, err
	}
	return c, nil
}

// M returns the number of nodes.
func (c *Collocation) M() int {
	return len(c.Nodes)
}

// Delta returns the node spacings, the first measured from 0.
func (c *Collocation) Delta() []float64 {
	delta := make([]float64, len(c.Nodes))
	prev := 0.0
	for i, n := range c.Nodes {
		delta[i] = n - prev
		prev = n
	}
	return delta
}

func collocationNodes(kind NodeType, m int) ([]float64, error) {
	switch kind {
	case RadauRight, EquidistantRight, Legendre:
		if m < 1 {
			return nil, fmt.Errorf("%s collocation needs at least 1 node, got %d", kind, m)
		}
	case Lobatto:
		if m < 2 {
			return nil, fmt.Errorf("%s collocation needs at least 2 nodes, got %d", kind, m)
		}
	default:
		return nil, fmt.Errorf("invalid node type: %s", kind)
	}

	nodes := make([]float64, 0, m)
	switch kind {
	case RadauRight:
		// Interior nodes are the roots of P^(1,0)_{m-1}.
		nodes = append(nodes, jacobiRoots(m-1, 1, 0)...)
		nodes = append(nodes, 1)
	case EquidistantRight:
		for i := 1; i <= m; i++ {
			nodes = append(nodes, float64(i)/float64(m))
		}
	case Lobatto:
		// Interior nodes are the roots of P^(1,1)_{m-2}.
		nodes = append(nodes, 0)
		nodes = append(nodes, jacobiRoots(m-2, 1, 1)...)
		nodes = append(nodes, 1)
	case Legendre:
		weights := make([]float64, m)
		nodes = nodes[:m]
		quad.Legendre{}.FixedLocations(nodes, weights, 0, 1)
		slices.Sort(nodes)
	}
	return nodes, nil
}

// jacobiRoots returns the n roots of the Jacobi polynomial P^(alpha,beta)_n
// mapped from [-1, 1] to [0, 1], in increasing order. The roots are the
// eigenvalues of the symmetric tridiagonal Jacobi matrix (Golub-Welsch).
func jacobiRoots(n int, alpha, beta float64) []float64 {
	if n == 0 {
		return nil
	}
	ab := alpha + beta
	j := mat.NewSymDense(n, nil)
	j.SetSym(0, 0, (beta-alpha)/(ab+2))
	for k := 1; k < n; k++ {
		fk := float64(k)
		s := 2*fk + ab
		j.SetSym(k, k, (beta*beta-alpha*alpha)/(s*(s+2)))
		off := 4 * fk * (fk + alpha) * (fk + beta) * (fk + ab) / (s * s * (s + 1) * (s - 1))
		j.SetSym(k-1, k, math.Sqrt(off))
	}

	var es mat.EigenSym
	if !es.Factorize(j, false) {
		// A symmetric tridiagonal matrix always factorizes.
		panic("sdc: jacobi matrix eigendecomposition failed")
	}
	roots := es.Values(nil)
	for i, x := range roots {
		roots[i] = (x + 1) / 2
	}
	slices.Sort(roots)
	return roots
}

// buildQuadrature integrates the monomial expansion of the Lagrange basis,
// whose coefficients are the columns of the inverse Vandermonde matrix.
func (c *Collocation) buildQuadrature() error {
	m := c.M()
	v := mat.NewDense(m, m, nil)
	for i, tau := range c.Nodes {
		for k := 0; k < m; k++ {
			v.Set(i, k, math.Pow(tau, float64(k)))
		}
	}

	var vinv mat.Dense
	if err := vinv.Inverse(v); err != nil {
		return fmt.Errorf("collocation nodes are not distinct: %w", err)
	}

	c.Q = mat.NewDense(m, m, nil)
	c.Weights = make([]float64, m)
	for j := 0; j < m; j++ {
		w := 0.0
		for k := 0; k < m; k++ {
			w += vinv.At(k, j) / float64(k+1)
		}
		c.Weights[j] = w

		for row, tau := range c.Nodes {
			q := 0.0
			for k := 0; k < m; k++ {
				q += math.Pow(tau, float64(k+1)) / float64(k+1) * vinv.At(k, j)
			}
			c.Q.Set(row, j, q)
		}
	}
	return nil
}

// InterpolationMatrix returns the Lagrange matrix that maps values on the
// nodes from to values on the nodes to.
func InterpolationMatrix(from, to []float64) *mat.Dense {
	out := mat.NewDense(len(to), len(from), nil)
	for i, x := range to {
		for j, xj := range from {
			l := 1.0
			for k, xk := range from {
				if k != j {
					l *= (x - xk) / (xj - xk)
				}
			}
			out.Set(i, j, l)
		}
	}
	return out
}
