package sdc

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/openpint/openpint/pkg/engine"
)

// SpaceTransfer moves a single state between the spatial resolutions of
// two levels.
type SpaceTransfer interface {
	Restrict(fine engine.State) (engine.State, error)
	Prolong(coarse engine.State) (engine.State, error)
}

// Identity is the space transfer between levels of equal resolution.
type Identity struct{}

// Restrict returns a copy of fine.
func (Identity) Restrict(fine engine.State) (engine.State, error) {
	return fine.Copy(), nil
}

// Prolong returns a copy of coarse.
func (Identity) Prolong(coarse engine.State) (engine.State, error) {
	return coarse.Copy(), nil
}

// FASTransfer restricts and prolongs with the full approximation scheme.
// Collocation values are interpolated between the node sets of the two
// levels, spatial values go through a SpaceTransfer.
type FASTransfer struct {
	space SpaceTransfer

	// rcoll maps fine nodes to coarse nodes, pcoll the reverse.
	rcoll *mat.Dense
	pcoll *mat.Dense
}

var _ engine.Transfer = (*FASTransfer)(nil)

// NewFASTransfer builds the transfer between two collocation rules.
func NewFASTransfer(fine, coarse *Collocation, space SpaceTransfer) (*FASTransfer, error) {
	if fine == nil || coarse == nil {
		return nil, fmt.Errorf("transfer needs both collocation rules")
	}
	if space == nil {
		space = Identity{}
	}
	return &FASTransfer{
		space: space,
		rcoll: InterpolationMatrix(fine.Nodes, coarse.Nodes),
		pcoll: InterpolationMatrix(coarse.Nodes, fine.Nodes),
	}, nil
}

// combine returns sum_j w.At(row, j) * values[j].
func combine(w *mat.Dense, row int, values []engine.State) engine.State {
	out := values[0].Copy()
	out.Scale(w.At(row, 0))
	for j := 1; j < len(values); j++ {
		out.Axpy(w.At(row, j), values[j])
	}
	return out
}

func (t *FASTransfer) restrictAll(values []engine.State) ([]engine.State, error) {
	out := make([]engine.State, len(values))
	for i, v := range values {
		r, err := t.space.Restrict(v)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// Restrict moves the fine nodes to the coarse level and sets the coarse
// FAS correction so that the coarse problem reproduces the fine solution.
func (t *FASTransfer) Restrict(fine, coarse *engine.Level) error {
	mf := fine.NumNodes()
	mc := coarse.NumNodes()

	u0, err := t.space.Restrict(fine.U[0])
	if err != nil {
		return fmt.Errorf("restrict u0: %w", err)
	}
	uf, err := t.restrictAll(fine.U[1 : mf+1])
	if err != nil {
		return fmt.Errorf("restrict nodes: %w", err)
	}

	coarse.U[0] = u0
	for n := 1; n <= mc; n++ {
		coarse.U[n] = combine(t.rcoll, n-1, uf)
	}
	for n := 0; n <= mc; n++ {
		if coarse.F[n], err = coarse.Problem.EvalF(coarse.U[n], coarse.NodeTime(n)); err != nil {
			return fmt.Errorf("evaluate coarse f: %w", err)
		}
	}

	tauCoarse, err := coarse.Sweeper.Integrate(coarse)
	if err != nil {
		return err
	}
	tauFine, err := fine.Sweeper.Integrate(fine)
	if err != nil {
		return err
	}
	tauFine, err = t.restrictAll(tauFine)
	if err != nil {
		return fmt.Errorf("restrict integral: %w", err)
	}

	var fineTau []engine.State
	if fine.Tau != nil {
		if fineTau, err = t.restrictAll(fine.Tau); err != nil {
			return fmt.Errorf("restrict tau: %w", err)
		}
	}

	coarse.Tau = make([]engine.State, mc)
	for n := 0; n < mc; n++ {
		tau := combine(t.rcoll, n, tauFine)
		tau.Axpy(-1, tauCoarse[n])
		if fineTau != nil {
			tau.Axpy(1, combine(t.rcoll, n, fineTau))
		}
		coarse.Tau[n] = tau
	}

	coarse.Snapshot()
	return nil
}

// Prolong adds the coarse correction U - Prev to the fine nodes and
// re-evaluates the fine right-hand side.
func (t *FASTransfer) Prolong(coarse, fine *engine.Level) error {
	mf := fine.NumNodes()
	mc := coarse.NumNodes()

	corr := make([]engine.State, mc)
	for m := 1; m <= mc; m++ {
		d := coarse.U[m].Copy()
		d.Axpy(-1, coarse.Prev[m])
		p, err := t.space.Prolong(d)
		if err != nil {
			return fmt.Errorf("prolong correction: %w", err)
		}
		corr[m-1] = p
	}

	for n := 1; n <= mf; n++ {
		fine.U[n].Axpy(1, combine(t.pcoll, n-1, corr))
		var err error
		if fine.F[n], err = fine.Problem.EvalF(fine.U[n], fine.NodeTime(n)); err != nil {
			return fmt.Errorf("evaluate fine f: %w", err)
		}
	}
	return nil
}
