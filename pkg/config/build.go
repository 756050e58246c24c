package config

import (
	"context"
	"fmt"

	"github.com/openpint/openpint/pkg/engine"
	"github.com/openpint/openpint/pkg/problems"
	"github.com/openpint/openpint/pkg/sdc"
)

// Build is the level hierarchy of one rank.
type Build struct {
	Step     *engine.Step
	Problems []engine.Problem

	// U0 is the problem's initial value, nil when the problem does not
	// know one.
	U0 engine.State
}

// Close releases the problems.
func (b *Build) Close(ctx context.Context) {
	problems.Close(ctx, b.Problems...)
}

// BuildStep constructs the problems, collocation rules, sweepers and
// transfers of every level, finest first.
func (c *RunConfig) BuildStep(ctx context.Context) (*Build, error) {
	probs, spaces, err := problems.Hierarchy(ctx, c.Problem, len(c.Levels), c.CoarsenSpace)
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("problem %q", c.Problem.Name), err)
	}

	b, err := c.buildLevels(probs, spaces)
	if err != nil {
		problems.Close(ctx, probs...)
		return nil, err
	}
	return b, nil
}

func (c *RunConfig) buildLevels(probs []engine.Problem, spaces []sdc.SpaceTransfer) (*Build, error) {
	colls := make([]*sdc.Collocation, len(c.Levels))
	levels := make([]*engine.Level, len(c.Levels))
	for i, lc := range c.Levels {
		coll, err := sdc.NewCollocation(lc.NodeType, lc.NumNodes)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("level %d", i), err)
		}
		colls[i] = coll

		sw, err := sdc.NewSweeper(coll, sdc.SweeperParams{
			QIType:       lc.QIType,
			InitialGuess: lc.InitialGuess,
			DoCollUpdate: lc.DoCollUpdate,
		})
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("level %d", i), err)
		}

		if levels[i], err = engine.NewLevel(i, probs[i], sw, c.LevelParams(i)); err != nil {
			return nil, err
		}
	}

	transfers := make([]engine.Transfer, len(levels)-1)
	for i := range transfers {
		tr, err := sdc.NewFASTransfer(colls[i], colls[i+1], spaces[i])
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("transfer %d", i), err)
		}
		transfers[i] = tr
	}

	step, err := engine.NewStep(levels, transfers)
	if err != nil {
		return nil, err
	}

	b := &Build{Step: step, Problems: probs}
	if init, ok := probs[0].(problems.Initializer); ok {
		b.U0 = init.InitialValue()
	}
	return b, nil
}
