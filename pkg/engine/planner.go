package engine

import (
	"fmt"
)

// maxPlannedBlocks bounds PlanBlocks for tiny step sizes.
const maxPlannedBlocks = 1 << 20

// PlannedBlock is one block of a run schedule.
type PlannedBlock struct {
	// Index is the block number.
	Index int `json:"index"`

	// Start and End delimit the block's time span.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Ranks are the world ranks taking part, in slot order.
	Ranks []int `json:"ranks"`

	// Times are the start times of the participating steps.
	Times []float64 `json:"times"`
}

// PlanBlocks derives the block schedule a world with step sizes dts
// follows from t0 to tend. It applies the same activity rule as Run.
func PlanBlocks(dts []float64, t0, tend float64) ([]PlannedBlock, error) {
	if len(dts) == 0 {
		return nil, NewConfigurationError("a plan needs at least one rank", nil)
	}
	for r, dt := range dts {
		if dt <= 0 {
			return nil, NewConfigurationError(fmt.Sprintf("rank %d has non-positive dt %g", r, dt), nil)
		}
	}

	ranks := make([]int, len(dts))
	for r := range ranks {
		ranks[r] = r
	}

	var blocks []PlannedBlock
	start := t0
	for len(blocks) < maxPlannedBlocks {
		group := make([]float64, len(ranks))
		for i, r := range ranks {
			group[i] = dts[r]
		}
		times, active := ActiveTimes(start, group, tend)

		var next []int
		var nextTimes []float64
		for i, r := range ranks {
			if active[i] {
				next = append(next, r)
				nextTimes = append(nextTimes, times[i])
			}
		}
		if len(next) == 0 {
			if len(blocks) == 0 {
				return nil, NewControlError("nothing to do, check t0, dt and tend", nil).
					WithCode(ErrCodeNothingToDo)
			}
			return blocks, nil
		}

		last := next[len(next)-1]
		end := nextTimes[len(nextTimes)-1] + dts[last]
		blocks = append(blocks, PlannedBlock{
			Index: len(blocks),
			Start: nextTimes[0],
			End:   end,
			Ranks: next,
			Times: nextTimes,
		})
		ranks = next
		start = end
	}
	return nil, NewControlError(fmt.Sprintf("schedule exceeds %d blocks", maxPlannedBlocks), nil)
}
