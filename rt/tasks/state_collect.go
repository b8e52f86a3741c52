package tasks

import (
	"context"

	"github.com/pkg/errors"

	"github.com/quantuminterface/qiclib/rt"
)

// statesPerWord is how many 3-bit qubit states pack into one uint32.
const statesPerWord = 10

// stateCollect records the discriminated qubit state of every repetition,
// packed 3 bits per state, ten states per word.
type stateCollect struct{}

func (*stateCollect) Name() string { return "state_collect" }

func (*stateCollect) Validate(ctrl rt.CellController, params []uint32) error {
	sp, err := rt.ParseStandardParams(ctrl, params)
	if err != nil {
		return err
	}
	for _, c := range sp.Cells {
		if c.Length > 1 {
			return errors.Errorf(
				"cell %d: state collection supports at most one state per shot, got %d",
				c.Cell, c.Length,
			)
		}
	}
	return nil
}

type cellBox struct {
	cell int
	box  *rt.DataBox
}

func (t *stateCollect) Run(
	ctx context.Context,
	env *rt.Env,
	params []uint32,
) (uint32, error) {
	sp, err := rt.ParseStandardParams(env.Ctrl, params)
	if err != nil {
		return 0, err
	}
	reps := int(sp.Repetitions)
	words := (reps + statesPerWord - 1) / statesPerWord

	var boxes []cellBox
	for _, c := range sp.Cells {
		if c.Length == 0 {
			continue
		}
		box, err := env.Boxes.Get(words, rt.ModeUint32)
		if err != nil {
			return 0, err
		}
		boxes = append(boxes, cellBox{cell: c.Cell, box: box})
	}

	cells := sp.CellIndices()
	for i := 0; i < reps; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := runRepetition(ctx, env.Ctrl, cells); err != nil {
			return 0, err
		}
		for _, cb := range boxes {
			state, err := env.Ctrl.StateResult(cb.cell)
			if err != nil {
				return 0, errors.Wrapf(err, "read state of cell %d", cb.cell)
			}
			word := cb.box.Uint32(i / statesPerWord)
			word |= uint32(state&0x7) << ((i % statesPerWord) * 3)
			cb.box.SetUint32(i/statesPerWord, word)
		}
		env.Progress(uint32(i + 1))
	}

	for _, cb := range boxes {
		if err := env.Boxes.Finish(cb.box); err != nil {
			return 0, err
		}
	}
	return rt.StatusOK, nil
}
