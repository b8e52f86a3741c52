package tasks

import (
	"context"

	"github.com/quantuminterface/qiclib/rt"
)

// quantumJumps records a single state bit per repetition, packed 32
// states per word, so long monitoring runs stay cheap to stream.
type quantumJumps struct{}

func (*quantumJumps) Name() string { return "quantum_jumps" }

func (*quantumJumps) Validate(ctrl rt.CellController, params []uint32) error {
	_, err := rt.ParseStandardParams(ctrl, params)
	return err
}

func (t *quantumJumps) Run(
	ctx context.Context,
	env *rt.Env,
	params []uint32,
) (uint32, error) {
	sp, err := rt.ParseStandardParams(env.Ctrl, params)
	if err != nil {
		return 0, err
	}
	reps := int(sp.Repetitions)
	words := (reps + 31) / 32

	var boxes []cellBox
	discardAll := func() {
		for _, cb := range boxes {
			_ = env.Boxes.Discard(cb.box)
		}
	}
	for _, c := range sp.Cells {
		if c.Length == 0 {
			continue
		}
		box, err := env.Boxes.Get(words, rt.ModeUint32)
		if err != nil {
			discardAll()
			return 0, err
		}
		boxes = append(boxes, cellBox{cell: c.Cell, box: box})
	}

	cells := sp.CellIndices()
	for i := 0; i < reps; i++ {
		if err := ctx.Err(); err != nil {
			discardAll()
			return 0, err
		}
		if err := runRepetition(ctx, env.Ctrl, cells); err != nil {
			discardAll()
			return 0, err
		}
		word, bit := i/32, uint(i%32)
		for _, cb := range boxes {
			state, err := env.Ctrl.StateResult(cb.cell)
			if err != nil {
				discardAll()
				return 0, err
			}
			cb.box.SetUint32(word, cb.box.Uint32(word)|uint32(state&1)<<bit)
		}
		// Progress once per packed word keeps the update rate bounded
		// during long monitoring runs.
		if (i+1)%32 == 0 || i+1 == reps {
			env.Progress(uint32(i + 1))
		}
	}

	for _, cb := range boxes {
		if err := env.Boxes.Finish(cb.box); err != nil {
			return 0, err
		}
	}
	return rt.StatusOK, nil
}
