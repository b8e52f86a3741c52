package tasks

import (
	"context"

	"github.com/pkg/errors"

	"github.com/quantuminterface/qiclib/rt"
)

// maxResultSlots bounds the per-cell result memory read per shot.
const maxResultSlots = 1024

// iqCollect stores the raw IQ pairs of every repetition: one box per
// (cell, result slot) holding one pair per shot.
type iqCollect struct{}

func (*iqCollect) Name() string { return "iq_collect" }

func (*iqCollect) Validate(ctrl rt.CellController, params []uint32) error {
	sp, err := rt.ParseStandardParams(ctrl, params)
	if err != nil {
		return err
	}
	for _, c := range sp.Cells {
		if c.Length == 0 || c.Length > maxResultSlots {
			return errors.Errorf(
				"cell %d: result count %d outside 1..%d",
				c.Cell, c.Length, maxResultSlots,
			)
		}
	}
	return nil
}

func (t *iqCollect) Run(
	ctx context.Context,
	env *rt.Env,
	params []uint32,
) (uint32, error) {
	sp, err := rt.ParseStandardParams(env.Ctrl, params)
	if err != nil {
		return 0, err
	}
	reps := int(sp.Repetitions)

	// One box per (cell, slot), each holding reps interleaved I/Q pairs.
	type slotBox struct {
		cell int
		slot int
		box  *rt.DataBox
	}
	var boxes []slotBox
	discardAll := func() {
		for _, sb := range boxes {
			_ = env.Boxes.Discard(sb.box)
		}
	}
	for _, c := range sp.Cells {
		for slot := 0; slot < int(c.Length); slot++ {
			box, err := env.Boxes.Get(2*reps, rt.ModeInt32)
			if err != nil {
				discardAll()
				return 0, err
			}
			boxes = append(boxes, slotBox{cell: c.Cell, slot: slot, box: box})
		}
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
		traces := make(map[int][]rt.IQPair, len(sp.Cells))
		for _, c := range sp.Cells {
			pairs, err := env.Ctrl.ResultMemory(c.Cell, 0, int(c.Length))
			if err != nil {
				discardAll()
				return 0, errors.Wrapf(err, "read result memory of cell %d", c.Cell)
			}
			if len(pairs) != int(c.Length) {
				// A short read mid-run poisons everything collected so
				// far; resolve the boxes before failing.
				discardAll()
				return 0, errors.Errorf(
					"cell %d returned %d result(s), expected %d",
					c.Cell, len(pairs), c.Length,
				)
			}
			traces[c.Cell] = pairs
		}
		for _, sb := range boxes {
			pair := traces[sb.cell][sb.slot]
			sb.box.SetInt32(2*i, pair.I)
			sb.box.SetInt32(2*i+1, pair.Q)
		}
		env.Progress(uint32(i + 1))
	}

	for _, sb := range boxes {
		if err := env.Boxes.Finish(sb.box); err != nil {
			return 0, err
		}
	}
	return rt.StatusOK, nil
}
