package tasks

import (
	"context"

	"github.com/pkg/errors"

	"github.com/quantuminterface/qiclib/rt"
)

// timetrace accumulates the raw recording window of every contributing
// cell over all repetitions. The result boxes hold summed I and Q
// samples; the host divides by the repetition count.
type timetrace struct{}

func (*timetrace) Name() string { return "timetrace" }

func (*timetrace) Validate(ctrl rt.CellController, params []uint32) error {
	sp, err := rt.ParseStandardParams(ctrl, params)
	if err != nil {
		return err
	}
	for _, c := range sp.Cells {
		if c.Length == 0 {
			continue
		}
		samples := int(ctrl.RecordingDuration(c.Cell)) * 4
		if samples == 0 || samples > maxResultSlots {
			return errors.Errorf(
				"cell %d: recording window of %d samples outside 1..%d",
				c.Cell, samples, maxResultSlots,
			)
		}
	}
	return nil
}

func (t *timetrace) Run(
	ctx context.Context,
	env *rt.Env,
	params []uint32,
) (uint32, error) {
	sp, err := rt.ParseStandardParams(env.Ctrl, params)
	if err != nil {
		return 0, err
	}
	reps := int(sp.Repetitions)

	type traceBoxes struct {
		cell    int
		samples int
		i, q    *rt.DataBox
	}
	var boxes []traceBoxes
	discardAll := func() {
		for _, tb := range boxes {
			_ = env.Boxes.Discard(tb.i)
			_ = env.Boxes.Discard(tb.q)
		}
	}
	for _, c := range sp.Cells {
		if c.Length == 0 {
			continue
		}
		samples := int(env.Ctrl.RecordingDuration(c.Cell)) * 4
		iBox, err := env.Boxes.Get(samples, rt.ModeInt32)
		if err != nil {
			discardAll()
			return 0, err
		}
		qBox, err := env.Boxes.Get(samples, rt.ModeInt32)
		if err != nil {
			_ = env.Boxes.Discard(iBox)
			discardAll()
			return 0, err
		}
		boxes = append(boxes, traceBoxes{cell: c.Cell, samples: samples, i: iBox, q: qBox})
	}

	cells := sp.CellIndices()
	for rep := 0; rep < reps; rep++ {
		if err := ctx.Err(); err != nil {
			discardAll()
			return 0, err
		}
		if err := runRepetition(ctx, env.Ctrl, cells); err != nil {
			discardAll()
			return 0, err
		}
		for _, tb := range boxes {
			iTrace, qTrace, err := env.Ctrl.Timetrace(tb.cell)
			if err != nil {
				discardAll()
				return 0, errors.Wrapf(err, "read timetrace of cell %d", tb.cell)
			}
			if len(iTrace) < tb.samples || len(qTrace) < tb.samples {
				discardAll()
				return 0, errors.Errorf(
					"cell %d timetrace shorter than %d samples",
					tb.cell, tb.samples,
				)
			}
			for s := 0; s < tb.samples; s++ {
				tb.i.AddInt32(s, iTrace[s])
				tb.q.AddInt32(s, qTrace[s])
			}
		}
		env.Progress(uint32(rep + 1))
	}

	for _, tb := range boxes {
		if err := env.Boxes.Finish(tb.i); err != nil {
			return 0, err
		}
		if err := env.Boxes.Finish(tb.q); err != nil {
			return 0, err
		}
	}
	return rt.StatusOK, nil
}
