package tasks

import (
	"context"

	"github.com/pkg/errors"

	"github.com/quantuminterface/qiclib/rt"
)

// averagedSweep sweeps sequencer registers over a value table and
// collects the averaged IQ result per sweep point on a single cell.
//
// Raw parameter layout:
//
//	[averages, points, regsPerPoint, cell, startPC,
//	 reg_0 .. reg_{regsPerPoint-1},
//	 point 0 values .. point {points-1} values]
type averagedSweep struct{}

func (*averagedSweep) Name() string { return "averaged_sweep" }

type sweepParams struct {
	Averages uint32
	Points   int
	Cell     int
	StartPC  uint32
	Regs     []uint8
	Values   [][]uint32
}

func parseSweepParams(ctrl rt.CellController, params []uint32) (*sweepParams, error) {
	if len(params) < 5 {
		return nil, errors.Errorf("got %d parameter(s), need at least 5", len(params))
	}
	averages := params[0]
	points := int(params[1])
	regsPerPoint := int(params[2])
	cell := int(params[3])
	startPC := params[4]
	if averages == 0 || points == 0 || regsPerPoint == 0 {
		return nil, errors.New("averages, points and registers per point must be positive")
	}
	if cell < 0 || cell >= ctrl.CellCount() {
		return nil, errors.Errorf("cell index %d outside 0..%d", cell, ctrl.CellCount()-1)
	}
	want := 5 + regsPerPoint + points*regsPerPoint
	if len(params) != want {
		return nil, errors.Errorf(
			"got %d parameter(s), need exactly %d for %d point(s) with %d register(s)",
			len(params), want, points, regsPerPoint,
		)
	}
	sp := &sweepParams{
		Averages: averages,
		Points:   points,
		Cell:     cell,
		StartPC:  startPC,
		Regs:     make([]uint8, regsPerPoint),
		Values:   make([][]uint32, points),
	}
	for i := 0; i < regsPerPoint; i++ {
		reg := params[5+i]
		if reg == 0 || reg > 31 {
			return nil, errors.Errorf("register index %d outside 1..31", reg)
		}
		sp.Regs[i] = uint8(reg)
	}
	base := 5 + regsPerPoint
	for p := 0; p < points; p++ {
		sp.Values[p] = params[base+p*regsPerPoint : base+(p+1)*regsPerPoint]
	}
	return sp, nil
}

func (*averagedSweep) Validate(ctrl rt.CellController, params []uint32) error {
	_, err := parseSweepParams(ctrl, params)
	return err
}

func (t *averagedSweep) Run(
	ctx context.Context,
	env *rt.Env,
	params []uint32,
) (uint32, error) {
	sp, err := parseSweepParams(env.Ctrl, params)
	if err != nil {
		return 0, err
	}

	iBox, err := env.Boxes.Get(sp.Points, rt.ModeInt32)
	if err != nil {
		return 0, err
	}
	qBox, err := env.Boxes.Get(sp.Points, rt.ModeInt32)
	if err != nil {
		_ = env.Boxes.Discard(iBox)
		return 0, err
	}
	discardAll := func() {
		_ = env.Boxes.Discard(iBox)
		_ = env.Boxes.Discard(qBox)
	}

	cells := []int{sp.Cell}
	for p := 0; p < sp.Points; p++ {
		if err := ctx.Err(); err != nil {
			discardAll()
			return 0, err
		}
		for i, reg := range sp.Regs {
			if err := env.Ctrl.SetRegister(sp.Cell, reg, sp.Values[p][i]); err != nil {
				discardAll()
				return 0, errors.Wrapf(err, "set register %d", reg)
			}
		}
		var sumI, sumQ int64
		for a := uint32(0); a < sp.Averages; a++ {
			if err := env.Ctrl.StartAt(sp.Cell, sp.StartPC); err != nil {
				discardAll()
				return 0, err
			}
			if err := rt.WaitCellsIdle(ctx, env.Ctrl, cells); err != nil {
				discardAll()
				return 0, err
			}
			pair, err := env.Ctrl.AveragedResult(sp.Cell)
			if err != nil {
				discardAll()
				return 0, err
			}
			sumI += int64(pair.I)
			sumQ += int64(pair.Q)
		}
		iBox.SetInt32(p, int32(sumI/int64(sp.Averages)))
		qBox.SetInt32(p, int32(sumQ/int64(sp.Averages)))
		env.Progress(uint32(p + 1))
	}

	if err := env.Boxes.Finish(iBox); err != nil {
		return 0, err
	}
	if err := env.Boxes.Finish(qBox); err != nil {
		return 0, err
	}
	return rt.StatusExperiment, nil
}
