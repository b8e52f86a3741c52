package tasks

import (
	"context"

	"github.com/pkg/errors"

	"github.com/quantuminterface/qiclib/rt"
)

// stateCount histograms the combined binary state value of the addressed
// qubits: every repetition contributes one count to the bucket formed by
// concatenating the per-cell states.
type stateCount struct{}

func (*stateCount) Name() string { return "state_count" }

func (*stateCount) Validate(ctrl rt.CellController, params []uint32) error {
	sp, err := rt.ParseStandardParams(ctrl, params)
	if err != nil {
		return err
	}
	qubits := 0
	for _, c := range sp.Cells {
		if c.Length > 0 {
			qubits++
		}
	}
	if qubits == 0 {
		return errors.New("state count needs at least one contributing cell")
	}
	if qubits > 16 {
		return errors.Errorf("state count supports at most 16 qubits, got %d", qubits)
	}
	return nil
}

func (t *stateCount) Run(
	ctx context.Context,
	env *rt.Env,
	params []uint32,
) (uint32, error) {
	sp, err := rt.ParseStandardParams(env.Ctrl, params)
	if err != nil {
		return 0, err
	}
	var contributing []int
	for _, c := range sp.Cells {
		if c.Length > 0 {
			contributing = append(contributing, c.Cell)
		}
	}

	counts, err := env.Boxes.Get(1<<len(contributing), rt.ModeUint32)
	if err != nil {
		return 0, err
	}

	cells := sp.CellIndices()
	for i := 0; i < int(sp.Repetitions); i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := runRepetition(ctx, env.Ctrl, cells); err != nil {
			return 0, err
		}
		value := uint32(0)
		for bit, cell := range contributing {
			state, err := env.Ctrl.StateResult(cell)
			if err != nil {
				return 0, errors.Wrapf(err, "read state of cell %d", cell)
			}
			value |= uint32(state&1) << bit
		}
		counts.SetUint32(int(value), counts.Uint32(int(value))+1)
		env.Progress(uint32(i + 1))
	}

	if err := env.Boxes.Finish(counts); err != nil {
		return 0, err
	}
	return rt.StatusOK, nil
}
