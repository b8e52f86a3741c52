package rt

import (
	"context"

	"github.com/pkg/errors"
)

// Status codes a task run resolves to. Anything else, or a queued error
// message, marks the run failed.
const (
	StatusOK         uint32 = 0
	StatusExperiment uint32 = 42
)

// Env is the capability set a task runs against.
type Env struct {
	Ctrl  CellController
	Boxes *DataBoxPool
	// Progress reports monotonically increasing completion; the host
	// polls it.
	Progress func(uint32)
}

// Task is one executable experiment routine. Validate must reject bad
// parameters before Run touches any hardware; Run resolves every databox
// it acquires before returning.
type Task interface {
	Name() string
	Validate(ctrl CellController, params []uint32) error
	Run(ctx context.Context, env *Env, params []uint32) (uint32, error)
}

// TaskFactory builds a fresh task instance per load.
type TaskFactory func() Task

// CellParams is the per-cell slice of the standard parameter layout.
type CellParams struct {
	// Cell is the physical cell index.
	Cell int
	// Length is the task-specific per-cell argument, typically a result
	// count.
	Length uint32
}

// StandardParams is the common task parameterization:
// [repetitions, cellCount, cellIdx..., lengths...].
type StandardParams struct {
	Repetitions uint32
	Cells       []CellParams
}

// ParseStandardParams validates and decodes the standard layout. The
// parameter count must be exactly 2+2*cellCount with at least one cell,
// and every cell index must exist on the controller.
func ParseStandardParams(
	ctrl CellController,
	params []uint32,
) (StandardParams, error) {
	var sp StandardParams
	if len(params) < 4 {
		return sp, errors.Errorf(
			"expected at least 4 parameters, got %d", len(params))
	}
	cellCount := int(params[1])
	if cellCount < 1 {
		return sp, errors.Errorf("cell count %d must be positive", cellCount)
	}
	if len(params) != 2+2*cellCount {
		return sp, errors.Errorf(
			"expected %d parameters for %d cell(s), got %d",
			2+2*cellCount, cellCount, len(params),
		)
	}
	sp.Repetitions = params[0]
	for i := 0; i < cellCount; i++ {
		idx := int(params[2+i])
		if idx < 0 || idx >= ctrl.CellCount() {
			return sp, errors.Errorf(
				"cell index %d out of range (%d cells)",
				idx, ctrl.CellCount(),
			)
		}
		sp.Cells = append(sp.Cells, CellParams{
			Cell:   idx,
			Length: params[2+cellCount+i],
		})
	}
	return sp, nil
}

// CellIndices lists the addressed physical cells.
func (sp StandardParams) CellIndices() []int {
	out := make([]int, len(sp.Cells))
	for i, c := range sp.Cells {
		out[i] = c.Cell
	}
	return out
}

// WaitCellsIdle blocking-polls the sequencer and recording busy flags of
// the addressed cells, observing cancellation between polls.
func WaitCellsIdle(
	ctx context.Context,
	ctrl CellController,
	cells []int,
) error {
	for _, c := range cells {
		for ctrl.SequencerBusy(c) || ctrl.RecordingBusy(c) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}
	return nil
}
