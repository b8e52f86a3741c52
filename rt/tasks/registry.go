// Package tasks holds the built-in real-time task routines: parameter
// validation, the repetition loop against the cell controller, and result
// accumulation into databoxes.
package tasks

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/quantuminterface/qiclib/rt"
)

// Builtin lists the task constructors by wire name.
func Builtin() map[string]rt.TaskFactory {
	return map[string]rt.TaskFactory{
		"averaged_sweep":   func() rt.Task { return &averagedSweep{} },
		"iq_collect":       func() rt.Task { return &iqCollect{} },
		"state_collect":    func() rt.Task { return &stateCollect{} },
		"state_count":      func() rt.Task { return &stateCount{} },
		"timetrace":        func() rt.Task { return &timetrace{} },
		"quantum_jumps":    func() rt.Task { return &quantumJumps{} },
		"g1g2_correlation": func() rt.Task { return &g1g2Correlation{} },
		"databox_probe":    func() rt.Task { return &databoxProbe{} },
	}
}

// Names lists the built-in task names in lexical order.
func Names() []string {
	names := maps.Keys(Builtin())
	slices.Sort(names)
	return names
}

// RegisterAll installs every built-in task on the engine.
func RegisterAll(e *rt.Engine) error {
	builtin := Builtin()
	for _, name := range Names() {
		if err := e.Register(name, builtin[name]); err != nil {
			return errors.Wrap(err, "register builtin tasks")
		}
	}
	return nil
}

// runRepetition starts the addressed cells and blocks until their
// sequencers and recording modules went idle again.
func runRepetition(
	ctx context.Context,
	ctrl rt.CellController,
	cells []int,
) error {
	if err := ctrl.StartCells(cells); err != nil {
		return errors.Wrap(err, "start cells")
	}
	return rt.WaitCellsIdle(ctx, ctrl, cells)
}
