package tasks

import (
	"context"

	"github.com/pkg/errors"

	"github.com/quantuminterface/qiclib/rt"
)

// databoxProbe allocates a single box with a recognizable fill pattern.
// Clients use it to exercise the data path end to end without hardware.
type databoxProbe struct{}

func (*databoxProbe) Name() string { return "databox_probe" }

func (*databoxProbe) Validate(_ rt.CellController, params []uint32) error {
	if len(params) != 2 {
		return errors.Errorf("got %d parameter(s), need exactly 2", len(params))
	}
	if params[0] == 0 {
		return errors.New("element count must be positive")
	}
	if rt.DataMode(params[1]).ElementSize() == 0 {
		return errors.Errorf("unknown data mode %d", params[1])
	}
	return nil
}

func (t *databoxProbe) Run(
	ctx context.Context,
	env *rt.Env,
	params []uint32,
) (uint32, error) {
	if err := t.Validate(env.Ctrl, params); err != nil {
		return 0, err
	}
	count := int(params[0])
	mode := rt.DataMode(params[1])

	box, err := env.Boxes.Get(count, mode)
	if err != nil {
		return 0, err
	}
	raw := box.Bytes()
	for i := range raw {
		raw[i] = byte(i)
	}
	env.Progress(uint32(count))
	if err := env.Boxes.Finish(box); err != nil {
		return 0, err
	}
	return rt.StatusOK, nil
}
