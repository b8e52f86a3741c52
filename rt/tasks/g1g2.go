package tasks

import (
	"context"

	"github.com/pkg/errors"

	"github.com/quantuminterface/qiclib/rt"
)

// g1g2Correlation computes the second-order field correlation between
// two cells' timetraces, accumulating the quadruple products
// (IA·IB + QA·QB) and (QA·IB − IA·QB) per time lag tau.
//
// Raw parameter layout:
//
//	[averages, iterations, cellA, cellB, taus, shift, withBackground]
//
// Per iteration a real and imaginary int64 box of `taus` entries is
// committed atomically; with background enabled a second pair computed
// from shifted repetitions joins the same commit group.
type g1g2Correlation struct{}

func (*g1g2Correlation) Name() string { return "g1g2_correlation" }

type g1g2Params struct {
	Averages       uint32
	Iterations     uint32
	CellA, CellB   int
	Taus           int
	Shift          uint
	WithBackground bool
}

func parseG1G2Params(ctrl rt.CellController, params []uint32) (*g1g2Params, error) {
	if len(params) != 7 {
		return nil, errors.Errorf("got %d parameter(s), need exactly 7", len(params))
	}
	p := &g1g2Params{
		Averages:       params[0],
		Iterations:     params[1],
		CellA:          int(params[2]),
		CellB:          int(params[3]),
		Taus:           int(params[4]),
		Shift:          uint(params[5]),
		WithBackground: params[6] != 0,
	}
	if p.Averages == 0 || p.Iterations == 0 {
		return nil, errors.New("averages and iterations must be positive")
	}
	for _, cell := range []int{p.CellA, p.CellB} {
		if cell < 0 || cell >= ctrl.CellCount() {
			return nil, errors.Errorf("cell index %d outside 0..%d", cell, ctrl.CellCount()-1)
		}
	}
	if p.Taus == 0 || p.Taus > maxResultSlots {
		return nil, errors.Errorf("tau count %d outside 1..%d", p.Taus, maxResultSlots)
	}
	if p.Shift > 31 {
		return nil, errors.Errorf("accumulator shift %d outside 0..31", p.Shift)
	}
	return p, nil
}

func (*g1g2Correlation) Validate(ctrl rt.CellController, params []uint32) error {
	_, err := parseG1G2Params(ctrl, params)
	return err
}

func (t *g1g2Correlation) Run(
	ctx context.Context,
	env *rt.Env,
	params []uint32,
) (uint32, error) {
	p, err := parseG1G2Params(env.Ctrl, params)
	if err != nil {
		return 0, err
	}
	cells := []int{p.CellA, p.CellB}

	// Traces of the previous repetition, used for the background pair:
	// correlating shot n against shot n−1 destroys the coherent part
	// and leaves the uncorrelated floor.
	var prevIA, prevQA []int32

	for it := uint32(0); it < p.Iterations; it++ {
		real, err := env.Boxes.Get(p.Taus, rt.ModeInt64)
		if err != nil {
			return 0, err
		}
		imag, err := env.Boxes.Get(p.Taus, rt.ModeInt64)
		if err != nil {
			_ = env.Boxes.Discard(real)
			return 0, err
		}
		group := []*rt.DataBox{real, imag}
		var bgReal, bgImag *rt.DataBox
		if p.WithBackground {
			bgReal, err = env.Boxes.Get(p.Taus, rt.ModeInt64)
			if err == nil {
				bgImag, err = env.Boxes.Get(p.Taus, rt.ModeInt64)
			}
			if err != nil {
				for _, box := range group {
					_ = env.Boxes.Discard(box)
				}
				if bgReal != nil {
					_ = env.Boxes.Discard(bgReal)
				}
				return 0, err
			}
			group = append(group, bgReal, bgImag)
		}
		discardGroup := func() {
			for _, box := range group {
				_ = env.Boxes.Discard(box)
			}
		}

		for avg := uint32(0); avg < p.Averages; avg++ {
			if err := ctx.Err(); err != nil {
				discardGroup()
				return 0, err
			}
			if err := runRepetition(ctx, env.Ctrl, cells); err != nil {
				discardGroup()
				return 0, err
			}
			iA, qA, err := env.Ctrl.Timetrace(p.CellA)
			if err != nil {
				discardGroup()
				return 0, errors.Wrapf(err, "read timetrace of cell %d", p.CellA)
			}
			iB, qB, err := env.Ctrl.Timetrace(p.CellB)
			if err != nil {
				discardGroup()
				return 0, errors.Wrapf(err, "read timetrace of cell %d", p.CellB)
			}
			if err := accumulateCorrelation(real, imag, iA, qA, iB, qB, p.Taus, p.Shift); err != nil {
				discardGroup()
				return 0, err
			}
			if p.WithBackground {
				if prevIA != nil {
					if err := accumulateCorrelation(bgReal, bgImag, prevIA, prevQA, iB, qB, p.Taus, p.Shift); err != nil {
						discardGroup()
						return 0, err
					}
				}
				prevIA = append(prevIA[:0], iA...)
				prevQA = append(prevQA[:0], qA...)
			}
			env.Progress(it*p.Averages + avg + 1)
		}

		// The host sees either every box of the iteration or none.
		if err := env.Boxes.FinishGroup(group...); err != nil {
			discardGroup()
			return 0, err
		}
	}
	return rt.StatusOK, nil
}

// accumulateCorrelation adds the cross products of the A trace at lag
// tau against the B trace into the real and imaginary accumulators.
func accumulateCorrelation(
	real, imag *rt.DataBox,
	iA, qA, iB, qB []int32,
	taus int,
	shift uint,
) error {
	n := len(iB)
	if len(qB) < n {
		n = len(qB)
	}
	if len(iA) < taus || len(qA) < taus || n < taus {
		return errors.Errorf("timetraces shorter than %d tau slot(s)", taus)
	}
	for tau := 0; tau < taus; tau++ {
		var sumReal, sumImag int64
		for s := 0; s+tau < n && s < len(iA); s++ {
			a := s + tau
			sumReal += int64(iA[a])*int64(iB[s]) + int64(qA[a])*int64(qB[s])
			sumImag += int64(qA[a])*int64(iB[s]) - int64(iA[a])*int64(qB[s])
		}
		real.AddInt64(tau, sumReal>>shift)
		imag.AddInt64(tau, sumImag>>shift)
	}
	return nil
}
