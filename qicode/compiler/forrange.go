package compiler

import (
	"github.com/pkg/errors"

	"github.com/quantuminterface/qiclib/qicode"
	"github.com/quantuminterface/qiclib/qicode/isa"
)

// rangeLen is the iteration count of a half-open range with the given
// step, zero when the range is empty or the step points away from the end.
func rangeLen(start, end, step int64) int64 {
	switch {
	case step > 0 && start < end:
		return (end - start + step - 1) / step
	case step < 0 && start > end:
		return (start - end + (-step) - 1) / (-step)
	default:
		return 0
	}
}

// rangeVisits reports whether the range passes through the given value.
func rangeVisits(start, end, step, v int64) bool {
	if rangeLen(start, end, step) == 0 {
		return false
	}
	if step > 0 {
		return v >= start && v < end && (v-start)%step == 0
	}
	return v <= start && v > end && (start-v)%(-step) == 0
}

// lowerForRange dispatches a loop to the variant matching its operands.
// Time-typed loops get their zero- and one-cycle iterations unrolled
// because pulses and waits of those lengths need different instruction
// patterns than the general body.
func (l *lowering) lowerForRange(c *qicode.ForRange) error {
	cells := l.cellSet(c.Var)
	if len(cells) == 0 {
		return nil
	}
	kind := c.Var.Kind()

	if _, ok := isVariable(c.Step); ok {
		return &qicode.UnsupportedPatternError{
			Msg: "variable step in for-range",
		}
	}
	step, err := l.b.count(c.Step, cells[0], kind, "for-range step")
	if err != nil {
		return err
	}
	if step == 0 {
		return &qicode.UnsupportedPatternError{
			Msg: "zero step in for-range after quantization",
		}
	}

	startVar, startIsVar := isVariable(c.Start)
	_, endIsVar := isVariable(c.End)

	if !startIsVar && !endIsVar {
		start, err := l.b.count(c.Start, cells[0], kind, "for-range start")
		if err != nil {
			return err
		}
		end, err := l.b.count(c.End, cells[0], kind, "for-range end")
		if err != nil {
			return err
		}
		if kind == qicode.VarTime {
			return l.lowerStaticTimeLoop(c, cells, start, end, step)
		}
		return l.emitLoop(c, cells, loopBounds{
			start: start,
			end:   end,
			step:  step,
		})
	}

	if step < 0 {
		return &qicode.UnsupportedPatternError{
			Msg: "negative step with variable bounds in for-range",
		}
	}
	if kind == qicode.VarTime && startIsVar {
		// The loop variable can pass through 0 and 1 at runtime, so the
		// unrolled iteration bodies are dispatched by value inside the
		// loop.
		return l.emitLoop(c, cells, loopBounds{
			startVar: startVar,
			endValue: c.End,
			step:     step,
			dispatch: true,
		})
	}
	return l.emitLoop(c, cells, loopBounds{
		startVar:   startVar,
		startValue: c.Start,
		endValue:   c.End,
		step:       step,
	})
}

// lowerStaticTimeLoop unrolls the zero- and one-cycle iterations of a
// statically bounded time loop and runs the rest as a plain loop.
func (l *lowering) lowerStaticTimeLoop(
	c *qicode.ForRange,
	cells []int,
	start, end, step int64,
) error {
	if rangeLen(start, end, step) == 0 {
		return nil
	}

	if step > 0 {
		if start == 0 {
			if err := l.unrollIteration(c, cells, 0); err != nil {
				return err
			}
			start += step
		}
		if rangeVisits(start, end, step, start) && start == 1 {
			if err := l.unrollIteration(c, cells, 1); err != nil {
				return err
			}
			start += step
		}
		if rangeLen(start, end, step) == 0 {
			return nil
		}
		return l.emitLoop(c, cells, loopBounds{start: start, end: end, step: step})
	}

	// Negative step counts down; iterations reaching one or zero cycles
	// are peeled off the tail.
	var tail []int64
	mainEnd := end
	if rangeVisits(start, end, step, 1) {
		tail = append(tail, 1)
		mainEnd = 1
	}
	if rangeVisits(start, end, step, 0) {
		tail = append(tail, 0)
		if mainEnd < 1 {
			mainEnd = 1
		}
	}
	if rangeLen(start, mainEnd, step) > 0 {
		err := l.emitLoop(c, cells, loopBounds{start: start, end: mainEnd, step: step})
		if err != nil {
			return err
		}
	}
	for _, v := range tail {
		if err := l.unrollIteration(c, cells, v); err != nil {
			return err
		}
	}
	return nil
}

// unrollIteration lowers one peeled loop iteration with the loop variable
// pinned to a static cycle value of zero or one.
func (l *lowering) unrollIteration(
	c *qicode.ForRange,
	cells []int,
	value int64,
) error {
	point := syncLoopUnroll0
	if value == 1 {
		point = syncLoopUnroll1
	}
	if err := l.syncCells(cells, point); err != nil {
		return err
	}
	for _, cell := range cells {
		s := l.seqs[cell]
		reg, err := s.register(c.Var)
		if err != nil {
			return err
		}
		s.loadImmediate(reg, int32(value))
	}
	return l.lowerUnrolled(c.Body, c.Var, value)
}

// lowerUnrolled lowers a loop body with the loop variable statically known
// to be zero or one cycle. Zero-cycle pulses and waits consuming the
// variable vanish; one-cycle ones become single-cycle triggers with no
// trailing wait.
func (l *lowering) lowerUnrolled(
	nodes []qicode.Node,
	v *qicode.Variable,
	value int64,
) error {
	for _, n := range nodes {
		consumed, err := l.lowerUnrolledNode(n, v, value)
		if err != nil {
			return err
		}
		if consumed {
			continue
		}
		if err := l.lowerNode(n); err != nil {
			return err
		}
	}
	return nil
}

// lowerUnrolledNode handles the commands that consume the loop variable as
// a duration. It reports false for everything else so the caller lowers
// the node the normal way.
func (l *lowering) lowerUnrolledNode(
	n qicode.Node,
	v *qicode.Variable,
	value int64,
) (bool, error) {
	consumesVar := func(val qicode.Value) bool {
		t, ok := isVariable(val)
		return ok && t == v
	}

	switch t := n.(type) {
	case *qicode.Play:
		if !consumesVar(t.Pulse.Length) {
			return false, nil
		}
		if value == 0 {
			return true, nil
		}
		s := l.seq(t.Cell)
		return true, l.playFixed(s, manipulationTarget(s), t.Pulse, 1, recTriggerNone)
	case *qicode.PlayReadout:
		if !consumesVar(t.Pulse.Length) {
			return false, nil
		}
		if value == 0 {
			return true, nil
		}
		s := l.seq(t.Cell)
		err := l.playFixed(
			s, readoutTarget(s), t.Pulse, 1, recordTriggerValue(t.Recording))
		if err != nil {
			return true, err
		}
		if t.Recording != nil && t.Recording.StateTo != nil {
			err = l.awaitState(s, t.Recording, 1)
		}
		return true, err
	case *qicode.Wait:
		if !consumesVar(t.Duration) {
			return false, nil
		}
		if value == 0 {
			return true, nil
		}
		return true, l.seq(t.Cell).waitCycles(1)
	case *qicode.DigitalTrigger:
		if !consumesVar(t.Duration) {
			return false, nil
		}
		if value == 0 {
			return true, nil
		}
		s := l.seq(t.Cell)
		var trig isa.Trigger
		trig.Modules[3] = t.Outputs & 0x3
		trig.Modules[4] = (t.Outputs >> 2) & 0x3
		s.trigger(trig)
		return true, nil
	default:
		return false, nil
	}
}

// loopBounds parameterizes emitLoop. Either the static values or the
// variable operands are set per bound; dispatch adds the runtime checks
// for zero- and one-cycle iterations.
type loopBounds struct {
	start      int64
	startVar   *qicode.Variable
	startValue qicode.Value
	end        int64
	endValue   qicode.Value
	step       int64
	dispatch   bool
}

// emitLoop generates the loop skeleton on every participating cell:
//
//	head: bge  v, end, exit      (ble for a negative step)
//	      beq  v, r0, u0         (dispatch only)
//	      beq  v, one, u1        (dispatch only)
//	      <body>
//	      j    inc
//	  u0: <body with v == 0>
//	      j    inc
//	  u1: <body with v == 1>
//	 inc: addi v, v, step
//	      j    head
//	exit:
//
// All participating cells run the skeleton in lockstep, so value-dependent
// dispatch takes the same path on every cell.
func (l *lowering) emitLoop(
	c *qicode.ForRange,
	cells []int,
	bounds loopBounds,
) error {
	if err := l.syncCells(cells, syncBeforeForRange); err != nil {
		return err
	}

	varRegs := make(map[int]isa.Reg, len(cells))
	endRegs := make(map[int]isa.Reg, len(cells))
	oneRegs := make(map[int]isa.Reg, len(cells))
	heads := make(map[int]int, len(cells))
	exits := make(map[int]int, len(cells))
	u0Branches := make(map[int]int, len(cells))
	u1Branches := make(map[int]int, len(cells))

	kind := c.Var.Kind()
	for _, cell := range cells {
		s := l.seqs[cell]
		v, err := s.register(c.Var)
		if err != nil {
			return err
		}
		varRegs[cell] = v

		// Loop variable initialization.
		switch {
		case bounds.startVar != nil:
			src, err := s.register(bounds.startVar)
			if err != nil {
				return err
			}
			s.emit(isa.RegImm{Op: isa.AluAdd, Rd: v, Rs: src})
		case bounds.startValue != nil:
			val, err := l.b.count(bounds.startValue, cell, kind, "for-range start")
			if err != nil {
				return err
			}
			s.loadImmediate(v, int32(val))
		default:
			s.loadImmediate(v, int32(bounds.start))
		}

		// End bound register, held for the whole loop.
		endReg, err := s.allocRegister()
		if err != nil {
			return errors.Wrap(err, "for-range end bound")
		}
		endRegs[cell] = endReg
		if bounds.endValue != nil {
			if ev, ok := isVariable(bounds.endValue); ok {
				src, err := s.register(ev)
				if err != nil {
					return err
				}
				s.emit(isa.RegImm{Op: isa.AluAdd, Rd: endReg, Rs: src})
			} else {
				val, err := l.b.count(bounds.endValue, cell, kind, "for-range end")
				if err != nil {
					return err
				}
				s.loadImmediate(endReg, int32(val))
			}
		} else {
			s.loadImmediate(endReg, int32(bounds.end))
		}

		if bounds.dispatch {
			oneReg, err := s.allocRegister()
			if err != nil {
				return errors.Wrap(err, "for-range dispatch")
			}
			oneRegs[cell] = oneReg
			s.loadImmediate(oneReg, 1)
		}

		heads[cell] = len(s.code)
		if bounds.step > 0 {
			exits[cell] = s.branchPlaceholder(isa.BranchGe, v, endReg)
		} else {
			exits[cell] = s.branchPlaceholder(isa.BranchGe, endReg, v)
		}
		if bounds.dispatch {
			u0Branches[cell] = s.branchPlaceholder(isa.BranchEq, v, isa.Zero)
			u1Branches[cell] = s.branchPlaceholder(isa.BranchEq, v, oneRegs[cell])
		}
		s.cycles.reset(syncAfterForRangeIteration)
	}

	bodyEndJumps := make(map[int][]int, len(cells))
	endBody := func() error {
		if len(cells) > 1 {
			if err := l.syncCells(cells, syncAfterForRangeIteration); err != nil {
				return err
			}
		}
		for _, cell := range cells {
			bodyEndJumps[cell] = append(
				bodyEndJumps[cell], l.seqs[cell].jumpPlaceholder())
		}
		return nil
	}

	l.loopDepth++
	if err := l.lowerNodes(c.Body); err != nil {
		return err
	}
	if err := endBody(); err != nil {
		return err
	}

	if bounds.dispatch {
		for _, cell := range cells {
			l.seqs[cell].patchBranch(u0Branches[cell])
		}
		// Unrolled copies still sit inside the loop body.
		if err := l.lowerUnrolled(c.Body, c.Var, 0); err != nil {
			return err
		}
		if err := endBody(); err != nil {
			return err
		}
		for _, cell := range cells {
			l.seqs[cell].patchBranch(u1Branches[cell])
		}
		if err := l.lowerUnrolled(c.Body, c.Var, 1); err != nil {
			return err
		}
		if err := endBody(); err != nil {
			return err
		}
	}

	l.loopDepth--

	for _, cell := range cells {
		s := l.seqs[cell]
		for _, j := range bodyEndJumps[cell] {
			s.patchJump(j)
		}
		s.emit(isa.RegImm{
			Op:  isa.AluAdd,
			Rd:  varRegs[cell],
			Rs:  varRegs[cell],
			Imm: int32(bounds.step),
		})
		s.jumpBack(heads[cell])
		s.patchBranch(exits[cell])

		s.releaseRegister(endRegs[cell])
		if r, ok := oneRegs[cell]; ok {
			s.releaseRegister(r)
		}
		// The trip count is not tracked through the loop; downstream
		// synchronization falls back to runtime barriers.
		s.cycles.invalidate()
	}
	return nil
}
