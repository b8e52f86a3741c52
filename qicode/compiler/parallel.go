package compiler

import (
	"sort"

	"github.com/quantuminterface/qiclib/qicode"
	"github.com/quantuminterface/qiclib/qicode/isa"
)

// parallelEvent is one trigger word scheduled at a fixed cycle offset
// inside a parallel section.
type parallelEvent struct {
	at   uint64
	trig isa.Trigger
}

// lowerParallel interleaves the bodies of a parallel block into one
// time-aligned trigger stream per cell. Every command inside a parallel
// block must have a statically known length so its start offset is fixed
// at compile time.
func (l *lowering) lowerParallel(c *qicode.Parallel) error {
	var all []qicode.Node
	for _, body := range c.Bodies {
		all = append(all, body...)
	}
	cells := cellsOfNodes(all)
	if len(cells) == 0 {
		return nil
	}
	if l.loopDepth > 0 {
		return &qicode.UnsupportedPatternError{
			Msg: "parallel block inside a multi-iteration loop",
		}
	}
	if err := l.syncCells(cells, syncBeforeParallel); err != nil {
		return err
	}

	for _, cell := range cells {
		if err := l.lowerParallelCell(c, cell); err != nil {
			return err
		}
	}
	return nil
}

func (l *lowering) lowerParallelCell(c *qicode.Parallel, cell int) error {
	s := l.seqs[cell]
	var events []parallelEvent
	var length uint64

	for _, body := range c.Bodies {
		cursor := uint64(0)
		for _, n := range body {
			advance, ev, has, err := l.parallelCommand(s, cell, n, cursor)
			if err != nil {
				return err
			}
			if has {
				events = append(events, ev)
			}
			cursor += advance
		}
		if cursor > length {
			length = cursor
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].at < events[j].at
	})

	// Merge events that fire in the same cycle into one trigger word.
	merged := events[:0]
	for _, ev := range events {
		if len(merged) > 0 && merged[len(merged)-1].at == ev.at {
			last := &merged[len(merged)-1]
			for slot := range ev.trig.Modules {
				if ev.trig.Modules[slot] == 0 {
					continue
				}
				if last.trig.Modules[slot] != 0 {
					return &qicode.UnsupportedPatternError{
						Msg: "parallel bodies trigger the same module in the same cycle",
					}
				}
				last.trig.Modules[slot] = ev.trig.Modules[slot]
			}
			continue
		}
		merged = append(merged, ev)
	}

	cursor := uint64(0)
	for _, ev := range merged {
		if err := s.waitCycles(int64(ev.at - cursor)); err != nil {
			return err
		}
		s.trigger(ev.trig)
		cursor = ev.at + 1
	}
	return s.waitCycles(int64(length) - int64(cursor))
}

// parallelCommand resolves one body command into its cycle length and, for
// commands on this cell, the trigger event it contributes.
func (l *lowering) parallelCommand(
	s *sequencer,
	cell int,
	n qicode.Node,
	at uint64,
) (advance uint64, ev parallelEvent, has bool, err error) {
	cmd, ok := n.(qicode.Command)
	if !ok {
		return 0, ev, false, &qicode.UnsupportedPatternError{
			Msg: "control flow inside a parallel block",
		}
	}
	onCell := false
	for _, cc := range cmd.CommandCells() {
		if cc.Index() == cell {
			onCell = true
		}
	}

	switch t := cmd.(type) {
	case *qicode.Wait:
		cycles, err := l.parallelCycles(t.Duration, cell, "parallel wait")
		return uint64(cycles), ev, false, err
	case *qicode.Play:
		cycles, trig, err := l.parallelPulse(
			s, manipulationTarget(s), t.Pulse, cell, recTriggerNone, onCell)
		return cycles, parallelEvent{at: at, trig: trig}, onCell, err
	case *qicode.PlayReadout:
		if t.Recording != nil && t.Recording.StateTo != nil {
			return 0, ev, false, &qicode.UnsupportedPatternError{
				Msg: "state readout inside a parallel block",
			}
		}
		cycles, trig, err := l.parallelPulse(
			s, readoutTarget(s), t.Pulse, cell,
			recordTriggerValue(t.Recording), onCell)
		return cycles, parallelEvent{at: at, trig: trig}, onCell, err
	case *qicode.Record:
		cycles, err := l.parallelCycles(t.Duration, cell, "parallel recording")
		if err != nil {
			return 0, ev, false, err
		}
		var trig isa.Trigger
		trig.Modules[isa.ModuleRecording] = recordTriggerValue(t)
		return uint64(cycles), parallelEvent{at: at, trig: trig}, onCell, nil
	case *qicode.RotateFrame:
		if !onCell {
			return 1, ev, false, nil
		}
		wf, err := s.manipulation.registerFrameRotation(t.Angle)
		if err != nil {
			return 0, ev, false, err
		}
		var trig isa.Trigger
		trig.Modules[isa.ModuleManipulation] = uint8(wf.Index)
		return 1, parallelEvent{at: at, trig: trig}, true, nil
	case *qicode.DigitalTrigger:
		cycles, err := l.parallelCycles(t.Duration, cell, "parallel digital trigger")
		if err != nil {
			return 0, ev, false, err
		}
		var trig isa.Trigger
		trig.Modules[3] = t.Outputs & 0x3
		trig.Modules[4] = (t.Outputs >> 2) & 0x3
		return uint64(cycles), parallelEvent{at: at, trig: trig}, onCell, nil
	default:
		return 0, ev, false, &qicode.UnsupportedPatternError{
			Msg: "command not schedulable inside a parallel block",
		}
	}
}

func (l *lowering) parallelCycles(
	v qicode.Value,
	cell int,
	context string,
) (uint32, error) {
	if _, ok := isVariable(v); ok {
		return 0, &qicode.UnsupportedPatternError{
			Msg: "variable duration inside a parallel block",
		}
	}
	return l.b.cycles(v, cell, context)
}

func (l *lowering) parallelPulse(
	s *sequencer,
	target pulseTarget,
	p qicode.Pulse,
	cell int,
	recVal uint8,
	onCell bool,
) (uint64, isa.Trigger, error) {
	var trig isa.Trigger
	if p.Hold || p.IsVariableLength() {
		return 0, trig, &qicode.UnsupportedPatternError{
			Msg: "held or variable-length pulse inside a parallel block",
		}
	}
	cycles, err := l.parallelCycles(p.Length, cell, "parallel pulse length")
	if err != nil {
		return 0, trig, err
	}
	if !onCell {
		return uint64(cycles), trig, nil
	}
	phaseInc, err := l.b.phaseIncrement(p.Frequency, cell)
	if err != nil {
		return 0, trig, err
	}
	wf, err := target.reg.register(p, cycles, false, phaseInc, s.clock)
	if err != nil {
		return 0, trig, err
	}
	trig.Modules[target.slot] = uint8(wf.Index)
	trig.Modules[isa.ModuleRecording] = recVal
	return uint64(cycles), trig, nil
}
