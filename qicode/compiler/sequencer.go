package compiler

import (
	"github.com/pkg/errors"

	"github.com/quantuminterface/qiclib/qicode"
	"github.com/quantuminterface/qiclib/qicode/isa"
)

// Latencies of the multi-cycle instructions. Everything else retires in
// one cycle.
const (
	cyclesJump      = 2
	cyclesMultiply  = 6
	cyclesMemAccess = 8
	// recordingModuleDelay is the pipeline latency between a recording
	// trigger and the first valid sample.
	recordingModuleDelay = 1
)

// syncPoint identifies the last event the cycle counter of a cell was
// reset at. Implicit synchronization between cells is only sound when all
// cells count from the same event.
type syncPoint int

const (
	syncProgramStart syncPoint = iota
	syncCommand
	syncBeforeIfElse
	syncBeforeForRange
	syncAfterForRangeIteration
	syncBeforeParallel
	syncLoopUnroll0
	syncLoopUnroll1
)

var syncPointNames = map[syncPoint]string{
	syncProgramStart:           "program start",
	syncCommand:                "sync command",
	syncBeforeIfElse:           "before if-else",
	syncBeforeForRange:         "before for-range",
	syncAfterForRangeIteration: "after for-range iteration",
	syncBeforeParallel:         "before parallel",
	syncLoopUnroll0:            "loop unroll 0",
	syncLoopUnroll1:            "loop unroll 1",
}

func (p syncPoint) String() string { return syncPointNames[p] }

// progCycles tracks the cycle count of a cell's program since its last
// sync point. Data-dependent control flow invalidates the count until the
// next explicit synchronization.
type progCycles struct {
	cycles uint64
	valid  bool
	point  syncPoint
}

func (p *progCycles) add(n uint64) {
	if p.valid {
		p.cycles += n
	}
}

func (p *progCycles) invalidate() {
	p.valid = false
}

func (p *progCycles) reset(point syncPoint) {
	p.cycles = 0
	p.valid = true
	p.point = point
}

// sequencer generates the instruction stream of one cell. It owns the
// cell's register file, pulse tables and cycle accounting.
type sequencer struct {
	cell  int
	clock Clock

	code []isa.Instruction

	// freeRegs is the allocation stack, popped from the back so the
	// highest free register is handed out first. r0 stays hardwired.
	freeRegs []isa.Reg
	varRegs  map[*qicode.Variable]isa.Reg

	cycles progCycles

	manipulation *pulseRegistry
	readout      *pulseRegistry

	// chokeManipulation and chokeReadout record that a held or
	// variable-length pulse is still playing and must be terminated by a
	// choke trigger before the program ends.
	chokeManipulation bool
	chokeReadout      bool

	recordings []qicode.RecordingSpec

	warnings *[]qicode.PrecisionWarning
}

func newSequencer(
	cell int,
	clock Clock,
	warnings *[]qicode.PrecisionWarning,
) *sequencer {
	free := make([]isa.Reg, 0, isa.RegisterCount-1)
	for r := 1; r < isa.RegisterCount; r++ {
		free = append(free, isa.Reg(r))
	}
	s := &sequencer{
		cell:         cell,
		clock:        clock,
		freeRegs:     free,
		varRegs:      make(map[*qicode.Variable]isa.Reg),
		manipulation: newPulseRegistry("manipulation"),
		readout:      newPulseRegistry("readout"),
		warnings:     warnings,
	}
	s.cycles.reset(syncProgramStart)
	return s
}

// allocRegister pops the highest free register.
func (s *sequencer) allocRegister() (isa.Reg, error) {
	if len(s.freeRegs) == 0 {
		return 0, &qicode.CapacityExceededError{
			Resource: "sequencer registers",
			Limit:    isa.RegisterCount - 1,
		}
	}
	r := s.freeRegs[len(s.freeRegs)-1]
	s.freeRegs = s.freeRegs[:len(s.freeRegs)-1]
	return r, nil
}

func (s *sequencer) releaseRegister(r isa.Reg) {
	if r == isa.Zero {
		return
	}
	s.freeRegs = append(s.freeRegs, r)
}

// bindVariable pins a register to the variable for the lifetime of the
// program.
func (s *sequencer) bindVariable(v *qicode.Variable) (isa.Reg, error) {
	if r, ok := s.varRegs[v]; ok {
		return r, nil
	}
	r, err := s.allocRegister()
	if err != nil {
		return 0, errors.Wrap(err, "bind variable")
	}
	s.varRegs[v] = r
	return r, nil
}

func (s *sequencer) register(v *qicode.Variable) (isa.Reg, error) {
	r, ok := s.varRegs[v]
	if !ok {
		return 0, &qicode.StructureError{
			Cell:     s.cell,
			Variable: v.Name(),
			Msg:      "variable not bound on this cell",
		}
	}
	return r, nil
}

// emit appends an instruction and charges its latency against the cycle
// counter.
func (s *sequencer) emit(inst isa.Instruction) int {
	idx := len(s.code)
	s.code = append(s.code, inst)
	s.cycles.add(s.latency(inst))
	return idx
}

func (s *sequencer) latency(inst isa.Instruction) uint64 {
	switch t := inst.(type) {
	case isa.Jump:
		return cyclesJump
	case isa.Branch:
		return cyclesJump
	case isa.RegReg:
		if t.Op == isa.AluMul {
			return cyclesMultiply
		}
		return 1
	case isa.Load, isa.Store:
		return cyclesMemAccess
	case isa.WaitImm:
		return uint64(t.Cycles)
	default:
		return 1
	}
}

// loadImmediate materializes a 32-bit constant in rd. Values inside the
// signed 12-bit range take a single ADDI; larger values split into LUI
// plus ADDI, with the upper part compensated for the sign extension of
// the lower part.
func (s *sequencer) loadImmediate(rd isa.Reg, val int32) {
	if isa.FitsLowerImmediate(int64(val)) {
		s.emit(isa.RegImm{Op: isa.AluAdd, Rd: rd, Rs: isa.Zero, Imm: val})
		return
	}
	lower := val << 20 >> 20 // sign-extended low 12 bits
	upper := (val - lower) >> 12
	s.emit(isa.Lui{Rd: rd, Imm: upper})
	if lower != 0 {
		s.emit(isa.RegImm{Op: isa.AluAdd, Rd: rd, Rs: rd, Imm: lower})
	}
}

// waitCycles stalls the cell for n cycles. Zero and negative counts emit
// nothing; counts beyond the 20-bit wait immediate go through a scratch
// register, compensated for the two cycles the load-and-wait setup itself
// takes.
func (s *sequencer) waitCycles(n int64) error {
	if n <= 0 {
		return nil
	}
	if isa.FitsWaitImmediate(n) {
		s.emit(isa.WaitImm{Cycles: uint32(n)})
		return nil
	}
	r, err := s.allocRegister()
	if err != nil {
		return errors.Wrap(err, "wait cycles")
	}
	defer s.releaseRegister(r)
	before := s.cycles
	s.loadImmediate(r, int32(n-2))
	s.emit(isa.WaitReg{Rs: r})
	// The register wait stalls for the register value; the setup already
	// burned its share of the n cycles.
	if before.valid {
		s.cycles = before
		s.cycles.add(uint64(n))
	}
	return nil
}

// waitRegister stalls for the cycle count held in a variable. The count
// is unknown at compile time, so implicit synchronization downstream is
// off until the next explicit sync.
func (s *sequencer) waitRegister(rs isa.Reg) {
	s.emit(isa.WaitReg{Rs: rs})
	s.cycles.invalidate()
}

// trigger starts hardware modules. One cycle.
func (s *sequencer) trigger(t isa.Trigger) {
	s.emit(t)
}

// chokeActive terminates any pulse still held open on the manipulation or
// readout module.
func (s *sequencer) chokeActive() {
	if !s.chokeManipulation && !s.chokeReadout {
		return
	}
	var t isa.Trigger
	if s.chokeManipulation {
		t.Modules[isa.ModuleManipulation] = ChokePulseIndex
		s.chokeManipulation = false
	}
	if s.chokeReadout {
		t.Modules[isa.ModuleReadout] = ChokePulseIndex
		s.chokeReadout = false
	}
	s.trigger(t)
}

// branchPlaceholder emits a branch with an unresolved offset and returns
// its index for later patching.
func (s *sequencer) branchPlaceholder(
	cond isa.BranchCond,
	rs1 isa.Reg,
	rs2 isa.Reg,
) int {
	return s.emit(isa.Branch{Cond: cond, Rs1: rs1, Rs2: rs2})
}

// patchBranch resolves a placeholder branch to jump just past the current
// end of the program.
func (s *sequencer) patchBranch(idx int) {
	b := s.code[idx].(isa.Branch)
	b.Offset = int32(len(s.code) - idx)
	s.code[idx] = b
}

// jumpPlaceholder emits an unconditional jump with an unresolved offset.
func (s *sequencer) jumpPlaceholder() int {
	return s.emit(isa.Jump{})
}

func (s *sequencer) patchJump(idx int) {
	j := s.code[idx].(isa.Jump)
	j.Offset = int32(len(s.code) - idx)
	s.code[idx] = j
}

// jumpBack emits a jump to the given earlier instruction index.
func (s *sequencer) jumpBack(target int) {
	s.emit(isa.Jump{Offset: int32(target - len(s.code))})
}

// end terminates the program, choking open pulses first.
func (s *sequencer) end() {
	s.chokeActive()
	s.emit(isa.End{})
}

// invertedBranch maps a source-level comparison to the hardware branch
// taken when the comparison FAILS, swapping operands where the hardware
// only provides the mirrored condition. Used to skip a conditional body.
func invertedBranch(
	op qicode.CmpOp,
	rs1 isa.Reg,
	rs2 isa.Reg,
) (isa.BranchCond, isa.Reg, isa.Reg) {
	switch op {
	case qicode.CmpEq:
		return isa.BranchNe, rs1, rs2
	case qicode.CmpNe:
		return isa.BranchEq, rs1, rs2
	case qicode.CmpLt:
		return isa.BranchGe, rs1, rs2
	case qicode.CmpGe:
		return isa.BranchLt, rs1, rs2
	case qicode.CmpGt: // !(a > b) == a <= b == b >= a
		return isa.BranchGe, rs2, rs1
	default: // CmpLe: !(a <= b) == a > b == b < a
		return isa.BranchLt, rs2, rs1
	}
}

// directBranch maps a source-level comparison to the hardware branch taken
// when the comparison HOLDS.
func directBranch(
	op qicode.CmpOp,
	rs1 isa.Reg,
	rs2 isa.Reg,
) (isa.BranchCond, isa.Reg, isa.Reg) {
	switch op {
	case qicode.CmpEq:
		return isa.BranchEq, rs1, rs2
	case qicode.CmpNe:
		return isa.BranchNe, rs1, rs2
	case qicode.CmpLt:
		return isa.BranchLt, rs1, rs2
	case qicode.CmpGe:
		return isa.BranchGe, rs1, rs2
	case qicode.CmpGt:
		return isa.BranchLt, rs2, rs1
	default: // CmpLe
		return isa.BranchGe, rs2, rs1
	}
}
