// Package sim provides an in-memory cell controller that executes compiled
// programs on a software model of the sequencer. Results are synthesized
// deterministically so the full task path can run without hardware.
package sim

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/qicode/compiler"
	"github.com/quantuminterface/qiclib/qicode/isa"
	"github.com/quantuminterface/qiclib/rt"
)

// maxSteps bounds one program run; runaway loops point at a miscompiled
// program and abort instead of hanging the engine.
const maxSteps = 10_000_000

// defaultRecordingCycles is the acquisition window assumed until a
// program with recordings is loaded.
const defaultRecordingCycles = 25

// Controller is the simulated hardware platform. Cells execute
// synchronously when started; the busy flags never read true.
type Controller struct {
	mu     sync.Mutex
	logger *zap.Logger
	cells  []*cellState
}

type cellState struct {
	index   int
	program []isa.Instruction
	regs    [isa.RegisterCount]uint32
	memory  map[int32]uint32
	recDur  uint32

	// shots counts recording triggers over the controller's lifetime so
	// successive repetitions see varying results.
	shots      int
	lastReads  []rt.IQPair
	lastState  uint8
	haveResult bool
}

// New builds a simulated controller with the given cell count.
func New(cellCount int, logger *zap.Logger) *Controller {
	c := &Controller{logger: logger}
	for i := 0; i < cellCount; i++ {
		c.cells = append(c.cells, &cellState{
			index:  i,
			memory: make(map[int32]uint32),
			recDur: defaultRecordingCycles,
		})
	}
	return c
}

var _ rt.CellController = (*Controller)(nil)

func (c *Controller) CellCount() int { return len(c.cells) }

func (c *Controller) cell(idx int) (*cellState, error) {
	if idx < 0 || idx >= len(c.cells) {
		return nil, errors.Errorf("cell index %d outside 0..%d", idx, len(c.cells)-1)
	}
	return c.cells[idx], nil
}

// LoadProgram decodes each cell's instruction words into the simulator.
// Cells the program does not mention keep their previous (empty) program.
func (c *Controller) LoadProgram(p *compiler.Program) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cp := range p.Cells {
		cs, err := c.cell(cp.Cell)
		if err != nil {
			return err
		}
		decoded := make([]isa.Instruction, len(cp.Words))
		for i, w := range cp.Words {
			inst, err := isa.Decode(w)
			if err != nil {
				return errors.Wrapf(err, "cell %d word %d", cp.Cell, i)
			}
			decoded[i] = inst
		}
		cs.program = decoded
		cs.recDur = defaultRecordingCycles
		for _, rec := range cp.Recordings {
			if rec.Cycles > cs.recDur {
				cs.recDur = rec.Cycles
			}
		}
	}
	c.logger.Debug("program loaded", zap.Int("cells", len(p.Cells)))
	return nil
}

// StartCells runs the listed cells to completion, one after the other.
// Compiled programs keep their cells in lockstep, so the rendezvous
// barrier degenerates to a no-op under sequential execution.
func (c *Controller) StartCells(cells []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, idx := range cells {
		cs, err := c.cell(idx)
		if err != nil {
			return err
		}
		if err := cs.run(0); err != nil {
			return errors.Wrapf(err, "cell %d", idx)
		}
	}
	return nil
}

// StartAt runs a single cell from an explicit instruction index.
func (c *Controller) StartAt(cell int, pc uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, err := c.cell(cell)
	if err != nil {
		return err
	}
	return errors.Wrapf(cs.run(int(pc)), "cell %d", cell)
}

func (c *Controller) SetRegister(cell int, reg uint8, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, err := c.cell(cell)
	if err != nil {
		return err
	}
	if reg == 0 || reg >= isa.RegisterCount {
		return errors.Errorf("register index %d outside 1..%d", reg, isa.RegisterCount-1)
	}
	cs.regs[reg] = value
	return nil
}

func (c *Controller) SequencerBusy(int) bool { return false }
func (c *Controller) RecordingBusy(int) bool { return false }

func (c *Controller) AveragedResult(cell int) (rt.IQPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, err := c.cell(cell)
	if err != nil {
		return rt.IQPair{}, err
	}
	if len(cs.lastReads) == 0 {
		return rt.IQPair{}, errors.Errorf("cell %d has no recording result", cell)
	}
	var sumI, sumQ int64
	for _, p := range cs.lastReads {
		sumI += int64(p.I)
		sumQ += int64(p.Q)
	}
	n := int64(len(cs.lastReads))
	return rt.IQPair{I: int32(sumI / n), Q: int32(sumQ / n)}, nil
}

func (c *Controller) ResultMemory(cell int, offset, count int) ([]rt.IQPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, err := c.cell(cell)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+count > len(cs.lastReads) {
		return nil, errors.Errorf(
			"cell %d result memory read %d+%d exceeds %d recorded result(s)",
			cell, offset, count, len(cs.lastReads),
		)
	}
	out := make([]rt.IQPair, count)
	copy(out, cs.lastReads[offset:offset+count])
	return out, nil
}

func (c *Controller) StateResult(cell int) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, err := c.cell(cell)
	if err != nil {
		return 0, err
	}
	if !cs.haveResult {
		return 0, errors.Errorf("cell %d has no recording result", cell)
	}
	return cs.lastState, nil
}

func (c *Controller) Timetrace(cell int) ([]int32, []int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, err := c.cell(cell)
	if err != nil {
		return nil, nil, err
	}
	if !cs.haveResult {
		return nil, nil, errors.Errorf("cell %d has no recording result", cell)
	}
	samples := int(cs.recDur) * 4
	i := make([]int32, samples)
	q := make([]int32, samples)
	base := int32(cs.index * 16)
	for s := 0; s < samples; s++ {
		i[s] = base + int32(s%64)
		q[s] = -int32(s % 64)
	}
	return i, q, nil
}

func (c *Controller) RecordingDuration(cell int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, err := c.cell(cell)
	if err != nil {
		return 0
	}
	return cs.recDur
}

// record synthesizes the acquisition result of one recording trigger.
func (cs *cellState) record() {
	shot := cs.shots
	cs.shots++
	i := int32((cs.index+1)<<8) + int32(shot&0x3F)
	cs.lastReads = append(cs.lastReads, rt.IQPair{I: i, Q: -(i >> 1)})
	cs.lastState = uint8(shot) & 1
	cs.haveResult = true
}

// run interprets the cell's program from the given instruction index until
// its end marker. Waits pass instantly; time is not modeled.
func (cs *cellState) run(pc int) error {
	if len(cs.program) == 0 {
		return errors.New("no program loaded")
	}
	cs.lastReads = cs.lastReads[:0]

	for steps := 0; ; steps++ {
		if steps >= maxSteps {
			return errors.Errorf("program exceeded %d steps", maxSteps)
		}
		if pc < 0 || pc >= len(cs.program) {
			return errors.Errorf("program counter %d outside 0..%d", pc, len(cs.program)-1)
		}

		switch inst := cs.program[pc].(type) {
		case isa.End:
			return nil
		case isa.RegImm:
			cs.setReg(inst.Rd, aluImm(inst.Op, cs.regs[inst.Rs], inst.Imm))
			pc++
		case isa.RegReg:
			cs.setReg(inst.Rd, alu(inst.Op, cs.regs[inst.Rs1], cs.regs[inst.Rs2]))
			pc++
		case isa.Lui:
			cs.setReg(inst.Rd, uint32(inst.Imm)<<12)
			pc++
		case isa.Branch:
			if branchTaken(inst.Cond, cs.regs[inst.Rs1], cs.regs[inst.Rs2]) {
				pc += int(inst.Offset)
			} else {
				pc++
			}
		case isa.Jump:
			pc += int(inst.Offset)
		case isa.WaitImm, isa.WaitReg, isa.TriggerWaitReg, isa.CellSync:
			pc++
		case isa.Trigger:
			if inst.Modules[isa.ModuleRecording] != 0 {
				cs.record()
			}
			pc++
		case isa.AwaitQubitState:
			cs.setReg(inst.Rd, uint32(cs.lastState))
			pc++
		case isa.Load:
			cs.setReg(inst.Rd, cs.memory[int32(cs.regs[inst.Base])+inst.Offset])
			pc++
		case isa.Store:
			cs.memory[int32(cs.regs[inst.Base])+inst.Offset] = cs.regs[inst.Src]
			pc++
		default:
			return errors.Errorf("instruction %q not supported by the simulator", inst.String())
		}
	}
}

func (cs *cellState) setReg(r isa.Reg, v uint32) {
	if r != isa.Zero {
		cs.regs[r] = v
	}
}

func alu(op isa.AluOp, a, b uint32) uint32 {
	switch op {
	case isa.AluAdd:
		return a + b
	case isa.AluSub:
		return a - b
	case isa.AluMul:
		return a * b
	case isa.AluShiftLeft:
		return a << (b & 0x1F)
	case isa.AluShiftRightLogical:
		return a >> (b & 0x1F)
	case isa.AluShiftRightArith:
		return uint32(int32(a) >> (b & 0x1F))
	case isa.AluXor:
		return a ^ b
	case isa.AluOr:
		return a | b
	case isa.AluAnd:
		return a & b
	}
	return 0
}

func aluImm(op isa.AluOp, a uint32, imm int32) uint32 {
	switch op {
	case isa.AluShiftLeft, isa.AluShiftRightLogical, isa.AluShiftRightArith:
		return alu(op, a, uint32(imm)&0x1F)
	}
	return alu(op, a, uint32(imm))
}

func branchTaken(cond isa.BranchCond, a, b uint32) bool {
	switch cond {
	case isa.BranchEq:
		return a == b
	case isa.BranchNe:
		return a != b
	case isa.BranchLt:
		return int32(a) < int32(b)
	case isa.BranchGe:
		return int32(a) >= int32(b)
	case isa.BranchLtu:
		return a < b
	case isa.BranchGeu:
		return a >= b
	}
	return false
}
