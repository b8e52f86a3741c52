package compiler

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/quantuminterface/qiclib/qicode"
	"github.com/quantuminterface/qiclib/qicode/isa"
)

// Recording module trigger values.
const (
	recTriggerNone       = 0
	recTriggerSingle     = 1
	recTriggerOneShot    = 2
	recTriggerContinuous = 3
)

// lowering walks a frozen job tree and generates one instruction stream
// per cell. Cross-cell timing is kept through the per-cell cycle counters;
// implicit synchronization pads with waits, everything the counters cannot
// prove falls back to runtime CellSync barriers.
type lowering struct {
	job  *qicode.Job
	b    *binding
	seqs []*sequencer

	// varCells maps every variable to the set of cell indices whose
	// programs reference it. Assignments are lowered on exactly these
	// cells.
	varCells map[*qicode.Variable]map[int]bool

	// loopDepth counts enclosing multi-iteration loops; parallel blocks
	// cannot be scheduled statically inside them.
	loopDepth int
}

func newLowering(
	job *qicode.Job,
	sample *qicode.Sample,
	clock Clock,
	warnings *[]qicode.PrecisionWarning,
) (*lowering, error) {
	l := &lowering{
		job:      job,
		b:        &binding{sample: sample, clock: clock, warnings: warnings},
		varCells: make(map[*qicode.Variable]map[int]bool),
	}
	for i := range job.JobCells() {
		l.seqs = append(l.seqs, newSequencer(i, clock, warnings))
	}
	l.collect(job.Body())
	l.propagateAssignments(job.Body())

	// Bind variable registers in declaration order so register assignment
	// is deterministic across compiles of the same job.
	for _, v := range job.JobVariables() {
		for _, cell := range l.cellSet(v) {
			if _, err := l.seqs[cell].bindVariable(v); err != nil {
				return nil, err
			}
		}
	}
	return l, nil
}

func (l *lowering) seq(c *qicode.Cell) *sequencer {
	return l.seqs[c.Index()]
}

func (l *lowering) associate(v *qicode.Variable, cells []int) {
	set, ok := l.varCells[v]
	if !ok {
		set = make(map[int]bool)
		l.varCells[v] = set
	}
	for _, c := range cells {
		set[c] = true
	}
}

// cellSet returns the sorted cell indices a variable is referenced on.
func (l *lowering) cellSet(v *qicode.Variable) []int {
	set := l.varCells[v]
	cells := make([]int, 0, len(set))
	for c := range set {
		cells = append(cells, c)
	}
	sort.Ints(cells)
	return cells
}

// cellsOfNodes returns the sorted cell indices addressed anywhere in the
// subtree.
func cellsOfNodes(nodes []qicode.Node) []int {
	set := make(map[int]bool)
	collectCells(nodes, set)
	cells := make([]int, 0, len(set))
	for c := range set {
		cells = append(cells, c)
	}
	sort.Ints(cells)
	return cells
}

func collectCells(nodes []qicode.Node, set map[int]bool) {
	for _, n := range nodes {
		switch t := n.(type) {
		case *qicode.ForRange:
			collectCells(t.Body, set)
		case *qicode.If:
			collectCells(t.Then, set)
			collectCells(t.Else, set)
		case *qicode.Parallel:
			for _, body := range t.Bodies {
				collectCells(body, set)
			}
		case qicode.Command:
			for _, c := range t.CommandCells() {
				set[c.Index()] = true
			}
		}
	}
}

// collect associates every variable with the cells whose programs use it.
// Control-flow variables are associated with every cell of the block body
// since each of those cells evaluates the condition itself.
func (l *lowering) collect(nodes []qicode.Node) {
	for _, n := range nodes {
		switch t := n.(type) {
		case *qicode.ForRange:
			l.collect(t.Body)
			cells := cellsOfNodes(t.Body)
			l.associate(t.Var, cells)
			if v, ok := isVariable(t.Start); ok {
				l.associate(v, cells)
			}
			if v, ok := isVariable(t.End); ok {
				l.associate(v, cells)
			}
		case *qicode.If:
			l.collect(t.Then)
			l.collect(t.Else)
			cells := cellsOfNodes(append(t.Then, t.Else...))
			l.associate(t.Cond.Lhs, cells)
			if v, ok := isVariable(t.Cond.Rhs); ok {
				l.associate(v, cells)
			}
		case *qicode.Parallel:
			for _, body := range t.Bodies {
				l.collect(body)
			}
		case qicode.Command:
			cells := make([]int, 0, 2)
			for _, c := range t.CommandCells() {
				cells = append(cells, c.Index())
			}
			for _, v := range t.CommandVariables() {
				l.associate(v, cells)
			}
		}
	}
}

// propagateAssignments closes the variable-to-cell map over assignment
// dataflow: a variable read by an assignment must live on every cell its
// destination lives on. Runs to a fixpoint, bounded by the variable count.
func (l *lowering) propagateAssignments(body []qicode.Node) {
	var assigns []*qicode.Assign
	var walk func(nodes []qicode.Node)
	walk = func(nodes []qicode.Node) {
		for _, n := range nodes {
			switch t := n.(type) {
			case *qicode.Assign:
				assigns = append(assigns, t)
			case *qicode.ForRange:
				walk(t.Body)
			case *qicode.If:
				walk(t.Then)
				walk(t.Else)
			case *qicode.Parallel:
				for _, b := range t.Bodies {
					walk(b)
				}
			}
		}
	}
	walk(body)

	for range l.job.JobVariables() {
		changed := false
		for _, a := range assigns {
			cells := l.cellSet(a.Dst)
			for _, v := range a.CommandVariables() {
				before := len(l.varCells[v])
				l.associate(v, cells)
				if len(l.varCells[v]) != before {
					changed = true
				}
			}
		}
		if !changed {
			break
		}
	}
}

// lower generates the full program for every cell and terminates each
// stream.
func (l *lowering) lower() error {
	if err := l.lowerNodes(l.job.Body()); err != nil {
		return err
	}
	for _, s := range l.seqs {
		s.end()
	}
	return nil
}

func (l *lowering) lowerNodes(nodes []qicode.Node) error {
	for _, n := range nodes {
		if err := l.lowerNode(n); err != nil {
			return err
		}
	}
	return nil
}

func (l *lowering) lowerNode(n qicode.Node) error {
	switch t := n.(type) {
	case *qicode.Play:
		s := l.seq(t.Cell)
		return l.playPulse(s, manipulationTarget(s), t.Pulse, recTriggerNone)
	case *qicode.PlayReadout:
		return l.lowerPlayReadout(t)
	case *qicode.Record:
		return l.lowerRecord(t)
	case *qicode.RotateFrame:
		return l.lowerRotateFrame(t)
	case *qicode.Wait:
		return l.lowerWait(t)
	case *qicode.Assign:
		return l.lowerAssign(t)
	case *qicode.DigitalTrigger:
		return l.lowerDigitalTrigger(t)
	case *qicode.MemStore:
		return l.lowerMemStore(t)
	case *qicode.Sync:
		return l.lowerSync(t)
	case *qicode.If:
		return l.lowerIf(t)
	case *qicode.ForRange:
		return l.lowerForRange(t)
	case *qicode.Parallel:
		return l.lowerParallel(t)
	default:
		return &qicode.EmitterError{Node: "unknown node"}
	}
}

// pulseTarget pairs a trigger module slot with its waveform registry.
type pulseTarget struct {
	slot  int
	reg   *pulseRegistry
	choke *bool
}

func manipulationTarget(s *sequencer) pulseTarget {
	return pulseTarget{
		slot:  isa.ModuleManipulation,
		reg:   s.manipulation,
		choke: &s.chokeManipulation,
	}
}

func readoutTarget(s *sequencer) pulseTarget {
	return pulseTarget{
		slot:  isa.ModuleReadout,
		reg:   s.readout,
		choke: &s.chokeReadout,
	}
}

// playPulse lowers one pulse onto a module: a trigger starting the
// waveform entry, followed by a wait spanning the rest of the pulse. The
// recording trigger value is merged into the same word so a fused readout
// and recording start in the same cycle.
func (l *lowering) playPulse(
	s *sequencer,
	target pulseTarget,
	p qicode.Pulse,
	recVal uint8,
) error {
	phaseInc, err := l.b.phaseIncrement(p.Frequency, s.cell)
	if err != nil {
		return err
	}

	// A zero-amplitude zero-shape pulse terminates whatever the module is
	// still playing.
	if p.Shape.Name() == qicode.ShapeZero.Name() && p.Amplitude == 0 {
		var trig isa.Trigger
		trig.Modules[target.slot] = ChokePulseIndex
		trig.Modules[isa.ModuleRecording] = recVal
		s.trigger(trig)
		*target.choke = false
		return nil
	}

	if v, ok := isVariable(p.Length); ok {
		return l.playVariable(s, target, p, v, phaseInc, recVal)
	}

	cycles, err := l.b.cycles(p.Length, s.cell, "pulse length")
	if err != nil {
		return err
	}
	if p.Hold {
		// Held entries sample a single cycle of the envelope and keep the
		// final value until choked.
		cycles = 1
	} else if cycles == 0 {
		return nil
	}
	wf, err := target.reg.register(p, cycles, false, phaseInc, s.clock)
	if err != nil {
		return err
	}
	var trig isa.Trigger
	trig.Modules[target.slot] = uint8(wf.Index)
	trig.Modules[isa.ModuleRecording] = recVal
	s.trigger(trig)
	if p.Hold {
		*target.choke = true
		return nil
	}
	return s.waitCycles(int64(cycles) - 1)
}

// playFixed lowers a loop-variable pulse for one statically known cycle
// count, used by loop unrolling.
func (l *lowering) playFixed(
	s *sequencer,
	target pulseTarget,
	p qicode.Pulse,
	cycles uint32,
	recVal uint8,
) error {
	phaseInc, err := l.b.phaseIncrement(p.Frequency, s.cell)
	if err != nil {
		return err
	}
	fixed := p
	fixed.Length = qicode.Constant(s.clock.TimeFromCycles(cycles))
	wf, err := target.reg.register(fixed, cycles, false, phaseInc, s.clock)
	if err != nil {
		return err
	}
	var trig isa.Trigger
	trig.Modules[target.slot] = uint8(wf.Index)
	trig.Modules[isa.ModuleRecording] = recVal
	s.trigger(trig)
	return s.waitCycles(int64(cycles) - 1)
}

// playVariable lowers a pulse whose length lives in a register: trigger,
// stall for the register value minus the trigger cycle, then choke.
func (l *lowering) playVariable(
	s *sequencer,
	target pulseTarget,
	p qicode.Pulse,
	v *qicode.Variable,
	phaseInc int32,
	recVal uint8,
) error {
	lenReg, err := s.register(v)
	if err != nil {
		return err
	}
	wf, err := target.reg.register(p, 0, true, phaseInc, s.clock)
	if err != nil {
		return err
	}
	tmp, err := s.allocRegister()
	if err != nil {
		return errors.Wrap(err, "variable length pulse")
	}
	defer s.releaseRegister(tmp)

	s.emit(isa.RegImm{Op: isa.AluAdd, Rd: tmp, Rs: lenReg, Imm: -1})
	var trig isa.Trigger
	trig.Modules[target.slot] = uint8(wf.Index)
	trig.Modules[isa.ModuleRecording] = recVal
	s.trigger(trig)
	s.emit(isa.TriggerWaitReg{Rs: tmp})
	var choke isa.Trigger
	choke.Modules[target.slot] = ChokePulseIndex
	s.trigger(choke)
	s.cycles.invalidate()
	return nil
}

func recordTriggerValue(r *qicode.Record) uint8 {
	if r == nil {
		return recTriggerNone
	}
	if r.Continuous {
		return recTriggerContinuous
	}
	return recTriggerSingle
}

func (l *lowering) lowerPlayReadout(c *qicode.PlayReadout) error {
	s := l.seq(c.Cell)
	err := l.playPulse(s, readoutTarget(s), c.Pulse, recordTriggerValue(c.Recording))
	if err != nil {
		return err
	}
	if c.Recording == nil || c.Recording.StateTo == nil {
		return nil
	}
	// The readout wait already covered the pulse length; stall for the
	// rest of the acquisition window before reading the state.
	pulseCycles, err := l.b.cycles(c.Pulse.Length, s.cell, "readout pulse length")
	if err != nil {
		return err
	}
	return l.awaitState(s, c.Recording, int64(pulseCycles))
}

func (l *lowering) lowerRecord(c *qicode.Record) error {
	s := l.seq(c.Cell)
	var trig isa.Trigger
	trig.Modules[isa.ModuleRecording] = recordTriggerValue(c)
	s.trigger(trig)
	if c.StateTo != nil {
		return l.awaitState(s, c, 1)
	}
	durCycles, err := l.b.cycles(c.Duration, s.cell, "recording duration")
	if err != nil {
		return err
	}
	return s.waitCycles(int64(durCycles) - 1)
}

// awaitState stalls until the recording window plus the module pipeline
// delay has passed, then reads the discriminated state into the target
// variable. elapsed counts the cycles already spent since the recording
// trigger.
func (l *lowering) awaitState(
	s *sequencer,
	r *qicode.Record,
	elapsed int64,
) error {
	durCycles, err := l.b.cycles(r.Duration, s.cell, "recording duration")
	if err != nil {
		return err
	}
	if err := s.waitCycles(int64(durCycles) + recordingModuleDelay - elapsed); err != nil {
		return err
	}
	stateReg, err := s.bindVariable(r.StateTo)
	if err != nil {
		return err
	}
	s.emit(isa.AwaitQubitState{Cell: uint16(s.cell), Rd: stateReg})
	s.cycles.invalidate()
	return nil
}

func (l *lowering) lowerRotateFrame(c *qicode.RotateFrame) error {
	s := l.seq(c.Cell)
	wf, err := s.manipulation.registerFrameRotation(c.Angle)
	if err != nil {
		return err
	}
	var trig isa.Trigger
	trig.Modules[isa.ModuleManipulation] = uint8(wf.Index)
	s.trigger(trig)
	return nil
}

func (l *lowering) lowerWait(c *qicode.Wait) error {
	s := l.seq(c.Cell)
	if v, ok := isVariable(c.Duration); ok {
		r, err := s.register(v)
		if err != nil {
			return err
		}
		s.waitRegister(r)
		return nil
	}
	cycles, err := l.b.cycles(c.Duration, s.cell, "wait duration")
	if err != nil {
		return err
	}
	return s.waitCycles(int64(cycles))
}

var aluOps = map[qicode.ArithOp]isa.AluOp{
	qicode.OpAdd: isa.AluAdd,
	qicode.OpSub: isa.AluSub,
	qicode.OpMul: isa.AluMul,
	qicode.OpShl: isa.AluShiftLeft,
	qicode.OpShr: isa.AluShiftRightLogical,
	qicode.OpAnd: isa.AluAnd,
	qicode.OpOr:  isa.AluOr,
	qicode.OpXor: isa.AluXor,
}

// operandRegister materializes a value operand in a register on the given
// cell. The second return tells the caller to release the register after
// use.
func (l *lowering) operandRegister(
	s *sequencer,
	v qicode.Value,
	kind qicode.VariableKind,
	context string,
) (isa.Reg, bool, error) {
	if t, ok := isVariable(v); ok {
		r, err := s.register(t)
		return r, false, err
	}
	val, err := l.b.count(v, s.cell, kind, context)
	if err != nil {
		return 0, false, err
	}
	if val == 0 {
		return isa.Zero, false, nil
	}
	tmp, err := s.allocRegister()
	if err != nil {
		return 0, false, errors.Wrap(err, context)
	}
	s.loadImmediate(tmp, int32(val))
	return tmp, true, nil
}

// lowerAssign evaluates the expression into the destination's register on
// every cell that references the destination.
func (l *lowering) lowerAssign(c *qicode.Assign) error {
	for _, cell := range l.cellSet(c.Dst) {
		s := l.seqs[cell]
		dst, err := s.register(c.Dst)
		if err != nil {
			return err
		}
		switch t := c.Expr.(type) {
		case qicode.Constant, *qicode.PropertyRef:
			val, err := l.b.count(t.(qicode.Value), cell, c.Dst.Kind(), "assignment")
			if err != nil {
				return err
			}
			s.loadImmediate(dst, int32(val))
		case *qicode.Variable:
			src, err := s.register(t)
			if err != nil {
				return err
			}
			s.emit(isa.RegImm{Op: isa.AluAdd, Rd: dst, Rs: src})
		case qicode.BinaryExpr:
			lhs, relLhs, err := l.operandRegister(s, t.Lhs, c.Dst.Kind(), "assignment operand")
			if err != nil {
				return err
			}
			rhs, relRhs, err := l.operandRegister(s, t.Rhs, c.Dst.Kind(), "assignment operand")
			if err != nil {
				if relLhs {
					s.releaseRegister(lhs)
				}
				return err
			}
			s.emit(isa.RegReg{Op: aluOps[t.Op], Rd: dst, Rs1: lhs, Rs2: rhs})
			if relLhs {
				s.releaseRegister(lhs)
			}
			if relRhs {
				s.releaseRegister(rhs)
			}
		default:
			return &qicode.EmitterError{Node: "assignment expression"}
		}
	}
	return nil
}

func (l *lowering) lowerDigitalTrigger(c *qicode.DigitalTrigger) error {
	s := l.seq(c.Cell)
	var trig isa.Trigger
	trig.Modules[3] = c.Outputs & 0x3
	trig.Modules[4] = (c.Outputs >> 2) & 0x3
	s.trigger(trig)
	if _, ok := isVariable(c.Duration); ok {
		return &qicode.UnsupportedPatternError{
			Msg: "variable digital trigger duration",
		}
	}
	cycles, err := l.b.cycles(c.Duration, s.cell, "digital trigger duration")
	if err != nil {
		return err
	}
	return s.waitCycles(int64(cycles) - 1)
}

func (l *lowering) lowerMemStore(c *qicode.MemStore) error {
	s := l.seq(c.Cell)
	src, err := s.register(c.Src)
	if err != nil {
		return err
	}
	s.emit(isa.Store{Src: src, Base: isa.Zero, Offset: c.Offset})
	return nil
}

func (l *lowering) lowerSync(c *qicode.Sync) error {
	var cells []int
	if len(c.Cells) == 0 {
		for i := range l.seqs {
			cells = append(cells, i)
		}
	} else {
		for _, cc := range c.Cells {
			cells = append(cells, cc.Index())
		}
		sort.Ints(cells)
	}
	return l.syncCells(cells, syncCommand)
}

// syncCells aligns the named cells in time. When every cell's cycle count
// is valid and counts from the same sync point, the shorter cells are
// padded with waits; otherwise a runtime CellSync barrier is emitted on
// every participating cell.
func (l *lowering) syncCells(cells []int, point syncPoint) error {
	if len(cells) == 0 {
		return nil
	}
	if len(cells) == 1 {
		l.seqs[cells[0]].cycles.reset(point)
		return nil
	}

	implicit := true
	ref := l.seqs[cells[0]].cycles.point
	var longest uint64
	for _, c := range cells {
		pc := l.seqs[c].cycles
		if !pc.valid || pc.point != ref {
			implicit = false
			break
		}
		if pc.cycles > longest {
			longest = pc.cycles
		}
	}

	if implicit {
		for _, c := range cells {
			s := l.seqs[c]
			if err := s.waitCycles(int64(longest - s.cycles.cycles)); err != nil {
				return err
			}
			s.cycles.reset(point)
		}
		return nil
	}

	var mask uint16
	for _, c := range cells {
		mask |= 1 << uint(c)
	}
	for _, c := range cells {
		s := l.seqs[c]
		s.emit(isa.CellSync{Mask: mask})
		s.cycles.reset(point)
	}
	return nil
}

// lowerIf lowers a conditional: every cell addressed inside the bodies
// evaluates the condition itself and branches over the body when it fails.
// The cells are synchronized before the branch; the data-dependent body
// length invalidates implicit synchronization afterwards.
func (l *lowering) lowerIf(c *qicode.If) error {
	cells := cellsOfNodes(append(append([]qicode.Node{}, c.Then...), c.Else...))
	if len(cells) == 0 {
		return nil
	}
	if err := l.syncCells(cells, syncBeforeIfElse); err != nil {
		return err
	}

	branches := make(map[int]int, len(cells))
	for _, cell := range cells {
		s := l.seqs[cell]
		lhs, err := s.register(c.Cond.Lhs)
		if err != nil {
			return err
		}
		rhs, release, err := l.operandRegister(
			s, c.Cond.Rhs, c.Cond.Lhs.Kind(), "if condition")
		if err != nil {
			return err
		}
		cond, r1, r2 := invertedBranch(c.Cond.Op, lhs, rhs)
		branches[cell] = s.branchPlaceholder(cond, r1, r2)
		if release {
			s.releaseRegister(rhs)
		}
		s.cycles.invalidate()
	}

	if err := l.lowerNodes(c.Then); err != nil {
		return err
	}

	if len(c.Else) == 0 {
		for _, cell := range cells {
			l.seqs[cell].patchBranch(branches[cell])
		}
		return nil
	}

	jumps := make(map[int]int, len(cells))
	for _, cell := range cells {
		jumps[cell] = l.seqs[cell].jumpPlaceholder()
		l.seqs[cell].patchBranch(branches[cell])
	}
	if err := l.lowerNodes(c.Else); err != nil {
		return err
	}
	for _, cell := range cells {
		l.seqs[cell].patchJump(jumps[cell])
	}
	return nil
}
