// Package qicode describes quantum control experiments: cells, typed
// variables, pulses and a builder accumulating commands and nested control
// blocks into a tree-shaped instruction stream. The compiler package lowers
// the tree into per-cell sequencer programs.
package qicode

import "fmt"

type frameKind int

const (
	frameFor frameKind = iota
	frameIf
	frameElse
	frameParallel
)

type frame struct {
	kind     frameKind
	forBlock *ForRange
	ifBlock  *If
	parBlock *Parallel
	body     []Node
}

// Job is the scope of one experiment description. Commands accumulate while
// the job is building; compilation freezes the job, after which further
// commands fail with a StructureError.
type Job struct {
	cells  []*Cell
	vars   []*Variable
	body   []Node
	stack  []*frame
	frozen bool

	// Else may only directly follow its If.
	pendingElse *If
	// Adjacent Parallel blocks merge into one set of sibling bodies.
	pendingParallel *Parallel
}

// MaxParallelBodies is the hardware interleaving limit for sibling
// Parallel blocks.
const MaxParallelBodies = 2

// NewJob opens a fresh experiment scope.
func NewJob() *Job {
	return &Job{}
}

// Cells declares n cells in the job scope and returns them.
func (j *Job) Cells(n int) []*Cell {
	start := len(j.cells)
	for i := 0; i < n; i++ {
		j.cells = append(j.cells, &Cell{job: j, index: start + i})
	}
	return j.cells[start:]
}

// JobCells returns all declared cells.
func (j *Job) JobCells() []*Cell { return j.cells }

// JobVariables returns all declared variables.
func (j *Job) JobVariables() []*Variable { return j.vars }

// Body returns the top-level instruction tree.
func (j *Job) Body() []Node { return j.body }

// Frozen reports whether compilation has started on this job.
func (j *Job) Frozen() bool { return j.frozen }

// Variable declares a typed variable in the job scope. An empty name is
// replaced by a generated one.
func (j *Job) Variable(kind VariableKind, name string) *Variable {
	if name == "" {
		name = fmt.Sprintf("v%d", len(j.vars))
	}
	v := &Variable{kind: kind, id: len(j.vars), name: name, job: j}
	j.vars = append(j.vars, v)
	return v
}

// IntVariable declares a generic integer variable.
func (j *Job) IntVariable() *Variable { return j.Variable(VarNormal, "") }

// TimeVariable declares a duration variable measured in clock cycles after
// resolution.
func (j *Job) TimeVariable() *Variable { return j.Variable(VarTime, "") }

// StateVariable declares a variable holding a measured qubit state.
func (j *Job) StateVariable() *Variable { return j.Variable(VarState, "") }

func (j *Job) checkOpen() error {
	if j.frozen {
		return structureErrorf("job is frozen, no further commands accepted")
	}
	return nil
}

func (j *Job) checkCell(c *Cell) error {
	if c == nil || c.job != j {
		return structureErrorf("command references a cell outside this job")
	}
	return nil
}

func (j *Job) checkVariable(v *Variable) error {
	if v == nil || v.job != j {
		return &StructureError{
			Cell:     -1,
			Variable: v.Name(),
			Msg:      "variable not declared in this job",
		}
	}
	return nil
}

func (j *Job) checkValue(val Value) error {
	switch t := val.(type) {
	case *Variable:
		return j.checkVariable(t)
	case *PropertyRef:
		return j.checkCell(t.cell)
	}
	return nil
}

func (j *Job) scope() *[]Node {
	if len(j.stack) == 0 {
		return &j.body
	}
	return &j.stack[len(j.stack)-1].body
}

func (j *Job) append(n Node) {
	j.pendingElse = nil
	j.pendingParallel = nil
	scope := j.scope()
	*scope = append(*scope, n)
}

func (j *Job) insideConditional() bool {
	for _, f := range j.stack {
		if f.kind == frameIf || f.kind == frameElse {
			return true
		}
	}
	return false
}

func (j *Job) checkPulse(cell *Cell, p Pulse) error {
	if err := j.checkValue(p.Length); err != nil {
		return err
	}
	if p.Frequency != nil {
		if err := j.checkValue(p.Frequency); err != nil {
			return err
		}
	}
	if p.IsVariableLength() && p.Shape.Name() != ShapeRect.Name() {
		return &StructureError{
			Cell: cell.index,
			Msg: fmt.Sprintf(
				"variable-length pulse requires the rect shape, got %q",
				p.Shape.Name(),
			),
		}
	}
	if p.Amplitude < 0 || p.Amplitude > 1 {
		return &StructureError{
			Cell: cell.index,
			Msg: fmt.Sprintf(
				"pulse amplitude %g outside [0, 1]",
				p.Amplitude,
			),
		}
	}
	return nil
}

// Play issues a manipulation pulse on the cell.
func (j *Job) Play(cell *Cell, pulse Pulse) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if err := j.checkCell(cell); err != nil {
		return err
	}
	if err := j.checkPulse(cell, pulse); err != nil {
		return err
	}
	j.append(&Play{Cell: cell, Pulse: pulse})
	return nil
}

// PlayReadout issues a readout pulse, optionally fused with a recording
// starting in the same cycle. The recording's cell is taken from the
// readout.
func (j *Job) PlayReadout(cell *Cell, pulse Pulse, rec *Record) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if err := j.checkCell(cell); err != nil {
		return err
	}
	if err := j.checkPulse(cell, pulse); err != nil {
		return err
	}
	if rec != nil {
		rec.Cell = cell
		if err := j.checkRecord(rec); err != nil {
			return err
		}
	}
	j.append(&PlayReadout{Cell: cell, Pulse: pulse, Recording: rec})
	return nil
}

func (j *Job) checkRecord(r *Record) error {
	if err := j.checkCell(r.Cell); err != nil {
		return err
	}
	if err := j.checkValue(r.Duration); err != nil {
		return err
	}
	if r.Offset != nil {
		if err := j.checkValue(r.Offset); err != nil {
			return err
		}
	}
	if r.StateTo != nil {
		if err := j.checkVariable(r.StateTo); err != nil {
			return err
		}
		if r.StateTo.Kind() != VarState {
			return &StructureError{
				Cell:     r.Cell.index,
				Variable: r.StateTo.Name(),
				Msg:      "recording state target must be a state variable",
			}
		}
	}
	if j.insideConditional() && r.SaveTo != "" {
		return &StructureError{
			Cell: r.Cell.index,
			Msg: fmt.Sprintf(
				"recording %q inside a conditional body: result count would "+
					"be data-dependent",
				r.SaveTo,
			),
		}
	}
	if r.SaveTo != "" {
		for _, existing := range j.recordings(r.Cell) {
			if existing.Name == r.SaveTo {
				return &StructureError{
					Cell: r.Cell.index,
					Msg: fmt.Sprintf(
						"duplicate recording name %q",
						r.SaveTo,
					),
				}
			}
			if ca, ok := existing.Duration.(Constant); ok {
				if cb, ok := r.Duration.(Constant); ok && ca != cb {
					return &StructureError{
						Cell: r.Cell.index,
						Msg: fmt.Sprintf(
							"conflicting recording durations %gs and %gs",
							float64(ca),
							float64(cb),
						),
					}
				}
			}
		}
	}
	return nil
}

// Record issues a recording on the cell.
func (j *Job) Record(cell *Cell, rec Record) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	rec.Cell = cell
	if err := j.checkRecord(&rec); err != nil {
		return err
	}
	j.append(&rec)
	return nil
}

// Wait idles the cell for the given duration.
func (j *Job) Wait(cell *Cell, duration Value) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if err := j.checkCell(cell); err != nil {
		return err
	}
	if err := j.checkValue(duration); err != nil {
		return err
	}
	j.append(&Wait{Cell: cell, Duration: duration})
	return nil
}

// Assign stores an expression's value into a variable.
func (j *Job) Assign(dst *Variable, expr Expr) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if err := j.checkVariable(dst); err != nil {
		return err
	}
	switch t := expr.(type) {
	case *Variable:
		if err := j.checkVariable(t); err != nil {
			return err
		}
	case BinaryExpr:
		if err := j.checkValue(t.Lhs); err != nil {
			return err
		}
		if err := j.checkValue(t.Rhs); err != nil {
			return err
		}
	}
	j.append(&Assign{Dst: dst, Expr: expr})
	return nil
}

// RotateFrame advances the cell's manipulation oscillator phase.
func (j *Job) RotateFrame(cell *Cell, angle float64) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if err := j.checkCell(cell); err != nil {
		return err
	}
	j.append(&RotateFrame{Cell: cell, Angle: angle})
	return nil
}

// DigitalTrigger raises digital output lines of the cell.
func (j *Job) DigitalTrigger(
	cell *Cell,
	outputs uint8,
	duration Value,
) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if err := j.checkCell(cell); err != nil {
		return err
	}
	if err := j.checkValue(duration); err != nil {
		return err
	}
	j.append(&DigitalTrigger{Cell: cell, Outputs: outputs, Duration: duration})
	return nil
}

// MemStore writes a variable into the cell's result memory.
func (j *Job) MemStore(cell *Cell, offset int32, src *Variable) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if err := j.checkCell(cell); err != nil {
		return err
	}
	if err := j.checkVariable(src); err != nil {
		return err
	}
	j.append(&MemStore{Cell: cell, Offset: offset, Src: src})
	return nil
}

// Sync inserts a cross-cell barrier. Without arguments all job cells
// participate.
func (j *Job) Sync(cells ...*Cell) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	for _, c := range cells {
		if err := j.checkCell(c); err != nil {
			return err
		}
	}
	j.append(&Sync{Cells: cells})
	return nil
}

// BeginForRange opens a loop stepping v from start (inclusive) to end
// (exclusive). Close with End.
func (j *Job) BeginForRange(v *Variable, start, end, step Value) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if err := j.checkVariable(v); err != nil {
		return err
	}
	if v.Kind() == VarState {
		return &StructureError{
			Cell:     -1,
			Variable: v.Name(),
			Msg:      "state variable cannot drive a loop",
		}
	}
	for _, val := range []Value{start, end, step} {
		if err := j.checkValue(val); err != nil {
			return err
		}
	}
	if c, ok := step.(Constant); ok && c == 0 {
		return &StructureError{
			Cell:     -1,
			Variable: v.Name(),
			Msg:      "loop step must be nonzero",
		}
	}
	block := &ForRange{Var: v, Start: start, End: end, Step: step}
	j.pendingElse = nil
	j.pendingParallel = nil
	j.stack = append(j.stack, &frame{kind: frameFor, forBlock: block})
	return nil
}

// BeginIf opens a conditional block. Close with End; an Else may directly
// follow. Conditional bodies receive no automatic cross-cell
// synchronization.
func (j *Job) BeginIf(cond Condition) error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if err := j.checkVariable(cond.Lhs); err != nil {
		return err
	}
	if err := j.checkValue(cond.Rhs); err != nil {
		return err
	}
	block := &If{Cond: cond}
	j.pendingElse = nil
	j.pendingParallel = nil
	j.stack = append(j.stack, &frame{kind: frameIf, ifBlock: block})
	return nil
}

// BeginElse opens the else branch of the If block closed directly before.
func (j *Job) BeginElse() error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if j.pendingElse == nil {
		return structureErrorf("Else must directly follow an If block")
	}
	block := j.pendingElse
	j.pendingElse = nil
	j.pendingParallel = nil
	j.stack = append(j.stack, &frame{kind: frameElse, ifBlock: block})
	return nil
}

// BeginParallel opens a parallel body. A BeginParallel directly after a
// closed Parallel block adds a sibling body that is interleaved with the
// previous one.
func (j *Job) BeginParallel() error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	block := j.pendingParallel
	if block == nil {
		block = &Parallel{}
		j.append(block)
	} else if len(block.Bodies) >= MaxParallelBodies {
		return structureErrorf(
			"at most %d sibling parallel bodies are supported",
			MaxParallelBodies,
		)
	}
	j.pendingElse = nil
	j.pendingParallel = nil
	j.stack = append(j.stack, &frame{kind: frameParallel, parBlock: block})
	return nil
}

// End closes the innermost open block.
func (j *Job) End() error {
	if err := j.checkOpen(); err != nil {
		return err
	}
	if len(j.stack) == 0 {
		return structureErrorf("End without an open block")
	}
	f := j.stack[len(j.stack)-1]
	j.stack = j.stack[:len(j.stack)-1]

	switch f.kind {
	case frameFor:
		f.forBlock.Body = f.body
		j.append(f.forBlock)
	case frameIf:
		f.ifBlock.Then = f.body
		j.append(f.ifBlock)
		j.pendingElse = f.ifBlock
	case frameElse:
		f.ifBlock.Else = f.body
		// The If node is already in the tree; only clear merge markers.
		j.pendingElse = nil
		j.pendingParallel = nil
	case frameParallel:
		f.parBlock.Bodies = append(f.parBlock.Bodies, f.body)
		j.pendingElse = nil
		j.pendingParallel = f.parBlock
	}
	return nil
}

// Freeze transitions the job out of the building state. Compilation calls
// this first; open blocks fail the freeze.
func (j *Job) Freeze() error {
	if j.frozen {
		return nil
	}
	if len(j.stack) > 0 {
		return structureErrorf(
			"%d control block(s) left open at compile time",
			len(j.stack),
		)
	}
	j.frozen = true
	return nil
}

// recordings walks the tree collecting named recordings of one cell in
// issue order.
func (j *Job) recordings(cell *Cell) []RecordingSpec {
	var specs []RecordingSpec
	var walk func(nodes []Node)
	collect := func(r *Record) {
		if r != nil && r.Cell == cell && r.SaveTo != "" {
			specs = append(specs, RecordingSpec{
				Name:     r.SaveTo,
				Duration: r.Duration,
			})
		}
	}
	walk = func(nodes []Node) {
		for _, n := range nodes {
			switch t := n.(type) {
			case *Record:
				collect(t)
			case *PlayReadout:
				collect(t.Recording)
			case *ForRange:
				walk(t.Body)
			case *If:
				walk(t.Then)
				walk(t.Else)
			case *Parallel:
				for _, body := range t.Bodies {
					walk(body)
				}
			}
		}
	}
	walk(j.body)

	// Open blocks also carry recordings during building; they matter for
	// duplicate-name checks before End is called.
	for _, f := range j.stack {
		walk(f.body)
	}
	return specs
}

// Recordings lists the named result boxes declared for a cell, in issue
// order.
func (j *Job) Recordings(cell *Cell) []RecordingSpec {
	return j.recordings(cell)
}
