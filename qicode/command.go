package qicode

// Node is one entry of a job's instruction tree: a command or a nested
// control block.
type Node interface {
	isNode()
}

// Command is a leaf node. Every command belongs to exactly one cell's
// instruction stream except Sync, which is a cross-cell barrier token.
type Command interface {
	Node
	// CommandCells lists the cells the command addresses.
	CommandCells() []*Cell
	// CommandVariables lists the variables the command references.
	CommandVariables() []*Variable
}

// Play starts a pulse on the cell's manipulation module.
type Play struct {
	Cell  *Cell
	Pulse Pulse
}

func (*Play) isNode() {}

func (c *Play) CommandCells() []*Cell { return []*Cell{c.Cell} }

func (c *Play) CommandVariables() []*Variable { return c.Pulse.Variables() }

// PlayReadout starts a pulse on the cell's readout module, optionally fused
// with a recording that starts in the same cycle.
type PlayReadout struct {
	Cell      *Cell
	Pulse     Pulse
	Recording *Record
}

func (*PlayReadout) isNode() {}

func (c *PlayReadout) CommandCells() []*Cell { return []*Cell{c.Cell} }

func (c *PlayReadout) CommandVariables() []*Variable {
	vars := c.Pulse.Variables()
	if c.Recording != nil {
		vars = append(vars, c.Recording.CommandVariables()...)
	}
	return vars
}

// Record triggers the cell's recording module for one acquisition window.
type Record struct {
	Cell *Cell
	// Duration of the acquisition window.
	Duration Value
	// Offset delays the window start relative to the trigger.
	Offset Value
	// SaveTo names the result box the averaged value is collected into.
	// Unique per cell.
	SaveTo string
	// StateTo receives the discriminated qubit state, when set.
	StateTo *Variable
	// Continuous toggles the recording module's continuous mode instead of
	// a one-shot acquisition.
	Continuous bool
}

func (*Record) isNode() {}

func (c *Record) CommandCells() []*Cell { return []*Cell{c.Cell} }

func (c *Record) CommandVariables() []*Variable {
	var vars []*Variable
	if v, ok := c.Duration.(*Variable); ok {
		vars = append(vars, v)
	}
	if c.StateTo != nil {
		vars = append(vars, c.StateTo)
	}
	return vars
}

// RotateFrame advances the cell's manipulation oscillator phase by the
// given angle in radians.
type RotateFrame struct {
	Cell  *Cell
	Angle float64
}

func (*RotateFrame) isNode() {}

func (c *RotateFrame) CommandCells() []*Cell { return []*Cell{c.Cell} }

func (c *RotateFrame) CommandVariables() []*Variable { return nil }

// Wait idles the cell for the given duration.
type Wait struct {
	Cell     *Cell
	Duration Value
}

func (*Wait) isNode() {}

func (c *Wait) CommandCells() []*Cell { return []*Cell{c.Cell} }

func (c *Wait) CommandVariables() []*Variable {
	if v, ok := c.Duration.(*Variable); ok {
		return []*Variable{v}
	}
	return nil
}

// Assign stores the value of an expression into a variable. The command is
// lowered on every cell whose program references the destination variable.
type Assign struct {
	Dst  *Variable
	Expr Expr
}

func (*Assign) isNode() {}

func (c *Assign) CommandCells() []*Cell { return nil }

func (c *Assign) CommandVariables() []*Variable {
	vars := []*Variable{c.Dst}
	vars = append(vars, exprVariables(c.Expr)...)
	return vars
}

func exprVariables(e Expr) []*Variable {
	switch t := e.(type) {
	case *Variable:
		return []*Variable{t}
	case BinaryExpr:
		var vars []*Variable
		if v, ok := t.Lhs.(*Variable); ok {
			vars = append(vars, v)
		}
		if v, ok := t.Rhs.(*Variable); ok {
			vars = append(vars, v)
		}
		return vars
	}
	return nil
}

// DigitalTrigger raises the cell's digital output lines for the given
// duration.
type DigitalTrigger struct {
	Cell *Cell
	// Outputs is a bitmask over the cell's digital trigger lines.
	Outputs  uint8
	Duration Value
}

func (*DigitalTrigger) isNode() {}

func (c *DigitalTrigger) CommandCells() []*Cell { return []*Cell{c.Cell} }

func (c *DigitalTrigger) CommandVariables() []*Variable {
	if v, ok := c.Duration.(*Variable); ok {
		return []*Variable{v}
	}
	return nil
}

// MemStore writes a variable's value into the cell's result memory at a
// constant word offset.
type MemStore struct {
	Cell   *Cell
	Offset int32
	Src    *Variable
}

func (*MemStore) isNode() {}

func (c *MemStore) CommandCells() []*Cell { return []*Cell{c.Cell} }

func (c *MemStore) CommandVariables() []*Variable {
	return []*Variable{c.Src}
}

// Sync is the cross-cell barrier: all named cells (all job cells when
// empty) are padded or halted so they reach this point at the same
// wall-clock time.
type Sync struct {
	Cells []*Cell
}

func (*Sync) isNode() {}

func (c *Sync) CommandCells() []*Cell { return c.Cells }

func (c *Sync) CommandVariables() []*Variable { return nil }

// ForRange repeats its body with Var stepping from Start (inclusive) to
// End (exclusive) by Step. The iteration count is ceil((end-start)/step)
// for a same-sign step.
type ForRange struct {
	Var   *Variable
	Start Value
	End   Value
	Step  Value
	Body  []Node
}

func (*ForRange) isNode() {}

// If executes Then when the condition holds, otherwise Else. No automatic
// cross-cell synchronization happens around conditional bodies.
type If struct {
	Cond Condition
	Then []Node
	Else []Node
}

func (*If) isNode() {}

// Parallel interleaves the commands of its sibling bodies into a single
// time-aligned stream per cell.
type Parallel struct {
	Bodies [][]Node
}

func (*Parallel) isNode() {}
