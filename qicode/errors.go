package qicode

import "fmt"

// StructureError reports a malformed experiment description: an undeclared
// cell or variable, a misplaced block, or a command issued after the job was
// frozen. It is fatal to compilation.
type StructureError struct {
	// Cell index the error refers to, -1 when not cell-specific.
	Cell int
	// Variable name the error refers to, empty when not variable-specific.
	Variable string
	Msg      string
}

func (e *StructureError) Error() string {
	msg := fmt.Sprintf("structure error: %s", e.Msg)
	if e.Cell >= 0 {
		msg += fmt.Sprintf(" (cell %d)", e.Cell)
	}
	if e.Variable != "" {
		msg += fmt.Sprintf(" (variable %s)", e.Variable)
	}
	return msg
}

func structureErrorf(format string, args ...any) *StructureError {
	return &StructureError{Cell: -1, Msg: fmt.Sprintf(format, args...)}
}

// UnsupportedPatternError reports a structurally valid but semantically
// disallowed combination, detected during lowering before any hardware
// interaction.
type UnsupportedPatternError struct {
	Msg string
}

func (e *UnsupportedPatternError) Error() string {
	return fmt.Sprintf("unsupported pattern: %s", e.Msg)
}

// UnboundPropertyError reports a deferred sample property lookup with no
// value at bind time.
type UnboundPropertyError struct {
	Cell     int
	Property string
}

func (e *UnboundPropertyError) Error() string {
	return fmt.Sprintf(
		"unbound property %q on cell %d",
		e.Property,
		e.Cell,
	)
}

// CapacityExceededError reports an exhausted hardware resource: pulse slots,
// registers, instruction memory or the databox heap. Previously emitted
// state stays intact.
type CapacityExceededError struct {
	Resource string
	Limit    int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("%s capacity exceeded (limit %d)", e.Resource, e.Limit)
}

// EmitterError is an internal invariant violation during program emission.
// It indicates a defect, not a user error.
type EmitterError struct {
	Node string
}

func (e *EmitterError) Error() string {
	return fmt.Sprintf("emitter error: no encoding for IR node %s", e.Node)
}

// PrecisionWarning records a duration that did not land on the hardware
// clock grid and was rounded to the nearest cycle. It never aborts
// compilation but is always surfaced on the compile result.
type PrecisionWarning struct {
	// Requested duration in seconds.
	Requested float64
	// Actual quantized duration in seconds.
	Actual float64
	// Cycles the duration was rounded to.
	Cycles uint32
	// Context names the command or operand the duration belongs to.
	Context string
}

func (w PrecisionWarning) String() string {
	return fmt.Sprintf(
		"precision warning: %s rounded %.3gs to %.3gs (%d cycles)",
		w.Context,
		w.Requested,
		w.Actual,
		w.Cycles,
	)
}
