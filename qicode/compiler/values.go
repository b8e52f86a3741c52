package compiler

import (
	"github.com/quantuminterface/qiclib/qicode"
)

// binding resolves deferred operands against the concrete sample a compile
// invocation was given. Literal and property operands resolve to numbers
// here; variable operands stay symbolic and are handled by the lowering.
type binding struct {
	sample   *qicode.Sample
	clock    Clock
	warnings *[]qicode.PrecisionWarning
}

// seconds resolves a literal or property operand to a float. Variables are
// rejected; callers that accept variables check for them first.
func (b *binding) seconds(v qicode.Value, cell int) (float64, error) {
	switch t := v.(type) {
	case qicode.Constant:
		return float64(t), nil
	case *qicode.PropertyRef:
		raw, ok := b.sample.Lookup(t.CellRef().Index(), t.Property())
		if !ok {
			return 0, &qicode.UnboundPropertyError{
				Cell:     t.CellRef().Index(),
				Property: t.Property(),
			}
		}
		return t.Resolve(raw), nil
	case *qicode.Variable:
		return 0, &qicode.UnsupportedPatternError{
			Msg: "variable " + t.Name() + " where a literal is required",
		}
	default:
		return 0, &qicode.UnsupportedPatternError{
			Msg: "unresolvable operand",
		}
	}
}

// cycles resolves a duration operand to a quantized cycle count, recording
// a precision warning when the duration missed the clock grid.
func (b *binding) cycles(
	v qicode.Value,
	cell int,
	context string,
) (uint32, error) {
	secs, err := b.seconds(v, cell)
	if err != nil {
		return 0, err
	}
	return b.clock.quantize(secs, context, b.warnings), nil
}

// count resolves an operand to a plain integer, quantizing durations for
// time-typed contexts. Time operands may be negative (loop steps).
func (b *binding) count(
	v qicode.Value,
	cell int,
	kind qicode.VariableKind,
	context string,
) (int64, error) {
	if kind == qicode.VarTime {
		secs, err := b.seconds(v, cell)
		if err != nil {
			return 0, err
		}
		return b.clock.quantizeSigned(secs, context, b.warnings), nil
	}
	raw, err := b.seconds(v, cell)
	if err != nil {
		return 0, err
	}
	return int64(raw), nil
}

// phaseIncrement resolves an optional frequency operand to the oscillator
// register value. A nil frequency keeps the module's current setting.
func (b *binding) phaseIncrement(v qicode.Value, cell int) (int32, error) {
	if v == nil {
		return 0, nil
	}
	if t, ok := v.(*qicode.Variable); ok {
		return 0, &qicode.UnsupportedPatternError{
			Msg: "variable frequency " + t.Name() + " on pulse",
		}
	}
	hz, err := b.seconds(v, cell)
	if err != nil {
		return 0, err
	}
	return b.clock.PhaseIncrement(hz), nil
}

// isVariable reports the operand as a runtime variable.
func isVariable(v qicode.Value) (*qicode.Variable, bool) {
	t, ok := v.(*qicode.Variable)
	return t, ok
}
