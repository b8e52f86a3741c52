package qicode

// Pulse describes one analog pulse to be played by a manipulation or
// readout module. The length is either a literal in seconds, a time
// variable, or a deferred sample property; variable-length pulses must use
// the rect shape because only a constant envelope can be held open.
type Pulse struct {
	Length    Value
	Shape     Shape
	// Amplitude in [0, 1] full scale.
	Amplitude float64
	// Phase in radians.
	Phase float64
	// Frequency of the internal oscillator in Hz; nil keeps the current
	// frequency.
	Frequency Value
	// Hold keeps the final envelope value after the pulse ends, until a
	// choke pulse terminates it.
	Hold bool
}

// NewPulse builds a rectangular full-amplitude pulse of the given length.
func NewPulse(length Value) Pulse {
	return Pulse{
		Length:    length,
		Shape:     ShapeRect,
		Amplitude: 1,
	}
}

// PulseCW builds a continuous-wave pulse: zero-length, held open at the
// given amplitude and frequency until choked.
func PulseCW(frequency Value, amplitude float64) Pulse {
	return Pulse{
		Length:    Constant(0),
		Shape:     ShapeRect,
		Amplitude: amplitude,
		Frequency: frequency,
		Hold:      true,
	}
}

// PulseOff builds the pulse that terminates a held continuous-wave output.
func PulseOff() Pulse {
	return Pulse{
		Length:    Constant(0),
		Shape:     ShapeZero,
		Amplitude: 0,
	}
}

// IsVariableLength reports whether the pulse length is bound to a runtime
// variable.
func (p Pulse) IsVariableLength() bool {
	_, ok := p.Length.(*Variable)
	return ok
}

// Variables lists the variables the pulse references.
func (p Pulse) Variables() []*Variable {
	var vars []*Variable
	if v, ok := p.Length.(*Variable); ok {
		vars = append(vars, v)
	}
	if v, ok := p.Frequency.(*Variable); ok {
		vars = append(vars, v)
	}
	return vars
}
