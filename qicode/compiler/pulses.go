package compiler

import (
	"math"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quantuminterface/qiclib/qicode"
)

const (
	// PulseSlots is the number of usable waveform table entries per module.
	// Index 0 is the idle entry, ChokePulseIndex terminates held pulses and
	// index 15 is reserved.
	PulseSlots = 13
	// ChokePulseIndex ends variable-length and held pulses.
	ChokePulseIndex = 14
)

// MaxAmplitudeValue is the full-scale DAC value.
const MaxAmplitudeValue = (1 << 16) - 1

type pulseKey struct {
	shape     string
	cycles    uint32
	variable  bool
	amplitude float64
	phase     float64
	hold      bool
}

// Waveform is one sampled envelope table entry.
type Waveform struct {
	// Index is the trigger value addressing this entry.
	Index int
	// Samples holds the quantized envelope, one value per DAC sample,
	// scaled to full-scale integer amplitude.
	Samples []int32
	// PhaseIncrement of the module oscillator while the entry plays, zero
	// when the pulse keeps the current frequency.
	PhaseIncrement int32
	// PhaseOffset advances the oscillator phase when the entry is
	// triggered, in units of 2^16 per full turn. Used for frame rotations.
	PhaseOffset int32
	// Hold keeps the last sample value after the envelope ends.
	Hold bool
}

// pulseRegistry assigns waveform table indices for one module of one cell.
// Registration is idempotent: identical (shape, duration, amplitude, phase)
// tuples share an entry, checked through an LRU cache in front of the
// table.
type pulseRegistry struct {
	module  string
	lookup  *lru.Cache[pulseKey, int]
	entries []*Waveform
}

func newPulseRegistry(module string) *pulseRegistry {
	lookup, _ := lru.New[pulseKey, int](PulseSlots)
	return &pulseRegistry{module: module, lookup: lookup}
}

// register returns the table entry for the pulse, sampling and storing it
// on first use. A full table fails with CapacityExceeded.
func (r *pulseRegistry) register(
	p qicode.Pulse,
	cycles uint32,
	variable bool,
	phaseInc int32,
	clock Clock,
) (*Waveform, error) {
	key := pulseKey{
		shape:     p.Shape.Name(),
		cycles:    cycles,
		variable:  variable,
		amplitude: p.Amplitude,
		phase:     p.Phase,
		hold:      p.Hold,
	}
	if idx, ok := r.lookup.Get(key); ok {
		return r.entries[idx], nil
	}
	if len(r.entries) >= PulseSlots {
		return nil, &qicode.CapacityExceededError{
			Resource: r.module + " pulse table",
			Limit:    PulseSlots,
		}
	}

	wf := &Waveform{
		// Entry 0 is the idle pulse, trigger indices start at 1.
		Index:          len(r.entries) + 1,
		PhaseIncrement: phaseInc,
		Hold:           p.Hold || variable,
	}
	if !variable {
		wf.Samples = sampleEnvelope(p.Shape, p.Amplitude, cycles, clock)
	} else {
		// Variable-length pulses hold a constant envelope; one cycle of
		// samples describes the held value.
		wf.Samples = sampleEnvelope(qicode.ShapeRect, p.Amplitude, 1, clock)
	}
	r.entries = append(r.entries, wf)
	r.lookup.Add(key, len(r.entries)-1)
	return wf, nil
}

// registerFrameRotation returns a sample-less table entry that advances the
// module oscillator phase by the given angle in radians.
func (r *pulseRegistry) registerFrameRotation(angle float64) (*Waveform, error) {
	key := pulseKey{shape: "frame", phase: angle}
	if idx, ok := r.lookup.Get(key); ok {
		return r.entries[idx], nil
	}
	if len(r.entries) >= PulseSlots {
		return nil, &qicode.CapacityExceededError{
			Resource: r.module + " pulse table",
			Limit:    PulseSlots,
		}
	}
	wf := &Waveform{
		Index:       len(r.entries) + 1,
		PhaseOffset: int32(math.Round(angle / (2 * math.Pi) * (1 << 16))),
	}
	r.entries = append(r.entries, wf)
	r.lookup.Add(key, len(r.entries)-1)
	return wf, nil
}

// Waveforms lists the registered entries in table order.
func (r *pulseRegistry) Waveforms() []*Waveform {
	return r.entries
}

// sampleEnvelope quantizes a shape onto the DAC grid at full scale times
// amplitude.
func sampleEnvelope(
	shape qicode.Shape,
	amplitude float64,
	cycles uint32,
	clock Clock,
) []int32 {
	count := clock.SampleCount(cycles)
	samples := make([]int32, count)
	if count == 0 {
		return samples
	}
	for i := range samples {
		x := float64(i) / float64(count)
		val := shape.Eval(x) * amplitude * MaxAmplitudeValue
		samples[i] = int32(math.Round(val))
	}
	return samples
}
