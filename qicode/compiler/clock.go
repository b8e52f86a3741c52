package compiler

import (
	"github.com/shopspring/decimal"

	"github.com/quantuminterface/qiclib/qicode"
)

// Clock converts between wall-clock durations and sequencer cycles. The
// conversion goes through exact decimal arithmetic so that grid boundaries
// (half cycles in particular) round deterministically: one half cycle
// always rounds up to one cycle, an exact zero stays zero.
type Clock struct {
	frequencyHz     int64
	samplesPerCycle int
}

// NewClock builds a clock for the given controller frequency.
func NewClock(frequencyHz int64, samplesPerCycle int) Clock {
	return Clock{frequencyHz: frequencyHz, samplesPerCycle: samplesPerCycle}
}

// FrequencyHz returns the controller clock frequency.
func (c Clock) FrequencyHz() int64 { return c.frequencyHz }

// SamplesPerCycle returns the DAC/ADC samples per clock cycle.
func (c Clock) SamplesPerCycle() int { return c.samplesPerCycle }

// CycleDuration returns the duration of one cycle in seconds.
func (c Clock) CycleDuration() float64 {
	return 1.0 / float64(c.frequencyHz)
}

// CyclesSigned quantizes a signed duration to the nearest cycle count,
// rounding half away from zero. Nonzero durations never quantize to zero;
// exact reports whether the duration landed on the grid.
func (c Clock) CyclesSigned(seconds float64) (cycles int64, exact bool) {
	if seconds == 0 {
		return 0, true
	}
	product := decimal.NewFromFloat(seconds).
		Mul(decimal.NewFromInt(c.frequencyHz))
	rounded := product.Round(0)
	exact = product.Equal(rounded)
	n := rounded.IntPart()
	if n == 0 {
		if seconds > 0 {
			n = 1
		} else {
			n = -1
		}
		exact = false
	}
	return n, exact
}

// CyclesNearest quantizes a nonnegative duration in seconds to the nearest
// cycle count. Nonzero durations never quantize below one cycle; exact
// fails false when the duration did not land on the grid.
func (c Clock) CyclesNearest(seconds float64) (cycles uint32, exact bool) {
	n, exact := c.CyclesSigned(seconds)
	if n < 0 {
		return 0, false
	}
	return uint32(n), exact
}

// CyclesCeil quantizes a duration in seconds, rounding up.
func (c Clock) CyclesCeil(seconds float64) uint32 {
	if seconds <= 0 {
		return 0
	}
	product := decimal.NewFromFloat(seconds).
		Mul(decimal.NewFromInt(c.frequencyHz))
	return uint32(product.Ceil().IntPart())
}

// TimeFromCycles converts a cycle count back to seconds.
func (c Clock) TimeFromCycles(cycles uint32) float64 {
	return float64(cycles) / float64(c.frequencyHz)
}

// SampleCount returns the waveform samples spanned by a cycle count.
func (c Clock) SampleCount(cycles uint32) int {
	return int(cycles) * c.samplesPerCycle
}

// PhaseIncrement converts a frequency in Hz to the oscillator's phase
// increment register value (f times 2^30 over the clock frequency, rounded
// to nearest).
func (c Clock) PhaseIncrement(frequencyHz float64) int32 {
	inc := decimal.NewFromFloat(frequencyHz).
		Mul(decimal.NewFromInt(1 << 30)).
		Div(decimal.NewFromInt(c.frequencyHz)).
		Round(0)
	return int32(inc.IntPart())
}

// quantize converts a duration to cycles with nearest rounding, recording a
// PrecisionWarning on the collector when the duration missed the grid.
func (c Clock) quantize(
	seconds float64,
	context string,
	warnings *[]qicode.PrecisionWarning,
) uint32 {
	cycles, exact := c.CyclesNearest(seconds)
	if !exact && warnings != nil {
		*warnings = append(*warnings, qicode.PrecisionWarning{
			Requested: seconds,
			Actual:    c.TimeFromCycles(cycles),
			Cycles:    cycles,
			Context:   context,
		})
	}
	return cycles
}

// quantizeSigned is quantize for operands that may be negative, such as
// loop steps.
func (c Clock) quantizeSigned(
	seconds float64,
	context string,
	warnings *[]qicode.PrecisionWarning,
) int64 {
	cycles, exact := c.CyclesSigned(seconds)
	if !exact && warnings != nil {
		actual := cycles
		if actual < 0 {
			actual = -actual
		}
		*warnings = append(*warnings, qicode.PrecisionWarning{
			Requested: seconds,
			Actual:    float64(cycles) / float64(c.frequencyHz),
			Cycles:    uint32(actual),
			Context:   context,
		})
	}
	return cycles
}
