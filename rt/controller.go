package rt

import (
	"github.com/quantuminterface/qiclib/qicode/compiler"
)

// IQPair is one complex readout sample.
type IQPair struct {
	I int32
	Q int32
}

// CellController is the hardware access surface of the engine and its
// tasks. The production implementation talks to the controller platform;
// rt/sim provides an in-memory implementation executing compiled programs.
type CellController interface {
	// CellCount is the number of physical cells.
	CellCount() int

	// LoadProgram installs a compiled program across the cells.
	LoadProgram(p *compiler.Program) error
	// StartCells releases the sequencers of the given cells in the same
	// cycle.
	StartCells(cells []int) error
	// StartAt starts a single cell's sequencer at an explicit address.
	StartAt(cell int, pc uint32) error
	// SetRegister writes a sequencer register before a start.
	SetRegister(cell int, reg uint8, value uint32) error

	// SequencerBusy reports whether the cell's program is still running.
	SequencerBusy(cell int) bool
	// RecordingBusy reports whether the cell's recording module still
	// acquires.
	RecordingBusy(cell int) bool

	// AveragedResult reads the averaged IQ result of the last recording.
	AveragedResult(cell int) (IQPair, error)
	// ResultMemory reads raw IQ pairs from the cell's result memory.
	ResultMemory(cell int, offset, count int) ([]IQPair, error)
	// StateResult reads the discriminated qubit state of the last
	// recording.
	StateResult(cell int) (uint8, error)
	// Timetrace reads the raw sample trace of the last recording.
	Timetrace(cell int) ([]int32, []int32, error)
	// RecordingDuration is the configured acquisition window in cycles.
	RecordingDuration(cell int) uint32
}
