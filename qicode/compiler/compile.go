package compiler

import (
	"fmt"

	"github.com/quantuminterface/qiclib/qicode"
	"github.com/quantuminterface/qiclib/qicode/isa"
)

// Stage identifies where in the pipeline a compile error surfaced. The
// pipeline is one-directional: Building → Lowering → RegisterBound →
// Emitted.
type Stage int

const (
	StageBuilding Stage = iota
	StageLowering
	StageRegisterBound
	StageEmitted
)

var stageNames = map[Stage]string{
	StageBuilding:      "building",
	StageLowering:      "lowering",
	StageRegisterBound: "register binding",
	StageEmitted:       "emission",
}

func (s Stage) String() string {
	return stageNames[s]
}

// CompileError wraps an error with the pipeline stage it surfaced in.
type CompileError struct {
	Stage Stage
	Err   error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile failed during %s: %v", e.Stage, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// DefaultClock is the controller's native timing: a 250 MHz sequencer
// clock with four converter samples per cycle.
func DefaultClock() Clock {
	return NewClock(250_000_000, 4)
}

// Options configures one compile invocation.
type Options struct {
	// Sample binds deferred property references. Nil is valid for jobs
	// without property references.
	Sample *qicode.Sample
	// Clock overrides the controller timing; the zero value selects
	// DefaultClock.
	Clock Clock
	// SkipOscillatorSync drops the phase-reset preamble the programs
	// otherwise start with.
	SkipOscillatorSync bool
}

// oscillatorSyncCycles is the settling wait after the phase-reset trigger
// at program start.
const oscillatorSyncCycles = 4

// Compile lowers a job into per-cell sequencer programs. The job is frozen
// if the caller has not done so; precision warnings are collected on the
// result and never abort the compile.
func Compile(job *qicode.Job, opts Options) (*Program, error) {
	if !job.Frozen() {
		if err := job.Freeze(); err != nil {
			return nil, &CompileError{Stage: StageBuilding, Err: err}
		}
	}
	clock := opts.Clock
	if clock.frequencyHz == 0 {
		clock = DefaultClock()
	}

	var warnings []qicode.PrecisionWarning
	l, err := newLowering(job, opts.Sample, clock, &warnings)
	if err != nil {
		return nil, &CompileError{Stage: StageRegisterBound, Err: err}
	}

	if !opts.SkipOscillatorSync {
		for _, s := range l.seqs {
			s.trigger(isa.Trigger{Sync: true})
			if err := s.waitCycles(oscillatorSyncCycles); err != nil {
				return nil, &CompileError{Stage: StageLowering, Err: err}
			}
			s.cycles.reset(syncProgramStart)
		}
	}

	if err := l.lower(); err != nil {
		return nil, &CompileError{Stage: StageLowering, Err: err}
	}

	p, err := l.emit()
	if err != nil {
		return nil, &CompileError{Stage: StageEmitted, Err: err}
	}
	return p, nil
}
