package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantuminterface/qiclib/qicode"
	"github.com/quantuminterface/qiclib/qicode/isa"
)

func TestClockQuantization(t *testing.T) {
	clock := DefaultClock()

	tests := []struct {
		name    string
		seconds float64
		cycles  uint32
		exact   bool
	}{
		{"exact zero stays zero", 0, 0, true},
		{"one cycle", 4e-9, 1, true},
		{"half cycle rounds up", 2e-9, 1, false},
		{"three half cycles round away from zero", 6e-9, 2, false},
		{"quarter cycle clamps to one", 1e-9, 1, false},
		{"one microsecond", 1e-6, 250, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cycles, exact := clock.CyclesNearest(tt.seconds)
			assert.Equal(t, tt.cycles, cycles)
			assert.Equal(t, tt.exact, exact)
		})
	}

	assert.Equal(t, uint32(2), clock.CyclesCeil(5e-9))
	assert.Equal(t, int32(1<<28), clock.PhaseIncrement(62.5e6))
}

func TestSweepIterationCount(t *testing.T) {
	clock := DefaultClock()
	start, _ := clock.CyclesNearest(0)
	end, _ := clock.CyclesNearest(1e-6)
	step, _ := clock.CyclesNearest(20e-9)

	require.Equal(t, uint32(0), start)
	require.Equal(t, uint32(250), end)
	require.Equal(t, uint32(5), step)
	assert.Equal(t, int64(50), rangeLen(int64(start), int64(end), int64(step)))
}

func TestRegisterAllocationOrder(t *testing.T) {
	s := newSequencer(0, DefaultClock(), nil)

	first, err := s.allocRegister()
	require.NoError(t, err)
	assert.Equal(t, isa.Reg(31), first)
	second, err := s.allocRegister()
	require.NoError(t, err)
	assert.Equal(t, isa.Reg(30), second)

	for i := 0; i < 29; i++ {
		_, err := s.allocRegister()
		require.NoError(t, err)
	}
	_, err = s.allocRegister()
	var capErr *qicode.CapacityExceededError
	require.ErrorAs(t, err, &capErr)

	s.releaseRegister(second)
	again, err := s.allocRegister()
	require.NoError(t, err)
	assert.Equal(t, second, again)
}

func TestLoadImmediateForms(t *testing.T) {
	t.Run("small value takes one addi", func(t *testing.T) {
		s := newSequencer(0, DefaultClock(), nil)
		s.loadImmediate(5, 100)
		require.Len(t, s.code, 1)
		assert.Equal(t, isa.RegImm{Op: isa.AluAdd, Rd: 5, Rs: isa.Zero, Imm: 100}, s.code[0])
	})

	t.Run("large value splits into lui and addi", func(t *testing.T) {
		s := newSequencer(0, DefaultClock(), nil)
		const val = 0x12345
		s.loadImmediate(5, val)
		require.Len(t, s.code, 2)
		lui, ok := s.code[0].(isa.Lui)
		require.True(t, ok)
		addi, ok := s.code[1].(isa.RegImm)
		require.True(t, ok)
		assert.Equal(t, int32(val), lui.Imm<<12+addi.Imm)
	})

	t.Run("sign extension of the lower part is compensated", func(t *testing.T) {
		s := newSequencer(0, DefaultClock(), nil)
		const val = 0x1800 // low 12 bits sign-extend negative
		s.loadImmediate(5, val)
		require.Len(t, s.code, 2)
		lui := s.code[0].(isa.Lui)
		addi := s.code[1].(isa.RegImm)
		assert.Equal(t, int32(val), lui.Imm<<12+addi.Imm)
		assert.Negative(t, addi.Imm)
	})
}

func TestWaitForms(t *testing.T) {
	t.Run("zero and negative emit nothing", func(t *testing.T) {
		s := newSequencer(0, DefaultClock(), nil)
		require.NoError(t, s.waitCycles(0))
		require.NoError(t, s.waitCycles(-7))
		assert.Empty(t, s.code)
	})

	t.Run("immediate wait", func(t *testing.T) {
		s := newSequencer(0, DefaultClock(), nil)
		require.NoError(t, s.waitCycles(1))
		require.NoError(t, s.waitCycles(isa.MaxWaitImmediate))
		require.Len(t, s.code, 2)
		assert.Equal(t, isa.WaitImm{Cycles: 1}, s.code[0])
		assert.Equal(t, uint64(1+isa.MaxWaitImmediate), s.cycles.cycles)
	})

	t.Run("register wait beyond the immediate range", func(t *testing.T) {
		s := newSequencer(0, DefaultClock(), nil)
		n := int64(isa.MaxWaitImmediate) + 1
		require.NoError(t, s.waitCycles(n))
		require.Len(t, s.code, 3)
		last, ok := s.code[2].(isa.WaitReg)
		require.True(t, ok)
		// The scratch register holds n-2 to compensate the setup cycles.
		lui := s.code[0].(isa.Lui)
		addi := s.code[1].(isa.RegImm)
		assert.Equal(t, int32(n-2), lui.Imm<<12+addi.Imm)
		assert.NotEqual(t, isa.Zero, last.Rs)
		assert.Equal(t, uint64(n), s.cycles.cycles)
	})
}

func TestPulseRegistryIdempotent(t *testing.T) {
	clock := DefaultClock()
	r := newPulseRegistry("manipulation")
	p := qicode.NewPulse(qicode.Constant(48e-9))

	first, err := r.register(p, 12, false, 0, clock)
	require.NoError(t, err)
	second, err := r.register(p, 12, false, 0, clock)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, first.Index)
	assert.Len(t, first.Samples, 12*clock.SamplesPerCycle())

	for i := 0; i < PulseSlots-1; i++ {
		_, err := r.register(p, uint32(20+i), false, 0, clock)
		require.NoError(t, err)
	}
	_, err = r.register(p, 999, false, 0, clock)
	var capErr *qicode.CapacityExceededError
	require.ErrorAs(t, err, &capErr)
}

func TestCompileIdempotent(t *testing.T) {
	build := func() *qicode.Job {
		job := qicode.NewJob()
		cells := job.Cells(2)
		require.NoError(t, job.Play(cells[0], qicode.NewPulse(qicode.Constant(48e-9))))
		require.NoError(t, job.Wait(cells[1], qicode.Constant(96e-9)))
		require.NoError(t, job.Sync())
		return job
	}

	first, err := Compile(build(), Options{})
	require.NoError(t, err)
	second, err := Compile(build(), Options{})
	require.NoError(t, err)

	assert.Equal(t, first.Binary(), second.Binary())
	assert.Equal(t, first.Hash(), second.Hash())
}

func TestImplicitSyncPadsShorterCell(t *testing.T) {
	job := qicode.NewJob()
	cells := job.Cells(2)
	require.NoError(t, job.Wait(cells[0], qicode.Constant(400e-9)))
	require.NoError(t, job.Wait(cells[1], qicode.Constant(200e-9)))
	require.NoError(t, job.Sync())

	p, err := Compile(job, Options{SkipOscillatorSync: true})
	require.NoError(t, err)
	require.Len(t, p.Cells, 2)

	assert.Equal(t, []isa.Word{
		isa.WaitImm{Cycles: 100}.Encode(),
		isa.End{}.Encode(),
	}, p.Cells[0].Words)
	assert.Equal(t, []isa.Word{
		isa.WaitImm{Cycles: 50}.Encode(),
		isa.WaitImm{Cycles: 50}.Encode(),
		isa.End{}.Encode(),
	}, p.Cells[1].Words)
}

func TestInvalidCycleCountForcesCellSync(t *testing.T) {
	job := qicode.NewJob()
	cells := job.Cells(2)
	length := job.TimeVariable()
	require.NoError(t, job.Assign(length, qicode.Constant(100e-9)))
	require.NoError(t, job.Wait(cells[0], length))
	require.NoError(t, job.Wait(cells[1], qicode.Constant(200e-9)))
	require.NoError(t, job.Sync())

	p, err := Compile(job, Options{SkipOscillatorSync: true})
	require.NoError(t, err)

	for _, cp := range p.Cells {
		found := false
		for _, w := range cp.Words {
			inst, err := isa.Decode(w)
			require.NoError(t, err)
			if cs, ok := inst.(isa.CellSync); ok {
				assert.Equal(t, uint16(0b11), cs.Mask)
				found = true
			}
		}
		assert.True(t, found, "cell %d misses the rendezvous barrier", cp.Cell)
	}
}

func TestPrecisionWarningCollected(t *testing.T) {
	job := qicode.NewJob()
	cell := job.Cells(1)[0]
	require.NoError(t, job.Wait(cell, qicode.Constant(5e-9)))

	p, err := Compile(job, Options{})
	require.NoError(t, err)
	require.Len(t, p.Warnings, 1)
	assert.Equal(t, 5e-9, p.Warnings[0].Requested)
	assert.Equal(t, uint32(1), p.Warnings[0].Cycles)
	assert.Equal(t, 4e-9, p.Warnings[0].Actual)
}

func TestUnboundPropertyFailsCompile(t *testing.T) {
	job := qicode.NewJob()
	cell := job.Cells(1)[0]
	require.NoError(t, job.Play(cell, qicode.NewPulse(cell.Property("pi_pulse"))))

	_, err := Compile(job, Options{})
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, StageLowering, compileErr.Stage)
	var unbound *qicode.UnboundPropertyError
	require.ErrorAs(t, err, &unbound)
	assert.Equal(t, "pi_pulse", unbound.Property)
}

func TestPropertyResolvesAgainstSample(t *testing.T) {
	job := qicode.NewJob()
	cell := job.Cells(1)[0]
	require.NoError(t, job.Play(cell, qicode.NewPulse(cell.Property("pi_pulse"))))

	sample := &qicode.Sample{Cells: []qicode.CellProperties{
		{"pi_pulse": 48e-9},
	}}
	p, err := Compile(job, Options{Sample: sample, SkipOscillatorSync: true})
	require.NoError(t, err)

	require.NotEmpty(t, p.Cells[0].Manipulation)
	assert.Len(t, p.Cells[0].Manipulation[0].Samples, 12*4)
	assert.Empty(t, p.Warnings)
}

func TestIfElseBranches(t *testing.T) {
	job := qicode.NewJob()
	cell := job.Cells(1)[0]
	v := job.IntVariable()
	require.NoError(t, job.Assign(v, qicode.Constant(1)))
	require.NoError(t, job.BeginIf(v.Eq(qicode.Constant(1))))
	require.NoError(t, job.Play(cell, qicode.NewPulse(qicode.Constant(48e-9))))
	require.NoError(t, job.BeginElse())
	require.NoError(t, job.Wait(cell, qicode.Constant(96e-9)))
	require.NoError(t, job.End())

	p, err := Compile(job, Options{SkipOscillatorSync: true})
	require.NoError(t, err)

	var branch *isa.Branch
	var jump *isa.Jump
	for _, w := range p.Cells[0].Words {
		inst, err := isa.Decode(w)
		require.NoError(t, err)
		switch t := inst.(type) {
		case isa.Branch:
			branch = &t
		case isa.Jump:
			jump = &t
		}
	}
	require.NotNil(t, branch, "if lowering must emit a branch")
	require.NotNil(t, jump, "else lowering must emit a jump over the else body")
	// The inverted condition skips the then-body.
	assert.Equal(t, isa.BranchNe, branch.Cond)
	assert.Positive(t, branch.Offset)
	assert.Positive(t, jump.Offset)
}

func TestForRangeUnrollsShortIterations(t *testing.T) {
	job := qicode.NewJob()
	cell := job.Cells(1)[0]
	length := job.TimeVariable()
	require.NoError(t, job.BeginForRange(
		length,
		qicode.Constant(0),
		qicode.Constant(100e-9),
		qicode.Constant(4e-9),
	))
	require.NoError(t, job.Play(cell, qicode.NewPulse(length)))
	require.NoError(t, job.End())

	p, err := Compile(job, Options{SkipOscillatorSync: true})
	require.NoError(t, err)

	var triggers, trigWaits, branches int
	for _, w := range p.Cells[0].Words {
		inst, err := isa.Decode(w)
		require.NoError(t, err)
		switch inst.(type) {
		case isa.Trigger:
			triggers++
		case isa.TriggerWaitReg:
			trigWaits++
		case isa.Branch:
			branches++
		}
	}
	// The zero-cycle iteration vanishes, the one-cycle iteration is a bare
	// trigger, the main loop plays through a register wait and chokes.
	assert.Equal(t, 1, trigWaits)
	assert.Equal(t, 1, branches)
	// Unroll-1 trigger, main-loop trigger, main-loop choke.
	assert.Equal(t, 3, triggers)
}

func TestVariableBoundsRejectNegativeStep(t *testing.T) {
	job := qicode.NewJob()
	cell := job.Cells(1)[0]
	length := job.TimeVariable()
	start := job.TimeVariable()
	require.NoError(t, job.Assign(start, qicode.Constant(1e-6)))
	require.NoError(t, job.BeginForRange(
		length, start, qicode.Constant(0), qicode.Constant(-20e-9)))
	require.NoError(t, job.Wait(cell, length))
	require.NoError(t, job.End())

	_, err := Compile(job, Options{})
	var unsupported *qicode.UnsupportedPatternError
	require.ErrorAs(t, err, &unsupported)
}

func TestParallelMergesTriggerTimeline(t *testing.T) {
	job := qicode.NewJob()
	cell := job.Cells(1)[0]
	require.NoError(t, job.BeginParallel())
	require.NoError(t, job.Play(cell, qicode.NewPulse(qicode.Constant(48e-9))))
	require.NoError(t, job.End())
	require.NoError(t, job.BeginParallel())
	require.NoError(t, job.Wait(cell, qicode.Constant(20e-9)))
	require.NoError(t, job.PlayReadout(
		cell, qicode.NewPulse(qicode.Constant(48e-9)), nil))
	require.NoError(t, job.End())

	p, err := Compile(job, Options{SkipOscillatorSync: true})
	require.NoError(t, err)

	var insts []isa.Instruction
	for _, w := range p.Cells[0].Words {
		inst, err := isa.Decode(w)
		require.NoError(t, err)
		insts = append(insts, inst)
	}
	// Manipulation trigger at cycle 0, readout trigger at cycle 5, then
	// padding to the longer body's end (5 + 12 = 17 cycles total).
	require.Len(t, insts, 5)
	manip := insts[0].(isa.Trigger)
	assert.NotZero(t, manip.Modules[isa.ModuleManipulation])
	assert.Equal(t, isa.WaitImm{Cycles: 4}, insts[1])
	readout := insts[2].(isa.Trigger)
	assert.NotZero(t, readout.Modules[isa.ModuleReadout])
	assert.Equal(t, isa.WaitImm{Cycles: 11}, insts[3])
	assert.Equal(t, isa.End{}, insts[4])
}

func TestCompileErrorReportsStage(t *testing.T) {
	job := qicode.NewJob()
	cell := job.Cells(1)[0]
	require.NoError(t, job.BeginIf(job.IntVariable().Eq(qicode.Constant(0))))
	require.NoError(t, job.Play(cell, qicode.NewPulse(qicode.Constant(48e-9))))
	// Block left open: freezing fails during the building stage.

	_, err := Compile(job, Options{})
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, StageBuilding, compileErr.Stage)
	assert.Contains(t, compileErr.Error(), "building")
}

func TestProgramBinaryRoundTrip(t *testing.T) {
	job := qicode.NewJob()
	cells := job.Cells(2)
	require.NoError(t, job.Play(cells[0], qicode.NewPulse(qicode.Constant(48e-9))))
	require.NoError(t, job.Wait(cells[1], qicode.Constant(96e-9)))

	p, err := Compile(job, Options{})
	require.NoError(t, err)

	parsed, err := ParseBinary(p.Binary())
	require.NoError(t, err)
	require.Len(t, parsed.Cells, 2)
	for i, cp := range parsed.Cells {
		assert.Equal(t, p.Cells[i].Start, cp.Start)
		assert.Equal(t, p.Cells[i].Words, cp.Words)
	}

	_, err = ParseBinary(p.Binary()[:7])
	require.Error(t, err)
	bad := append([]byte{}, p.Binary()...)
	bad[0] ^= 0xFF
	_, err = ParseBinary(bad)
	require.ErrorContains(t, err, "magic")
}
