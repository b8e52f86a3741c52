package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/qicode"
	"github.com/quantuminterface/qiclib/qicode/compiler"
)

func compileReadoutJob(t *testing.T) *compiler.Program {
	t.Helper()
	job := qicode.NewJob()
	cells := job.Cells(2)
	for _, cell := range cells {
		require.NoError(t, job.PlayReadout(
			cell,
			qicode.NewPulse(qicode.Constant(400e-9)),
			&qicode.Record{
				Duration: qicode.Constant(400e-9),
				SaveTo:   "result",
			},
		))
	}
	program, err := compiler.Compile(job, compiler.Options{})
	require.NoError(t, err)
	return program
}

func TestSimExecutesReadoutProgram(t *testing.T) {
	ctrl := New(4, zap.NewNop())
	require.NoError(t, ctrl.LoadProgram(compileReadoutJob(t)))

	require.NoError(t, ctrl.StartCells([]int{0, 1}))

	pairs, err := ctrl.ResultMemory(0, 0, 1)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.NotZero(t, pairs[0].I)

	// One recording per run: reading past it fails.
	_, err = ctrl.ResultMemory(0, 0, 2)
	require.Error(t, err)

	_, err = ctrl.StateResult(1)
	require.NoError(t, err)

	avg, err := ctrl.AveragedResult(1)
	require.NoError(t, err)
	assert.NotZero(t, avg.I)
}

func TestSimResultsVaryPerShot(t *testing.T) {
	ctrl := New(1, zap.NewNop())
	job := qicode.NewJob()
	cell := job.Cells(1)[0]
	require.NoError(t, job.PlayReadout(
		cell,
		qicode.NewPulse(qicode.Constant(400e-9)),
		&qicode.Record{Duration: qicode.Constant(400e-9), SaveTo: "r"},
	))
	program, err := compiler.Compile(job, compiler.Options{})
	require.NoError(t, err)
	require.NoError(t, ctrl.LoadProgram(program))

	var states []uint8
	for i := 0; i < 4; i++ {
		require.NoError(t, ctrl.StartCells([]int{0}))
		s, err := ctrl.StateResult(0)
		require.NoError(t, err)
		states = append(states, s)
	}
	assert.Equal(t, []uint8{0, 1, 0, 1}, states)
}

func TestSimRunsLoopProgram(t *testing.T) {
	ctrl := New(1, zap.NewNop())
	job := qicode.NewJob()
	cell := job.Cells(1)[0]
	v := job.TimeVariable()
	require.NoError(t, job.BeginForRange(
		v,
		qicode.Constant(0),
		qicode.Constant(200e-9),
		qicode.Constant(20e-9),
	))
	require.NoError(t, job.PlayReadout(
		cell,
		qicode.NewPulse(qicode.Constant(400e-9)),
		&qicode.Record{Duration: qicode.Constant(400e-9), SaveTo: "r"},
	))
	require.NoError(t, job.End())
	program, err := compiler.Compile(job, compiler.Options{})
	require.NoError(t, err)
	require.NoError(t, ctrl.LoadProgram(program))

	require.NoError(t, ctrl.StartCells([]int{0}))
	// Ten loop iterations, one recording each.
	pairs, err := ctrl.ResultMemory(0, 0, 10)
	require.NoError(t, err)
	assert.Len(t, pairs, 10)
}

func TestSimRejectsUnknownCell(t *testing.T) {
	ctrl := New(1, zap.NewNop())
	assert.Error(t, ctrl.StartCells([]int{3}))
	assert.Error(t, ctrl.SetRegister(0, 0, 1))
}

func TestSimWithoutProgramFails(t *testing.T) {
	ctrl := New(1, zap.NewNop())
	err := ctrl.StartCells([]int{0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no program")
}

func TestSimRecordingDurationFollowsProgram(t *testing.T) {
	ctrl := New(2, zap.NewNop())
	require.NoError(t, ctrl.LoadProgram(compileReadoutJob(t)))
	// 400 ns at 250 MHz is 100 cycles.
	assert.Equal(t, uint32(100), ctrl.RecordingDuration(0))
}
