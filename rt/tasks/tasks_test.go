package tasks

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/qicode/compiler"
	"github.com/quantuminterface/qiclib/rt"
)

type regWrite struct {
	cell  int
	reg   uint8
	value uint32
}

// fakeController replays canned results, one entry per shot.
type fakeController struct {
	cells int

	starts    int
	startAts  []uint32
	regWrites []regWrite

	states   map[int][]uint8
	statePos map[int]int

	results   map[int][]rt.IQPair
	shortAt   int // shot index at which ResultMemory starts short-reading
	avg       map[int]rt.IQPair
	traceI    map[int][]int32
	traceQ    map[int][]int32
	traceErrs int // Timetrace calls answered before erroring, 0 disables
	traces    int
	recDur    map[int]uint32
}

func newFakeController(cells int) *fakeController {
	return &fakeController{
		cells:    cells,
		states:   map[int][]uint8{},
		statePos: map[int]int{},
		results:  map[int][]rt.IQPair{},
		shortAt:  -1,
		avg:      map[int]rt.IQPair{},
		traceI:   map[int][]int32{},
		traceQ:   map[int][]int32{},
		recDur:   map[int]uint32{},
	}
}

func (f *fakeController) CellCount() int { return f.cells }

func (f *fakeController) LoadProgram(_ *compiler.Program) error { return nil }

func (f *fakeController) StartCells(cells []int) error {
	f.starts++
	return nil
}

func (f *fakeController) StartAt(cell int, pc uint32) error {
	f.startAts = append(f.startAts, pc)
	return nil
}

func (f *fakeController) SetRegister(cell int, reg uint8, value uint32) error {
	f.regWrites = append(f.regWrites, regWrite{cell: cell, reg: reg, value: value})
	return nil
}

func (f *fakeController) SequencerBusy(int) bool { return false }
func (f *fakeController) RecordingBusy(int) bool { return false }

func (f *fakeController) AveragedResult(cell int) (rt.IQPair, error) {
	return f.avg[cell], nil
}

func (f *fakeController) ResultMemory(cell int, offset, count int) ([]rt.IQPair, error) {
	if f.shortAt >= 0 && f.starts > f.shortAt {
		return f.results[cell][:0], nil
	}
	return f.results[cell][:count], nil
}

func (f *fakeController) StateResult(cell int) (uint8, error) {
	seq := f.states[cell]
	if len(seq) == 0 {
		return 0, nil
	}
	pos := f.statePos[cell]
	f.statePos[cell] = pos + 1
	return seq[pos%len(seq)], nil
}

func (f *fakeController) Timetrace(cell int) ([]int32, []int32, error) {
	f.traces++
	if f.traceErrs > 0 && f.traces > f.traceErrs {
		return nil, nil, errors.New("acquisition aborted")
	}
	return f.traceI[cell], f.traceQ[cell], nil
}

func (f *fakeController) RecordingDuration(cell int) uint32 {
	return f.recDur[cell]
}

func newTestEnv(t *testing.T, ctrl rt.CellController) (*rt.Env, *rt.DataBoxPool) {
	t.Helper()
	pool := rt.NewDataBoxPool(1<<20, zap.NewNop(), nil)
	return &rt.Env{
		Ctrl:     ctrl,
		Boxes:    pool,
		Progress: func(uint32) {},
	}, pool
}

func TestStateCountHistogram(t *testing.T) {
	ctrl := newFakeController(4)
	// Cell 0 toggles 0,1 per shot; cell 2 stays in 1.
	ctrl.states[0] = []uint8{0, 1, 0, 1, 0, 1, 0, 1}
	ctrl.states[2] = []uint8{1}

	env, pool := newTestEnv(t, ctrl)
	task := &stateCount{}
	params := []uint32{8, 2, 0, 2, 1, 1}
	require.NoError(t, task.Validate(ctrl, params))

	status, err := task.Run(context.Background(), env, params)
	require.NoError(t, err)
	assert.Equal(t, rt.StatusOK, status)

	finished := pool.Finished()
	require.Len(t, finished, 1)
	counts := finished[0]
	require.Equal(t, 4, counts.Len())

	var total uint32
	for i := 0; i < counts.Len(); i++ {
		total += counts.Uint32(i)
	}
	assert.Equal(t, uint32(8), total)
	// Cell 0 is bit 0, cell 2 bit 1: shots alternate between 0b10 and
	// 0b11.
	assert.Equal(t, uint32(0), counts.Uint32(0))
	assert.Equal(t, uint32(0), counts.Uint32(1))
	assert.Equal(t, uint32(4), counts.Uint32(2))
	assert.Equal(t, uint32(4), counts.Uint32(3))
	assert.Zero(t, pool.Unresolved())
}

func TestStateCollectPacksThreeBitStates(t *testing.T) {
	ctrl := newFakeController(2)
	ctrl.states[0] = []uint8{5} // constant state 0b101

	env, pool := newTestEnv(t, ctrl)
	task := &stateCollect{}
	params := []uint32{12, 1, 0, 1}
	require.NoError(t, task.Validate(ctrl, params))

	status, err := task.Run(context.Background(), env, params)
	require.NoError(t, err)
	assert.Equal(t, rt.StatusOK, status)

	finished := pool.Finished()
	require.Len(t, finished, 1)
	box := finished[0]
	require.Equal(t, 2, box.Len())
	var wordFull uint32
	for i := 0; i < 10; i++ {
		wordFull |= 5 << (i * 3)
	}
	assert.Equal(t, wordFull, box.Uint32(0))
	assert.Equal(t, uint32(5|5<<3), box.Uint32(1))
}

func TestStateCollectRejectsMultiStateShots(t *testing.T) {
	ctrl := newFakeController(2)
	err := (&stateCollect{}).Validate(ctrl, []uint32{4, 1, 0, 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at most one state")
}

func TestIQCollectWritesPairsPerShot(t *testing.T) {
	ctrl := newFakeController(2)
	ctrl.results[1] = []rt.IQPair{{I: 7, Q: -3}, {I: 100, Q: 200}}

	env, pool := newTestEnv(t, ctrl)
	task := &iqCollect{}
	params := []uint32{3, 1, 1, 2}
	require.NoError(t, task.Validate(ctrl, params))

	status, err := task.Run(context.Background(), env, params)
	require.NoError(t, err)
	assert.Equal(t, rt.StatusOK, status)

	finished := pool.Finished()
	require.Len(t, finished, 2)
	slot0, slot1 := finished[0], finished[1]
	require.Equal(t, 6, slot0.Len())
	for rep := 0; rep < 3; rep++ {
		assert.Equal(t, int32(7), slot0.Int32(2*rep))
		assert.Equal(t, int32(-3), slot0.Int32(2*rep+1))
		assert.Equal(t, int32(100), slot1.Int32(2*rep))
		assert.Equal(t, int32(200), slot1.Int32(2*rep+1))
	}
}

func TestIQCollectShortReadDiscardsEverything(t *testing.T) {
	ctrl := newFakeController(1)
	ctrl.results[0] = []rt.IQPair{{I: 1, Q: 2}}
	ctrl.shortAt = 2 // third shot returns no results

	env, pool := newTestEnv(t, ctrl)
	task := &iqCollect{}
	params := []uint32{5, 1, 0, 1}

	_, err := task.Run(context.Background(), env, params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 1")
	assert.Empty(t, pool.Finished())
	assert.Zero(t, pool.Unresolved())
}

func TestQuantumJumpsPacksBits(t *testing.T) {
	ctrl := newFakeController(1)
	ctrl.states[0] = []uint8{1, 0} // 1 on even shots

	env, pool := newTestEnv(t, ctrl)
	var last uint32
	env.Progress = func(v uint32) { last = v }
	task := &quantumJumps{}
	params := []uint32{40, 1, 0, 1}

	status, err := task.Run(context.Background(), env, params)
	require.NoError(t, err)
	assert.Equal(t, rt.StatusOK, status)
	assert.Equal(t, uint32(40), last)

	finished := pool.Finished()
	require.Len(t, finished, 1)
	box := finished[0]
	require.Equal(t, 2, box.Len())
	assert.Equal(t, uint32(0x55555555), box.Uint32(0))
	assert.Equal(t, uint32(0x55), box.Uint32(1))
}

func TestTimetraceSumsRepetitions(t *testing.T) {
	ctrl := newFakeController(1)
	ctrl.recDur[0] = 2 // 8 samples
	ctrl.traceI[0] = []int32{1, 2, 3, 4, 5, 6, 7, 8}
	ctrl.traceQ[0] = []int32{-1, -2, -3, -4, -5, -6, -7, -8}

	env, pool := newTestEnv(t, ctrl)
	task := &timetrace{}
	params := []uint32{3, 1, 0, 1}
	require.NoError(t, task.Validate(ctrl, params))

	status, err := task.Run(context.Background(), env, params)
	require.NoError(t, err)
	assert.Equal(t, rt.StatusOK, status)

	finished := pool.Finished()
	require.Len(t, finished, 2)
	iBox, qBox := finished[0], finished[1]
	for s := 0; s < 8; s++ {
		assert.Equal(t, int32(3*(s+1)), iBox.Int32(s))
		assert.Equal(t, int32(-3*(s+1)), qBox.Int32(s))
	}
}

func TestAveragedSweepWritesRegistersPerPoint(t *testing.T) {
	ctrl := newFakeController(2)
	ctrl.avg[1] = rt.IQPair{I: 10, Q: -20}

	env, pool := newTestEnv(t, ctrl)
	task := &averagedSweep{}
	// 2 averages, 3 points, 2 registers (r5, r6), cell 1, start pc 8.
	params := []uint32{
		2, 3, 2, 1, 8,
		5, 6,
		11, 12,
		21, 22,
		31, 32,
	}
	require.NoError(t, task.Validate(ctrl, params))

	status, err := task.Run(context.Background(), env, params)
	require.NoError(t, err)
	assert.Equal(t, rt.StatusExperiment, status)

	require.Len(t, ctrl.regWrites, 6)
	assert.Equal(t, regWrite{cell: 1, reg: 5, value: 11}, ctrl.regWrites[0])
	assert.Equal(t, regWrite{cell: 1, reg: 6, value: 12}, ctrl.regWrites[1])
	assert.Equal(t, regWrite{cell: 1, reg: 5, value: 31}, ctrl.regWrites[4])
	require.Len(t, ctrl.startAts, 6)
	assert.Equal(t, uint32(8), ctrl.startAts[0])

	finished := pool.Finished()
	require.Len(t, finished, 2)
	for p := 0; p < 3; p++ {
		assert.Equal(t, int32(10), finished[0].Int32(p))
		assert.Equal(t, int32(-20), finished[1].Int32(p))
	}
}

func TestAveragedSweepValidation(t *testing.T) {
	ctrl := newFakeController(2)
	task := &averagedSweep{}
	tests := []struct {
		name   string
		params []uint32
	}{
		{"too short", []uint32{1, 1, 1, 0}},
		{"wrong total", []uint32{1, 2, 1, 0, 0, 5, 1}},
		{"cell out of range", []uint32{1, 1, 1, 7, 0, 5, 1}},
		{"register zero", []uint32{1, 1, 1, 0, 0, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, task.Validate(ctrl, tt.params))
		})
	}
}

func TestG1G2CommitsGroupsAtomically(t *testing.T) {
	ctrl := newFakeController(2)
	ctrl.traceI[0] = []int32{1, 1, 1, 1}
	ctrl.traceQ[0] = []int32{0, 0, 0, 0}
	ctrl.traceI[1] = []int32{1, 1, 1, 1}
	ctrl.traceQ[1] = []int32{0, 0, 0, 0}

	env, pool := newTestEnv(t, ctrl)
	task := &g1g2Correlation{}
	// 2 averages, 1 iteration, cells 0 and 1, 4 taus, no shift, with
	// background.
	params := []uint32{2, 1, 0, 1, 4, 0, 1}
	require.NoError(t, task.Validate(ctrl, params))

	status, err := task.Run(context.Background(), env, params)
	require.NoError(t, err)
	assert.Equal(t, rt.StatusOK, status)

	finished := pool.Finished()
	require.Len(t, finished, 4)
	// All-ones I traces: real correlation at tau counts the overlap.
	real := finished[0]
	assert.Equal(t, int64(2*4), real.Int64(0))
	assert.Equal(t, int64(2*3), real.Int64(1))
	assert.Zero(t, pool.Unresolved())
}

func TestG1G2FailureLeavesNoPartialGroup(t *testing.T) {
	ctrl := newFakeController(2)
	ctrl.traceI[0] = []int32{1, 1, 1, 1}
	ctrl.traceQ[0] = []int32{0, 0, 0, 0}
	ctrl.traceI[1] = []int32{1, 1, 1, 1}
	ctrl.traceQ[1] = []int32{0, 0, 0, 0}
	ctrl.traceErrs = 3 // fails mid second average

	env, pool := newTestEnv(t, ctrl)
	task := &g1g2Correlation{}
	params := []uint32{2, 1, 0, 1, 4, 0, 0}

	_, err := task.Run(context.Background(), env, params)
	require.Error(t, err)
	assert.Empty(t, pool.Finished())
	assert.Zero(t, pool.Unresolved())
}

func TestDataboxProbeFillsPattern(t *testing.T) {
	ctrl := newFakeController(1)
	env, pool := newTestEnv(t, ctrl)
	task := &databoxProbe{}
	params := []uint32{8, uint32(rt.ModeUint8)}
	require.NoError(t, task.Validate(ctrl, params))

	status, err := task.Run(context.Background(), env, params)
	require.NoError(t, err)
	assert.Equal(t, rt.StatusOK, status)

	finished := pool.Finished()
	require.Len(t, finished, 1)
	raw := finished[0].Bytes()
	require.Len(t, raw, 8)
	for i, b := range raw {
		assert.Equal(t, byte(i), b)
	}
}

func TestBuiltinRegistryNamesMatch(t *testing.T) {
	for name, factory := range Builtin() {
		assert.Equal(t, name, factory().Name())
	}
}
