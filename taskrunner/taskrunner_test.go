package taskrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/config"
	"github.com/quantuminterface/qiclib/protocol"
	"github.com/quantuminterface/qiclib/qicode"
	"github.com/quantuminterface/qiclib/qicode/compiler"
	"github.com/quantuminterface/qiclib/rt"
	"github.com/quantuminterface/qiclib/rt/sim"
	"github.com/quantuminterface/qiclib/rt/tasks"
)

func newLoopbackRunner(t *testing.T, cells int) *TaskRunner {
	t.Helper()
	logger := zap.NewNop()
	cfg := config.EngineConfig{
		CellCount:        cells,
		DataBoxHeapBytes: 1 << 20,
	}.WithDefaults()
	ctrl := sim.New(cfg.CellCount, logger)
	engine := rt.NewEngine(&cfg, ctrl, logger, nil)
	require.NoError(t, tasks.RegisterAll(engine))
	srv := protocol.NewServer(engine, "test", logger)
	session := NewSession(protocol.NewLoopback(srv), logger)
	t.Cleanup(func() { _ = session.Close() })
	return session.Runner()
}

func TestRunnerStatusRoundTrip(t *testing.T) {
	r := newLoopbackRunner(t, 2)
	status, err := r.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, "idle", status.State)
}

func TestRunnerRejectsUnknownTask(t *testing.T) {
	r := newLoopbackRunner(t, 2)
	err := r.LoadTask(context.Background(), "no-such-task")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task")
}

func TestRunnerChunkedDataBoxRetrieval(t *testing.T) {
	r := newLoopbackRunner(t, 2)
	ctx := context.Background()

	require.NoError(t, r.LoadTask(ctx, "databox_probe"))
	// 100000 uint8 elements span two 64 KiB chunks.
	require.NoError(t, r.SetParameters(ctx, []uint32{100000, uint32(rt.ModeUint8)}))
	require.NoError(t, r.StartTask(ctx, false, false))

	waitDone(t, r)

	boxes, err := r.GetDataBoxes(ctx, rt.ModeUint8)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, rt.ModeUint8, boxes[0].Mode)
	require.Len(t, boxes[0].Data, 100000)
	// Fill pattern survives chunk reassembly.
	assert.Equal(t, byte(65536%256), boxes[0].Data[65536])
}

func waitDone(t *testing.T, r *TaskRunner) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 5000; i++ {
		ts, err := r.TaskState(ctx)
		require.NoError(t, err)
		if ts.Failed {
			err := r.CheckTaskErrors(ctx)
			t.Fatalf("task failed: %v", err)
		}
		if ts.Done {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("task never finished")
}

func TestRunJobEndToEnd(t *testing.T) {
	r := newLoopbackRunner(t, 2)

	job := qicode.NewJob()
	cells := job.Cells(2)
	for i, cell := range cells {
		name := []string{"readout_a", "readout_b"}[i]
		require.NoError(t, job.PlayReadout(
			cell,
			qicode.NewPulse(qicode.Constant(400e-9)),
			&qicode.Record{
				Duration: qicode.Constant(400e-9),
				SaveTo:   name,
			},
		))
	}

	run, err := r.RunJob(
		context.Background(),
		job,
		compiler.Options{},
		"iq_collect",
		8,
		rt.ModeInt32,
	)
	require.NoError(t, err)
	assert.Equal(t, rt.StatusOK, run.StatusCode)

	require.Len(t, run.Results, 2)
	assert.Equal(t, "readout_a", run.Results[0].Name)
	assert.Equal(t, 0, run.Results[0].Cell)
	assert.Equal(t, "readout_b", run.Results[1].Name)

	// One IQ pair per repetition.
	values := run.Results[0].Box.Int32Values()
	require.Len(t, values, 16)
	assert.NotZero(t, values[0])
}

func TestRunnerParameterValidationSurfacesError(t *testing.T) {
	r := newLoopbackRunner(t, 2)
	ctx := context.Background()

	require.NoError(t, r.LoadTask(ctx, "iq_collect"))
	err := r.SetParameters(ctx, []uint32{1})
	require.Error(t, err)

	// The failure also lands in the daemon's error queue.
	require.Error(t, r.CheckTaskErrors(ctx))
}

func TestRunnerResetReturnsToIdle(t *testing.T) {
	r := newLoopbackRunner(t, 2)
	ctx := context.Background()

	require.NoError(t, r.LoadTask(ctx, "databox_probe"))
	require.NoError(t, r.SetParameters(ctx, []uint32{4, uint32(rt.ModeUint32)}))
	require.NoError(t, r.StartTask(ctx, false, false))
	waitDone(t, r)

	require.NoError(t, r.ResetTask(ctx))
	status, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "idle", status.State)
	assert.Empty(t, status.TaskName)
}
