package rt

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/config"
	"github.com/quantuminterface/qiclib/qicode/compiler"
)

type idleController struct{ cells int }

func (c *idleController) CellCount() int                          { return c.cells }
func (c *idleController) LoadProgram(*compiler.Program) error     { return nil }
func (c *idleController) StartCells([]int) error                  { return nil }
func (c *idleController) StartAt(int, uint32) error               { return nil }
func (c *idleController) SetRegister(int, uint8, uint32) error    { return nil }
func (c *idleController) SequencerBusy(int) bool                  { return false }
func (c *idleController) RecordingBusy(int) bool                  { return false }
func (c *idleController) AveragedResult(int) (IQPair, error)      { return IQPair{}, nil }
func (c *idleController) ResultMemory(int, int, int) ([]IQPair, error) {
	return nil, nil
}
func (c *idleController) StateResult(int) (uint8, error)        { return 0, nil }
func (c *idleController) Timetrace(int) ([]int32, []int32, error) { return nil, nil, nil }
func (c *idleController) RecordingDuration(int) uint32          { return 0 }

// scriptedTask runs a caller-supplied body under the standard harness.
type scriptedTask struct {
	name     string
	validate func(params []uint32) error
	run      func(ctx context.Context, env *Env, params []uint32) (uint32, error)
}

func (s *scriptedTask) Name() string { return s.name }

func (s *scriptedTask) Validate(_ CellController, params []uint32) error {
	if s.validate == nil {
		return nil
	}
	return s.validate(params)
}

func (s *scriptedTask) Run(
	ctx context.Context,
	env *Env,
	params []uint32,
) (uint32, error) {
	return s.run(ctx, env, params)
}

func newTestEngine(t *testing.T, tasks ...*scriptedTask) *Engine {
	t.Helper()
	cfg := config.EngineConfig{DataBoxHeapBytes: 1 << 16}.WithDefaults()
	e := NewEngine(&cfg, &idleController{cells: 4}, zap.NewNop(), nil)
	for _, task := range tasks {
		task := task
		require.NoError(t, e.Register(task.name, func() Task { return task }))
	}
	return e
}

func awaitState(t *testing.T, e *Engine, want TaskState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.TaskStatus().State == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("engine never reached state %s, stuck in %s", want, e.TaskStatus().State)
}

func TestEngineHappyPath(t *testing.T) {
	task := &scriptedTask{
		name: "noop",
		run: func(_ context.Context, env *Env, _ []uint32) (uint32, error) {
			box, err := env.Boxes.Get(4, ModeUint32)
			if err != nil {
				return 0, err
			}
			env.Progress(4)
			return StatusOK, env.Boxes.Finish(box)
		},
	}
	e := newTestEngine(t, task)

	require.NoError(t, e.ProgramTask("noop"))
	require.NoError(t, e.SetParameters([]uint32{1}))
	require.NoError(t, e.StartTask(context.Background()))
	awaitState(t, e, TaskStateFinished)

	st := e.TaskStatus()
	assert.Equal(t, "noop", st.TaskName)
	assert.Equal(t, uint32(4), st.Progress)
	assert.Equal(t, StatusOK, st.StatusCode)
	assert.Equal(t, 1, st.DataBoxesAvailable)
	assert.Zero(t, st.ErrorsAvailable)
}

func TestEngineRejectsInvalidTransitions(t *testing.T) {
	task := &scriptedTask{
		name: "noop",
		run: func(context.Context, *Env, []uint32) (uint32, error) {
			return StatusOK, nil
		},
	}
	e := newTestEngine(t, task)

	// Starting without parameters is a protocol violation.
	require.NoError(t, e.ProgramTask("noop"))
	err := e.StartTask(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid in state")

	assert.Error(t, e.ProgramTask("no-such-task"))
}

func TestEngineValidationFailureQueuesError(t *testing.T) {
	task := &scriptedTask{
		name: "picky",
		validate: func([]uint32) error {
			return errors.New("need more parameters")
		},
		run: func(context.Context, *Env, []uint32) (uint32, error) {
			return StatusOK, nil
		},
	}
	e := newTestEngine(t, task)

	require.NoError(t, e.ProgramTask("picky"))
	require.Error(t, e.SetParameters([]uint32{}))
	assert.Equal(t, TaskStateFailed, e.TaskStatus().State)

	msgs := e.DrainErrors()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "need more parameters")

	// A failed executor accepts fresh parameters.
	task.validate = nil
	require.NoError(t, e.SetParameters([]uint32{1}))
	assert.Equal(t, TaskStateParamsValidated, e.TaskStatus().State)
}

func TestEngineFailsOnUnresolvedBoxes(t *testing.T) {
	task := &scriptedTask{
		name: "leaky",
		run: func(_ context.Context, env *Env, _ []uint32) (uint32, error) {
			_, err := env.Boxes.Get(4, ModeUint32)
			return StatusOK, err
		},
	}
	e := newTestEngine(t, task)

	require.NoError(t, e.ProgramTask("leaky"))
	require.NoError(t, e.SetParameters(nil))
	require.NoError(t, e.StartTask(context.Background()))
	awaitState(t, e, TaskStateFailed)

	msgs := e.DrainErrors()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "unresolved")
	assert.Zero(t, e.Pool().Unresolved())
}

func TestEngineFailsOnBadStatusCode(t *testing.T) {
	task := &scriptedTask{
		name: "broken",
		run: func(context.Context, *Env, []uint32) (uint32, error) {
			return 7, nil
		},
	}
	e := newTestEngine(t, task)

	require.NoError(t, e.ProgramTask("broken"))
	require.NoError(t, e.SetParameters(nil))
	require.NoError(t, e.StartTask(context.Background()))
	awaitState(t, e, TaskStateFailed)
	assert.Contains(t, e.DrainErrors()[0], "status 7")
}

func TestEngineExperimentStatusSucceeds(t *testing.T) {
	task := &scriptedTask{
		name: "experiment",
		run: func(context.Context, *Env, []uint32) (uint32, error) {
			return StatusExperiment, nil
		},
	}
	e := newTestEngine(t, task)

	require.NoError(t, e.ProgramTask("experiment"))
	require.NoError(t, e.SetParameters(nil))
	require.NoError(t, e.StartTask(context.Background()))
	awaitState(t, e, TaskStateFinished)
	assert.Equal(t, StatusExperiment, e.TaskStatus().StatusCode)
}

func TestEngineStopCancelsAndDiscards(t *testing.T) {
	started := make(chan struct{})
	task := &scriptedTask{
		name: "endless",
		run: func(ctx context.Context, env *Env, _ []uint32) (uint32, error) {
			if _, err := env.Boxes.Get(8, ModeUint32); err != nil {
				return 0, err
			}
			close(started)
			<-ctx.Done()
			return 0, ctx.Err()
		},
	}
	e := newTestEngine(t, task)

	require.NoError(t, e.ProgramTask("endless"))
	require.NoError(t, e.SetParameters(nil))
	require.NoError(t, e.StartTask(context.Background()))
	<-started
	assert.True(t, e.Busy())

	require.NoError(t, e.StopTask(false))
	assert.Equal(t, TaskStateFailed, e.TaskStatus().State)
	assert.Zero(t, e.Pool().Unresolved())

	require.NoError(t, e.StopTask(true))
	st := e.TaskStatus()
	assert.Equal(t, TaskStateIdle, st.State)
	assert.Empty(t, st.TaskName)
	assert.Zero(t, st.ErrorsAvailable)
}

func TestEngineProgressIsMonotonic(t *testing.T) {
	task := &scriptedTask{
		name: "jitter",
		run: func(_ context.Context, env *Env, _ []uint32) (uint32, error) {
			env.Progress(5)
			env.Progress(3) // stale update must not move progress back
			env.Progress(8)
			return StatusOK, nil
		},
	}
	e := newTestEngine(t, task)

	require.NoError(t, e.ProgramTask("jitter"))
	require.NoError(t, e.SetParameters(nil))
	require.NoError(t, e.StartTask(context.Background()))
	awaitState(t, e, TaskStateFinished)
	assert.Equal(t, uint32(8), e.TaskStatus().Progress)
}

func TestEngineErrorQueueBounded(t *testing.T) {
	e := newTestEngine(t)
	e.mu.Lock()
	for i := 0; i < 100; i++ {
		e.queueError("boom")
	}
	full := len(e.errQueue)
	e.mu.Unlock()

	assert.Equal(t, 32, full)
	assert.True(t, e.ErrorQueueFull())
	assert.Len(t, e.DrainErrors(), 32)
	assert.False(t, e.ErrorQueueFull())
}

func TestWaitCellsIdleObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	busy := &busyController{idleController{cells: 1}}
	err := WaitCellsIdle(ctx, busy, []int{0})
	assert.ErrorIs(t, err, context.Canceled)
}

type busyController struct{ idleController }

func (busyController) SequencerBusy(int) bool { return true }
