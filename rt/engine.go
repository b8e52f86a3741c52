package rt

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/config"
)

// TaskState is the externally visible state of the engine's task executor.
type TaskState string

const (
	TaskStateIdle            TaskState = "idle"
	TaskStateParamsValidated TaskState = "params-validated"
	TaskStateRunning         TaskState = "running"
	TaskStateCollecting      TaskState = "collecting"
	TaskStateFinished        TaskState = "finished"
	TaskStateFailed          TaskState = "failed"
)

// Event drives the executor state machine.
type Event string

const (
	EventProgram  Event = "program"
	EventValidate Event = "validate"
	EventStart    Event = "start"
	EventCollect  Event = "collect"
	EventFinish   Event = "finish"
	EventFail     Event = "fail"
	EventReset    Event = "reset"
)

// taskTransitions is the executor's transition table. Events missing from
// a state's row are protocol violations.
var taskTransitions = map[TaskState]map[Event]TaskState{
	TaskStateIdle: {
		EventProgram:  TaskStateIdle,
		EventValidate: TaskStateParamsValidated,
		EventFail:     TaskStateFailed,
		EventReset:    TaskStateIdle,
	},
	TaskStateParamsValidated: {
		EventValidate: TaskStateParamsValidated,
		EventStart:    TaskStateRunning,
		EventFail:     TaskStateFailed,
		EventReset:    TaskStateIdle,
	},
	TaskStateRunning: {
		EventCollect: TaskStateCollecting,
		EventFail:    TaskStateFailed,
	},
	TaskStateCollecting: {
		EventFinish: TaskStateFinished,
		EventFail:   TaskStateFailed,
	},
	TaskStateFinished: {
		EventProgram:  TaskStateFinished,
		EventValidate: TaskStateParamsValidated,
		EventStart:    TaskStateRunning,
		EventReset:    TaskStateIdle,
	},
	TaskStateFailed: {
		EventProgram:  TaskStateFailed,
		EventValidate: TaskStateParamsValidated,
		EventReset:    TaskStateIdle,
	},
}

// Status is the engine's host-visible snapshot.
type Status struct {
	TaskName           string
	State              TaskState
	Progress           uint32
	StatusCode         uint32
	DataBoxesAvailable int
	ErrorsAvailable    int
}

// Engine owns the task executor: one loaded task, its parameters, the
// databox pool, and the bounded error message queue. All operations are
// safe for concurrent use; a task run executes on its own goroutine while
// requests keep being served.
type Engine struct {
	mu sync.Mutex

	logger  *zap.Logger
	ctrl    CellController
	pool    *DataBoxPool
	metrics *Metrics

	registry map[string]TaskFactory

	state    TaskState
	taskName string
	task     Task
	params   []uint32
	progress uint32
	status   uint32

	errQueue []string
	errCap   int

	cancel  context.CancelFunc
	runDone chan struct{}
}

// NewEngine builds the executor around a controller and the configured
// databox heap.
func NewEngine(
	cfg *config.EngineConfig,
	ctrl CellController,
	logger *zap.Logger,
	metrics *Metrics,
) *Engine {
	return &Engine{
		logger:   logger,
		ctrl:     ctrl,
		pool:     NewDataBoxPool(cfg.DataBoxHeapBytes, logger, metrics),
		metrics:  metrics,
		registry: make(map[string]TaskFactory),
		state:    TaskStateIdle,
		errCap:   cfg.ErrorQueueLength,
	}
}

// Register adds a task constructor under its name. Registering a duplicate
// name is a programming error.
func (e *Engine) Register(name string, factory TaskFactory) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.registry[name]; ok {
		return errors.Errorf("task %q already registered", name)
	}
	e.registry[name] = factory
	return nil
}

// Pool exposes the databox pool for host retrieval.
func (e *Engine) Pool() *DataBoxPool { return e.pool }

// Controller exposes the hardware surface for host-driven single-shot
// control.
func (e *Engine) Controller() CellController { return e.ctrl }

// transition applies one event against the table. The caller holds the
// lock.
func (e *Engine) transition(ev Event) error {
	row, ok := taskTransitions[e.state]
	if !ok {
		return errors.Errorf("no transitions from state %s", e.state)
	}
	next, ok := row[ev]
	if !ok {
		return errors.Errorf("event %s invalid in state %s", ev, e.state)
	}
	if next != e.state {
		e.logger.Debug(
			"task state transition",
			zap.String("from", string(e.state)),
			zap.String("to", string(next)),
			zap.String("event", string(ev)),
		)
	}
	e.state = next
	return nil
}

// queueError appends to the bounded error message list; overflow drops the
// message but keeps the queue-full signal observable.
func (e *Engine) queueError(msg string) {
	if len(e.errQueue) >= e.errCap {
		return
	}
	e.errQueue = append(e.errQueue, msg)
}

// failLocked records a failure with its message. The caller holds the
// lock.
func (e *Engine) failLocked(msg string) {
	e.queueError(msg)
	e.status = 1
	e.state = TaskStateFailed
	if e.metrics != nil {
		e.metrics.TasksFailed.Inc()
	}
	e.logger.Warn("task failed", zap.String("task", e.taskName), zap.String("error", msg))
}

// ProgramTask loads the named task. The previous task's boxes are
// dropped.
func (e *Engine) ProgramTask(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == TaskStateRunning || e.state == TaskStateCollecting {
		return errors.New("cannot program a task while one is running")
	}
	factory, ok := e.registry[name]
	if !ok {
		return errors.Errorf("unknown task %q", name)
	}
	if err := e.transition(EventProgram); err != nil {
		return err
	}
	e.task = factory()
	e.taskName = name
	e.params = nil
	e.progress = 0
	e.status = 0
	e.pool.Reset()
	e.logger.Info("task programmed", zap.String("task", name))
	return nil
}

// SetParameters validates the parameter list against the loaded task
// before storing it. Validation failures queue a message and leave the
// executor failed without touching hardware.
func (e *Engine) SetParameters(params []uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task == nil {
		return errors.New("no task programmed")
	}
	if e.state == TaskStateRunning || e.state == TaskStateCollecting {
		return errors.New("cannot set parameters while a task is running")
	}
	if err := e.task.Validate(e.ctrl, params); err != nil {
		e.failLocked(errors.Wrap(err, "validate parameters").Error())
		return err
	}
	if err := e.transition(EventValidate); err != nil {
		return err
	}
	e.params = append([]uint32(nil), params...)
	return nil
}

// StartTask launches the validated task on its own goroutine. The returned
// error covers launch problems only; run results surface through
// TaskStatus and the error queue.
func (e *Engine) StartTask(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task == nil {
		return errors.New("no task programmed")
	}
	if err := e.transition(EventStart); err != nil {
		return err
	}
	e.progress = 0
	e.status = 0
	if e.metrics != nil {
		e.metrics.TasksStarted.Inc()
		e.metrics.TaskProgress.Set(0)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	done := make(chan struct{})
	e.runDone = done

	task := e.task
	params := e.params
	go func() {
		defer close(done)
		e.run(runCtx, task, params)
	}()
	return nil
}

// run executes one task to completion and resolves the executor state.
func (e *Engine) run(ctx context.Context, task Task, params []uint32) {
	env := &Env{
		Ctrl:  e.ctrl,
		Boxes: e.pool,
		Progress: func(p uint32) {
			e.mu.Lock()
			if p > e.progress {
				e.progress = p
			}
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.TaskProgress.Set(float64(p))
			}
		},
	}

	status, err := task.Run(ctx, env, params)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		e.pool.DiscardUnresolved()
		e.failLocked(err.Error())
		return
	}
	if unresolved := e.pool.Unresolved(); unresolved > 0 {
		e.pool.DiscardUnresolved()
		e.failLocked(errors.Errorf(
			"task %q left %d databox(es) unresolved", task.Name(), unresolved,
		).Error())
		return
	}
	if status != StatusOK && status != StatusExperiment {
		e.failLocked(errors.Errorf(
			"task %q returned status %d", task.Name(), status,
		).Error())
		return
	}

	e.status = status
	if err := e.transition(EventCollect); err != nil {
		e.failLocked(err.Error())
		return
	}
	if err := e.transition(EventFinish); err != nil {
		e.failLocked(err.Error())
		return
	}
	if e.metrics != nil {
		e.metrics.TasksFinished.Inc()
	}
	e.logger.Info(
		"task finished",
		zap.String("task", task.Name()),
		zap.Uint32("status", status),
		zap.Int("databoxes", len(e.pool.Finished())),
	)
}

// StopTask cancels a running task and waits for it to unwind. With reset,
// the task is unloaded and the executor returns to idle.
func (e *Engine) StopTask(reset bool) error {
	e.mu.Lock()
	cancel := e.cancel
	done := e.runDone
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel = nil
	e.runDone = nil
	if reset {
		e.task = nil
		e.taskName = ""
		e.params = nil
		e.progress = 0
		e.status = 0
		e.errQueue = nil
		e.pool.Reset()
		e.state = TaskStateIdle
	}
	return nil
}

// Busy reports whether a task run is in flight.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == TaskStateRunning || e.state == TaskStateCollecting
}

// TaskStatus snapshots the executor for the host.
func (e *Engine) TaskStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		TaskName:           e.taskName,
		State:              e.state,
		Progress:           e.progress,
		StatusCode:         e.status,
		DataBoxesAvailable: len(e.pool.Finished()),
		ErrorsAvailable:    len(e.errQueue),
	}
}

// ErrorQueueFull reports whether further error messages would be dropped.
func (e *Engine) ErrorQueueFull() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errQueue) >= e.errCap
}

// DrainErrors returns and clears the queued error messages.
func (e *Engine) DrainErrors() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.errQueue
	e.errQueue = nil
	return out
}
