package taskrunner

import (
	"context"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quantuminterface/qiclib/protocol"
	"github.com/quantuminterface/qiclib/qicode/compiler"
	"github.com/quantuminterface/qiclib/rt"
)

// TaskRunner drives the daemon's task executor over a transport.
type TaskRunner struct {
	logger    *zap.Logger
	transport protocol.Transport
	taskName  string
}

// call performs one exchange and decodes either the expected response or
// a daemon-side Error message.
func (r *TaskRunner) call(
	ctx context.Context,
	req protocol.Message,
	resp protocol.Message,
) error {
	raw, err := r.transport.Call(ctx, req.ToCanonicalBytes())
	if err != nil {
		return err
	}
	msgType, err := protocol.PeekType(raw)
	if err != nil {
		return err
	}
	if msgType == protocol.TypeError {
		var e protocol.Error
		if err := e.FromCanonicalBytes(raw); err != nil {
			return err
		}
		return errors.New(e.Message)
	}
	return resp.FromCanonicalBytes(raw)
}

// Status fetches the daemon status snapshot.
func (r *TaskRunner) Status(ctx context.Context) (*protocol.Status, error) {
	var status protocol.Status
	if err := r.call(ctx, &protocol.GetStatus{}, &status); err != nil {
		return nil, errors.Wrap(err, "get status")
	}
	return &status, nil
}

// TaskState fetches the executor's run flags.
func (r *TaskRunner) TaskState(ctx context.Context) (*protocol.TaskState, error) {
	var ts protocol.TaskState
	if err := r.call(ctx, &protocol.GetTaskState{}, &ts); err != nil {
		return nil, errors.Wrap(err, "get task state")
	}
	return &ts, nil
}

// Progress reads the loaded task's progress counter.
func (r *TaskRunner) Progress(ctx context.Context) (uint32, error) {
	status, err := r.Status(ctx)
	if err != nil {
		return 0, err
	}
	return status.Progress, nil
}

// LoadTaskBinary programs the named task and verifies the daemon reports
// it loaded.
func (r *TaskRunner) LoadTaskBinary(
	ctx context.Context,
	name string,
	taskBinary []byte,
) error {
	var ack protocol.Ack
	req := &protocol.ProgramTask{Name: name, Binary: taskBinary}
	if err := r.call(ctx, req, &ack); err != nil {
		return errors.Wrapf(err, "program task %q", name)
	}
	status, err := r.Status(ctx)
	if err != nil {
		return err
	}
	if status.TaskName != name {
		return errors.Errorf(
			"daemon reports task %q loaded, expected %q", status.TaskName, name)
	}
	r.taskName = name
	return nil
}

// LoadTask programs a built-in task by name.
func (r *TaskRunner) LoadTask(ctx context.Context, name string) error {
	return r.LoadTaskBinary(ctx, name, nil)
}

// SetParameters validates and stores the parameter list on the daemon.
func (r *TaskRunner) SetParameters(ctx context.Context, params []uint32) error {
	var ack protocol.Ack
	err := r.call(ctx, &protocol.SetParameters{Params: params}, &ack)
	return errors.Wrap(err, "set parameters")
}

// StartTask launches the loaded task.
func (r *TaskRunner) StartTask(ctx context.Context, looping, stopRunning bool) error {
	var ack protocol.Ack
	req := &protocol.StartTask{Looping: looping, StopRunning: stopRunning}
	if err := r.call(ctx, req, &ack); err != nil {
		return errors.Wrap(err, "start task")
	}
	r.logger.Debug("task started", zap.String("task", r.taskName))
	return nil
}

// StopTask cancels a running task, keeping it loaded.
func (r *TaskRunner) StopTask(ctx context.Context) error {
	var ack protocol.Ack
	return errors.Wrap(r.call(ctx, &protocol.StopTask{}, &ack), "stop task")
}

// ResetTask cancels and unloads the task, returning the executor to idle.
func (r *TaskRunner) ResetTask(ctx context.Context) error {
	var ack protocol.Ack
	err := r.call(ctx, &protocol.StopTask{Reset: true}, &ack)
	return errors.Wrap(err, "reset task")
}

// CheckTaskErrors drains the daemon's error queue and converts it into an
// error.
func (r *TaskRunner) CheckTaskErrors(ctx context.Context) error {
	var msgs protocol.ErrorMessages
	if err := r.call(ctx, &protocol.GetErrorMessages{}, &msgs); err != nil {
		return errors.Wrap(err, "get error messages")
	}
	if len(msgs.Messages) == 0 {
		return nil
	}
	return errors.Errorf("task reported: %s", strings.Join(msgs.Messages, "; "))
}

// LoadProgram transfers a compiled program to the sequencers.
func (r *TaskRunner) LoadProgram(ctx context.Context, p *compiler.Program) error {
	var ack protocol.Ack
	req := &protocol.LoadProgram{Binary: p.Binary()}
	return errors.Wrap(r.call(ctx, req, &ack), "load program")
}

// StartCellAt starts one cell's sequencer at an instruction index.
func (r *TaskRunner) StartCellAt(ctx context.Context, cell int, pc uint32) error {
	var ack protocol.Ack
	req := &protocol.StartAt{Cell: uint32(cell), PC: pc}
	return errors.Wrap(r.call(ctx, req, &ack), "start cell")
}

// WriteRegister sets one sequencer register.
func (r *TaskRunner) WriteRegister(
	ctx context.Context,
	cell int,
	reg uint8,
	value uint32,
) error {
	var ack protocol.Ack
	req := &protocol.SetRegister{Cell: uint32(cell), Reg: reg, Value: value}
	return errors.Wrap(r.call(ctx, req, &ack), "set register")
}

// DataBox is one reassembled result buffer.
type DataBox struct {
	Index uint32
	Mode  rt.DataMode
	Data  []byte
}

// GetDataBoxes streams the finished boxes and reassembles their chunks.
// Fetch and reassembly overlap on separate goroutines.
func (r *TaskRunner) GetDataBoxes(
	ctx context.Context,
	mode rt.DataMode,
) ([]DataBox, error) {
	frames := make(chan []byte, 16)
	var boxes []DataBox

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(frames)
		req := (&protocol.GetDataBoxes{Mode: uint16(mode)}).ToCanonicalBytes()
		return r.transport.Stream(gctx, req, func(frame []byte) error {
			cp := make([]byte, len(frame))
			copy(cp, frame)
			select {
			case frames <- cp:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})
	g.Go(func() error {
		expected := -1
		for frame := range frames {
			msgType, err := protocol.PeekType(frame)
			if err != nil {
				return err
			}
			switch msgType {
			case protocol.TypeDataBoxChunk:
				var chunk protocol.DataBoxChunk
				if err := chunk.FromCanonicalBytes(frame); err != nil {
					return err
				}
				if len(boxes) == 0 || boxes[len(boxes)-1].Index != chunk.BoxIndex {
					boxes = append(boxes, DataBox{
						Index: chunk.BoxIndex,
						Mode:  rt.DataMode(chunk.Mode),
					})
				}
				last := &boxes[len(boxes)-1]
				last.Data = append(last.Data, chunk.Payload...)
			case protocol.TypeDataBoxesEnd:
				var end protocol.DataBoxesEnd
				if err := end.FromCanonicalBytes(frame); err != nil {
					return err
				}
				expected = int(end.BoxCount)
			default:
				return errors.Errorf("unexpected frame type %#04x in stream", msgType)
			}
		}
		if expected >= 0 && expected != len(boxes) {
			return errors.Errorf(
				"databox stream ended with %d box(es), daemon announced %d",
				len(boxes), expected,
			)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "get databoxes")
	}
	return boxes, nil
}

// Int32Values decodes the box payload as little-endian int32 elements.
func (b DataBox) Int32Values() []int32 {
	out := make([]int32, len(b.Data)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b.Data[i*4:]))
	}
	return out
}

// Uint32Values decodes the box payload as little-endian uint32 elements.
func (b DataBox) Uint32Values() []uint32 {
	out := make([]uint32, len(b.Data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b.Data[i*4:])
	}
	return out
}

// Int64Values decodes the box payload as little-endian int64 elements.
func (b DataBox) Int64Values() []int64 {
	out := make([]int64, len(b.Data)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(b.Data[i*8:]))
	}
	return out
}
