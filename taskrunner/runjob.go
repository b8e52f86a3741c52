package taskrunner

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/quantuminterface/qiclib/qicode"
	"github.com/quantuminterface/qiclib/qicode/compiler"
	"github.com/quantuminterface/qiclib/rt"
)

// NamedResult couples a recording name with its retrieved databox.
type NamedResult struct {
	Name string
	Cell int
	Box  DataBox
}

// JobRun is the outcome of one RunJob invocation.
type JobRun struct {
	Program    *compiler.Program
	StatusCode uint32
	Results    []NamedResult
}

// pollInterval paces the completion polling loop.
const pollInterval = 2 * time.Millisecond

// RunJob compiles the job, loads program and task, derives the standard
// parameter list from the job's recording layout, runs to completion and
// fetches the finished boxes, named after the recordings in cell order.
func (r *TaskRunner) RunJob(
	ctx context.Context,
	job *qicode.Job,
	opts compiler.Options,
	taskName string,
	repetitions uint32,
	mode rt.DataMode,
) (*JobRun, error) {
	program, err := compiler.Compile(job, opts)
	if err != nil {
		return nil, errors.Wrap(err, "compile job")
	}
	for _, w := range program.Warnings {
		r.logger.Warn("precision warning", zap.String("detail", w.String()))
	}

	if err := r.LoadProgram(ctx, program); err != nil {
		return nil, err
	}
	if err := r.LoadTask(ctx, taskName); err != nil {
		return nil, err
	}

	// Standard layout: [reps, nCells, cellIdx..., lengths...], one length
	// per cell counting its recordings.
	cells := job.JobCells()
	if len(cells) == 0 {
		return nil, errors.New("job declares no cells")
	}
	params := []uint32{repetitions, uint32(len(cells))}
	var names []NamedResult
	for _, cell := range cells {
		params = append(params, uint32(cell.Index()))
	}
	for _, cell := range cells {
		specs := job.Recordings(cell)
		params = append(params, uint32(len(specs)))
		for _, spec := range specs {
			names = append(names, NamedResult{Name: spec.Name, Cell: cell.Index()})
		}
	}
	if err := r.SetParameters(ctx, params); err != nil {
		return nil, err
	}
	if err := r.StartTask(ctx, false, false); err != nil {
		return nil, err
	}

	for {
		ts, err := r.TaskState(ctx)
		if err != nil {
			return nil, err
		}
		if ts.Failed {
			if err := r.CheckTaskErrors(ctx); err != nil {
				return nil, err
			}
			return nil, errors.New("task failed without error messages")
		}
		if ts.Done {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	status, err := r.Status(ctx)
	if err != nil {
		return nil, err
	}
	boxes, err := r.GetDataBoxes(ctx, mode)
	if err != nil {
		return nil, err
	}

	run := &JobRun{Program: program, StatusCode: status.StatusCode}
	for i, box := range boxes {
		result := NamedResult{Cell: -1, Box: box}
		if len(boxes) == len(names) {
			result.Name = names[i].Name
			result.Cell = names[i].Cell
		}
		run.Results = append(run.Results, result)
	}
	return run, nil
}
