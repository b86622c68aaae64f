package engine

import (
	"context"
	"time"

	"github.com/petrijr/stepflow/internal/dispatch"
	"github.com/petrijr/stepflow/internal/template"
	"github.com/petrijr/stepflow/pkg/api"
)

// StepExecutor runs a single step against an ExecutionContext.
type StepExecutor struct {
	dispatcher *dispatch.Dispatcher
}

// NewStepExecutor creates a StepExecutor.
func NewStepExecutor(d *dispatch.Dispatcher) *StepExecutor {
	return &StepExecutor{dispatcher: d}
}

// StepResult is the outcome of one step.
type StepResult struct {
	StepID   string
	Output   api.Value
	Err      error
	Duration time.Duration
}

// Execute resolves the step's inputs, dispatches its module and on success
// stores the output under OutputAs. Failures are *api.StepExecutionError.
// The step is never retried.
func (x *StepExecutor) Execute(ctx context.Context, step api.Step, ec *ExecutionContext) StepResult {
	start := time.Now()
	inputs := template.Resolve(step.Inputs, ec)

	out, err := x.dispatcher.Dispatch(ctx, step.Module, inputs)
	res := StepResult{StepID: step.ID, Duration: time.Since(start)}
	if err != nil {
		res.Err = api.NewStepError(step.ID, err)
		return res
	}
	if step.OutputAs != "" {
		ec.Set(step.OutputAs, out)
	}
	res.Output = out
	return res
}
