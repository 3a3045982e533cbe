package loop

import (
	"context"
	"fmt"

	"github.com/aristath/agentcore/internal/decision"
	"github.com/aristath/agentcore/internal/task"
)

// Step is the oracle's answer for one loop iteration: either a finish
// signal with the final result text, or a thought plus a tool call.
type Step struct {
	Finish  bool
	Result  string // final result, only meaningful when Finish is set
	Thought string
	Call    *task.ToolCall
}

// Oracle proposes the next step for a task given its trace so far. It must
// be side-effect free from the scheduler's perspective and respect the
// caller's context deadline.
type Oracle interface {
	NextStep(ctx context.Context, t *task.Task, steps []task.SubStep, artifacts []string) (*Step, error)
}

// PipelineOracle derives steps from the decision pipeline: it selects one
// tool for the task's goal, then finishes on the following consultation with
// the last observation as the result. Suitable for single-action goals and
// as the default when no external reasoning service is wired.
type PipelineOracle struct {
	pipeline *decision.Pipeline
}

// NewPipelineOracle wraps a decision pipeline as an oracle.
func NewPipelineOracle(p *decision.Pipeline) *PipelineOracle {
	return &PipelineOracle{pipeline: p}
}

func (o *PipelineOracle) NextStep(ctx context.Context, t *task.Task, steps []task.SubStep, artifacts []string) (*Step, error) {
	if len(steps) > 0 {
		last := steps[len(steps)-1]
		return &Step{Finish: true, Result: last.Observation}, nil
	}

	d, err := o.pipeline.Decide(ctx, t.Goal)
	if err != nil {
		return nil, fmt.Errorf("decide next step: %w", err)
	}
	return &Step{
		Thought: fmt.Sprintf("selected %s (confidence %.2f)", d.Tool, d.Confidence),
		Call:    &task.ToolCall{Name: d.Tool, Args: d.Args},
	}, nil
}
