package tools

import (
	"context"
	"fmt"
)

// DelegateRunner spawns a nested agent turn for a delegated task and
// returns its final answer. Wired by the gateway so the tools package
// stays free of the agent loop.
type DelegateRunner func(ctx context.Context, task string) (string, error)

// DelegateTool hands a self-contained task to a fresh sub-loop.
// Excluded from the default tool set; routing rules opt agents in.
type DelegateTool struct {
	run DelegateRunner
}

// NewDelegate creates the delegate tool around run.
func NewDelegate(run DelegateRunner) *DelegateTool {
	return &DelegateTool{run: run}
}

func (t *DelegateTool) Name() string { return "delegate" }

func (t *DelegateTool) Description() string {
	return "Delegate a self-contained task to a sub-agent and return its final answer."
}

func (t *DelegateTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"task": stringParam("A complete, standalone description of the task."),
	}, "task")
}

func (t *DelegateTool) Heavyweight() bool { return true }

func (t *DelegateTool) Validate(args map[string]interface{}) error {
	_, err := stringArg(args, "task")
	return err
}

func (t *DelegateTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, err := stringArg(args, "task")
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	if t.run == nil {
		return ErrorResult("Error: delegation is not configured")
	}
	answer, err := t.run(ctx, task)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: delegated task failed: %v", err)).WithError(err)
	}
	return NewResult(answer)
}
