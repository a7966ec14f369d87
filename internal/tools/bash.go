package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/gatehouselabs/gatehouse/internal/config"
)

const (
	// BashTimeout bounds one shell invocation.
	BashTimeout = 120 * time.Second

	// maxBashOutput caps the output fed back to the engine.
	maxBashOutput = 32 * 1024
)

// BashTool runs shell commands inside the workspace, subject to the
// security policy's command denylist.
type BashTool struct {
	workspace string
	policy    *Policy
	timeout   time.Duration
}

// NewBash creates the bash tool rooted at workspace.
func NewBash(workspace string, policy *Policy) *BashTool {
	return &BashTool{
		workspace: config.ExpandHome(workspace),
		policy:    policy,
		timeout:   BashTimeout,
	}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a shell command in the workspace and return its combined output."
}

func (t *BashTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"command": stringParam("The shell command to run."),
	}, "command")
}

func (t *BashTool) Heavyweight() bool { return true }

func (t *BashTool) Validate(args map[string]interface{}) error {
	_, err := stringArg(args, "command")
	return err
}

func (t *BashTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, err := stringArg(args, "command")
	if err != nil {
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}
	if err := t.policy.CheckCommand(command); err != nil {
		slog.Warn("tools.command_blocked", "command", firstLine(command))
		return ErrorResult("Error: " + err.Error()).WithError(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.workspace
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	runErr := cmd.Run()
	output := truncateOutput(out.String(), maxBashOutput)

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		return ErrorResult(fmt.Sprintf("Error: command timed out after %s\n%s", t.timeout, output))
	case runErr != nil:
		return ErrorResult(fmt.Sprintf("Error: command failed: %v\n%s", runErr, output))
	}

	slog.Debug("tools.bash", "duration", time.Since(start), "bytes", out.Len())
	if output == "" {
		return NewResult("(no output)")
	}
	return NewResult(output)
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (output truncated)"
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
