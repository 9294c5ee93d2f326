package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cuongbtq/taskorch/internal/domain"
)

// Executor names accepted by NewExecutor
const (
	ExecutorNoop    = "noop"
	ExecutorCommand = "command"
)

// maxOutput bounds how much command output is kept in task results.
const maxOutput = 64 << 10

// waitDelay bounds how long a killed command's children may hold its output open.
const waitDelay = time.Second

// Executor runs the payload of one task. A returned *domain.TaskError sets
// the recorded error code; any other error is recorded as runtime_error.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) (map[string]any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task domain.Task) (map[string]any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task domain.Task) (map[string]any, error) {
	return f(ctx, task)
}

// NoopExecutor succeeds immediately.
type NoopExecutor struct{}

// Execute implements Executor.
func (NoopExecutor) Execute(context.Context, domain.Task) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

// CommandExecutor runs params["command"] through a shell.
type CommandExecutor struct {
	Shell string
}

// NewCommandExecutor returns an executor using sh.
func NewCommandExecutor() *CommandExecutor {
	return &CommandExecutor{Shell: "sh"}
}

// Execute implements Executor. Stdout and stderr are captured together.
func (e *CommandExecutor) Execute(ctx context.Context, task domain.Task) (map[string]any, error) {
	command, _ := task.Params["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, domain.NewPermanentError("task params have no command", nil)
	}

	cmd := exec.CommandContext(ctx, e.Shell, "-c", command)
	cmd.WaitDelay = waitDelay
	cmd.Env = append(cmd.Environ(),
		"TASKORCH_TASK_ID="+task.ID,
		"TASKORCH_JOB_ID="+task.JobID,
		"TASKORCH_TASK_KEY="+task.TaskKey,
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := truncate(out.String())
	if err == nil {
		return map[string]any{"output": output, "exit_code": 0}, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, &domain.TaskError{
			Code:    domain.CodeRuntimeError,
			Message: fmt.Sprintf("command exited with status %d", exitErr.ExitCode()),
			Data:    map[string]any{"output": output, "exit_code": exitErr.ExitCode()},
			Err:     err,
		}
	}
	return nil, fmt.Errorf("failed to run command: %w", err)
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[len(s)-maxOutput:]
}

// NewExecutor returns the executor registered under name.
func NewExecutor(name string) (Executor, error) {
	switch name {
	case "", ExecutorNoop:
		return NoopExecutor{}, nil
	case ExecutorCommand:
		return NewCommandExecutor(), nil
	default:
		return nil, fmt.Errorf("unknown executor %q", name)
	}
}
