package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/taskorch/internal/domain"
)

func TestNewExecutor(t *testing.T) {
	tests := []struct {
		name    string
		want    Executor
		wantErr bool
	}{
		{name: "", want: NoopExecutor{}},
		{name: ExecutorNoop, want: NoopExecutor{}},
		{name: ExecutorCommand, want: NewCommandExecutor()},
		{name: "docker", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewExecutor(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandExecutor(t *testing.T) {
	exec := NewCommandExecutor()
	ctx := context.Background()

	results, err := exec.Execute(ctx, domain.Task{
		ID:     "t1",
		Params: map[string]any{"command": `echo "hello $TASKORCH_TASK_ID"`},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello t1\n", results["output"])
	assert.Equal(t, 0, results["exit_code"])

	_, err = exec.Execute(ctx, domain.Task{Params: map[string]any{"command": "echo oops; exit 3"}})
	var taskErr *domain.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, domain.CodeRuntimeError, taskErr.Code)
	assert.Equal(t, 3, taskErr.Data["exit_code"])
	assert.Equal(t, "oops\n", taskErr.Data["output"])

	_, err = exec.Execute(ctx, domain.Task{Params: map[string]any{}})
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, domain.CodePermanentError, taskErr.Code)

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = exec.Execute(timeoutCtx, domain.Task{Params: map[string]any{"command": "sleep 5"}})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
