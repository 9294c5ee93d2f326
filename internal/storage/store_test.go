package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/taskorch/internal/backoff"
	"github.com/cuongbtq/taskorch/internal/domain"
	"github.com/cuongbtq/taskorch/internal/workflow"
	"github.com/cuongbtq/taskorch/shared/logger"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testRegistry(t *testing.T) *workflow.Registry {
	t.Helper()
	reg, err := workflow.NewRegistry(
		workflow.Definition{
			Name: "pipeline",
			Tasks: []workflow.TaskTemplate{
				{Key: "fetch", Service: "fetch"},
				{Key: "render", Service: "render", DependsOn: []string{"fetch"}, MaxAttempts: 3},
				{Key: "publish", Service: "publish", DependsOn: []string{"render"}},
			},
		},
		workflow.Definition{
			Name:  "pair",
			Tasks: []workflow.TaskTemplate{{Key: "a", Service: "render"}, {Key: "b", Service: "render"}},
		},
	)
	require.NoError(t, err)
	return reg
}

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskorch.db")
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path))
	require.NoError(t, err)
	// one connection keeps sqlite writers serialized
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	base := []Option{
		WithLogger(logger.Discard()),
		WithWorkflows(testRegistry(t)),
		WithBackoff(backoff.NewExponential(time.Minute, time.Hour)),
		WithClock(domain.ClockFunc(func() time.Time { return t0 })),
	}
	s := New(openTestDB(t), append(base, opts...)...)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// seedJob creates a job scheduled at t0 and instantiates its tasks.
func seedJob(t *testing.T, s *Store, wf string) (*domain.Job, []domain.Task) {
	t.Helper()
	return seedJobAt(t, s, wf, t0)
}

func seedJobAt(t *testing.T, s *Store, wf string, scheduledAt time.Time) (*domain.Job, []domain.Task) {
	t.Helper()
	ctx := context.Background()
	job, created, err := s.CreateJob(ctx, NewJob{Workflow: wf, ScheduledAt: scheduledAt})
	require.NoError(t, err)
	require.True(t, created)

	n, err := s.InstantiateJobTasks(ctx, job.ID, t0)
	require.NoError(t, err)
	require.Positive(t, n)
	require.NoError(t, s.SetJobRunningIfNewTasks(ctx, job.ID, n, t0))

	tasks, err := s.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	return job, tasks
}

func taskByKey(t *testing.T, tasks []domain.Task, key string) domain.Task {
	t.Helper()
	for _, task := range tasks {
		if task.TaskKey == key {
			return task
		}
	}
	t.Fatalf("task %q not found", key)
	return domain.Task{}
}

// runTask drives a task through claim, running and done.
func runTask(t *testing.T, s *Store, taskID string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	won, err := s.ClaimTasks(ctx, []string{taskID}, "node-a", at)
	require.NoError(t, err)
	require.Equal(t, []string{taskID}, won)
	require.NoError(t, s.MarkTaskRunning(ctx, taskID, "node-a", at))
	require.NoError(t, s.MarkTaskDone(ctx, taskID, "node-a", map[string]any{"ok": true}, at))
}

// failTask drives a task through claim, running and error.
func failTask(t *testing.T, s *Store, taskID, code string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	won, err := s.ClaimTasks(ctx, []string{taskID}, "node-a", at)
	require.NoError(t, err)
	require.Equal(t, []string{taskID}, won)
	require.NoError(t, s.MarkTaskRunning(ctx, taskID, "node-a", at))
	require.NoError(t, s.MarkTaskError(ctx, taskID, "node-a", code, "boom", at, nil))
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, want: true},
		{name: "deadlock", err: fmt.Errorf("wrapped: %w", &pq.Error{Code: "40P01"}), want: true},
		{name: "connection exception", err: &pq.Error{Code: "08006"}, want: true},
		{name: "unique violation", err: &pq.Error{Code: "23505"}, want: false},
		{name: "sqlite busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, want: true},
		{name: "sqlite locked", err: sqlite3.Error{Code: sqlite3.ErrLocked}, want: true},
		{name: "sqlite constraint", err: sqlite3.Error{Code: sqlite3.ErrConstraint}, want: false},
		{name: "conn done", err: sql.ErrConnDone, want: true},
		{name: "retryable", err: domain.NewRetryableError(errors.New("x")), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestWithTx_RetriesTransientErrors(t *testing.T) {
	s := newTestStore(t, WithTxAttempts(3))

	calls := 0
	err := s.withTx(context.Background(), "test", func(tx *sqlx.Tx) error {
		calls++
		if calls < 3 {
			return &pq.Error{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = s.withTx(context.Background(), "test", func(tx *sqlx.Tx) error {
		calls++
		return &pq.Error{Code: "40001"}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	var retryable *domain.RetryableError
	assert.ErrorAs(t, err, &retryable)

	calls = 0
	err = s.withTx(context.Background(), "test", func(tx *sqlx.Tx) error {
		calls++
		return errors.New("fatal")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRowTranslation_RejectsMalformedRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, workflow, params, status, scheduled_at, attempt, created_at, updated_at)
		VALUES ('bad-status', 'pipeline', '{}', 'paused', ?, 0, ?, ?)`, t0, t0, t0)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, workflow, params, status, scheduled_at, attempt, created_at, updated_at)
		VALUES ('bad-params', 'pipeline', '[1,2]', 'queued', ?, 0, ?, ?)`, t0, t0, t0)
	require.NoError(t, err)

	_, err = s.GetJob(ctx, "bad-status")
	assert.ErrorIs(t, err, domain.ErrInvalidRow)

	_, err = s.GetJob(ctx, "bad-params")
	assert.ErrorIs(t, err, domain.ErrInvalidRow)
}
