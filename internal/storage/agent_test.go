package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/taskorch/internal/domain"
)

func TestSelectRunnable_DependenciesAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, secondTasks := seedJobAt(t, s, "pipeline", t0)
	first, firstTasks := seedJobAt(t, s, "pipeline", t0.Add(-time.Hour))

	runnable, err := s.SelectRunnable(ctx, "render", 10, t0)
	require.NoError(t, err)
	assert.Empty(t, runnable, "render waits for fetch")

	runnable, err = s.SelectRunnable(ctx, "fetch", 10, t0)
	require.NoError(t, err)
	require.Len(t, runnable, 2)
	assert.Equal(t, first.ID, runnable[0].JobID, "oldest job first")

	runTask(t, s, taskByKey(t, secondTasks, "fetch").ID, t0)
	runTask(t, s, taskByKey(t, firstTasks, "fetch").ID, t0)

	runnable, err = s.SelectRunnable(ctx, "render", 10, t0)
	require.NoError(t, err)
	require.Len(t, runnable, 2)
	assert.Equal(t, taskByKey(t, firstTasks, "render").ID, runnable[0].ID)
	assert.Equal(t, taskByKey(t, secondTasks, "render").ID, runnable[1].ID)

	runnable, err = s.SelectRunnable(ctx, "render", 1, t0)
	require.NoError(t, err)
	assert.Len(t, runnable, 1)

	runnable, err = s.SelectRunnable(ctx, "render", 0, t0)
	require.NoError(t, err)
	assert.Empty(t, runnable)
}

func TestSelectRunnable_SkipsFinishedJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, _ := seedJob(t, s, "pair")
	_, err := s.FailJob(ctx, job.ID, "cancelled", "stop", t0)
	require.NoError(t, err)

	runnable, err := s.SelectRunnable(ctx, "render", 10, t0)
	require.NoError(t, err)
	assert.Empty(t, runnable)
}

func TestTaskTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, tasks := seedJob(t, s, "pair")
	id := tasks[0].ID

	err := s.MarkTaskRunning(ctx, id, "node-a", t0)
	assert.ErrorIs(t, err, domain.ErrTaskStateConflict, "not claimed yet")

	_, err = s.ClaimTasks(ctx, []string{id}, "node-a", t0)
	require.NoError(t, err)
	err = s.MarkTaskRunning(ctx, id, "node-b", t0.Add(time.Second))
	assert.ErrorIs(t, err, domain.ErrTaskStateConflict, "not the owner")
	require.NoError(t, s.MarkTaskRunning(ctx, id, "node-a", t0.Add(time.Second)))

	err = s.TouchTask(ctx, id, "node-b", t0.Add(2*time.Second))
	assert.ErrorIs(t, err, domain.ErrTaskStateConflict, "not the owner")
	require.NoError(t, s.TouchTask(ctx, id, "node-a", t0.Add(2*time.Second)))

	require.NoError(t, s.MarkTaskDone(ctx, id, "node-a", map[string]any{"frames": float64(24)}, t0.Add(3*time.Second)))

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDone, got.Status)
	assert.Equal(t, float64(24), got.Results["frames"])
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(t0.Add(3*time.Second)))
	assert.Empty(t, got.ClaimedBy, "claim released")
	assert.Nil(t, got.ClaimedAt)
	assert.Nil(t, got.HeartbeatAt)

	err = s.MarkTaskError(ctx, id, "node-a", domain.CodeRuntimeError, "late", t0, nil)
	assert.ErrorIs(t, err, domain.ErrTaskStateConflict, "terminal")

	err = s.MarkTaskDone(ctx, "missing", "node-a", nil, t0)
	assert.ErrorIs(t, err, domain.ErrTaskStateConflict)
}

func TestMarkTaskError_RecordsCodeAndData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, tasks := seedJob(t, s, "pair")
	id := tasks[0].ID

	_, err := s.ClaimTasks(ctx, []string{id}, "node-a", t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkTaskError(ctx, id, "node-a", domain.CodeTimeout, "took too long", t0, map[string]any{"limit": "1s"}))

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusError, got.Status)
	assert.Equal(t, domain.CodeTimeout, got.ErrorCode)
	assert.Equal(t, "took too long", got.ErrorMessage)
	assert.Empty(t, got.ClaimedBy, "claim released")
	assert.Nil(t, got.ClaimedAt)
}

func TestMarkTask_StaleOwnerAfterReclaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, tasks := seedJob(t, s, "pair")
	id := tasks[0].ID

	_, err := s.ClaimTasks(ctx, []string{id}, "node-a", t0)
	require.NoError(t, err)

	n, err := s.ReclaimExpiredClaims(ctx, 30*time.Minute, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	won, err := s.ClaimTasks(ctx, []string{id}, "node-b", t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{id}, won)

	at := t0.Add(time.Hour + time.Minute)
	tests := []struct {
		name string
		call func() error
	}{
		{"running", func() error { return s.MarkTaskRunning(ctx, id, "node-a", at) }},
		{"done", func() error { return s.MarkTaskDone(ctx, id, "node-a", nil, at) }},
		{"error", func() error {
			return s.MarkTaskError(ctx, id, "node-a", domain.CodeRuntimeError, "stale", at, nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), domain.ErrTaskStateConflict)
		})
	}

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusClaimed, got.Status)
	assert.Equal(t, "node-b", got.ClaimedBy)

	require.NoError(t, s.MarkTaskRunning(ctx, id, "node-b", at))
	require.NoError(t, s.MarkTaskDone(ctx, id, "node-b", nil, at))
}

func TestAppendEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.AppendEvent(ctx, domain.Event{TaskID: "t1", Type: domain.EventTaskStart, Message: "start", CreatedAt: t0})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, domain.LevelInfo, first.Level)

	_, err = s.AppendEvent(ctx, domain.Event{
		TaskID:    "t1",
		Level:     domain.LevelError,
		Type:      domain.EventTaskError,
		Message:   "boom",
		Data:      map[string]any{"code": domain.CodeRuntimeError},
		CreatedAt: t0.Add(time.Second),
	})
	require.NoError(t, err)

	_, err = s.AppendEvent(ctx, domain.Event{Type: domain.EventTaskDone})
	require.Error(t, err)

	events, err := s.ListEvents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventTaskStart, events[0].Type)
	assert.Equal(t, domain.EventTaskError, events[1].Type)
	assert.Equal(t, []int64{1, 2}, []int64{events[0].Seq, events[1].Seq})
	assert.Equal(t, domain.CodeRuntimeError, events[1].Data["code"])
	assert.Nil(t, events[0].Data)
}
