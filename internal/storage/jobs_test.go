package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/taskorch/internal/domain"
)

func TestCreateJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, created, err := s.CreateJob(ctx, NewJob{
		Workflow:       "pipeline",
		Params:         map[string]any{"movie": "m1"},
		IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.True(t, job.ScheduledAt.Equal(t0), "defaults to now")
	assert.Equal(t, "m1", job.Params["movie"])

	again, created, err := s.CreateJob(ctx, NewJob{Workflow: "pipeline", IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, again.ID)

	_, _, err = s.CreateJob(ctx, NewJob{Workflow: "nope"})
	assert.ErrorIs(t, err, domain.ErrUnknownWorkflow)

	_, _, err = s.CreateJob(ctx, NewJob{})
	assert.Error(t, err)
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestListJobs_Pagination(t *testing.T) {
	ctx := context.Background()
	now := t0
	s := newTestStore(t, WithClock(domain.ClockFunc(func() time.Time { return now })))

	var ids []string
	for i := 0; i < 5; i++ {
		now = t0.Add(time.Duration(i) * time.Minute)
		job, _, err := s.CreateJob(ctx, NewJob{Workflow: "pair"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	page, err := s.ListJobs(ctx, JobFilter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 3, "one extra row signals more")
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	last := page[1]
	page, err = s.ListJobs(ctx, JobFilter{
		PageSize: 2,
		Cursor:   &JobCursor{CreatedAt: last.CreatedAt, JobID: last.ID},
	})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[2], page[0].ID)

	page, err = s.ListJobs(ctx, JobFilter{PageSize: 10, Status: string(domain.JobStatusRunning)})
	require.NoError(t, err)
	assert.Empty(t, page)
}
