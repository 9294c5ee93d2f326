package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/taskorch/internal/api/dto"
	"github.com/cuongbtq/taskorch/internal/api/handler"
	"github.com/cuongbtq/taskorch/internal/domain"
	"github.com/cuongbtq/taskorch/internal/storage"
	"github.com/cuongbtq/taskorch/shared/logger"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	jobs     map[string]*domain.Job
	byKey    map[string]string
	tasks    map[string][]domain.Task
	events   map[string][]domain.Event
	listed   []storage.JobFilter
	listJobs []domain.Job
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:   map[string]*domain.Job{},
		byKey:  map[string]string{},
		tasks:  map[string][]domain.Task{},
		events: map[string][]domain.Event{},
	}
}

func (s *fakeStore) CreateJob(_ context.Context, in storage.NewJob) (*domain.Job, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	if in.Workflow != "pipeline" {
		return nil, false, fmt.Errorf("%w: %s", domain.ErrUnknownWorkflow, in.Workflow)
	}
	if id, ok := s.byKey[in.IdempotencyKey]; ok && in.IdempotencyKey != "" {
		return s.jobs[id], false, nil
	}
	scheduled := in.ScheduledAt
	if scheduled.IsZero() {
		scheduled = t0
	}
	job := &domain.Job{
		ID:             uuid.NewString(),
		IdempotencyKey: in.IdempotencyKey,
		Workflow:       in.Workflow,
		Params:         in.Params,
		Status:         domain.JobStatusQueued,
		ScheduledAt:    scheduled,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
	s.jobs[job.ID] = job
	if in.IdempotencyKey != "" {
		s.byKey[in.IdempotencyKey] = job.ID
	}
	return job, true, nil
}

func (s *fakeStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	if s.err != nil {
		return nil, s.err
	}
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j, nil
}

func (s *fakeStore) ListJobs(_ context.Context, f storage.JobFilter) ([]domain.Job, error) {
	s.listed = append(s.listed, f)
	return s.listJobs, s.err
}

func (s *fakeStore) ListTasks(_ context.Context, jobID string) ([]domain.Task, error) {
	return s.tasks[jobID], nil
}

func (s *fakeStore) GetTask(_ context.Context, taskID string) (*domain.Task, error) {
	for _, ts := range s.tasks {
		for i := range ts {
			if ts[i].ID == taskID {
				return &ts[i], nil
			}
		}
	}
	return nil, domain.ErrTaskNotFound
}

func (s *fakeStore) ListEvents(_ context.Context, taskID string) ([]domain.Event, error) {
	return s.events[taskID], nil
}

type fakeDB struct{ err error }

func (d fakeDB) HealthCheck(context.Context) error { return d.err }

type workflows []string

func (w workflows) Names() []string { return w }

func setup(t *testing.T, store *fakeStore, db handler.HealthChecker) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return SetupRouter(&handler.Dependencies{
		Logger:    logger.Discard(),
		Store:     store,
		DB:        db,
		Workflows: workflows{"pipeline"},
	})
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := do(setup(t, newFakeStore(), fakeDB{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = do(setup(t, newFakeStore(), fakeDB{err: errors.New("connection refused")}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestCreateJob(t *testing.T) {
	store := newFakeStore()
	r := setup(t, store, nil)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"created", `{"workflow":"pipeline","params":{"movie":"m1"},"idempotency_key":"k1"}`, http.StatusCreated},
		{"idempotent replay", `{"workflow":"pipeline","idempotency_key":"k1"}`, http.StatusOK},
		{"unknown workflow", `{"workflow":"nope"}`, http.StatusBadRequest},
		{"missing workflow", `{"params":{}}`, http.StatusBadRequest},
		{"malformed", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
	assert.Len(t, store.jobs, 1)

	var got dto.JobDTO
	w := do(r, http.MethodPost, "/api/v1/jobs", `{"workflow":"pipeline","scheduled_at":"2026-03-02T08:00:00Z"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "queued", got.Status)
	assert.Equal(t, "2026-03-02T08:00:00Z", got.ScheduledAt)
}

func TestCreateJob_StoreFailure(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("db down")
	w := do(setup(t, store, nil), http.MethodPost, "/api/v1/jobs", `{"workflow":"pipeline"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetJob(t *testing.T) {
	store := newFakeStore()
	job, _, err := store.CreateJob(context.Background(), storage.NewJob{Workflow: "pipeline"})
	require.NoError(t, err)
	r := setup(t, store, nil)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"found", "/api/v1/jobs/" + job.ID, http.StatusOK},
		{"not found", "/api/v1/jobs/" + uuid.NewString(), http.StatusNotFound},
		{"bad id", "/api/v1/jobs/not-a-uuid", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, do(r, http.MethodGet, tt.path, "").Code)
		})
	}
}

func TestListJobs_Pagination(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 3; i++ {
		store.listJobs = append(store.listJobs, domain.Job{
			ID:        uuid.NewString(),
			Workflow:  "pipeline",
			Status:    domain.JobStatusQueued,
			CreatedAt: t0.Add(-time.Duration(i) * time.Minute),
		})
	}
	r := setup(t, store, nil)

	w := do(r, http.MethodGet, "/api/v1/jobs?page_size=2&status=queued", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
	require.NotEmpty(t, resp.NextCursor)

	cursor, err := handler.DecodeJobCursor(resp.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, store.listJobs[1].ID, cursor.JobID)
	assert.True(t, store.listJobs[1].CreatedAt.Equal(cursor.CreatedAt))

	require.Len(t, store.listed, 1)
	assert.Equal(t, 2, store.listed[0].PageSize)
	assert.Equal(t, "queued", store.listed[0].Status)

	w = do(r, http.MethodGet, "/api/v1/jobs?cursor="+resp.NextCursor, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, store.listed, 2)
	require.NotNil(t, store.listed[1].Cursor)
	assert.Equal(t, cursor.JobID, store.listed[1].Cursor.JobID)
	assert.Equal(t, 20, store.listed[1].PageSize)
}

func TestListJobs_BadInput(t *testing.T) {
	r := setup(t, newFakeStore(), nil)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/v1/jobs?status=paused", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/v1/jobs?cursor=bm90LWEtY3Vyc29y", "").Code)
}

func TestTasksAndEvents(t *testing.T) {
	store := newFakeStore()
	job, _, err := store.CreateJob(context.Background(), storage.NewJob{Workflow: "pipeline"})
	require.NoError(t, err)
	taskID := uuid.NewString()
	store.tasks[job.ID] = []domain.Task{{
		ID: taskID, JobID: job.ID, TaskKey: "fetch", Service: "fetch",
		Status: domain.TaskStatusDone, MaxAttempts: 1,
	}}
	store.events[taskID] = []domain.Event{
		{ID: "e1", TaskID: taskID, Seq: 1, Level: "info", Type: domain.EventTaskStart, CreatedAt: t0},
		{ID: "e2", TaskID: taskID, Seq: 2, Level: "info", Type: domain.EventTaskDone, CreatedAt: t0},
	}
	r := setup(t, store, nil)

	w := do(r, http.MethodGet, "/api/v1/jobs/"+job.ID+"/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var tasks dto.ListTasksResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	require.Len(t, tasks.Tasks, 1)
	assert.Equal(t, "fetch", tasks.Tasks[0].TaskKey)
	assert.Equal(t, "done", tasks.Tasks[0].Status)

	w = do(r, http.MethodGet, "/api/v1/tasks/"+taskID+"/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	var events dto.ListEventsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events.Events, 2)
	assert.Equal(t, []int64{1, 2}, []int64{events.Events[0].Seq, events.Events[1].Seq})

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/jobs/"+uuid.NewString()+"/tasks", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/tasks/"+uuid.NewString()+"/events", "").Code)
}

func TestListWorkflows(t *testing.T) {
	w := do(setup(t, newFakeStore(), nil), http.MethodGet, "/api/v1/workflows", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"workflows":["pipeline"]}`, w.Body.String())
}

func TestCreateJob_IdempotencyHeader(t *testing.T) {
	store := newFakeStore()
	r := setup(t, store, nil)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{"workflow":"pipeline"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(IdempotencyKeyHeader, "hdr-1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusCreated, send().Code)
	w := send()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Len(t, store.jobs, 1)
}

func TestRequestID_Propagated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	setup(t, newFakeStore(), nil).ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}
