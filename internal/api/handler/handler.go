package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/taskorch/internal/domain"
	"github.com/cuongbtq/taskorch/internal/storage"
)

// Store is the read and intake surface the API uses. It never changes job or
// task status.
type Store interface {
	CreateJob(ctx context.Context, in storage.NewJob) (*domain.Job, bool, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
	ListTasks(ctx context.Context, jobID string) ([]domain.Task, error)
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	ListEvents(ctx context.Context, taskID string) ([]domain.Event, error)
}

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// WorkflowLister lists the registered workflow names
type WorkflowLister interface {
	Names() []string
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Store     Store
	DB        HealthChecker
	Workflows WorkflowLister
	Service   string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     Store
	workflows WorkflowLister
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		workflows: deps.Workflows,
	}
}
