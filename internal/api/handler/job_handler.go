package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/taskorch/internal/api/dto"
	"github.com/cuongbtq/taskorch/internal/domain"
	"github.com/cuongbtq/taskorch/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// IdempotencyKeyHeader is read when the request body has no idempotency_key
const IdempotencyKeyHeader = "X-Idempotency-Key"

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// CreateJob handles POST /api/v1/jobs
// Queues a job for the builder. A repeated idempotency key returns the
// existing job with 200 instead of 201.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(IdempotencyKeyHeader)
	}

	in := storage.NewJob{
		Workflow:       req.Workflow,
		Params:         req.Params,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.ScheduledAt != nil {
		in.ScheduledAt = *req.ScheduledAt
	}

	job, created, err := h.store.CreateJob(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownWorkflow) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "unknown workflow: " + req.Workflow,
			})
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.logger.Info("Job created",
			slog.String("job_id", job.ID),
			slog.String("workflow", job.Workflow),
		)
	}
	c.JSON(status, dto.NewJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.uuidParam(c, "job_id")
	if !ok {
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.storeError(c, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs newest first with optional status and workflow filters
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !validJobStatus(req.Status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "status must be one of queued, running, done, error",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), storage.JobFilter{
		Status:   req.Status,
		Workflow: req.Workflow,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, 0, len(jobs))}
	if len(jobs) > req.PageSize {
		jobs = jobs[:req.PageSize]
		last := jobs[len(jobs)-1]
		resp.NextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, dto.NewJobDTO(&jobs[i]))
	}

	c.JSON(http.StatusOK, resp)
}

// ListJobTasks handles GET /api/v1/jobs/:job_id/tasks
func (h *JobHandler) ListJobTasks(c *gin.Context) {
	jobID, ok := h.uuidParam(c, "job_id")
	if !ok {
		return
	}

	if _, err := h.store.GetJob(c.Request.Context(), jobID); err != nil {
		h.storeError(c, err, "Failed to get job")
		return
	}

	tasks, err := h.store.ListTasks(c.Request.Context(), jobID)
	if err != nil {
		h.storeError(c, err, "Failed to list tasks")
		return
	}

	resp := dto.ListTasksResponse{Tasks: make([]dto.TaskDTO, 0, len(tasks))}
	for i := range tasks {
		resp.Tasks = append(resp.Tasks, dto.NewTaskDTO(&tasks[i]))
	}
	c.JSON(http.StatusOK, resp)
}

// ListTaskEvents handles GET /api/v1/tasks/:task_id/events
// Returns the task's event log in append order
func (h *JobHandler) ListTaskEvents(c *gin.Context) {
	taskID, ok := h.uuidParam(c, "task_id")
	if !ok {
		return
	}

	if _, err := h.store.GetTask(c.Request.Context(), taskID); err != nil {
		h.storeError(c, err, "Failed to get task")
		return
	}

	events, err := h.store.ListEvents(c.Request.Context(), taskID)
	if err != nil {
		h.storeError(c, err, "Failed to list events")
		return
	}

	resp := dto.ListEventsResponse{Events: make([]dto.EventDTO, 0, len(events))}
	for i := range events {
		resp.Events = append(resp.Events, dto.NewEventDTO(&events[i]))
	}
	c.JSON(http.StatusOK, resp)
}

// ListWorkflows handles GET /api/v1/workflows
func (h *JobHandler) ListWorkflows(c *gin.Context) {
	names := []string{}
	if h.workflows != nil {
		names = h.workflows.Names()
	}
	c.JSON(http.StatusOK, gin.H{"workflows": names})
}

func (h *JobHandler) uuidParam(c *gin.Context, name string) (string, bool) {
	id := c.Param(name)
	if _, err := uuid.Parse(id); err != nil {
		h.logger.Error("Invalid id format", slog.String(name, id), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": name + " must be a valid UUID",
		})
		return "", false
	}
	return id, true
}

func (h *JobHandler) storeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, domain.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func validJobStatus(s string) bool {
	switch domain.JobStatus(s) {
	case domain.JobStatusQueued, domain.JobStatusRunning, domain.JobStatusDone, domain.JobStatusError:
		return true
	}
	return false
}
