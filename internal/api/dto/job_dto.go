package dto

import (
	"time"

	"github.com/cuongbtq/taskorch/internal/domain"
)

type CreateJobRequest struct {
	Workflow       string         `json:"workflow" binding:"required"`
	Params         map[string]any `json:"params"`
	ScheduledAt    *time.Time     `json:"scheduled_at"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	Workflow string `form:"workflow"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type ListTasksResponse struct {
	Tasks []TaskDTO `json:"tasks"`
}

type ListEventsResponse struct {
	Events []EventDTO `json:"events"`
}

type JobDTO struct {
	JobID          string         `json:"job_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Workflow       string         `json:"workflow"`
	Params         map[string]any `json:"params,omitempty"`
	Status         string         `json:"status"`
	ScheduledAt    string         `json:"scheduled_at"`
	Attempt        int            `json:"attempt"`
	NextRetryAt    string         `json:"next_retry_at,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	StartedAt      string         `json:"started_at,omitempty"`
	FinishedAt     string         `json:"finished_at,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

type TaskDTO struct {
	TaskID       string         `json:"task_id"`
	JobID        string         `json:"job_id"`
	TaskKey      string         `json:"task_key"`
	Service      string         `json:"service"`
	Status       string         `json:"status"`
	Params       map[string]any `json:"params,omitempty"`
	Results      map[string]any `json:"results,omitempty"`
	Attempt      int            `json:"attempt"`
	MaxAttempts  int            `json:"max_attempts"`
	ClaimedBy    string         `json:"claimed_by,omitempty"`
	ClaimedAt    string         `json:"claimed_at,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    string         `json:"started_at,omitempty"`
	FinishedAt   string         `json:"finished_at,omitempty"`
}

type EventDTO struct {
	EventID   string         `json:"event_id"`
	TaskID    string         `json:"task_id"`
	Seq       int64          `json:"seq"`
	Level     string         `json:"level"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt string         `json:"created_at"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func NewJobDTO(j *domain.Job) JobDTO {
	return JobDTO{
		JobID:          j.ID,
		IdempotencyKey: j.IdempotencyKey,
		Workflow:       j.Workflow,
		Params:         j.Params,
		Status:         string(j.Status),
		ScheduledAt:    formatTime(j.ScheduledAt),
		Attempt:        j.Attempt,
		NextRetryAt:    formatTimePtr(j.NextRetryAt),
		ErrorCode:      j.ErrorCode,
		ErrorMessage:   j.ErrorMessage,
		StartedAt:      formatTimePtr(j.StartedAt),
		FinishedAt:     formatTimePtr(j.FinishedAt),
		CreatedAt:      formatTime(j.CreatedAt),
		UpdatedAt:      formatTime(j.UpdatedAt),
	}
}

func NewTaskDTO(t *domain.Task) TaskDTO {
	return TaskDTO{
		TaskID:       t.ID,
		JobID:        t.JobID,
		TaskKey:      t.TaskKey,
		Service:      t.Service,
		Status:       string(t.Status),
		Params:       t.Params,
		Results:      t.Results,
		Attempt:      t.Attempt,
		MaxAttempts:  t.MaxAttempts,
		ClaimedBy:    t.ClaimedBy,
		ClaimedAt:    formatTimePtr(t.ClaimedAt),
		ErrorCode:    t.ErrorCode,
		ErrorMessage: t.ErrorMessage,
		StartedAt:    formatTimePtr(t.StartedAt),
		FinishedAt:   formatTimePtr(t.FinishedAt),
	}
}

func NewEventDTO(e *domain.Event) EventDTO {
	return EventDTO{
		EventID:   e.ID,
		TaskID:    e.TaskID,
		Seq:       e.Seq,
		Level:     e.Level,
		Type:      e.Type,
		Message:   e.Message,
		Data:      e.Data,
		CreatedAt: formatTime(e.CreatedAt),
	}
}
