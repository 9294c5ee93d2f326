package domain

import "time"

// Job is a unit of work composed of one or more tasks
type Job struct {
	ID             string
	IdempotencyKey string
	Workflow       string
	Params         map[string]any
	Status         JobStatus
	ScheduledAt    time.Time
	Attempt        int
	NextRetryAt    *time.Time
	ErrorCode      string
	ErrorMessage   string
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DueJob identifies a job selected for processing by a builder tick
type DueJob struct {
	JobID string
}
