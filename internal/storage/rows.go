package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuongbtq/taskorch/internal/domain"
)

// Rows are scanned into these structs and translated exactly once into
// domain records. A row that cannot be translated is an error, never a
// best-effort guess.

const jobColumns = `id, idempotency_key, workflow, params, status, scheduled_at, attempt,
	next_retry_at, error_code, error_message, started_at, finished_at, created_at, updated_at`

const taskColumns = `id, job_id, task_key, service, seq, status, params, results, attempt,
	max_attempts, claimed_by, claimed_at, heartbeat_at, next_retry_at, error_code, error_message,
	started_at, finished_at, created_at, updated_at`

// taskColumnsT is taskColumns qualified with the "t" alias.
const taskColumnsT = `t.id, t.job_id, t.task_key, t.service, t.seq, t.status, t.params, t.results, t.attempt,
	t.max_attempts, t.claimed_by, t.claimed_at, t.heartbeat_at, t.next_retry_at, t.error_code, t.error_message,
	t.started_at, t.finished_at, t.created_at, t.updated_at`

const eventColumns = `id, task_id, seq, level, type, message, data, created_at`

type jobRow struct {
	ID             string         `db:"id"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	Workflow       string         `db:"workflow"`
	Params         string         `db:"params"`
	Status         string         `db:"status"`
	ScheduledAt    time.Time      `db:"scheduled_at"`
	Attempt        int            `db:"attempt"`
	NextRetryAt    sql.NullTime   `db:"next_retry_at"`
	ErrorCode      sql.NullString `db:"error_code"`
	ErrorMessage   sql.NullString `db:"error_message"`
	StartedAt      sql.NullTime   `db:"started_at"`
	FinishedAt     sql.NullTime   `db:"finished_at"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *jobRow) toDomain() (*domain.Job, error) {
	if r.ID == "" {
		return nil, domain.InvalidRowError("job", "empty id")
	}

	status := domain.JobStatus(r.Status)
	switch status {
	case domain.JobStatusQueued, domain.JobStatusRunning, domain.JobStatusDone, domain.JobStatusError:
	default:
		return nil, domain.InvalidRowError("job", fmt.Sprintf("%s: unknown status %q", r.ID, r.Status))
	}

	params, err := decodeObject(r.Params)
	if err != nil {
		return nil, domain.InvalidRowError("job", fmt.Sprintf("%s: params: %v", r.ID, err))
	}

	return &domain.Job{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey.String,
		Workflow:       r.Workflow,
		Params:         params,
		Status:         status,
		ScheduledAt:    r.ScheduledAt.UTC(),
		Attempt:        r.Attempt,
		NextRetryAt:    timePtr(r.NextRetryAt),
		ErrorCode:      r.ErrorCode.String,
		ErrorMessage:   r.ErrorMessage.String,
		StartedAt:      timePtr(r.StartedAt),
		FinishedAt:     timePtr(r.FinishedAt),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}, nil
}

type taskRow struct {
	ID           string         `db:"id"`
	JobID        string         `db:"job_id"`
	TaskKey      string         `db:"task_key"`
	Service      string         `db:"service"`
	Seq          int            `db:"seq"`
	Status       string         `db:"status"`
	Params       string         `db:"params"`
	Results      sql.NullString `db:"results"`
	Attempt      int            `db:"attempt"`
	MaxAttempts  int            `db:"max_attempts"`
	ClaimedBy    sql.NullString `db:"claimed_by"`
	ClaimedAt    sql.NullTime   `db:"claimed_at"`
	HeartbeatAt  sql.NullTime   `db:"heartbeat_at"`
	NextRetryAt  sql.NullTime   `db:"next_retry_at"`
	ErrorCode    sql.NullString `db:"error_code"`
	ErrorMessage sql.NullString `db:"error_message"`
	StartedAt    sql.NullTime   `db:"started_at"`
	FinishedAt   sql.NullTime   `db:"finished_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *taskRow) toDomain() (*domain.Task, error) {
	if r.ID == "" || r.JobID == "" {
		return nil, domain.InvalidRowError("task", "empty id or job_id")
	}
	if r.TaskKey == "" || r.Service == "" {
		return nil, domain.InvalidRowError("task", fmt.Sprintf("%s: empty task_key or service", r.ID))
	}

	status := domain.TaskStatus(r.Status)
	switch status {
	case domain.TaskStatusQueued, domain.TaskStatusClaimed, domain.TaskStatusRunning,
		domain.TaskStatusDone, domain.TaskStatusError:
	default:
		return nil, domain.InvalidRowError("task", fmt.Sprintf("%s: unknown status %q", r.ID, r.Status))
	}

	params, err := decodeObject(r.Params)
	if err != nil {
		return nil, domain.InvalidRowError("task", fmt.Sprintf("%s: params: %v", r.ID, err))
	}
	var results map[string]any
	if r.Results.Valid {
		if results, err = decodeObject(r.Results.String); err != nil {
			return nil, domain.InvalidRowError("task", fmt.Sprintf("%s: results: %v", r.ID, err))
		}
	}

	return &domain.Task{
		ID:           r.ID,
		JobID:        r.JobID,
		TaskKey:      r.TaskKey,
		Service:      r.Service,
		Seq:          r.Seq,
		Status:       status,
		Params:       params,
		Results:      results,
		Attempt:      r.Attempt,
		MaxAttempts:  r.MaxAttempts,
		ClaimedBy:    r.ClaimedBy.String,
		ClaimedAt:    timePtr(r.ClaimedAt),
		HeartbeatAt:  timePtr(r.HeartbeatAt),
		NextRetryAt:  timePtr(r.NextRetryAt),
		ErrorCode:    r.ErrorCode.String,
		ErrorMessage: r.ErrorMessage.String,
		StartedAt:    timePtr(r.StartedAt),
		FinishedAt:   timePtr(r.FinishedAt),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}, nil
}

type eventRow struct {
	ID        string         `db:"id"`
	TaskID    string         `db:"task_id"`
	Seq       int64          `db:"seq"`
	Level     string         `db:"level"`
	Type      string         `db:"type"`
	Message   string         `db:"message"`
	Data      sql.NullString `db:"data"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r *eventRow) toDomain() (*domain.Event, error) {
	if r.ID == "" || r.TaskID == "" || r.Type == "" {
		return nil, domain.InvalidRowError("event", "empty id, task_id or type")
	}

	var data map[string]any
	if r.Data.Valid {
		var err error
		if data, err = decodeObject(r.Data.String); err != nil {
			return nil, domain.InvalidRowError("event", fmt.Sprintf("%s: data: %v", r.ID, err))
		}
	}

	return &domain.Event{
		ID:        r.ID,
		TaskID:    r.TaskID,
		Seq:       r.Seq,
		Level:     r.Level,
		Type:      r.Type,
		Message:   r.Message,
		Data:      data,
		CreatedAt: r.CreatedAt.UTC(),
	}, nil
}

func decodeObject(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// encodeObject returns "{}" for nil so NOT NULL columns stay valid.
func encodeObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json: %w", err)
	}
	return string(b), nil
}

// encodeNullable returns NULL for nil.
func encodeNullable(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	s, err := encodeObject(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
