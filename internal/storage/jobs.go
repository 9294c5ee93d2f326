package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/taskorch/internal/domain"
)

// NewJob is the input of CreateJob
type NewJob struct {
	Workflow       string
	Params         map[string]any
	ScheduledAt    time.Time
	IdempotencyKey string
}

// JobFilter narrows ListJobs
type JobFilter struct {
	Status   string
	Workflow string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last job on a page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// CreateJob inserts a queued job. When a job with the same idempotency key
// already exists it is returned instead and created is false.
func (s *Store) CreateJob(ctx context.Context, in NewJob) (job *domain.Job, created bool, err error) {
	if in.Workflow == "" {
		return nil, false, fmt.Errorf("workflow is required")
	}
	if s.workflows != nil {
		if _, err := s.workflows.Expand(in.Workflow, in.Params); err != nil {
			return nil, false, err
		}
	}

	params, err := encodeObject(in.Params)
	if err != nil {
		return nil, false, err
	}
	now := s.now()
	scheduledAt := in.ScheduledAt.UTC()
	if in.ScheduledAt.IsZero() {
		scheduledAt = now
	}

	err = s.withTx(ctx, "create_job", func(tx *sqlx.Tx) error {
		job, created = nil, false

		id := newID()
		query := tx.Rebind(`
			INSERT INTO jobs (
				id, idempotency_key, workflow, params, status, scheduled_at,
				attempt, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT (idempotency_key) DO NOTHING
		`)
		res, err := tx.ExecContext(ctx, query,
			id, nullString(in.IdempotencyKey), in.Workflow, params,
			domain.JobStatusQueued, scheduledAt, now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}

		if n == 1 {
			created = true
			job, err = s.getJobTx(ctx, tx, id)
			return err
		}

		var row jobRow
		existing := tx.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE idempotency_key = ?`)
		if err := tx.GetContext(ctx, &row, existing, in.IdempotencyKey); err != nil {
			return fmt.Errorf("failed to get job by idempotency key: %w", err)
		}
		job, err = row.toDomain()
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return job, created, nil
}

// GetJob returns one job by id
func (s *Store) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain()
}

// ListJobs returns newest jobs first, one more than PageSize so the caller
// can tell whether another page exists.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Workflow != "" {
		query += " AND workflow = ?"
		args = append(args, filter.Workflow)
	}
	if filter.Cursor != nil {
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		at := filter.Cursor.CreatedAt.UTC()
		args = append(args, at, at, filter.Cursor.JobID)
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

// ListTasks returns a job's tasks in workflow order
func (s *Store) ListTasks(ctx context.Context, jobID string) ([]domain.Task, error) {
	var rows []taskRow
	query := s.db.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE job_id = ? ORDER BY seq, id`)
	if err := s.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return toTasks(rows)
}

// GetTask returns one task by id
func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	var row taskRow
	query := s.db.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toDomain()
}
