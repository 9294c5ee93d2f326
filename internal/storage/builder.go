package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/taskorch/internal/domain"
)

// SelectDueJobs returns a snapshot of jobs the builder should look at:
// queued jobs whose schedule and retry window have passed, plus running
// jobs that may need missing tasks or finishing.
func (s *Store) SelectDueJobs(ctx context.Context, now time.Time) ([]domain.DueJob, error) {
	now = now.UTC()
	query := s.db.Rebind(`
		SELECT id
		FROM jobs
		WHERE (status = ?
		       AND scheduled_at <= ?
		       AND (next_retry_at IS NULL OR next_retry_at <= ?))
		   OR status = ?
		ORDER BY scheduled_at, id
	`)

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, query,
		domain.JobStatusQueued, now, now, domain.JobStatusRunning,
	); err != nil {
		return nil, fmt.Errorf("failed to select due jobs: %w", err)
	}

	due := make([]domain.DueJob, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, domain.InvalidRowError("due job", "empty id")
		}
		due = append(due, domain.DueJob{JobID: id})
	}
	return due, nil
}

// InstantiateJobTasks inserts the tasks of the job's workflow that do not
// exist yet and returns how many rows were actually created. Running it any
// number of times, concurrently or not, leaves exactly one task per key.
func (s *Store) InstantiateJobTasks(ctx context.Context, jobID string, now time.Time) (int, error) {
	if s.workflows == nil {
		return 0, fmt.Errorf("%w: no workflow registry", domain.ErrCapabilityMissing)
	}
	now = now.UTC()

	var created int
	err := s.withTx(ctx, "instantiate_job_tasks", func(tx *sqlx.Tx) error {
		created = 0

		job, err := s.getJobTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}

		specs, err := s.workflows.Expand(job.Workflow, job.Params)
		if err != nil {
			return fmt.Errorf("job %s: %w", jobID, err)
		}

		insertTask := tx.Rebind(`
			INSERT INTO tasks (
				id, job_id, task_key, service, seq, status, params,
				attempt, max_attempts, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
			ON CONFLICT (job_id, task_key) DO NOTHING
		`)
		insertDep := tx.Rebind(`
			INSERT INTO task_deps (job_id, task_key, depends_on)
			VALUES (?, ?, ?)
			ON CONFLICT (job_id, task_key, depends_on) DO NOTHING
		`)

		for _, spec := range specs {
			params, err := encodeObject(spec.Params)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, insertTask,
				newID(), jobID, spec.Key, spec.Service, spec.Seq, domain.TaskStatusQueued, params,
				spec.MaxAttempts, now, now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert task %s/%s: %w", jobID, spec.Key, err)
			}
			n, err := rowsAffected(res)
			if err != nil {
				return err
			}
			created += int(n)

			for _, dep := range spec.DependsOn {
				if _, err := tx.ExecContext(ctx, insertDep, jobID, spec.Key, dep); err != nil {
					return fmt.Errorf("failed to insert dependency %s/%s: %w", jobID, spec.Key, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// SetJobRunningIfNewTasks moves a queued job to running once it has tasks.
// It is a no-op when created is not positive or the job already left queued.
func (s *Store) SetJobRunningIfNewTasks(ctx context.Context, jobID string, created int, now time.Time) error {
	if created <= 0 {
		return nil
	}
	now = now.UTC()
	return s.withTx(ctx, "set_job_running", func(tx *sqlx.Tx) error {
		_, err := s.setJobRunningTx(ctx, tx, jobID, now)
		return err
	})
}

// ResumeJobRunning moves a queued job that already has tasks to running. It
// covers a builder that stopped between creating the tasks and starting the
// job, and reports whether this call made the transition.
func (s *Store) ResumeJobRunning(ctx context.Context, jobID string, now time.Time) (bool, error) {
	now = now.UTC()
	var moved bool
	err := s.withTx(ctx, "resume_job_running", func(tx *sqlx.Tx) error {
		var err error
		moved, err = s.setJobRunningTx(ctx, tx, jobID, now)
		return err
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}

func (s *Store) setJobRunningTx(ctx context.Context, tx *sqlx.Tx, jobID string, now time.Time) (bool, error) {
	query := tx.Rebind(`
		UPDATE jobs
		SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ?
		  AND status = ?
		  AND EXISTS (SELECT 1 FROM tasks WHERE job_id = ?)
	`)
	res, err := tx.ExecContext(ctx, query,
		domain.JobStatusRunning, now, now, jobID, domain.JobStatusQueued, jobID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set job running: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MaybeFinishJob moves the job to done or error once every task is terminal
// and returns true only when this call made the transition. Failed tasks
// that still have retries left do not count as terminal.
func (s *Store) MaybeFinishJob(ctx context.Context, jobID string, now time.Time) (bool, error) {
	now = now.UTC()

	var finished bool
	err := s.withTx(ctx, "maybe_finish_job", func(tx *sqlx.Tx) error {
		finished = false

		job, err := s.getJobTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return nil
		}

		tasks, err := s.jobTasksTx(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}

		if err := s.failDependentsTx(ctx, tx, jobID, tasks, now); err != nil {
			return err
		}

		failed := 0
		for i := range tasks {
			t := &tasks[i]
			if !t.Status.Terminal() || t.RetryEligible() {
				return nil
			}
			if t.Status == domain.TaskStatusError {
				failed++
			}
		}

		status := domain.JobStatusDone
		var code, message sql.NullString
		if failed > 0 {
			status = domain.JobStatusError
			code = nullString(domain.CodeTaskFailed)
			message = nullString(fmt.Sprintf("%d of %d tasks failed", failed, len(tasks)))
		}

		query := tx.Rebind(`
			UPDATE jobs
			SET status = ?, error_code = ?, error_message = ?,
			    started_at = COALESCE(started_at, ?), finished_at = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)
		`)
		res, err := tx.ExecContext(ctx, query,
			status, code, message, now, now, now,
			jobID, domain.JobStatusQueued, domain.JobStatusRunning,
		)
		if err != nil {
			return fmt.Errorf("failed to finish job: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		finished = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return finished, nil
}

type depEdge struct {
	TaskKey   string `db:"task_key"`
	DependsOn string `db:"depends_on"`
}

// failDependentsTx moves queued tasks downstream of a task that failed for
// good to error, transitively, so the job can finish. tasks is updated in
// place.
func (s *Store) failDependentsTx(ctx context.Context, tx *sqlx.Tx, jobID string, tasks []domain.Task, now time.Time) error {
	failed := make(map[string]bool)
	for i := range tasks {
		if tasks[i].FailedFinal() {
			failed[tasks[i].TaskKey] = true
		}
	}
	if len(failed) == 0 {
		return nil
	}

	var edges []depEdge
	query := tx.Rebind(`SELECT task_key, depends_on FROM task_deps WHERE job_id = ? ORDER BY task_key, depends_on`)
	if err := tx.SelectContext(ctx, &edges, query, jobID); err != nil {
		return fmt.Errorf("failed to list task deps: %w", err)
	}
	upstreams := make(map[string][]string)
	for _, e := range edges {
		upstreams[e.TaskKey] = append(upstreams[e.TaskKey], e.DependsOn)
	}

	update := tx.Rebind(`
		UPDATE tasks
		SET status = ?, error_code = ?, error_message = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`)
	for changed := true; changed; {
		changed = false
		for i := range tasks {
			t := &tasks[i]
			if t.Status != domain.TaskStatusQueued {
				continue
			}
			upstream := ""
			for _, dep := range upstreams[t.TaskKey] {
				if failed[dep] {
					upstream = dep
					break
				}
			}
			if upstream == "" {
				continue
			}

			message := fmt.Sprintf("upstream task %s failed", upstream)
			res, err := tx.ExecContext(ctx, update,
				domain.TaskStatusError, domain.CodeUpstreamFailed, message, now, now,
				t.ID, domain.TaskStatusQueued,
			)
			if err != nil {
				return fmt.Errorf("failed to fail task %s: %w", t.ID, err)
			}
			n, err := rowsAffected(res)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			if _, err := s.insertEvent(ctx, tx, domain.Event{
				TaskID:    t.ID,
				Level:     domain.LevelError,
				Type:      domain.EventTaskError,
				Message:   message,
				Data:      map[string]any{"code": domain.CodeUpstreamFailed, "upstream": upstream},
				CreatedAt: now,
			}); err != nil {
				return err
			}

			finishedAt := now
			t.Status = domain.TaskStatusError
			t.ErrorCode = domain.CodeUpstreamFailed
			t.ErrorMessage = message
			t.FinishedAt = &finishedAt
			failed[t.TaskKey] = true
			changed = true
		}
	}
	return nil
}

// FailJob moves a non-terminal job straight to error.
func (s *Store) FailJob(ctx context.Context, jobID, code, message string, now time.Time) (bool, error) {
	now = now.UTC()

	var failed bool
	err := s.withTx(ctx, "fail_job", func(tx *sqlx.Tx) error {
		query := tx.Rebind(`
			UPDATE jobs
			SET status = ?, error_code = ?, error_message = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)
		`)
		res, err := tx.ExecContext(ctx, query,
			domain.JobStatusError, code, message, now, now,
			jobID, domain.JobStatusQueued, domain.JobStatusRunning,
		)
		if err != nil {
			return fmt.Errorf("failed to fail job: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		failed = n == 1
		return nil
	})
	return failed, err
}

type retryCandidate struct {
	ID         string       `db:"id"`
	JobID      string       `db:"job_id"`
	Attempt    int          `db:"attempt"`
	FinishedAt sql.NullTime `db:"finished_at"`
}

// ApplyRetryBackoff requeues failed tasks whose backoff window has elapsed
// and returns how many were requeued. The window for a task that failed on
// attempt n (0-based) is backoff.Delay(n+1) after it finished.
func (s *Store) ApplyRetryBackoff(ctx context.Context, now time.Time) (int, error) {
	if s.backoff == nil {
		return 0, fmt.Errorf("%w: no backoff strategy", domain.ErrCapabilityMissing)
	}
	now = now.UTC()

	var retried int
	err := s.withTx(ctx, "apply_retry_backoff", func(tx *sqlx.Tx) error {
		retried = 0

		selectQuery := tx.Rebind(`
			SELECT t.id, t.job_id, t.attempt, t.finished_at
			FROM tasks t
			JOIN jobs j ON j.id = t.job_id
			WHERE t.status = ?
			  AND t.attempt + 1 < t.max_attempts
			  AND COALESCE(t.error_code, '') NOT IN (?, ?)
			  AND j.status IN (?, ?)
			ORDER BY t.finished_at, t.id
		`)
		var candidates []retryCandidate
		if err := tx.SelectContext(ctx, &candidates, selectQuery,
			domain.TaskStatusError, domain.CodePermanentError, domain.CodeUpstreamFailed,
			domain.JobStatusQueued, domain.JobStatusRunning,
		); err != nil {
			return fmt.Errorf("failed to select retry candidates: %w", err)
		}

		requeueTask := tx.Rebind(`
			UPDATE tasks
			SET status = ?, attempt = attempt + 1, next_retry_at = ?,
			    claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL,
			    results = NULL, error_code = NULL, error_message = NULL, error_data = NULL,
			    started_at = NULL, finished_at = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND attempt = ?
		`)
		bumpJob := tx.Rebind(`
			UPDATE jobs
			SET attempt = attempt + 1, next_retry_at = ?, updated_at = ?
			WHERE id = ?
		`)

		for _, c := range candidates {
			finishedAt := now
			if c.FinishedAt.Valid {
				finishedAt = c.FinishedAt.Time.UTC()
			}
			nextAttempt := c.Attempt + 1
			retryAt := finishedAt.Add(s.backoff.Delay(nextAttempt))
			if retryAt.After(now) {
				continue
			}

			res, err := tx.ExecContext(ctx, requeueTask,
				domain.TaskStatusQueued, retryAt, now,
				c.ID, domain.TaskStatusError, c.Attempt,
			)
			if err != nil {
				return fmt.Errorf("failed to requeue task %s: %w", c.ID, err)
			}
			n, err := rowsAffected(res)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}

			if _, err := tx.ExecContext(ctx, bumpJob, retryAt, now, c.JobID); err != nil {
				return fmt.Errorf("failed to update job %s retry: %w", c.JobID, err)
			}
			if _, err := s.insertEvent(ctx, tx, domain.Event{
				TaskID:  c.ID,
				Level:   domain.LevelWarn,
				Type:    domain.EventTaskRetry,
				Message: fmt.Sprintf("retry attempt %d", nextAttempt),
				Data: map[string]any{
					"attempt":       nextAttempt,
					"next_retry_at": retryAt.Format(time.RFC3339Nano),
				},
				CreatedAt: now,
			}); err != nil {
				return err
			}
			retried++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return retried, nil
}

type staleClaim struct {
	ID        string         `db:"id"`
	ClaimedBy sql.NullString `db:"claimed_by"`
}

// ReclaimExpiredClaims returns claimed or running tasks whose heartbeat is
// older than timeout to queued, so a task abandoned by a dead node runs
// again. A non-positive timeout disables reclamation.
func (s *Store) ReclaimExpiredClaims(ctx context.Context, timeout time.Duration, now time.Time) (int, error) {
	if timeout <= 0 {
		return 0, nil
	}
	now = now.UTC()
	cutoff := now.Add(-timeout)

	var reclaimed int
	err := s.withTx(ctx, "reclaim_expired_claims", func(tx *sqlx.Tx) error {
		reclaimed = 0

		selectQuery := tx.Rebind(`
			SELECT id, claimed_by
			FROM tasks
			WHERE status IN (?, ?)
			  AND COALESCE(heartbeat_at, claimed_at) < ?
			ORDER BY id
		`)
		var stale []staleClaim
		if err := tx.SelectContext(ctx, &stale, selectQuery,
			domain.TaskStatusClaimed, domain.TaskStatusRunning, cutoff,
		); err != nil {
			return fmt.Errorf("failed to select stale claims: %w", err)
		}

		requeue := tx.Rebind(`
			UPDATE tasks
			SET status = ?, claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL,
			    started_at = NULL, updated_at = ?
			WHERE id = ?
			  AND status IN (?, ?)
			  AND COALESCE(heartbeat_at, claimed_at) < ?
		`)
		for _, c := range stale {
			res, err := tx.ExecContext(ctx, requeue,
				domain.TaskStatusQueued, now, c.ID,
				domain.TaskStatusClaimed, domain.TaskStatusRunning, cutoff,
			)
			if err != nil {
				return fmt.Errorf("failed to reclaim task %s: %w", c.ID, err)
			}
			n, err := rowsAffected(res)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			if _, err := s.insertEvent(ctx, tx, domain.Event{
				TaskID:    c.ID,
				Level:     domain.LevelWarn,
				Type:      domain.EventTaskReclaimed,
				Message:   "claim expired",
				Data:      map[string]any{"claimed_by": c.ClaimedBy.String},
				CreatedAt: now,
			}); err != nil {
				return err
			}
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		s.logger.Warn("Reclaimed expired task claims",
			slog.Int("count", reclaimed),
			slog.Duration("timeout", timeout),
		)
	}
	return reclaimed, nil
}

func (s *Store) getJobTx(ctx context.Context, tx *sqlx.Tx, jobID string) (*domain.Job, error) {
	var row jobRow
	query := tx.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)
	if err := tx.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain()
}

func (s *Store) jobTasksTx(ctx context.Context, tx *sqlx.Tx, jobID string) ([]domain.Task, error) {
	var rows []taskRow
	query := tx.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE job_id = ? ORDER BY seq, id`)
	if err := tx.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list job tasks: %w", err)
	}
	return toTasks(rows)
}

func toTasks(rows []taskRow) ([]domain.Task, error) {
	tasks := make([]domain.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}
