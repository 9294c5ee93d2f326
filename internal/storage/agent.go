package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/taskorch/internal/domain"
)

// SelectRunnable returns up to limit queued tasks of service whose upstream
// tasks are all done. Order is oldest job first (scheduled_at, job id), then
// the task's position in its workflow, then task id.
func (s *Store) SelectRunnable(ctx context.Context, service string, limit int, now time.Time) ([]domain.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := s.db.Rebind(`
		SELECT ` + taskColumnsT + `
		FROM tasks t
		JOIN jobs j ON j.id = t.job_id
		WHERE t.service = ?
		  AND t.status = ?
		  AND j.status IN (?, ?)
		  AND j.scheduled_at <= ?
		  AND (t.next_retry_at IS NULL OR t.next_retry_at <= ?)
		  AND NOT EXISTS (
			SELECT 1
			FROM task_deps d
			LEFT JOIN tasks u ON u.job_id = d.job_id AND u.task_key = d.depends_on
			WHERE d.job_id = t.job_id
			  AND d.task_key = t.task_key
			  AND (u.id IS NULL OR u.status <> ?)
		  )
		ORDER BY j.scheduled_at, j.id, t.seq, t.id
		LIMIT ?
	`)

	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, query,
		service, domain.TaskStatusQueued,
		domain.JobStatusQueued, domain.JobStatusRunning,
		now.UTC(), now.UTC(),
		domain.TaskStatusDone,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select runnable tasks: %w", err)
	}

	return toTasks(rows)
}

// MarkTaskRunning moves a task claimed by node to running.
func (s *Store) MarkTaskRunning(ctx context.Context, taskID, node string, now time.Time) error {
	now = now.UTC()
	return s.withTx(ctx, "mark_task_running", func(tx *sqlx.Tx) error {
		return s.transition(ctx, tx, taskID, `
			UPDATE tasks
			SET status = ?, started_at = ?, heartbeat_at = ?, updated_at = ?
			WHERE id = ? AND claimed_by = ? AND status = ?
		`, domain.TaskStatusRunning, now, now, now, taskID, node, domain.TaskStatusClaimed)
	})
}

// MarkTaskDone records a successful result for a task node still owns. The
// claim is released; the owner stays in the task.start event.
func (s *Store) MarkTaskDone(ctx context.Context, taskID, node string, results map[string]any, now time.Time) error {
	encoded, err := encodeNullable(results)
	if err != nil {
		return err
	}
	now = now.UTC()
	return s.withTx(ctx, "mark_task_done", func(tx *sqlx.Tx) error {
		return s.transition(ctx, tx, taskID, `
			UPDATE tasks
			SET status = ?, results = ?, finished_at = ?, updated_at = ?,
			    claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL
			WHERE id = ? AND claimed_by = ? AND status IN (?, ?)
		`, domain.TaskStatusDone, encoded, now, now,
			taskID, node, domain.TaskStatusClaimed, domain.TaskStatusRunning)
	})
}

// MarkTaskError records a failed execution with a code and message for a
// task node still owns, releasing the claim.
func (s *Store) MarkTaskError(ctx context.Context, taskID, node, code, message string, now time.Time, data map[string]any) error {
	encoded, err := encodeNullable(data)
	if err != nil {
		return err
	}
	now = now.UTC()
	return s.withTx(ctx, "mark_task_error", func(tx *sqlx.Tx) error {
		return s.transition(ctx, tx, taskID, `
			UPDATE tasks
			SET status = ?, error_code = ?, error_message = ?, error_data = ?,
			    finished_at = ?, updated_at = ?,
			    claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL
			WHERE id = ? AND claimed_by = ? AND status IN (?, ?)
		`, domain.TaskStatusError, code, message, encoded, now, now,
			taskID, node, domain.TaskStatusClaimed, domain.TaskStatusRunning)
	})
}

// TouchTask refreshes the heartbeat of a task still owned by node.
func (s *Store) TouchTask(ctx context.Context, taskID, node string, now time.Time) error {
	now = now.UTC()
	return s.withTx(ctx, "touch_task", func(tx *sqlx.Tx) error {
		return s.transition(ctx, tx, taskID, `
			UPDATE tasks
			SET heartbeat_at = ?, updated_at = ?
			WHERE id = ? AND claimed_by = ? AND status IN (?, ?)
		`, now, now, taskID, node, domain.TaskStatusClaimed, domain.TaskStatusRunning)
	})
}

// transition runs a conditional update that must affect exactly one row.
func (s *Store) transition(ctx context.Context, tx *sqlx.Tx, taskID, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskStateConflict, taskID)
	}
	return nil
}
