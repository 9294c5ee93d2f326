package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/taskorch/internal/domain"
)

// ClaimTasks transitions each listed task from queued to claimed by node and
// returns the ids it actually won, in input order. Each task is one
// conditional update; the batch is one transaction. Ids that are unknown,
// already claimed or terminal are left out of the result without error.
func (s *Store) ClaimTasks(ctx context.Context, taskIDs []string, node string, now time.Time) ([]string, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	now = now.UTC()

	var claimed []string
	err := s.withTx(ctx, "claim_tasks", func(tx *sqlx.Tx) error {
		claimed = claimed[:0]
		seen := make(map[string]struct{}, len(taskIDs))

		query := tx.Rebind(`
			UPDATE tasks
			SET status = ?,
			    claimed_by = ?,
			    claimed_at = ?,
			    heartbeat_at = ?,
			    updated_at = ?
			WHERE id = ?
			  AND status = ?
		`)

		for _, id := range taskIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			res, err := tx.ExecContext(ctx, query,
				domain.TaskStatusClaimed, node, now, now, now,
				id, domain.TaskStatusQueued,
			)
			if err != nil {
				return fmt.Errorf("failed to claim task %s: %w", id, err)
			}
			n, err := rowsAffected(res)
			if err != nil {
				return err
			}
			if n == 1 {
				claimed = append(claimed, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Tasks claimed",
		slog.String("node", node),
		slog.Int("requested", len(taskIDs)),
		slog.Int("claimed", len(claimed)),
	)
	return claimed, nil
}
