package agent

import (
	"context"
	"log/slog"
	"time"
)

// sendHeartbeat periodically refreshes the task's heartbeat until done is
// closed or ctx is canceled.
func (e *Engine) sendHeartbeat(ctx context.Context, taskID string, done <-chan struct{}) {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	e.logger.Debug("Task heartbeat started", slog.String("task_id", taskID))

	for {
		select {
		case <-done:
			e.logger.Debug("Task heartbeat stopped", slog.String("task_id", taskID))
			return

		case <-ctx.Done():
			e.logger.Debug("Task heartbeat stopped - context canceled", slog.String("task_id", taskID))
			return

		case <-ticker.C:
			if err := e.heartbeater.TouchTask(ctx, taskID, e.node, e.clock.Now().UTC()); err != nil {
				e.logger.Warn("Failed to update task heartbeat",
					slog.String("task_id", taskID),
					slog.Any("error", err),
				)
			}
		}
	}
}
