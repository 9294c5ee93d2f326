package storage

import (
	"context"
	"fmt"
	"log/slog"
)

// timestamp column type per dialect
func (s *Store) tsType() string {
	if s.dialect == "postgres" {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

func (s *Store) schema() []string {
	ts := s.tsType()
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			idempotency_key TEXT UNIQUE,
			workflow        TEXT NOT NULL,
			params          TEXT NOT NULL DEFAULT '{}',
			status          TEXT NOT NULL,
			scheduled_at    %[1]s NOT NULL,
			attempt         INTEGER NOT NULL DEFAULT 0,
			next_retry_at   %[1]s,
			error_code      TEXT,
			error_message   TEXT,
			started_at      %[1]s,
			finished_at     %[1]s,
			created_at      %[1]s NOT NULL,
			updated_at      %[1]s NOT NULL
		)`, ts),
		`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs (status, scheduled_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs (created_at, id)`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS tasks (
			id            TEXT PRIMARY KEY,
			job_id        TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			task_key      TEXT NOT NULL,
			service       TEXT NOT NULL,
			seq           INTEGER NOT NULL DEFAULT 0,
			status        TEXT NOT NULL,
			params        TEXT NOT NULL DEFAULT '{}',
			results       TEXT,
			attempt       INTEGER NOT NULL DEFAULT 0,
			max_attempts  INTEGER NOT NULL DEFAULT 1,
			claimed_by    TEXT,
			claimed_at    %[1]s,
			heartbeat_at  %[1]s,
			next_retry_at %[1]s,
			error_code    TEXT,
			error_message TEXT,
			error_data    TEXT,
			started_at    %[1]s,
			finished_at   %[1]s,
			created_at    %[1]s NOT NULL,
			updated_at    %[1]s NOT NULL,
			UNIQUE (job_id, task_key)
		)`, ts),
		`CREATE INDEX IF NOT EXISTS idx_tasks_runnable ON tasks (service, status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks (job_id, status)`,
		`
		CREATE TABLE IF NOT EXISTS task_deps (
			job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			task_key   TEXT NOT NULL,
			depends_on TEXT NOT NULL,
			PRIMARY KEY (job_id, task_key, depends_on)
		)`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			level      TEXT NOT NULL,
			type       TEXT NOT NULL,
			message    TEXT NOT NULL,
			data       TEXT,
			created_at %[1]s NOT NULL,
			UNIQUE (task_id, seq)
		)`, ts),
	}
}

// Migrate creates the tables and indexes for the active dialect. It is safe
// to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	s.logger.Info("Schema migrated", slog.String("dialect", s.dialect))
	return nil
}
