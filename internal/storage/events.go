package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/taskorch/internal/domain"
)

// AppendEvent writes one immutable audit entry. ID and CreatedAt are filled
// in when empty; the stored event is returned.
func (s *Store) AppendEvent(ctx context.Context, event domain.Event) (domain.Event, error) {
	if event.TaskID == "" || event.Type == "" {
		return domain.Event{}, fmt.Errorf("event requires task_id and type")
	}
	err := s.withTx(ctx, "append_event", func(tx *sqlx.Tx) error {
		var err error
		event, err = s.insertEvent(ctx, tx, event)
		return err
	})
	if err != nil {
		return domain.Event{}, err
	}
	return event, nil
}

// ListEvents returns a task's events oldest first.
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]domain.Event, error) {
	query := s.db.Rebind(`
		SELECT ` + eventColumns + `
		FROM events
		WHERE task_id = ?
		ORDER BY seq
	`)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, taskID); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]domain.Event, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sqlx.Tx, event domain.Event) (domain.Event, error) {
	if event.ID == "" {
		event.ID = newEventID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	event.CreatedAt = event.CreatedAt.UTC()
	if event.Level == "" {
		event.Level = domain.LevelInfo
	}

	data, err := encodeNullable(event.Data)
	if err != nil {
		return domain.Event{}, err
	}

	// per-task sequence keeps events ordered when timestamps tie
	next := tx.Rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE task_id = ?`)
	if err := tx.GetContext(ctx, &event.Seq, next, event.TaskID); err != nil {
		return domain.Event{}, fmt.Errorf("failed to get event sequence: %w", err)
	}

	query := tx.Rebind(`
		INSERT INTO events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, query,
		event.ID, event.TaskID, event.Seq, event.Level, event.Type, event.Message, data, event.CreatedAt,
	); err != nil {
		return domain.Event{}, fmt.Errorf("failed to append event: %w", err)
	}
	return event, nil
}
