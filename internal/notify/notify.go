// Package notify relays appended task events to a message broker.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskorch/internal/agent"
	"github.com/cuongbtq/taskorch/internal/domain"
)

const contentType = "application/json"

// Publisher sends one message under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// EventMessage is the wire form of a relayed event
type EventMessage struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Seq       int64          `json:"seq"`
	Level     string         `json:"level"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Node      string         `json:"node,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Repo wraps an agent repository so that every event it stores is also
// published. Publishing is best effort: a failure is logged and never
// reaches the caller.
type Repo struct {
	agent.Repo
	publisher Publisher
	node      string
	logger    *slog.Logger
}

// Wrap returns repo with event relaying. Events are published with their
// type as the routing key.
func Wrap(repo agent.Repo, publisher Publisher, node string, logger *slog.Logger) *Repo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repo{Repo: repo, publisher: publisher, node: node, logger: logger}
}

// AppendEvent stores the event, then publishes it.
func (r *Repo) AppendEvent(ctx context.Context, event domain.Event) (domain.Event, error) {
	stored, err := r.Repo.AppendEvent(ctx, event)
	if err != nil {
		return stored, err
	}

	body, err := json.Marshal(EventMessage{
		ID:        stored.ID,
		TaskID:    stored.TaskID,
		Seq:       stored.Seq,
		Level:     stored.Level,
		Type:      stored.Type,
		Message:   stored.Message,
		Data:      stored.Data,
		Node:      r.node,
		CreatedAt: stored.CreatedAt,
	})
	if err != nil {
		r.logger.Warn("Failed to encode event for relay",
			slog.String("event_id", stored.ID),
			slog.Any("error", err),
		)
		return stored, nil
	}

	if err := r.publisher.Publish(ctx, stored.Type, body, contentType); err != nil {
		r.logger.Warn("Failed to relay event",
			slog.String("event_id", stored.ID),
			slog.String("task_id", stored.TaskID),
			slog.String("type", stored.Type),
			slog.Any("error", err),
		)
	}
	return stored, nil
}
