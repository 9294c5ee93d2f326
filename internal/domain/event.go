package domain

import "time"

// Event is an append-only audit log entry for a task lifecycle transition
type Event struct {
	ID        string
	TaskID    string
	Seq       int64
	Level     string
	Type      string
	Message   string
	Data      map[string]any
	CreatedAt time.Time
}
