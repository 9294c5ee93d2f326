package domain

import "time"

// Task is the smallest claimable, executable unit of a job
type Task struct {
	ID           string
	JobID        string
	TaskKey      string
	Service      string
	Seq          int
	Status       TaskStatus
	Params       map[string]any
	Results      map[string]any
	Attempt      int
	MaxAttempts  int
	ClaimedBy    string
	ClaimedAt    *time.Time
	HeartbeatAt  *time.Time
	NextRetryAt  *time.Time
	ErrorCode    string
	ErrorMessage string
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RetryEligible reports whether a failed task may still be requeued. Tasks
// failed on behalf of an upstream never are.
func (t *Task) RetryEligible() bool {
	return t.Status == TaskStatusError &&
		t.ErrorCode != CodePermanentError &&
		t.ErrorCode != CodeUpstreamFailed &&
		t.Attempt+1 < t.MaxAttempts
}

// FailedFinal reports whether a task ended in error with no retry left.
func (t *Task) FailedFinal() bool {
	return t.Status == TaskStatusError && !t.RetryEligible()
}
