package domain

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job status constants
const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusError
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task status constants
const (
	TaskStatusQueued  TaskStatus = "queued"
	TaskStatusClaimed TaskStatus = "claimed"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusError   TaskStatus = "error"
)

// Terminal reports whether the task finished, successfully or not.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusError
}

// Event levels
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event types appended to the audit log
const (
	EventTaskStart     = "task.start"
	EventTaskDone      = "task.done"
	EventTaskError     = "task.error"
	EventTaskRetry     = "task.retry"
	EventTaskReclaimed = "task.reclaimed"
)

// Error codes recorded on failed tasks and jobs
const (
	CodeRuntimeError    = "runtime_error"
	CodeTimeout         = "timeout"
	CodePermanentError  = "permanent_error"
	CodeUnknownWorkflow = "unknown_workflow"
	CodeTaskFailed      = "task_failed"
	CodeUpstreamFailed  = "upstream_failed"
)
