package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrTaskNotFound is returned when a task cannot be found in the database
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskStateConflict is returned when a task is not in the state a transition expects
	ErrTaskStateConflict = errors.New("task not in expected state")

	// ErrUnknownWorkflow is returned when a job references a workflow that is not registered
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrInvalidRow is returned when a stored row cannot be translated into a domain record
	ErrInvalidRow = errors.New("invalid row")

	// ErrCapabilityMissing is returned when an optional collaborator is not configured
	ErrCapabilityMissing = errors.New("capability missing")
)

// RetryableError wraps transient infrastructure errors that are expected to
// succeed on a later tick
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// TaskError is an execution failure carrying the code recorded on the task.
type TaskError struct {
	Code    string
	Message string
	Data    map[string]any
	Err     error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewPermanentError marks an execution failure as not eligible for retry.
func NewPermanentError(message string, err error) error {
	return &TaskError{Code: CodePermanentError, Message: message, Err: err}
}

// InvalidRowError reports a row shape that cannot become a domain record.
func InvalidRowError(kind, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidRow, kind, reason)
}
