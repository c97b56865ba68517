package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by stores and lookups for an unknown task id.
var ErrNotFound = errors.New("task not found")

// MissingFieldsMessage is the client-facing text for incomplete create requests.
const MissingFieldsMessage = "Missing required fields"

// ValidationError rejects a malformed request. It is never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ExecutorError wraps a failure reported by the executor for a task type.
type ExecutorError struct {
	TaskType string
	Err      error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor %s: %v", e.TaskType, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// TimeoutError marks an attempt that overran its execution window, either
// through the executor deadline or stale running recovery.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task exceeded running window of %s", e.After)
}

// PersistenceError wraps a task store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrorKind classifies an attempt error for TaskResult.ErrorKind.
func ErrorKind(err error) string {
	var te *TimeoutError
	var ee *ExecutorError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &ee):
		return "executor"
	default:
		return "internal"
	}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
