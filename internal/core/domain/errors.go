package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrResourceExhausted    = errors.New("resource exhausted")
	ErrQueueUnavailable     = errors.New("queue unavailable")
	ErrStageFailure         = errors.New("stage failure")
	ErrConsistencyViolation = errors.New("consistency violation")
	ErrInvalidTransition    = errors.New("invalid status transition")
)

// Error wraps one of the taxonomy sentinels with the failing operation.
type Error struct {
	Op      string
	Message string
	Err     error
}

// NewError creates a new Error.
func NewError(op, message string, err error) *Error {
	return &Error{Op: op, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StageError reports a failed stage handler.
func StageError(stage DeploymentStatus, err error) *Error {
	return &Error{
		Op:      string(stage),
		Message: err.Error(),
		Err:     errors.Join(ErrStageFailure, err),
	}
}

// Message returns the caller-facing text of err, without the op prefix when
// err is a domain error.
func Message(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return err.Error()
}
