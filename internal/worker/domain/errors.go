package domain

import "errors"

var (
	// ErrArtifactNotFound is returned when input_reference can never be read
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrInvalidTask is returned when a task message is missing required fields
	ErrInvalidTask = errors.New("invalid task")

	// ErrMaxAttemptsExceeded is returned when a task has reached its attempt ceiling
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")

	// ErrInferenceFailed is returned when the inference collaborator rejects the input
	ErrInferenceFailed = errors.New("inference failed")
)

// RetryableError wraps transient errors that should trigger a redelivery
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

// IsRetryable reports whether err carries a RetryableError
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
