package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ContentType of every message body on the wire
const ContentType = "application/json"

// Status of a stage result
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Failure reasons carried in ResultMessage.Reason
const (
	ReasonArtifactNotFound  = "artifact-not-found"
	ReasonAttemptsExhausted = "attempts-exhausted"
	ReasonInferenceFailed   = "inference-failed"
	ReasonInvalidTask       = "invalid-task"
)

// ErrInvalidMessage is returned when a message is missing required fields
var ErrInvalidMessage = errors.New("invalid message")

// TaskMessage is one unit of queued work for one stage
type TaskMessage struct {
	JobID          string    `json:"job_id"`
	Stage          Stage     `json:"stage"`
	InputReference string    `json:"input_reference"`
	ImageID        string    `json:"image_id,omitempty"`
	AttemptCount   int       `json:"attempt_count"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// NewTask builds a first-attempt task
func NewTask(jobID string, stage Stage, inputRef, imageID string) TaskMessage {
	return TaskMessage{
		JobID:          jobID,
		Stage:          stage,
		InputReference: inputRef,
		ImageID:        imageID,
		AttemptCount:   1,
		EnqueuedAt:     time.Now().UTC(),
	}
}

// Validate checks the minimum task fields
func (t *TaskMessage) Validate() error {
	if t.JobID == "" {
		return fmt.Errorf("%w: job_id is required", ErrInvalidMessage)
	}
	if !t.Stage.Valid() {
		return fmt.Errorf("%w: stage is required", ErrInvalidMessage)
	}
	if t.InputReference == "" {
		return fmt.Errorf("%w: input_reference is required", ErrInvalidMessage)
	}
	return nil
}

// ResultMessage is the output of one stage for one job
type ResultMessage struct {
	JobID          string          `json:"job_id"`
	Stage          Stage           `json:"stage"`
	Status         Status          `json:"status"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	ErrorDetail    string          `json:"error_detail,omitempty"`
	ImageID        string          `json:"image_id,omitempty"`
	InputReference string          `json:"input_reference,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	ProducedAt     time.Time       `json:"produced_at"`
}

// Success builds a success result for task
func Success(task TaskMessage, attempt int, payload json.RawMessage) ResultMessage {
	r := resultFor(task, attempt, StatusSuccess)
	r.Payload = payload
	return r
}

// Failure builds a terminal failure result for task
func Failure(task TaskMessage, attempt int, reason string, cause error) ResultMessage {
	r := resultFor(task, attempt, StatusFailure)
	r.Reason = reason
	if cause != nil {
		r.ErrorDetail = cause.Error()
	}
	return r
}

func resultFor(task TaskMessage, attempt int, status Status) ResultMessage {
	return ResultMessage{
		JobID:          task.JobID,
		Stage:          task.Stage,
		Status:         status,
		ImageID:        task.ImageID,
		InputReference: task.InputReference,
		AttemptCount:   attempt,
		ProducedAt:     time.Now().UTC(),
	}
}

// Validate checks the minimum result fields
func (r *ResultMessage) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("%w: job_id is required", ErrInvalidMessage)
	}
	if !r.Stage.Valid() {
		return fmt.Errorf("%w: stage is required", ErrInvalidMessage)
	}
	if r.Status != StatusSuccess && r.Status != StatusFailure {
		return fmt.Errorf("%w: status %q", ErrInvalidMessage, r.Status)
	}
	return nil
}

// Key identifies the (job_id, stage) unit of work
func (r *ResultMessage) Key() string {
	return r.JobID + ":" + r.Stage.String()
}

// SubjectID is the image the result describes, falling back to the job
func (r *ResultMessage) SubjectID() string {
	if r.ImageID != "" {
		return r.ImageID
	}
	return r.JobID
}

// DecodeTask unmarshals a task body. Validation is left to the caller so a
// task with a usable job_id can still be answered with a failure result.
func DecodeTask(body []byte) (TaskMessage, error) {
	var t TaskMessage
	if err := json.Unmarshal(body, &t); err != nil {
		return t, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return t, nil
}

// DecodeResult unmarshals and validates a result body
func DecodeResult(body []byte) (ResultMessage, error) {
	var r ResultMessage
	if err := json.Unmarshal(body, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := r.Validate(); err != nil {
		return r, err
	}
	return r, nil
}
