package domain

import (
	"errors"
	"fmt"
	"strings"
)

const (
	JobStatusAccepted = "ACCEPTED"
)

// Job sources
const (
	SourceAPI   = "api"
	SourceEvent = "event"
	SourceBatch = "batch"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// PartialEnqueueError is returned when the broker failed after some of a
// job's tasks were already enqueued. Those tasks stay queued under JobID.
type PartialEnqueueError struct {
	JobID    string
	Enqueued []string
	Err      error
}

func (e *PartialEnqueueError) Error() string {
	return fmt.Sprintf("job %s partially enqueued [%s]: %v", e.JobID, strings.Join(e.Enqueued, ","), e.Err)
}

func (e *PartialEnqueueError) Unwrap() error {
	return e.Err
}
