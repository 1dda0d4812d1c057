// Package ledger records the write state of every (job_id, stage) result so
// that duplicate result messages are pushed to the system-of-record once.
//
// A writer claims a key before pushing. The claim is a lease: a crashed writer
// leaves a pending row that another replica may take over once it expires.
// Written and rejected keys are settled and can never be claimed again.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/queue"
)

// State of a (job_id, stage) key
type State string

const (
	StatePending  State = "pending"
	StateWritten  State = "written"
	StateRejected State = "rejected"
	StateFailed   State = "failed"
)

// Settled reports whether no further push may happen for the key
func (s State) Settled() bool {
	return s == StateWritten || s == StateRejected
}

var (
	// ErrAlreadyWritten is returned by Claim when the key is settled
	ErrAlreadyWritten = errors.New("result already written")

	// ErrClaimed is returned by Claim while another owner holds the lease
	ErrClaimed = errors.New("result claimed by another writer")

	// ErrLeaseLost is returned by Extend and Complete when the caller no longer
	// owns the key
	ErrLeaseLost = errors.New("lease lost")
)

// Record is the ledger entry of one (job_id, stage) key
type Record struct {
	JobID     string    `json:"job_id"`
	Stage     string    `json:"stage"`
	State     State     `json:"state"`
	Owner     string    `json:"owner,omitempty"`
	Attempts  int       `json:"attempts"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ledger is implemented by the SQL and Redis backends
type Ledger interface {
	// Claim takes the key for owner for ttl. It fails with ErrAlreadyWritten
	// or ErrClaimed.
	Claim(ctx context.Context, jobID string, stage queue.Stage, owner string, ttl time.Duration) error
	// Extend pushes owner's lease out to now+ttl. It fails with ErrLeaseLost
	// once the key was taken over or settled.
	Extend(ctx context.Context, jobID string, stage queue.Stage, owner string, ttl time.Duration) error
	// Complete moves a claimed key to state
	Complete(ctx context.Context, jobID string, stage queue.Stage, owner string, state State, detail string) error
	// Release drops owner's lease so the key can be claimed immediately
	Release(ctx context.Context, jobID string, stage queue.Stage, owner string) error
	// Get returns every recorded stage of a job
	Get(ctx context.Context, jobID string) ([]Record, error)
}
