package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/lara-orchestrator/internal/gateway/model"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/service"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/storage"
	"github.com/cuongbtq/lara-orchestrator/internal/ledger"
	"github.com/cuongbtq/lara-orchestrator/shared/logger"
)

// JobStore reads recorded jobs
type JobStore interface {
	GetJobByID(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error)
}

// Dependencies holds all dependencies needed by handlers. Jobs, Ledger and
// Events are optional.
type Dependencies struct {
	Logger    *slog.Logger
	Submitter *service.Submitter
	Jobs      JobStore
	Ledger    ledger.Ledger
	Events    *logger.EventLog
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	submitter *service.Submitter
	jobs      JobStore
	ledger    ledger.Ledger
	events    *logger.EventLog
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	events := deps.Events
	if events == nil {
		events, _ = logger.NewEventLog("")
	}
	return &JobHandler{
		logger:    deps.Logger,
		submitter: deps.Submitter,
		jobs:      deps.Jobs,
		ledger:    deps.Ledger,
		events:    events,
	}
}
