// Package service turns job requests into stage tasks on the broker.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/artifact"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/domain"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/model"
	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/cuongbtq/lara-orchestrator/shared/metrics"
	"github.com/google/uuid"
)

// Publisher is the broker surface the submitter needs
type Publisher interface {
	IsConnected() bool
	PublishWithRetry(ctx context.Context, queue string, body []byte, contentType string) error
}

// Prefetcher downloads a job's image into the shared image directory
type Prefetcher interface {
	Resolve(ctx context.Context, ref, imageID string) (string, error)
}

// JobRecorder persists accepted jobs
type JobRecorder interface {
	CreateJob(ctx context.Context, job *model.Job) error
}

// Request is one job submission
type Request struct {
	SourceReference string
	ImageID         string
	Stages          []queue.Stage
	Source          string
}

// Submission confirms that every requested stage was enqueued. It says
// nothing about completion.
type Submission struct {
	JobID       string
	Stages      []queue.Stage
	SubmittedAt time.Time
}

// Config holds submitter dependencies. Jobs and Prefetcher are optional.
type Config struct {
	Logger     *slog.Logger
	Publisher  Publisher
	Jobs       JobRecorder
	Prefetcher Prefetcher
	Metrics    *metrics.Metrics
}

// Submitter assigns job ids and enqueues one task per requested stage
type Submitter struct {
	logger     *slog.Logger
	publisher  Publisher
	jobs       JobRecorder
	prefetcher Prefetcher
	metrics    *metrics.Metrics

	prefetches sync.WaitGroup
}

func NewSubmitter(cfg *Config) *Submitter {
	return &Submitter{
		logger:     cfg.Logger,
		publisher:  cfg.Publisher,
		jobs:       cfg.Jobs,
		prefetcher: cfg.Prefetcher,
		metrics:    cfg.Metrics,
	}
}

// Validate checks the request shape and de-duplicates the stages
func (r *Request) Validate() error {
	if r.SourceReference == "" {
		return fmt.Errorf("%w: source_reference is required", domain.ErrInvalidRequest)
	}
	if len(r.Stages) == 0 {
		return fmt.Errorf("%w: at least one stage is required", domain.ErrInvalidRequest)
	}
	if r.ImageID != "" {
		if err := artifact.ValidateImageID(r.ImageID); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
		}
	}

	seen := make(map[queue.Stage]bool, len(r.Stages))
	stages := make([]queue.Stage, 0, len(r.Stages))
	for _, s := range r.Stages {
		if !s.Valid() {
			return fmt.Errorf("%w: unknown stage %d", domain.ErrInvalidRequest, int(s))
		}
		if !seen[s] {
			seen[s] = true
			stages = append(stages, s)
		}
	}
	r.Stages = stages
	return nil
}

// Submit enqueues the job. A job_id is a random UUID, so concurrent requests
// never contend on shared state.
func (s *Submitter) Submit(ctx context.Context, req Request) (*Submission, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !s.publisher.IsConnected() {
		return nil, fmt.Errorf("%w: not connected to RabbitMQ", domain.ErrBrokerUnavailable)
	}

	jobID := uuid.NewString()
	logger := s.logger.With(
		slog.String("job_id", jobID),
		slog.String("image_id", req.ImageID),
		slog.String("source", req.Source),
	)

	var enqueued []string
	for _, stage := range req.Stages {
		task := queue.NewTask(jobID, stage, req.SourceReference, req.ImageID)
		body, err := json.Marshal(task)
		if err != nil {
			return nil, fmt.Errorf("failed to encode task: %w", err)
		}

		if err := s.publisher.PublishWithRetry(ctx, stage.Queue(), body, queue.ContentType); err != nil {
			logger.Error("Failed to enqueue task",
				slog.String("stage", stage.String()),
				slog.Any("enqueued_stages", enqueued),
				slog.Any("error", err),
			)
			err = fmt.Errorf("%w: failed to enqueue %s: %v", domain.ErrBrokerUnavailable, stage, err)
			if len(enqueued) > 0 {
				return nil, &domain.PartialEnqueueError{JobID: jobID, Enqueued: enqueued, Err: err}
			}
			return nil, err
		}
		enqueued = append(enqueued, stage.String())
		if s.metrics != nil {
			s.metrics.RecordPublished(stage.Queue())
		}
	}

	s.prefetch(ctx, logger, req)

	sub := &Submission{JobID: jobID, Stages: req.Stages, SubmittedAt: time.Now().UTC()}

	if s.jobs != nil {
		job := &model.Job{
			JobID:           jobID,
			SourceReference: req.SourceReference,
			ImageID:         req.ImageID,
			Stages:          queue.Names(req.Stages),
			Source:          req.Source,
			Status:          domain.JobStatusAccepted,
			CreatedAt:       sub.SubmittedAt,
		}
		// the tasks are already on the broker; tracking is best effort
		if err := s.jobs.CreateJob(ctx, job); err != nil {
			logger.Warn("Failed to record job", slog.Any("error", err))
		}
	}

	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(req.Source)
	}
	logger.Info("Job accepted", slog.Any("stages", queue.Names(req.Stages)))
	return sub, nil
}

// prefetch warms the image cache in the background so the caller is not held
// for the download. Workers resolve the reference themselves when it fails.
func (s *Submitter) prefetch(ctx context.Context, logger *slog.Logger, req Request) {
	if s.prefetcher == nil || req.ImageID == "" {
		return
	}

	ctx = context.WithoutCancel(ctx)
	s.prefetches.Add(1)
	go func() {
		defer s.prefetches.Done()

		path, err := s.prefetcher.Resolve(ctx, req.SourceReference, req.ImageID)
		if err != nil {
			logger.Warn("Failed to prefetch image", slog.Any("error", err))
			return
		}
		logger.Debug("Image prefetched", slog.String("path", path))
	}()
}

// Wait blocks until background prefetches finish
func (s *Submitter) Wait() {
	s.prefetches.Wait()
}
