package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/consumer"
	"github.com/cuongbtq/lara-orchestrator/internal/inference"
	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/cuongbtq/lara-orchestrator/shared/metrics"
	"github.com/google/uuid"
)

// Publisher publishes a message and waits for the broker confirm
type Publisher interface {
	PublishWithRetry(ctx context.Context, queue string, body []byte, contentType string) error
}

// Resolver turns an input_reference into a readable file
type Resolver interface {
	Resolve(ctx context.Context, ref, imageID string) (string, error)
}

// Config holds worker configuration
type Config struct {
	Stage      queue.Stage
	Logger     *slog.Logger
	Source     consumer.Source
	Publisher  Publisher
	Resolver   Resolver
	Inferencer inference.Inferencer
	Metrics    *metrics.Metrics

	Concurrency  int
	Accelerators int
	MaxAttempts  int
	RetryDelay   time.Duration
	TaskTimeout  time.Duration

	// QueueType of the stage queue. Only quorum queues count redeliveries;
	// on any other type retries are republished with attempt_count raised.
	// Empty means quorum.
	QueueType string
}

// Worker consumes one stage queue and publishes a result per terminal outcome
type Worker struct {
	stage       queue.Stage
	workerID    string
	logger      *slog.Logger
	source      consumer.Source
	publisher   Publisher
	resolver    Resolver
	inferencer  inference.Inferencer
	metrics     *metrics.Metrics
	concurrency int
	maxAttempts int
	retryDelay  time.Duration
	taskTimeout time.Duration
	republish   bool
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	workerID := fmt.Sprintf("%s-%s", cfg.Stage, uuid.NewString()[:8])

	return &Worker{
		stage:       cfg.Stage,
		workerID:    workerID,
		logger:      cfg.Logger.With(slog.String("stage", cfg.Stage.String()), slog.String("worker_id", workerID)),
		source:      cfg.Source,
		publisher:   cfg.Publisher,
		resolver:    cfg.Resolver,
		inferencer:  cfg.Inferencer,
		metrics:     cfg.Metrics,
		concurrency: Concurrency(cfg.Concurrency, cfg.Accelerators),
		maxAttempts: maxAttempts,
		retryDelay:  cfg.RetryDelay,
		taskTimeout: cfg.TaskTimeout,
		republish:   cfg.QueueType != "" && cfg.QueueType != queue.QueueTypeQuorum,
	}
}

// Concurrency returns the number of in-flight tasks a worker may hold. With
// accelerators configured each unit takes exactly one task; prefetch equals
// this value so the broker is the only admission control.
func Concurrency(concurrency, accelerators int) int {
	if accelerators > 0 {
		return accelerators
	}
	if concurrency < 1 {
		return 1
	}
	return concurrency
}

// Start consumes the stage queue until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("queue", w.stage.Queue()),
		slog.Int("concurrency", w.concurrency),
		slog.Int("max_attempts", w.maxAttempts),
		slog.Duration("task_timeout", w.taskTimeout),
		slog.Bool("republish_retries", w.republish),
	)

	runner := consumer.NewRunner(w.source, w, consumer.Config{
		Queue:       w.stage.Queue(),
		ConsumerTag: w.workerID,
		Concurrency: w.concurrency,
		Logger:      w.logger,
		Metrics:     w.metrics,
	})

	if err := runner.Run(ctx); err != nil {
		return err
	}

	w.logger.Info("Worker stopped")
	return nil
}
