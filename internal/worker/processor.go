package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/artifact"
	"github.com/cuongbtq/lara-orchestrator/internal/consumer"
	"github.com/cuongbtq/lara-orchestrator/internal/inference"
	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/cuongbtq/lara-orchestrator/internal/worker/domain"
	"github.com/cuongbtq/lara-orchestrator/shared/metrics"
	"github.com/cuongbtq/lara-orchestrator/shared/retry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handle processes one task delivery. It returns nil once a terminal result
// has been confirmed by the broker, a requeue error for transient failures and
// a plain error for bodies that cannot be correlated to a job.
func (w *Worker) Handle(ctx context.Context, d amqp.Delivery) error {
	task, err := queue.DecodeTask(d.Body)
	if err != nil {
		w.logger.Error("Failed to parse task message",
			slog.Any("error", err),
			slog.String("body", string(d.Body)),
		)
		w.recordOutcome(metrics.OutcomeRejected)
		return fmt.Errorf("%w: %v", domain.ErrInvalidTask, err)
	}

	// the queue implies the stage
	if task.Stage == queue.StageUnknown {
		task.Stage = w.stage
	}

	attempt := queue.Attempt(d, task)
	logger := w.logger.With(
		slog.String("job_id", task.JobID),
		slog.Int("attempt", attempt),
	)

	if err := w.validate(task); err != nil {
		if task.JobID == "" {
			logger.Error("Task has no job_id, rejecting", slog.Any("error", err))
			w.recordOutcome(metrics.OutcomeRejected)
			return err
		}
		logger.Warn("Invalid task", slog.Any("error", err))
		return w.finish(ctx, logger, queue.Failure(task, attempt, queue.ReasonInvalidTask, err))
	}

	logger.Info("Processing task", slog.String("input_reference", task.InputReference))

	path, err := w.resolver.Resolve(ctx, task.InputReference, task.ImageID)
	if err != nil {
		if artifact.IsNotFound(err) {
			logger.Warn("Input artifact not found", slog.Any("error", err))
			return w.finish(ctx, logger, queue.Failure(task, attempt, queue.ReasonArtifactNotFound, err))
		}
		return w.retry(ctx, logger, task, attempt, err)
	}

	payload, err := w.infer(ctx, task, path)
	switch {
	case err == nil:
		return w.finish(ctx, logger, queue.Success(task, attempt, payload))

	case ctx.Err() != nil:
		logger.Info("Shutting down mid-task, returning task to queue")
		return consumer.Requeue(ctx.Err(), 0)

	case domain.IsRetryable(err) || inference.IsTimeout(err):
		return w.retry(ctx, logger, task, attempt, err)

	case errors.Is(err, domain.ErrArtifactNotFound):
		return w.finish(ctx, logger, queue.Failure(task, attempt, queue.ReasonArtifactNotFound, err))

	default:
		logger.Warn("Inference failed permanently", slog.Any("error", err))
		return w.finish(ctx, logger, queue.Failure(task, attempt, queue.ReasonInferenceFailed, err))
	}
}

func (w *Worker) validate(task queue.TaskMessage) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidTask, err)
	}
	if task.Stage != w.stage {
		return fmt.Errorf("%w: %s task on %s queue", domain.ErrInvalidTask, task.Stage, w.stage.Queue())
	}
	return nil
}

// infer runs the inference collaborator under the task timeout
func (w *Worker) infer(ctx context.Context, task queue.TaskMessage, path string) (json.RawMessage, error) {
	inferCtx := ctx
	if w.taskTimeout > 0 {
		var cancel context.CancelFunc
		inferCtx, cancel = context.WithTimeout(ctx, w.taskTimeout)
		defer cancel()
	}

	start := time.Now()
	payload, err := w.inferencer.Infer(inferCtx, inference.Request{
		JobID:     task.JobID,
		ImageID:   task.ImageID,
		Stage:     task.Stage,
		ImagePath: path,
	})
	if w.metrics != nil {
		w.metrics.RecordInference(task.Stage.String(), time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return payload, nil
}

// retry requeues a transient failure, or publishes a terminal failure once
// the attempt ceiling is reached
func (w *Worker) retry(ctx context.Context, logger *slog.Logger, task queue.TaskMessage, attempt int, cause error) error {
	if attempt >= w.maxAttempts {
		logger.Warn("Task exceeded max attempts",
			slog.Int("max_attempts", w.maxAttempts),
			slog.Any("error", cause),
		)
		err := fmt.Errorf("%w (%d): %v", domain.ErrMaxAttemptsExceeded, attempt, cause)
		return w.finish(ctx, logger, queue.Failure(task, attempt, queue.ReasonAttemptsExhausted, err))
	}

	logger.Info("Task will be retried",
		slog.Int("max_attempts", w.maxAttempts),
		slog.Duration("retry_delay", w.retryDelay),
		slog.Any("error", cause),
	)
	w.recordOutcome(metrics.OutcomeRequeued)

	if w.republish {
		return w.republishTask(ctx, logger, task, attempt, cause)
	}
	return consumer.Requeue(domain.NewRetryableError(cause), w.retryDelay)
}

// republishTask puts a copy carrying the next attempt number back on the stage
// queue; the original delivery is acked once the copy is confirmed
func (w *Worker) republishTask(ctx context.Context, logger *slog.Logger, task queue.TaskMessage, attempt int, cause error) error {
	if err := retry.Sleep(ctx, w.retryDelay); err != nil {
		return consumer.Requeue(domain.NewRetryableError(cause), 0)
	}

	task.AttemptCount = attempt + 1
	body, err := json.Marshal(task)
	if err != nil {
		return consumer.Requeue(fmt.Errorf("failed to encode task: %w", err), w.retryDelay)
	}

	if err := w.publisher.PublishWithRetry(ctx, w.stage.Queue(), body, queue.ContentType); err != nil {
		logger.Error("Failed to republish task, returning it to queue", slog.Any("error", err))
		return consumer.Requeue(domain.NewRetryableError(cause), w.retryDelay)
	}

	logger.Debug("Task republished", slog.Int("next_attempt", task.AttemptCount))
	return nil
}

// finish publishes the terminal result; the task is acked only after the
// broker confirms it
func (w *Worker) finish(ctx context.Context, logger *slog.Logger, result queue.ResultMessage) error {
	body, err := json.Marshal(result)
	if err != nil {
		logger.Error("Failed to encode result", slog.Any("error", err))
		result.Payload = nil
		result.Status = queue.StatusFailure
		result.Reason = queue.ReasonInferenceFailed
		result.ErrorDetail = fmt.Sprintf("unencodable payload: %v", err)
		if body, err = json.Marshal(result); err != nil {
			return err
		}
	}

	if err := w.publisher.PublishWithRetry(ctx, queue.ResultQueue, body, queue.ContentType); err != nil {
		logger.Error("Failed to publish result, returning task to queue", slog.Any("error", err))
		w.recordOutcome(metrics.OutcomeRequeued)
		return consumer.Requeue(err, w.retryDelay)
	}

	if w.metrics != nil {
		w.metrics.RecordPublished(queue.ResultQueue)
	}

	outcome := metrics.OutcomeSuccess
	if result.Status == queue.StatusFailure {
		outcome = metrics.OutcomeFailure
	}
	w.recordOutcome(outcome)

	logger.Info("Result published",
		slog.String("status", string(result.Status)),
		slog.String("reason", result.Reason),
	)
	return nil
}

func (w *Worker) recordOutcome(outcome string) {
	if w.metrics != nil {
		w.metrics.RecordOutcome(w.stage.String(), outcome)
	}
}
