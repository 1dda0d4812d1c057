package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/consumer"
	"github.com/cuongbtq/lara-orchestrator/internal/ledger"
	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/cuongbtq/lara-orchestrator/shared/metrics"
	"github.com/cuongbtq/lara-orchestrator/shared/retry"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handle processes one result delivery. The delivery is acked once the
// result is written, found already written, or rejected permanently.
func (w *Writer) Handle(ctx context.Context, d amqp.Delivery) error {
	result, err := queue.DecodeResult(d.Body)
	if err != nil {
		w.logger.Error("Failed to parse result message",
			slog.Any("error", err),
			slog.String("body", string(d.Body)),
		)
		w.recordOutcome(queue.StageUnknown, metrics.OutcomeRejected)
		return err
	}

	logger := w.logger.With(
		slog.String("job_id", result.JobID),
		slog.String("stage", result.Stage.String()),
		slog.String("status", string(result.Status)),
	)

	w.events.Log("result", map[string]any{
		"type":   result.Stage.String(),
		"cog_id": result.SubjectID(),
		"job_id": result.JobID,
		"status": result.Status,
	})

	owner := w.writerID + "/" + uuid.NewString()
	if err := w.ledger.Claim(ctx, result.JobID, result.Stage, owner, w.claimTTL); err != nil {
		switch {
		case errors.Is(err, ledger.ErrAlreadyWritten):
			logger.Info("Result already written, skipping duplicate")
			w.recordOutcome(result.Stage, metrics.OutcomeDuplicate)
			return nil
		case errors.Is(err, ledger.ErrClaimed):
			logger.Info("Result claimed by another writer, requeueing")
		default:
			logger.Error("Failed to claim result", slog.Any("error", err))
		}
		w.recordOutcome(result.Stage, metrics.OutcomeRequeued)
		return consumer.Requeue(err, w.requeueDelay)
	}

	if result.Status == queue.StatusFailure {
		// failures are recorded, not pushed; a later success may still be written
		detail := result.Reason
		if result.ErrorDetail != "" {
			detail = fmt.Sprintf("%s: %s", result.Reason, result.ErrorDetail)
		}
		w.complete(logger, result, owner, ledger.StateFailed, detail)
		logger.Warn("Stage failed", slog.String("detail", detail))
		w.recordOutcome(result.Stage, metrics.OutcomeFailure)
		return nil
	}

	pushCtx, stopLease := w.holdLease(ctx, logger, result, owner)
	err = retry.Do(pushCtx, w.pushConfig(logger), func(int) error {
		start := time.Now()
		err := w.sink.Write(pushCtx, result)
		if w.metrics != nil {
			w.metrics.RecordPush(result.Stage.String(), time.Since(start))
		}
		return err
	})
	if stopLease() {
		// another writer owns the key now and settles it
		logger.Warn("Lease lost during push, requeueing", slog.Any("push_error", err))
		w.recordOutcome(result.Stage, metrics.OutcomeRequeued)
		return consumer.Requeue(ledger.ErrLeaseLost, w.requeueDelay)
	}

	switch {
	case err == nil:
		if err := w.enqueueNext(ctx, logger, result); err != nil {
			w.release(logger, result, owner)
			w.recordOutcome(result.Stage, metrics.OutcomeRequeued)
			return consumer.Requeue(err, w.requeueDelay)
		}
		w.complete(logger, result, owner, ledger.StateWritten, "")
		logger.Info("Result written")
		w.recordOutcome(result.Stage, metrics.OutcomeSuccess)
		return nil

	case retry.IsNonRetryable(err):
		w.complete(logger, result, owner, ledger.StateRejected, err.Error())
		logger.Error("Result rejected by system-of-record", slog.Any("error", err))
		w.recordOutcome(result.Stage, metrics.OutcomeFailure)
		return nil

	default:
		// the outage outlived the push budget; the broker keeps the result
		logger.Error("Failed to push result, requeueing", slog.Any("error", err))
		w.release(logger, result, owner)
		w.recordOutcome(result.Stage, metrics.OutcomeRequeued)
		delay := w.requeueDelay
		if ctx.Err() != nil {
			delay = 0
		}
		return consumer.Requeue(err, delay)
	}
}

func (w *Writer) pushConfig(logger *slog.Logger) retry.Config {
	cfg := w.push
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("Push failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", delay),
			slog.Any("error", err),
		)
		if w.push.OnRetry != nil {
			w.push.OnRetry(attempt, delay, err)
		}
	}
	return cfg
}

// holdLease renews owner's claim every third of the claim TTL while a push
// is in flight. The returned context is canceled once the lease is lost; stop
// ends the renewal and reports whether that happened.
func (w *Writer) holdLease(ctx context.Context, logger *slog.Logger, result queue.ResultMessage, owner string) (context.Context, func() bool) {
	leaseCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var lost atomic.Bool

	interval := w.claimTTL / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
				extendCtx, extendCancel := ledgerContext()
				err := w.ledger.Extend(extendCtx, result.JobID, result.Stage, owner, w.claimTTL)
				extendCancel()

				switch {
				case errors.Is(err, ledger.ErrLeaseLost):
					lost.Store(true)
					cancel()
					return
				case err != nil:
					logger.Warn("Failed to extend lease", slog.Any("error", err))
				}
			}
		}
	}()

	return leaseCtx, func() bool {
		cancel()
		<-done
		return lost.Load()
	}
}

// enqueueNext publishes the next chained stage for the job
func (w *Writer) enqueueNext(ctx context.Context, logger *slog.Logger, result queue.ResultMessage) error {
	next, ok := w.chain.Next(result.Stage)
	if !ok {
		return nil
	}

	task := queue.NewTask(result.JobID, next, result.InputReference, result.ImageID)
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode chained task: %w", err)
	}

	if err := w.publisher.PublishWithRetry(ctx, next.Queue(), body, queue.ContentType); err != nil {
		logger.Error("Failed to enqueue next stage", slog.String("next_stage", next.String()), slog.Any("error", err))
		return fmt.Errorf("failed to enqueue %s: %w", next, err)
	}

	if w.metrics != nil {
		w.metrics.RecordPublished(next.Queue())
	}
	logger.Info("Next stage enqueued", slog.String("next_stage", next.String()))
	return nil
}

// complete records the terminal state. A lost lease means another replica
// took over after our claim expired; the push itself was idempotent.
func (w *Writer) complete(logger *slog.Logger, result queue.ResultMessage, owner string, state ledger.State, detail string) {
	ctx, cancel := ledgerContext()
	defer cancel()

	if err := w.ledger.Complete(ctx, result.JobID, result.Stage, owner, state, detail); err != nil {
		logger.Warn("Failed to record result state",
			slog.String("state", string(state)),
			slog.Any("error", err),
		)
	}
}

func (w *Writer) release(logger *slog.Logger, result queue.ResultMessage, owner string) {
	ctx, cancel := ledgerContext()
	defer cancel()

	if err := w.ledger.Release(ctx, result.JobID, result.Stage, owner); err != nil {
		logger.Warn("Failed to release claim", slog.Any("error", err))
	}
}

// ledgerContext outlives the handler context so state changes land during
// shutdown
func ledgerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (w *Writer) recordOutcome(stage queue.Stage, outcome string) {
	if w.metrics != nil {
		w.metrics.RecordOutcome(stage.String(), outcome)
	}
}
