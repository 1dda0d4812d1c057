package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/lara-orchestrator/shared/retry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RequeueError asks the runner to return the delivery to the queue after Delay
type RequeueError struct {
	Err   error
	Delay time.Duration
}

func (e *RequeueError) Error() string {
	return "requeue: " + e.Err.Error()
}

func (e *RequeueError) Unwrap() error {
	return e.Err
}

// Requeue wraps err so the delivery is redelivered after delay
func Requeue(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("requeue requested")
	}
	return &RequeueError{Err: err, Delay: delay}
}

// spawnPool starts Concurrency handler loops
func (r *Runner) spawnPool(ctx context.Context) {
	r.logger.Info("Spawning consumer pool",
		slog.Int("concurrency", r.cfg.Concurrency),
	)

	for i := 0; i < r.cfg.Concurrency; i++ {
		r.wg.Add(1)
		go r.loop(ctx, fmt.Sprintf("%s-%d", r.cfg.ConsumerTag, i))
	}
}

// loop handles deliveries until the jobs channel is closed
func (r *Runner) loop(ctx context.Context, name string) {
	defer r.wg.Done()

	logger := r.logger.With(slog.String("worker_name", name))
	logger.Debug("Consumer loop started")

	for d := range r.jobsChan {
		err := r.handler.Handle(ctx, d)
		r.settle(ctx, logger, d, err)
	}

	logger.Debug("Consumer loop stopped")
}

// settle acks or nacks d based on the handler result
func (r *Runner) settle(ctx context.Context, logger *slog.Logger, d amqp.Delivery, err error) {
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Error("Failed to ACK message",
				slog.Uint64("delivery_tag", d.DeliveryTag),
				slog.Any("error", ackErr),
			)
		}
		return
	}

	var rq *RequeueError
	requeue := errors.As(err, &rq)
	if requeue && rq.Delay > 0 {
		// on shutdown the delivery goes back immediately
		_ = retry.Sleep(ctx, rq.Delay)
	}

	if nackErr := d.Nack(false, requeue); nackErr != nil {
		logger.Error("Failed to NACK message",
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Bool("requeue", requeue),
			slog.Any("error", nackErr),
		)
		return
	}

	logger.Info("Message NACKed",
		slog.Uint64("delivery_tag", d.DeliveryTag),
		slog.Bool("requeue", requeue),
		slog.Any("error", err),
	)
}
