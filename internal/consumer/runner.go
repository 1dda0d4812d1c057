// Package consumer runs a manual-acknowledgement consumer over one queue: a
// dispatcher feeds a fixed pool of handler loops and every delivery is settled
// exactly once from the handler's returned error.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/lara-orchestrator/shared/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Source is the broker side of a consumer; *rabbitmq.Client satisfies it
type Source interface {
	Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
	Reconnect(ctx context.Context) error
}

// Handler processes one delivery. A nil error acks, a *RequeueError nacks with
// requeue and anything else nacks without requeue.
type Handler interface {
	Handle(ctx context.Context, d amqp.Delivery) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, d amqp.Delivery) error

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, d amqp.Delivery) error {
	return f(ctx, d)
}

// Config holds runner configuration
type Config struct {
	Queue       string
	ConsumerTag string
	// Concurrency is both the pool size and the broker prefetch, so a
	// delivery is only taken when a loop is free to handle it
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Runner consumes one queue with a bounded pool of handler loops
type Runner struct {
	source  Source
	handler Handler
	cfg     Config
	logger  *slog.Logger

	jobsChan chan amqp.Delivery
	wg       sync.WaitGroup
}

// NewRunner creates a runner; Concurrency below 1 is treated as 1
func NewRunner(source Source, handler Handler, cfg Config) *Runner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("queue", cfg.Queue))

	return &Runner{
		source:   source,
		handler:  handler,
		cfg:      cfg,
		logger:   logger,
		jobsChan: make(chan amqp.Delivery),
	}
}

// Run consumes until ctx is done. A closed delivery channel triggers a
// reconnect; Run returns an error only when consuming cannot be (re)started.
func (r *Runner) Run(ctx context.Context) error {
	deliveries, err := r.source.Consume(r.cfg.Queue, r.cfg.ConsumerTag, r.cfg.Concurrency)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", r.cfg.Queue, err)
	}
	r.recordBroker(true)

	r.spawnPool(ctx)
	defer func() {
		close(r.jobsChan)
		r.wg.Wait()
		r.logger.Info("Consumer stopped")
	}()

	for {
		if closed := r.dispatch(ctx, deliveries); !closed {
			return nil
		}

		r.recordBroker(false)
		r.logger.Warn("Delivery channel closed, reconnecting")

		if err := r.source.Reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to reconnect: %w", err)
		}
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.RecordBrokerReconnect()
		}

		deliveries, err = r.source.Consume(r.cfg.Queue, r.cfg.ConsumerTag, r.cfg.Concurrency)
		if err != nil {
			return fmt.Errorf("failed to resume consuming %s: %w", r.cfg.Queue, err)
		}
		r.recordBroker(true)
	}
}

// dispatch forwards deliveries to the pool. It reports true when the
// delivery channel closed and false when ctx ended.
func (r *Runner) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Message dispatcher stopped - context canceled")
			return false

		case d, ok := <-deliveries:
			if !ok {
				return true
			}

			if r.cfg.Metrics != nil {
				r.cfg.Metrics.RecordConsumed(r.cfg.Queue)
			}

			select {
			case r.jobsChan <- d:
				r.logger.Debug("Delivery dispatched to pool",
					slog.Uint64("delivery_tag", d.DeliveryTag),
				)
			case <-ctx.Done():
				r.logger.Info("Message dispatcher stopped while dispatching")
				if err := d.Nack(false, true); err != nil {
					r.logger.Error("Failed to NACK message on shutdown",
						slog.Any("error", err),
					)
				}
				return false
			}
		}
	}
}

func (r *Runner) recordBroker(connected bool) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordBrokerStatus(connected)
	}
}
