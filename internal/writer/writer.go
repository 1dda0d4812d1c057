package writer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/consumer"
	"github.com/cuongbtq/lara-orchestrator/internal/ledger"
	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/cuongbtq/lara-orchestrator/shared/logger"
	"github.com/cuongbtq/lara-orchestrator/shared/metrics"
	"github.com/cuongbtq/lara-orchestrator/shared/retry"
	"github.com/google/uuid"
)

// Publisher enqueues chained stage tasks
type Publisher interface {
	PublishWithRetry(ctx context.Context, queue string, body []byte, contentType string) error
}

// Config holds result writer configuration
type Config struct {
	Logger    *slog.Logger
	Source    consumer.Source
	Publisher Publisher
	Ledger    ledger.Ledger
	Sink      Sink
	Events    *logger.EventLog
	Metrics   *metrics.Metrics

	Concurrency  int
	Push         retry.Config
	ClaimTTL     time.Duration
	RequeueDelay time.Duration
	Chain        Chain
}

// Writer consumes the result queue and pushes each (job_id, stage) result to
// the sink once
type Writer struct {
	writerID     string
	logger       *slog.Logger
	source       consumer.Source
	publisher    Publisher
	ledger       ledger.Ledger
	sink         Sink
	events       *logger.EventLog
	metrics      *metrics.Metrics
	concurrency  int
	push         retry.Config
	claimTTL     time.Duration
	requeueDelay time.Duration
	chain        Chain
}

// NewWriter creates a result writer
func NewWriter(cfg *Config) *Writer {
	events := cfg.Events
	if events == nil {
		events, _ = logger.NewEventLog("")
	}

	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = 5 * time.Minute
	}

	writerID := fmt.Sprintf("writer-%s", uuid.NewString()[:8])

	return &Writer{
		writerID:     writerID,
		logger:       cfg.Logger.With(slog.String("writer_id", writerID)),
		source:       cfg.Source,
		publisher:    cfg.Publisher,
		ledger:       cfg.Ledger,
		sink:         cfg.Sink,
		events:       events,
		metrics:      cfg.Metrics,
		concurrency:  cfg.Concurrency,
		push:         cfg.Push,
		claimTTL:     claimTTL,
		requeueDelay: cfg.RequeueDelay,
		chain:        cfg.Chain,
	}
}

// Start consumes the result queue until ctx is canceled
func (w *Writer) Start(ctx context.Context) error {
	w.logger.Info("Starting result writer",
		slog.String("queue", queue.ResultQueue),
		slog.Int("concurrency", w.concurrency),
		slog.Int("push_attempts", w.push.MaxAttempts),
		slog.Any("chain", queue.Names(w.chain)),
	)

	runner := consumer.NewRunner(w.source, w, consumer.Config{
		Queue:       queue.ResultQueue,
		ConsumerTag: w.writerID,
		Concurrency: w.concurrency,
		Logger:      w.logger,
		Metrics:     w.metrics,
	})

	if err := runner.Run(ctx); err != nil {
		return err
	}

	w.logger.Info("Result writer stopped")
	return nil
}
