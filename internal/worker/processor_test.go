package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/artifact"
	"github.com/cuongbtq/lara-orchestrator/internal/consumer"
	"github.com/cuongbtq/lara-orchestrator/internal/inference"
	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/cuongbtq/lara-orchestrator/internal/worker/domain"
	"github.com/cuongbtq/lara-orchestrator/shared/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	queue string
	body  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, q string, body []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{queue: q, body: body})
	return nil
}

func (p *fakePublisher) results(t *testing.T) []queue.ResultMessage {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]queue.ResultMessage, 0, len(p.msgs))
	for _, m := range p.msgs {
		if m.queue != queue.ResultQueue {
			continue
		}
		r, err := queue.DecodeResult(m.body)
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func (p *fakePublisher) last(q string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.msgs) - 1; i >= 0; i-- {
		if p.msgs[i].queue == q {
			return p.msgs[i].body, true
		}
	}
	return nil, false
}

type fakeResolver struct {
	err error
}

func (r fakeResolver) Resolve(_ context.Context, ref, _ string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return "/images/" + ref, nil
}

func newTestWorker(pub *fakePublisher, res Resolver, inf inference.Inferencer, maxAttempts int) *Worker {
	return NewWorker(&Config{
		Stage:       queue.Segmentation,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Publisher:   pub,
		Resolver:    res,
		Inferencer:  inf,
		Metrics:     metrics.New("worker"),
		MaxAttempts: maxAttempts,
	})
}

func taskDelivery(t *testing.T, task queue.TaskMessage, deliveryCount int64) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(task)
	require.NoError(t, err)
	return amqp.Delivery{
		Body:    body,
		Headers: amqp.Table{"x-delivery-count": deliveryCount},
	}
}

func okInferencer(payload string) inference.Inferencer {
	return inference.Func(func(context.Context, inference.Request) (json.RawMessage, error) {
		return json.RawMessage(payload), nil
	})
}

func isRequeue(err error) bool {
	var rq *consumer.RequeueError
	return errors.As(err, &rq)
}

func TestHandle_SuccessPublishesBeforeAck(t *testing.T) {
	pub := &fakePublisher{}
	w := newTestWorker(pub, fakeResolver{}, okInferencer(`{"segments":[]}`), 3)

	task := queue.NewTask("J1", queue.Segmentation, "abc.tif", "abc")
	err := w.Handle(context.Background(), taskDelivery(t, task, 0))

	require.NoError(t, err)
	results := pub.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, "J1", results[0].JobID)
	assert.Equal(t, queue.Segmentation, results[0].Stage)
	assert.Equal(t, queue.StatusSuccess, results[0].Status)
	assert.Equal(t, 1, results[0].AttemptCount)
	assert.JSONEq(t, `{"segments":[]}`, string(results[0].Payload))
	assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.MessageOutcomes.WithLabelValues("segmentation", metrics.OutcomeSuccess)))
}

func TestHandle_ArtifactNotFoundIsTerminal(t *testing.T) {
	pub := &fakePublisher{}
	called := false
	inf := inference.Func(func(context.Context, inference.Request) (json.RawMessage, error) {
		called = true
		return nil, nil
	})
	w := newTestWorker(pub, fakeResolver{err: fmt.Errorf("%w: /x.tif", artifact.ErrNotFound)}, inf, 3)

	err := w.Handle(context.Background(), taskDelivery(t, queue.NewTask("J1", queue.Segmentation, "/x.tif", ""), 0))

	require.NoError(t, err)
	assert.False(t, called)
	results := pub.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, queue.StatusFailure, results[0].Status)
	assert.Equal(t, queue.ReasonArtifactNotFound, results[0].Reason)
}

func TestHandle_TransientResolveRequeues(t *testing.T) {
	pub := &fakePublisher{}
	w := newTestWorker(pub, fakeResolver{err: errors.New("connection reset")}, okInferencer(`{}`), 3)

	err := w.Handle(context.Background(), taskDelivery(t, queue.NewTask("J1", queue.Segmentation, "http://x/a.tif", "a"), 0))

	assert.True(t, isRequeue(err))
	assert.Empty(t, pub.results(t))
}

func TestHandle_TimeoutsThenSuccess(t *testing.T) {
	pub := &fakePublisher{}
	calls := 0
	inf := inference.Func(func(context.Context, inference.Request) (json.RawMessage, error) {
		calls++
		if calls < 3 {
			return nil, domain.NewRetryableError(context.DeadlineExceeded)
		}
		return json.RawMessage(`{"points":[1]}`), nil
	})
	w := newTestWorker(pub, fakeResolver{}, inf, 3)
	task := queue.NewTask("J1", queue.Segmentation, "a.tif", "a")

	// quorum queues report prior deliveries in x-delivery-count
	for i := int64(0); i < 2; i++ {
		err := w.Handle(context.Background(), taskDelivery(t, task, i))
		require.True(t, isRequeue(err), "attempt %d should requeue", i+1)
	}
	require.NoError(t, w.Handle(context.Background(), taskDelivery(t, task, 2)))

	results := pub.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, queue.StatusSuccess, results[0].Status)
	assert.Equal(t, 3, results[0].AttemptCount)
}

func TestHandle_AttemptCeilingProducesOneFailure(t *testing.T) {
	pub := &fakePublisher{}
	inf := inference.Func(func(context.Context, inference.Request) (json.RawMessage, error) {
		return nil, domain.NewRetryableError(errors.New("CUDA out of memory"))
	})
	w := newTestWorker(pub, fakeResolver{}, inf, 3)
	task := queue.NewTask("J1", queue.Segmentation, "a.tif", "a")

	var requeued int
	for i := int64(0); i < 3; i++ {
		err := w.Handle(context.Background(), taskDelivery(t, task, i))
		if isRequeue(err) {
			requeued++
		} else {
			require.NoError(t, err)
		}
	}

	assert.Equal(t, 2, requeued)
	results := pub.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, queue.StatusFailure, results[0].Status)
	assert.Equal(t, queue.ReasonAttemptsExhausted, results[0].Reason)
	assert.Contains(t, results[0].ErrorDetail, "CUDA out of memory")
}

func TestHandle_ClassicQueueRepublishesUntilCeiling(t *testing.T) {
	tests := []struct {
		name          string
		redelivered   bool
		wantHandled   int
		wantLastRetry int
	}{
		{"fresh task", false, 3, 3},
		// a classic redelivery only says "seen before": it counts as attempt 2
		{"redelivered after crash", true, 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			inf := inference.Func(func(context.Context, inference.Request) (json.RawMessage, error) {
				return nil, domain.NewRetryableError(errors.New("model busy"))
			})
			w := NewWorker(&Config{
				Stage:       queue.Segmentation,
				Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
				Publisher:   pub,
				Resolver:    fakeResolver{},
				Inferencer:  inf,
				MaxAttempts: 3,
				QueueType:   "classic",
			})

			body, err := json.Marshal(queue.NewTask("J1", queue.Segmentation, "a.tif", "a"))
			require.NoError(t, err)
			d := amqp.Delivery{Body: body, Redelivered: tt.redelivered}

			handled := 0
			for handled < 10 && len(pub.results(t)) == 0 {
				handled++
				require.NoError(t, w.Handle(context.Background(), d), "original is acked once its copy is queued")

				next, ok := pub.last(queue.Segmentation.Queue())
				require.True(t, ok || len(pub.results(t)) == 1)
				d = amqp.Delivery{Body: next}
			}

			assert.Equal(t, tt.wantHandled, handled)
			results := pub.results(t)
			require.Len(t, results, 1)
			assert.Equal(t, queue.StatusFailure, results[0].Status)
			assert.Equal(t, queue.ReasonAttemptsExhausted, results[0].Reason)
			assert.Equal(t, tt.wantLastRetry, results[0].AttemptCount)
		})
	}
}

func TestHandle_ClassicQueueRepublishFailureRequeues(t *testing.T) {
	pub := &fakePublisher{err: errors.New("channel closed")}
	inf := inference.Func(func(context.Context, inference.Request) (json.RawMessage, error) {
		return nil, domain.NewRetryableError(errors.New("model busy"))
	})
	w := NewWorker(&Config{
		Stage:       queue.Segmentation,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Publisher:   pub,
		Resolver:    fakeResolver{},
		Inferencer:  inf,
		MaxAttempts: 3,
		QueueType:   "classic",
	})

	body, err := json.Marshal(queue.NewTask("J1", queue.Segmentation, "a.tif", "a"))
	require.NoError(t, err)

	err = w.Handle(context.Background(), amqp.Delivery{Body: body})
	assert.True(t, isRequeue(err))
	assert.True(t, domain.IsRetryable(err))
}

func TestHandle_TaskTimeoutIsTransient(t *testing.T) {
	pub := &fakePublisher{}
	inf := inference.Func(func(ctx context.Context, _ inference.Request) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w := newTestWorker(pub, fakeResolver{}, inf, 3)
	w.taskTimeout = 10 * time.Millisecond

	err := w.Handle(context.Background(), taskDelivery(t, queue.NewTask("J1", queue.Segmentation, "a.tif", "a"), 0))

	assert.True(t, isRequeue(err))
	assert.Empty(t, pub.results(t))
}

func TestHandle_PermanentInferenceFailure(t *testing.T) {
	pub := &fakePublisher{}
	inf := inference.Func(func(context.Context, inference.Request) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: model server returned 400", domain.ErrInferenceFailed)
	})
	w := newTestWorker(pub, fakeResolver{}, inf, 3)

	err := w.Handle(context.Background(), taskDelivery(t, queue.NewTask("J1", queue.Segmentation, "a.tif", "a"), 0))

	require.NoError(t, err)
	results := pub.results(t)
	require.Len(t, results, 1)
	assert.Equal(t, queue.ReasonInferenceFailed, results[0].Reason)
}

func TestHandle_PublishFailureRequeues(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected to RabbitMQ")}
	w := newTestWorker(pub, fakeResolver{}, okInferencer(`{}`), 3)

	err := w.Handle(context.Background(), taskDelivery(t, queue.NewTask("J1", queue.Segmentation, "a.tif", "a"), 0))

	assert.True(t, isRequeue(err))
}

func TestHandle_InvalidMessages(t *testing.T) {
	t.Run("unparsable body is rejected", func(t *testing.T) {
		pub := &fakePublisher{}
		w := newTestWorker(pub, fakeResolver{}, okInferencer(`{}`), 3)

		err := w.Handle(context.Background(), amqp.Delivery{Body: []byte("{")})

		require.Error(t, err)
		assert.False(t, isRequeue(err))
		assert.ErrorIs(t, err, domain.ErrInvalidTask)
		assert.Empty(t, pub.results(t))
	})

	t.Run("missing input with job id gets failure result", func(t *testing.T) {
		pub := &fakePublisher{}
		w := newTestWorker(pub, fakeResolver{}, okInferencer(`{}`), 3)

		err := w.Handle(context.Background(), taskDelivery(t, queue.TaskMessage{JobID: "J2", Stage: queue.Segmentation}, 0))

		require.NoError(t, err)
		results := pub.results(t)
		require.Len(t, results, 1)
		assert.Equal(t, queue.ReasonInvalidTask, results[0].Reason)
	})

	t.Run("stage defaults to the queue stage", func(t *testing.T) {
		pub := &fakePublisher{}
		w := newTestWorker(pub, fakeResolver{}, okInferencer(`{}`), 3)

		err := w.Handle(context.Background(), amqp.Delivery{Body: []byte(`{"job_id":"J3","input_reference":"a.tif"}`)})

		require.NoError(t, err)
		results := pub.results(t)
		require.Len(t, results, 1)
		assert.Equal(t, queue.StatusSuccess, results[0].Status)
		assert.Equal(t, queue.Segmentation, results[0].Stage)
	})

	t.Run("task for another stage", func(t *testing.T) {
		pub := &fakePublisher{}
		w := newTestWorker(pub, fakeResolver{}, okInferencer(`{}`), 3)

		err := w.Handle(context.Background(), taskDelivery(t, queue.NewTask("J4", queue.GeoReferencing, "a.tif", ""), 0))

		require.NoError(t, err)
		results := pub.results(t)
		require.Len(t, results, 1)
		assert.Equal(t, queue.ReasonInvalidTask, results[0].Reason)
	})
}

func TestHandle_ShutdownRequeuesWithoutResult(t *testing.T) {
	pub := &fakePublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	inf := inference.Func(func(ctx context.Context, _ inference.Request) (json.RawMessage, error) {
		cancel()
		return nil, ctx.Err()
	})
	w := newTestWorker(pub, fakeResolver{}, inf, 3)

	err := w.Handle(ctx, taskDelivery(t, queue.NewTask("J1", queue.Segmentation, "a.tif", "a"), 0))

	assert.True(t, isRequeue(err))
	assert.Empty(t, pub.results(t))
}

func TestConcurrency(t *testing.T) {
	tests := []struct {
		name         string
		concurrency  int
		accelerators int
		want         int
	}{
		{"default", 0, 0, 1},
		{"cpu worker", 4, 0, 4},
		{"single gpu", 4, 1, 1},
		{"two gpus", 8, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Concurrency(tt.concurrency, tt.accelerators))
		})
	}
}
