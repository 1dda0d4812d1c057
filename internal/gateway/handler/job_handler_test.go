package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/gateway/handler"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/router"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/service"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/storage"
	"github.com/cuongbtq/lara-orchestrator/internal/health"
	"github.com/cuongbtq/lara-orchestrator/internal/ledger"
	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBroker struct {
	mu        sync.Mutex
	down      bool
	failQueue string
	published map[string][]queue.TaskMessage
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.down
}

func (b *fakeBroker) HealthCheck(context.Context) error {
	if !b.IsConnected() {
		return errors.New("not connected to RabbitMQ")
	}
	return nil
}

func (b *fakeBroker) PublishWithRetry(_ context.Context, q string, body []byte, _ string) error {
	if q == b.failQueue {
		return errors.New("publish confirm timeout")
	}
	var task queue.TaskMessage
	if err := json.Unmarshal(body, &task); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = map[string][]queue.TaskMessage{}
	}
	b.published[q] = append(b.published[q], task)
	return nil
}

type env struct {
	router http.Handler
	broker *fakeBroker
	ledger *ledger.SQLLedger
}

func newEnv(t *testing.T, limiter *rate.Limiter) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sqlx.Connect("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	jobs := storage.NewStorage(db)
	require.NoError(t, jobs.Migrate(context.Background()))
	l := ledger.NewSQLLedger(db, logger)
	require.NoError(t, l.Migrate(context.Background()))

	broker := &fakeBroker{}
	submitter := service.NewSubmitter(&service.Config{Logger: logger, Publisher: broker, Jobs: jobs})

	r := router.SetupRouter(&handler.Dependencies{
		Logger:    logger,
		Submitter: submitter,
		Jobs:      jobs,
		Ledger:    l,
	}, router.Options{
		Health:  health.Config{Service: "gateway", Broker: broker},
		Limiter: limiter,
	})

	return &env{router: r, broker: broker, ledger: l}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestSubmitJob_Accepted(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"source_reference": "https://example.com/a.cog.tif",
		"image_id":         "a",
		"requested_stages": []string{"segmentation", "points"},
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, []any{"segmentation", "point_extraction"}, body["stages"])

	jobID := body["job_id"].(string)
	require.Len(t, e.broker.published["segmentation"], 1)
	require.Len(t, e.broker.published["point_extraction"], 1)
	assert.Equal(t, jobID, e.broker.published["segmentation"][0].JobID)
}

func TestSubmitJob_BadRequests(t *testing.T) {
	e := newEnv(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{"missing reference", map[string]any{"requested_stages": []string{"segmentation"}}},
		{"missing stages", map[string]any{"source_reference": "/a.tif"}},
		{"empty stages", map[string]any{"source_reference": "/a.tif", "requested_stages": []string{}}},
		{"unknown stage", map[string]any{"source_reference": "/a.tif", "requested_stages": []string{"ocr"}}},
		{"image id outside image dir", map[string]any{"source_reference": "/a.tif", "image_id": "../../etc/x", "requested_stages": []string{"segmentation"}}},
		{"not json", "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, e.broker.published)
}

func TestSubmitJob_BrokerUnavailable(t *testing.T) {
	e := newEnv(t, nil)
	e.broker.down = true

	w := e.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"source_reference": "/a.tif",
		"requested_stages": []string{"segmentation"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "disconnected", decode(t, w)["broker"])
}

func TestSubmitJob_PartialEnqueueReturnsJobID(t *testing.T) {
	e := newEnv(t, nil)
	e.broker.failQueue = "metadata_extraction"

	w := e.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"source_reference": "/a.tif",
		"requested_stages": []string{"segmentation", "metadata_extraction"},
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	body := decode(t, w)
	require.Len(t, e.broker.published["segmentation"], 1)
	assert.Equal(t, e.broker.published["segmentation"][0].JobID, body["job_id"])
	assert.Equal(t, []any{"segmentation"}, body["enqueued_stages"])
}

func TestSubmitJob_RateLimited(t *testing.T) {
	e := newEnv(t, rate.NewLimiter(rate.Every(time.Hour), 1))
	req := map[string]any{"source_reference": "/a.tif", "requested_stages": []string{"segmentation"}}

	assert.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/api/v1/jobs", req).Code)
	assert.Equal(t, http.StatusTooManyRequests, e.do(t, http.MethodPost, "/api/v1/jobs", req).Code)
}

func TestGetJob_IncludesStageStates(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"source_reference": "/a.tif",
		"requested_stages": []string{"segmentation", "metadata"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	jobID := decode(t, w)["job_id"].(string)

	ctx := context.Background()
	require.NoError(t, e.ledger.Claim(ctx, jobID, queue.Segmentation, "w1", time.Minute))
	require.NoError(t, e.ledger.Complete(ctx, jobID, queue.Segmentation, "w1", ledger.StateWritten, ""))

	w = e.do(t, http.MethodGet, "/api/v1/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, jobID, body["job_id"])
	assert.Equal(t, []any{"segmentation", "metadata_extraction"}, body["stages"])

	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "segmentation", results[0].(map[string]any)["stage"])
	assert.Equal(t, "written", results[0].(map[string]any)["state"])

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/jobs/6f1c2b0e-8f5d-4d8c-9a57-3c1e2f4b5a6d", nil).Code)
}

func TestListJobs_Pagination(t *testing.T) {
	e := newEnv(t, nil)
	for i := 0; i < 3; i++ {
		w := e.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
			"source_reference": "/a.tif",
			"requested_stages": []string{"georef"},
		})
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	w := e.do(t, http.MethodGet, "/api/v1/jobs?page_size=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["jobs"], 2)
	cursor, ok := body["next_cursor"].(string)
	require.True(t, ok)

	w = e.do(t, http.MethodGet, "/api/v1/jobs?page_size=2&cursor="+cursor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Len(t, body["jobs"], 1)
	assert.Nil(t, body["next_cursor"])

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/api/v1/jobs?cursor=bm90LWEtY3Vyc29y", nil).Code)
}

func TestProcessEvent(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(t, http.MethodPost, "/process_event", map[string]any{"id": "e1", "event": "ping"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", decode(t, w)["ok"])
	assert.Empty(t, e.broker.published)

	w = e.do(t, http.MethodPost, "/process_event", map[string]any{"id": "e2", "event": "feature.process"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, e.broker.published)

	w = e.do(t, http.MethodPost, "/process_event", map[string]any{
		"id":      "e3",
		"event":   "map.process",
		"payload": map[string]any{"cog_id": "abc", "cog_url": "https://cogs.example.com/abc.cog.tif"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	jobID := decode(t, w)["job_id"].(string)

	for _, stage := range queue.DefaultStages() {
		tasks := e.broker.published[stage.Queue()]
		require.Len(t, tasks, 1, stage.String())
		assert.Equal(t, jobID, tasks[0].JobID)
		assert.Equal(t, "abc", tasks[0].ImageID)
		assert.Equal(t, "https://cogs.example.com/abc.cog.tif", tasks[0].InputReference)
	}
	assert.Empty(t, e.broker.published["text_extraction"])

	w = e.do(t, http.MethodPost, "/process_event", map[string]any{
		"event":   "map.process",
		"payload": map[string]any{"cog_id": "abc"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/process_event", map[string]any{
		"event":   "map.process",
		"payload": map[string]any{"cog_id": "../abc", "cog_url": "https://cogs.example.com/abc.cog.tif"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	e.broker.down = true
	w = e.do(t, http.MethodPost, "/process_event", map[string]any{
		"event":   "map.process",
		"payload": map[string]any{"cog_id": "abc", "cog_url": "https://cogs.example.com/abc.cog.tif"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
