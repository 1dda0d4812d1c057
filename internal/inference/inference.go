// Package inference is the boundary to the model servers. The core treats each
// stage's inference as one blocking call taking an image and returning JSON.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/cuongbtq/lara-orchestrator/internal/worker/domain"
)

// Request identifies the image a stage should analyse
type Request struct {
	JobID     string
	ImageID   string
	Stage     queue.Stage
	ImagePath string
}

// Inferencer runs one stage's model over an image. Transient failures are
// returned as *domain.RetryableError; anything else is permanent.
type Inferencer interface {
	Infer(ctx context.Context, req Request) (json.RawMessage, error)
}

// Func adapts a function to Inferencer
type Func func(ctx context.Context, req Request) (json.RawMessage, error)

// Infer calls f
func (f Func) Infer(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// maxErrorBody bounds how much of a failed response ends up in error_detail
const maxErrorBody = 512

// HTTPClient posts the raw image bytes to a model server's process_image route
type HTTPClient struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPClient creates a client for the model server at baseURL
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/process_image",
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Infer sends the image and returns the model's JSON response
func (c *HTTPClient) Infer(ctx context.Context, req Request) (json.RawMessage, error) {
	image, err := os.ReadFile(req.ImagePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrArtifactNotFound, req.ImagePath)
		}
		return nil, domain.NewRetryableError(fmt.Errorf("failed to read image: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("failed to build inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			// shutdown, not a model failure
			return nil, ctx.Err()
		}
		return nil, domain.NewRetryableError(fmt.Errorf("inference request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewRetryableError(fmt.Errorf("failed to read inference response: %w", err))
	}

	c.logger.Debug("Inference response",
		slog.String("job_id", req.JobID),
		slog.String("stage", req.Stage.String()),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, domain.NewRetryableError(fmt.Errorf("model server returned %d: %s", resp.StatusCode, truncate(body)))
	default:
		return nil, fmt.Errorf("%w: model server returned %d: %s", domain.ErrInferenceFailed, resp.StatusCode, truncate(body))
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: model server returned invalid JSON", domain.ErrInferenceFailed)
	}

	return json.RawMessage(body), nil
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

// IsTimeout reports whether err is a deadline or network timeout
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
