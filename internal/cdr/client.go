// Package cdr is the HTTP client for the system-of-record: result publication
// and webhook registration, authenticated with a bearer token.
package cdr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/lara-orchestrator/shared/retry"
)

// API routes
const (
	PathPublishFeatures = "/v1/maps/publish/features"
	PathPublishGeoref   = "/v1/maps/publish/georef"
	pathRegister        = "/user/me/register"
	pathRegistrations   = "/user/me/registrations"
)

// ErrPermanent matches any 4xx response other than 408 and 429
var ErrPermanent = errors.New("permanent system-of-record error")

// StatusError is a non-2xx response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("system-of-record returned %d: %s", e.StatusCode, e.Body)
}

// Is makes errors.Is(err, ErrPermanent) true for permanent statuses
func (e *StatusError) Is(target error) bool {
	return target == ErrPermanent && Permanent(e.StatusCode)
}

// Permanent reports whether a status code should not be retried
func Permanent(status int) bool {
	return status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout &&
		status != http.StatusTooManyRequests
}

// Config holds system-of-record client configuration
type Config struct {
	Host           string
	Token          string
	SystemName     string
	SystemVersion  string
	CallbackSecret string
	RequestTimeout time.Duration
}

// Client talks to the system-of-record API
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a client. RequestTimeout bounds every call and is
// independent of broker redelivery timing.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}
}

// System returns the configured system name and version
func (c *Client) System() (string, string) {
	return c.cfg.SystemName, c.cfg.SystemVersion
}

// PublishFeatures posts a feature-results document
func (c *Client) PublishFeatures(ctx context.Context, idempotencyKey string, body []byte) error {
	_, err := c.do(ctx, http.MethodPost, PathPublishFeatures, "application/json", bytes.NewReader(body), idempotencyKey)
	return err
}

// PublishGeoreference posts a georeference result as the georef_result form field
func (c *Client) PublishGeoreference(ctx context.Context, idempotencyKey string, body []byte) error {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("georef_result", string(body)); err != nil {
		return retry.NonRetryable(fmt.Errorf("failed to build georef form: %w", err))
	}
	if err := form.Close(); err != nil {
		return retry.NonRetryable(fmt.Errorf("failed to build georef form: %w", err))
	}

	_, err := c.do(ctx, http.MethodPost, PathPublishGeoref, form.FormDataContentType(), &buf, idempotencyKey)
	return err
}

// do sends one request. Permanent failures come back wrapped with
// retry.NonRetryable so retry.Do stops immediately.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, idempotencyKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.Host+path, body)
	if err != nil {
		return nil, retry.NonRetryable(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		// timeouts and connection resets are transient
		return nil, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", path, err)
	}

	c.logger.Debug("System-of-record response",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	if Permanent(resp.StatusCode) {
		return nil, retry.NonRetryable(statusErr)
	}
	return nil, statusErr
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	respBody, err := c.do(ctx, method, path, contentType, body, "")
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
