// Package health serves the liveness and metrics endpoints every component
// exposes.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/lara-orchestrator/shared/metrics"
	"github.com/gin-gonic/gin"
)

// Checker reports whether a dependency is reachable
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to Checker
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Config describes what /health reports. Checks holds optional extra
// dependencies such as the ledger store.
type Config struct {
	Service string
	Broker  Checker
	Checks  map[string]Checker
	Metrics *metrics.Metrics
	Timeout time.Duration
}

// Register adds GET /health and, when metrics are configured, GET /metrics
func Register(r gin.IRoutes, cfg Config) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		status := http.StatusOK
		body := gin.H{
			"status":  "healthy",
			"service": cfg.Service,
			"broker":  "connected",
		}

		if cfg.Broker != nil {
			if err := cfg.Broker.HealthCheck(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["broker"] = "disconnected"
				body["error"] = err.Error()
			}
		}

		if len(cfg.Checks) > 0 {
			checks := make(gin.H, len(cfg.Checks))
			for name, check := range cfg.Checks {
				if err := check.HealthCheck(ctx); err != nil {
					status = http.StatusServiceUnavailable
					checks[name] = err.Error()
					continue
				}
				checks[name] = "ok"
			}
			body["checks"] = checks
		}

		if status != http.StatusOK {
			body["status"] = "unhealthy"
		}
		c.JSON(status, body)
	})

	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}
}

// NewRouter builds the standalone health router used by workers and writers
func NewRouter(cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	Register(r, cfg)
	return r
}

// Serve runs srv until ctx is canceled, then shuts it down gracefully
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err, ok := <-errChan:
		if ok {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}
	return nil
}
