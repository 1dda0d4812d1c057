package cdr

import (
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

	"github.com/cuongbtq/lara-orchestrator/shared/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	return NewClient(Config{
		Host:           url + "/",
		Token:          "secret-token",
		SystemName:     "uncharted",
		SystemVersion:  "0.0.3",
		CallbackSecret: "maps rock",
		RequestTimeout: time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishFeatures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathPublishFeatures, r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "J1:segmentation", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"cog_id":"abc"}`, string(body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).PublishFeatures(context.Background(), "J1:segmentation", []byte(`{"cog_id":"abc"}`))
	require.NoError(t, err)
}

func TestPublishGeoreference_Multipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathPublishGeoref, r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.JSONEq(t, `{"cog_id":"abc","gcps":[]}`, r.FormValue("georef_result"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).PublishGeoreference(context.Background(), "J1:geo_referencing", []byte(`{"cog_id":"abc","gcps":[]}`))
	require.NoError(t, err)
}

func TestPublish_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			err := newTestClient(srv.URL).PublishFeatures(context.Background(), "k", []byte(`{}`))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, retry.IsNonRetryable(err))
			assert.Equal(t, tt.permanent, errors.Is(err, ErrPermanent))

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
		})
	}
}

func TestPublish_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(srv.URL)
	c.http.Timeout = 20 * time.Millisecond

	err := c.PublishFeatures(context.Background(), "k", []byte(`{}`))
	require.Error(t, err)
	assert.False(t, retry.IsNonRetryable(err))
}

func TestStartup_ReplacesStaleRegistrations(t *testing.T) {
	var mu sync.Mutex
	var deleted []string
	var registered Registration

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/user/me/registrations":
			_ = json.NewEncoder(w).Encode([]Registration{
				{ID: "old-1", Name: "uncharted"},
				{ID: "other", Name: "someone-else"},
			})
		case r.Method == http.MethodDelete:
			deleted = append(deleted, r.URL.Path)
		case r.Method == http.MethodPost && r.URL.Path == "/user/me/register":
			_ = json.NewDecoder(r.Body).Decode(&registered)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "new-1"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	id, err := newTestClient(srv.URL).Startup(context.Background(), "https://lara.example/process_event")
	require.NoError(t, err)

	assert.Equal(t, "new-1", id)
	assert.Equal(t, []string{"/user/me/register/old-1"}, deleted)
	assert.Equal(t, "uncharted", registered.Name)
	assert.Equal(t, "0.0.3", registered.Version)
	assert.Equal(t, "https://lara.example/process_event", registered.CallbackURL)
	assert.Equal(t, "maps rock", registered.WebhookSecret)
	assert.NotNil(t, registered.Events)
}

func TestUnregister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/user/me/register/reg-9", r.URL.Path)
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(srv.URL).Unregister(context.Background(), "reg-9"))
}
