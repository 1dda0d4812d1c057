//go:build integration

package ledger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/queue"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestRedisLedger(t *testing.T) {
	rdb := startRedis(t)
	l := NewRedisLedger(rdb, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	require.NoError(t, l.Claim(ctx, "J1", queue.Segmentation, "writer-a", time.Minute))
	assert.ErrorIs(t, l.Claim(ctx, "J1", queue.Segmentation, "writer-b", time.Minute), ErrClaimed)
	require.NoError(t, l.Extend(ctx, "J1", queue.Segmentation, "writer-a", time.Minute))
	assert.ErrorIs(t, l.Extend(ctx, "J1", queue.Segmentation, "writer-b", time.Minute), ErrLeaseLost)

	require.NoError(t, l.Release(ctx, "J1", queue.Segmentation, "writer-a"))
	require.NoError(t, l.Claim(ctx, "J1", queue.Segmentation, "writer-b", time.Minute))

	assert.ErrorIs(t, l.Complete(ctx, "J1", queue.Segmentation, "writer-a", StateWritten, ""), ErrLeaseLost)
	require.NoError(t, l.Complete(ctx, "J1", queue.Segmentation, "writer-b", StateWritten, ""))
	assert.ErrorIs(t, l.Claim(ctx, "J1", queue.Segmentation, "writer-c", time.Minute), ErrAlreadyWritten)

	records, err := l.Get(ctx, "J1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, StateWritten, records[0].State)
	assert.Equal(t, 2, records[0].Attempts)

	ttl, err := rdb.PTTL(ctx, jobKey("J1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
