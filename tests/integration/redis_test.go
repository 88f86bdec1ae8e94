//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcflow/qcflow/internal/domain"
	redisstore "github.com/qcflow/qcflow/internal/redis"
)

// newRedisClient returns a client connected to the test container and flushes
// the database on test cleanup so tests don't interfere with each other.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

func TestRedis_SetGetStatus_RoundTrip(t *testing.T) {
	cache := redisstore.NewStatusCache(newRedisClient(t))
	ctx := context.Background()

	require.NoError(t, cache.SetStatus(ctx, "fp-1", domain.StatusSubmitted))

	got, err := cache.GetStatus(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, got)
}

func TestRedis_GetStatus_NotFound(t *testing.T) {
	cache := redisstore.NewStatusCache(newRedisClient(t))

	_, err := cache.GetStatus(context.Background(), "does-not-exist")
	require.Error(t, err)

	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "does-not-exist", notFound.Fingerprint)
}

func TestRedis_SetGetResult_RoundTrip(t *testing.T) {
	cache := redisstore.NewStatusCache(newRedisClient(t))
	ctx := context.Background()

	result := &domain.ResultRecord{
		Fingerprint: "fp-result",
		Payload:     []byte(`{"energy":-1.5}`),
		Success:     true,
		Program:     "model",
	}
	require.NoError(t, cache.SetResult(ctx, result))

	got, err := cache.GetResult(ctx, "fp-result")
	require.NoError(t, err)
	assert.True(t, got.Success)
	assert.Equal(t, "model", got.Program)
	assert.JSONEq(t, `{"energy":-1.5}`, string(got.Payload))
}

func TestRedis_Invalidate_DropsStatusAndResult(t *testing.T) {
	cache := redisstore.NewStatusCache(newRedisClient(t))
	ctx := context.Background()

	require.NoError(t, cache.SetStatus(ctx, "fp-inv", domain.StatusQueued))
	require.NoError(t, cache.SetResult(ctx, &domain.ResultRecord{Fingerprint: "fp-inv"}))
	require.NoError(t, cache.Invalidate(ctx, "fp-inv"))

	var notFound *domain.TaskNotFoundError
	_, err := cache.GetStatus(ctx, "fp-inv")
	require.ErrorAs(t, err, &notFound)
	_, err = cache.GetResult(ctx, "fp-inv")
	require.ErrorAs(t, err, &notFound)
}

// ── Worker registry ──────────────────────────────────────────────────────────

func TestWorkerRegistry_BeatAliveDeregister(t *testing.T) {
	registry := redisstore.NewWorkerRegistry(newRedisClient(t))
	ctx := context.Background()

	hb := redisstore.Heartbeat{
		WorkerID: "worker-int-1",
		Tag:      "gpu",
		Programs: []string{"model"},
		SentAt:   time.Now().UTC(),
	}
	require.NoError(t, registry.Beat(ctx, hb))

	alive, err := registry.Alive(ctx)
	require.NoError(t, err)
	require.Len(t, alive, 1)
	assert.Equal(t, "worker-int-1", alive[0].WorkerID)
	assert.Equal(t, "gpu", alive[0].Tag)

	require.NoError(t, registry.Deregister(ctx, "worker-int-1"))
	alive, err = registry.Alive(ctx)
	require.NoError(t, err)
	assert.Empty(t, alive)
}

// ── Leader election ──────────────────────────────────────────────────────────

func TestElector_SingleLeader(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()

	a := redisstore.NewElector(client, "sweep", "instance-a")
	b := redisstore.NewElector(client, "sweep", "instance-b")

	leader, err := a.AcquireOrRenew(ctx)
	require.NoError(t, err)
	assert.True(t, leader, "first instance acquires the lease")

	leader, err = b.AcquireOrRenew(ctx)
	require.NoError(t, err)
	assert.False(t, leader, "second instance must not be leader while the lease holds")

	leader, err = a.AcquireOrRenew(ctx)
	require.NoError(t, err)
	assert.True(t, leader, "holder renews its own lease")
}

// ── Rate limiter ─────────────────────────────────────────────────────────────

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 5, time.Second)
	ctx := context.Background()

	for i := range 5 {
		ok, err := limiter.Allow(ctx, "within-limit")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 3, time.Second)
	ctx := context.Background()

	for range 3 {
		ok, err := limiter.Allow(ctx, "over-limit")
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "over-limit")
	require.NoError(t, err)
	assert.False(t, ok, "4th request should be rate-limited")
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	// Use a short window so the test doesn't take too long.
	window := 200 * time.Millisecond
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 2, window)
	ctx := context.Background()

	// Fill the window.
	for range 2 {
		ok, err := limiter.Allow(ctx, "expiry-key")
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Third request in the same window should be blocked.
	ok, err := limiter.Allow(ctx, "expiry-key")
	require.NoError(t, err)
	assert.False(t, ok, "should be blocked within window")

	// After the window expires, the limit resets.
	time.Sleep(window + 50*time.Millisecond)

	ok, err = limiter.Allow(ctx, "expiry-key")
	require.NoError(t, err)
	assert.True(t, ok, "should be allowed after window expires")
}

func TestRateLimiter_IndependentKeys(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 1, time.Second)
	ctx := context.Background()

	// Exhaust limit for key A.
	ok, err := limiter.Allow(ctx, "key-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "key-a")
	require.NoError(t, err)
	assert.False(t, ok, "key-a should be limited")

	// key-b has its own independent window.
	ok, err = limiter.Allow(ctx, "key-b")
	require.NoError(t, err)
	assert.True(t, ok, "key-b should be independent of key-a")
}
