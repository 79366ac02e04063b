package ratelimit

import (
	"context"
	"io"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelworks/crm-core/pkg/observability"
)

func TestMemoryLimiterFixedWindow(t *testing.T) {
	l := NewMemoryLimiter()
	limit := Limit{Requests: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		res, err := l.Allow(context.Background(), "k1", limit)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, 3-(i+1), res.Remaining)
	}

	res, err := l.Allow(context.Background(), "k1", limit)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	// Independent keys do not share windows.
	res, err = l.Allow(context.Background(), "k2", limit)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	l := NewMemoryLimiter()
	limit := Limit{Requests: 1, Window: 10 * time.Millisecond}

	res, _ := l.Allow(context.Background(), "k1", limit)
	assert.True(t, res.Allowed)
	res, _ = l.Allow(context.Background(), "k1", limit)
	assert.False(t, res.Allowed)

	time.Sleep(15 * time.Millisecond)
	res, _ = l.Allow(context.Background(), "k1", limit)
	assert.True(t, res.Allowed, "new window admits again")
}

func TestMemoryLimiterSweep(t *testing.T) {
	l := NewMemoryLimiter()
	limit := Limit{Requests: 1, Window: time.Millisecond}
	l.Allow(context.Background(), "k1", limit)
	l.Allow(context.Background(), "k2", limit)

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 2, l.Sweep())
	assert.Equal(t, 0, l.Sweep())
}

func newRedisLimiter(t *testing.T) (*miniredis.Miniredis, *RedisLimiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return mr, NewRedisLimiter(client, logger)
}

func TestRedisLimiterCountsAcrossCalls(t *testing.T) {
	_, l := newRedisLimiter(t)
	limit := Limit{Requests: 2, Window: time.Minute}

	res, err := l.Allow(context.Background(), "k1", limit)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)

	res, err = l.Allow(context.Background(), "k1", limit)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	res, err = l.Allow(context.Background(), "k1", limit)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	mr, l := newRedisLimiter(t)
	mr.Close()

	res, err := l.Allow(context.Background(), "k1", Limit{Requests: 1, Window: time.Minute})
	require.NoError(t, err)
	assert.True(t, res.Allowed, "limiter outage must not reject requests")
}

func TestRedisLimiterReset(t *testing.T) {
	_, l := newRedisLimiter(t)
	limit := Limit{Requests: 1, Window: time.Minute}

	l.Allow(context.Background(), "k1", limit)
	res, _ := l.Allow(context.Background(), "k1", limit)
	assert.False(t, res.Allowed)

	require.NoError(t, l.Reset(context.Background(), "k1"))
	res, _ = l.Allow(context.Background(), "k1", limit)
	assert.True(t, res.Allowed)
}
