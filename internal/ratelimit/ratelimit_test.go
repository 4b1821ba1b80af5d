package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/vertebra-api/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	l, err := New(context.Background(), config.RateLimitConfig{})
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestNew_LocalByDefault(t *testing.T) {
	l, err := New(context.Background(), config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, l)
	assert.NoError(t, l.Close())
}

func TestNew_BadRedisURL(t *testing.T) {
	_, err := New(context.Background(), config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1, RedisURL: "ftp://nowhere"})
	assert.Error(t, err)
}

func TestNewRedis_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewRedis(ctx, "redis://127.0.0.1:1/0", 1, 1)
	assert.Error(t, err)
}

func TestLocal_Allow(t *testing.T) {
	l, err := NewLocal(0.001, 2, 16)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, _ := l.Allow(ctx, "10.0.0.1")
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "10.0.0.2")
	assert.True(t, ok, "other clients keep their own budget")
}

func TestLocal_ForgetsOldKeys(t *testing.T) {
	l, err := NewLocal(0.001, 1, 1)
	require.NoError(t, err)
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "a")
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "b")
	assert.True(t, ok)

	// "a" was evicted, so it starts with a full bucket again
	ok, _ = l.Allow(ctx, "a")
	assert.True(t, ok)
}

func newTestRedis(t *testing.T, rps float64, burst int) (*Redis, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)

	r, err := NewRedis(context.Background(), "redis://"+mr.Addr(), rps, burst)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
	})

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, mr, &now
}

func TestNew_Redis(t *testing.T) {
	mr := miniredis.RunT(t)

	l, err := New(context.Background(), config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1, RedisURL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, l)
	assert.NoError(t, l.Close())
}

func TestRedis_Allow(t *testing.T) {
	r, mr, now := newTestRedis(t, 2, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := r.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}
	ok, err := r.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")

	ok, err = r.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok, "other clients keep their own budget")

	// 2 tokens per second: 250ms is half a token, 500ms a whole one
	*now = now.Add(250 * time.Millisecond)
	ok, _ = r.Allow(ctx, "10.0.0.1")
	assert.False(t, ok)

	*now = now.Add(250 * time.Millisecond)
	ok, _ = r.Allow(ctx, "10.0.0.1")
	assert.True(t, ok, "one token refilled")
	ok, _ = r.Allow(ctx, "10.0.0.1")
	assert.False(t, ok)

	// refill never exceeds the burst
	*now = now.Add(time.Minute)
	for i := 0; i < 3; i++ {
		ok, _ = r.Allow(ctx, "10.0.0.1")
		assert.True(t, ok, "request %d after idle", i)
	}
	ok, _ = r.Allow(ctx, "10.0.0.1")
	assert.False(t, ok)

	assert.True(t, mr.Exists("ratelimit:10.0.0.1"))
}

func TestRedis_BucketExpires(t *testing.T) {
	r, mr, _ := newTestRedis(t, 2, 3)
	ctx := context.Background()

	ok, err := r.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)

	// twice the time a full refill takes
	assert.Equal(t, 3*time.Second, mr.TTL("ratelimit:10.0.0.1"))

	mr.FastForward(4 * time.Second)
	assert.False(t, mr.Exists("ratelimit:10.0.0.1"))
}

func TestRedis_ScriptError(t *testing.T) {
	r, mr, _ := newTestRedis(t, 1, 1)
	mr.Close()

	_, err := r.Allow(context.Background(), "10.0.0.1")
	assert.Error(t, err)
}
