package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAllow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(MemoryConfig{Now: func() time.Time { return now }})

	for i := 0; i < 3; i++ {
		d, err := m.Allow(ctx, "192.0.2.1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := m.Allow(ctx, "192.0.2.1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, now.Add(time.Minute), d.ResetAt)

	d, err = m.Allow(ctx, "192.0.2.2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "keys are independent")

	now = now.Add(time.Minute)
	d, err = m.Allow(ctx, "192.0.2.1", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "window resets")
}

func TestMemoryDisabled(t *testing.T) {
	m := NewMemory(MemoryConfig{})
	for i := 0; i < 100; i++ {
		d, err := m.Allow(context.Background(), "k", 0, time.Second)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}

func TestMemoryCapacity(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(MemoryConfig{Now: func() time.Time { return now }, MaxKeys: 2})

	_, err := m.Allow(ctx, "a", 1, time.Second)
	require.NoError(t, err)
	_, err = m.Allow(ctx, "b", 1, time.Second)
	require.NoError(t, err)
	_, err = m.Allow(ctx, "c", 1, time.Second)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	now = now.Add(2 * time.Second)
	_, err = m.Allow(ctx, "c", 1, time.Second)
	assert.NoError(t, err, "expired keys are collected")
}

func TestRedisAllow(t *testing.T) {
	addr := os.Getenv("SECURELINKS_TEST_REDIS_ADDR")
	if addr == "" || testing.Short() {
		t.Skip("SECURELINKS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	r, err := NewRedis(RedisConfig{Addr: addr, Prefix: "securelinks:test:"})
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Check(ctx))

	key := uuid.NewString()
	for i := 0; i < 2; i++ {
		d, err := r.Allow(ctx, key, 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := r.Allow(ctx, key, 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
}

func TestNewRedisRequiresAddr(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	assert.Error(t, err)
}
