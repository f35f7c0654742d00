package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zerologNop() zerolog.Logger { return zerolog.Nop() }

func TestRedisStore_SlidingWindow(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping Redis integration test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())

	store := NewRedisStore(rdb, WithKeyPrefix("apigate:test:"+uuid.NewString()))
	w := Window{Limit: 2, Period: time.Minute}
	now := time.Now().UTC()

	d, err := store.Admit(ctx, "k", w, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = store.Admit(ctx, "k", w, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = store.Admit(ctx, "k", w, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 58, d.RetryAfterSeconds())

	d, err = store.Admit(ctx, "k", w, now.Add(time.Minute+time.Millisecond))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
