package audit

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apigate/internal/telemetry"
)

type failingSink struct{}

func (failingSink) RecordUsage(context.Context, UsageRecord) error {
	return errors.New("usage down")
}

func (failingSink) RecordSecurity(context.Context, SecurityEvent) error {
	return errors.New("security down")
}

func TestMultiSink_FansOutAndJoinsErrors(t *testing.T) {
	mem := NewMemorySink()
	multi := MultiSink{mem, failingSink{}}

	err := multi.RecordUsage(context.Background(), UsageRecord{KeyID: "k", StatusCode: 200})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage down")
	require.Len(t, mem.Usage(), 1)

	err = multi.RecordSecurity(context.Background(), SecurityEvent{Type: EventBlocked, IP: "1.2.3.4"})
	require.Error(t, err)
	require.Len(t, mem.Security(), 1)
	assert.Equal(t, EventBlocked, mem.Security()[0].Type)

	assert.NoError(t, MultiSink{mem}.RecordUsage(context.Background(), UsageRecord{}))
}

func TestAsyncSink_WritesInBackground(t *testing.T) {
	mem := NewMemorySink()
	async := NewAsyncSink(mem, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- async.Serve(ctx) }()

	require.NoError(t, async.RecordUsage(context.Background(), UsageRecord{KeyID: "a"}))
	require.NoError(t, async.RecordSecurity(context.Background(), SecurityEvent{Type: EventSuspicious}))

	require.Eventually(t, func() bool {
		return len(mem.Usage()) == 1 && len(mem.Security()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestAsyncSink_DropsWhenFullAndFlushesOnStop(t *testing.T) {
	mem := NewMemorySink()
	async := NewAsyncSink(mem, 2, nil)

	require.NoError(t, async.RecordUsage(context.Background(), UsageRecord{KeyID: "1"}))
	require.NoError(t, async.RecordUsage(context.Background(), UsageRecord{KeyID: "2"}))
	assert.ErrorIs(t, async.RecordUsage(context.Background(), UsageRecord{KeyID: "3"}), ErrBufferFull)
	assert.Equal(t, int64(1), async.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = async.Serve(ctx)
	assert.Len(t, mem.Usage(), 2)
}

func TestAsyncSink_ReportsWriteFailures(t *testing.T) {
	rec := &telemetry.Recorder{}
	async := NewAsyncSink(failingSink{}, 4, rec)
	require.NoError(t, async.RecordUsage(context.Background(), UsageRecord{}))
	require.NoError(t, async.RecordSecurity(context.Background(), SecurityEvent{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = async.Serve(ctx)

	failures := rec.Failures()
	require.Len(t, failures, 2)
	ops := []string{failures[0].Op, failures[1].Op}
	assert.ElementsMatch(t, []string{"usage_log", "security_log"}, ops)
}

func TestLogSink_Levels(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf).Level(zerolog.InfoLevel))
	ctx := context.Background()

	require.NoError(t, sink.RecordUsage(ctx, UsageRecord{KeyID: "k1", StatusCode: 200}))
	assert.Empty(t, buf.String(), "usage is logged at debug")

	require.NoError(t, sink.RecordSecurity(ctx, SecurityEvent{Type: EventBlocked, IP: "203.0.113.5", Reason: "entered blocked", Code: "DDOS_BLOCKED"}))
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"ip":"203.0.113.5"`)
	assert.Contains(t, buf.String(), "entered blocked")
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "4xx", statusClass(429))
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "other", statusClass(0))
}

func TestRedisCounterSink(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping Redis integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	prefix := "apigate:test:" + uuid.NewString()
	sink := NewRedisCounterSink(rdb, WithCounterPrefix(prefix), WithCounterTTL(time.Minute))

	require.NoError(t, sink.RecordUsage(ctx, UsageRecord{KeyID: "k1", Method: "GET", Endpoint: "/api/v1/usage", StatusCode: 200, ResponseTimeMs: 12}))
	require.NoError(t, sink.RecordUsage(ctx, UsageRecord{KeyID: "k1", StatusCode: 429}))
	require.NoError(t, sink.RecordSecurity(ctx, SecurityEvent{Type: EventBlocked, Code: "DDOS_BLOCKED"}))

	totals, err := rdb.HGetAll(ctx, prefix+":usage:total").Result()
	require.NoError(t, err)
	assert.Equal(t, "1", totals["2xx"])
	assert.Equal(t, "1", totals["4xx"])

	perKey, err := rdb.HGet(ctx, prefix+":usage:key:k1", "response_ms").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(12), perKey)

	blocked, err := rdb.HGet(ctx, prefix+":security:total", "blocked").Int()
	require.NoError(t, err)
	assert.Equal(t, 1, blocked)

	t.Cleanup(func() {
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
	})
}
