package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterSink aggregates records into Redis hashes instead of storing
// them individually: lifetime totals, per-minute buckets and per-key counters.
type RedisCounterSink struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

type RedisCounterOption func(*RedisCounterSink)

func WithCounterPrefix(prefix string) RedisCounterOption {
	return func(s *RedisCounterSink) { s.prefix = strings.Trim(prefix, ":") }
}

func WithCounterTTL(d time.Duration) RedisCounterOption {
	return func(s *RedisCounterSink) { s.ttl = d }
}

func NewRedisCounterSink(rdb redis.Cmdable, opts ...RedisCounterOption) *RedisCounterSink {
	s := &RedisCounterSink{rdb: rdb, prefix: "apigate:stats", ttl: 24 * time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisCounterSink) RecordUsage(ctx context.Context, rec UsageRecord) error {
	at := rec.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	field := statusClass(rec.StatusCode)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":usage:total", field, 1)

	bucketKey := fmt.Sprintf("%s:usage:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	pipe.Expire(ctx, bucketKey, s.ttl)

	if route := strings.TrimSpace(rec.Method + " " + rec.Endpoint); route != "" {
		pipe.HIncrBy(ctx, s.prefix+":usage:route", route+":"+field, 1)
	}
	if rec.KeyID != "" {
		keyKey := s.prefix + ":usage:key:" + rec.KeyID
		pipe.HIncrBy(ctx, keyKey, field, 1)
		pipe.HIncrBy(ctx, keyKey, "response_ms", rec.ResponseTimeMs)
		pipe.Expire(ctx, keyKey, s.ttl)
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisCounterSink) RecordSecurity(ctx context.Context, ev SecurityEvent) error {
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":security:total", string(ev.Type), 1)
	if ev.Code != "" {
		pipe.HIncrBy(ctx, s.prefix+":security:code", ev.Code, 1)
	}
	bucketKey := fmt.Sprintf("%s:security:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, bucketKey, string(ev.Type), 1)
	pipe.Expire(ctx, bucketKey, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
