package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript prunes, counts and conditionally records in one round trip.
// Scores are unix microseconds. Returns {allowed, count, oldestScore}.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, count, oldest[2]}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, math.ceil(window / 1000))
return {1, count + 1, '0'}
`)

// RedisStore shares sliding windows across gateway instances via sorted sets.
type RedisStore struct {
	rdb    redis.Scripter
	prefix string
}

type RedisStoreOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func NewRedisStore(rdb redis.Scripter, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "apigate:ratelimit"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Admit(ctx context.Context, key string, w Window, now time.Time) (Decision, error) {
	res, err := admitScript.Run(ctx, s.rdb,
		[]string{s.prefix + ":" + key},
		now.UnixMicro(), w.Period.Microseconds(), w.Limit, uuid.NewString(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis admit: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("redis admit: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)

	if allowed == 1 {
		return Decision{Allowed: true, Limit: w.Limit, Remaining: w.Limit - int(count)}, nil
	}
	oldestRaw, _ := res[2].(string)
	oldestMicros, err := strconv.ParseFloat(oldestRaw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("redis admit: parse oldest %q: %w", oldestRaw, err)
	}
	oldest := time.UnixMicro(int64(oldestMicros))
	return Decision{
		Allowed:    false,
		Limit:      w.Limit,
		Remaining:  0,
		RetryAfter: retryAfter(oldest, w, now),
	}, nil
}
