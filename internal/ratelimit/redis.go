package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/feedlens/internal/cache"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims, tests and records in one round trip so concurrent
// replicas cannot both take the last slot.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local idle = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - period)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local oldestScore = now
  if oldest[2] then oldestScore = tonumber(oldest[2]) end
  return {0, count, oldestScore}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, idle)
return {1, count + 1, 0}
`)

// RedisSlidingWindow shares windows across replicas through a sorted set per caller.
// Idle windows expire through PEXPIRE, so no sweep is needed.
type RedisSlidingWindow struct {
	client *redis.Client
	scope  string
	limit  int
	period time.Duration
	idle   time.Duration
	now    func() time.Time
}

// NewRedisSlidingWindow allows limit requests per caller within any rolling period.
// scope separates independent limits sharing one Redis ("ai", "http").
func NewRedisSlidingWindow(client *redis.Client, scope string, limit int, period time.Duration) *RedisSlidingWindow {
	return &RedisSlidingWindow{
		client: client,
		scope:  scope,
		limit:  limit,
		period: period,
		idle:   DefaultIdleTimeout,
		now:    time.Now,
	}
}

func (l *RedisSlidingWindow) Allow(ctx context.Context, callerID string) (Decision, error) {
	nowMs := l.now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{cache.RateLimitKey(l.scope, callerID)},
		nowMs,
		l.period.Milliseconds(),
		l.limit,
		strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString(),
		l.idle.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply length %d", len(res))
	}

	count := int(res[1])
	if res[0] == 0 {
		retry := time.Duration(res[2]+l.period.Milliseconds()-nowMs) * time.Millisecond
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, Limit: l.limit, RetryAfter: retry}, nil
	}
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: l.limit, Remaining: remaining}, nil
}

var _ Limiter = (*RedisSlidingWindow)(nil)
