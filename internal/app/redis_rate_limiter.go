package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/adhub/core-service/internal/domain"
)

// Sliding log kept in a sorted set scored by admission time in milliseconds.
// Refused calls are not recorded, so a caller hammering the endpoint does not
// extend its own lockout.
//
// KEYS[1] log key
// ARGV[1] now (ms), ARGV[2] window (ms), ARGV[3] limit, ARGV[4] member
var slidingLogScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) >= tonumber(ARGV[3]) then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  return {0, tonumber(oldest[2]) + window - now}
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, 0}
`)

// RateRule bounds how many calls one subject may make inside a window.
type RateRule struct {
	Scope  string
	Limit  int
	Window time.Duration
}

func (r RateRule) enabled() bool {
	return r.Limit > 0 && r.Window > 0 && strings.TrimSpace(r.Scope) != ""
}

// RedisRateLimiter admits calls against a per-subject sliding window shared
// by every replica.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "adhub:rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: prefix, now: time.Now}
}

var _ RateLimiter = (*RedisRateLimiter)(nil)

func (r *RedisRateLimiter) key(scope, subject string) string {
	return r.prefix + ":" + strings.TrimSpace(scope) + ":" + subject
}

// Allow admits one call or returns a *domain.RateLimitError carrying the
// seconds until the oldest admitted call leaves the window. Any other error
// means Redis could not be consulted.
func (r *RedisRateLimiter) Allow(ctx context.Context, subject string, rule RateRule) error {
	subject = strings.TrimSpace(subject)
	if r == nil || r.client == nil || subject == "" || !rule.enabled() {
		return nil
	}

	key := r.key(rule.Scope, subject)
	windowMs := max(rule.Window.Milliseconds(), 1)
	reply, err := slidingLogScript.Run(ctx, r.client, []string{key},
		r.now().UnixMilli(), windowMs, rule.Limit, ulid.Make().String()).Int64Slice()
	if err != nil {
		return fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(reply) != 2 {
		return fmt.Errorf("rate limit %s: unexpected reply length %d", key, len(reply))
	}
	if reply[0] == 1 {
		return nil
	}

	waitMs := reply[1]
	if waitMs <= 0 {
		waitMs = windowMs
	}
	return &domain.RateLimitError{RetryAfterSeconds: int((waitMs + 999) / 1000)}
}
