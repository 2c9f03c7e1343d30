package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/adhub/core-service/internal/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisRateLimiterSlidingWindow(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRedisRateLimiter(client, "test:rl:")
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return clock }
	rule := RateRule{Scope: topupRateLimitScope, Limit: 2, Window: time.Minute}
	ctx := context.Background()

	if err := limiter.Allow(ctx, "org-1", rule); err != nil {
		t.Fatalf("first call: %v", err)
	}
	clock = clock.Add(20 * time.Second)
	if err := limiter.Allow(ctx, "org-1", rule); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !mr.Exists("test:rl:topup_request:org-1") {
		t.Fatalf("expected prefixed key to exist")
	}

	clock = clock.Add(10 * time.Second)
	var refused *domain.RateLimitError
	if err := limiter.Allow(ctx, "org-1", rule); !errors.As(err, &refused) {
		t.Fatalf("expected a rate limit error, got %v", err)
	}
	if refused.RetryAfterSeconds != 30 {
		t.Fatalf("expected retry after the oldest call ages out (30s), got %d", refused.RetryAfterSeconds)
	}
	if !errors.Is(refused, domain.ErrRateLimited) {
		t.Fatalf("rate limit error must unwrap to ErrRateLimited")
	}

	if err := limiter.Allow(ctx, "org-2", rule); err != nil {
		t.Fatalf("subjects must be counted separately, got %v", err)
	}

	// Only the first call has left the window; the second still counts.
	clock = clock.Add(30 * time.Second)
	if err := limiter.Allow(ctx, "org-1", rule); err != nil {
		t.Fatalf("expected a slot once the oldest call aged out, got %v", err)
	}
	if err := limiter.Allow(ctx, "org-1", rule); !errors.As(err, &refused) {
		t.Fatalf("expected the window to be full again, got %v", err)
	}
}

func TestRedisRateLimiterRefusalsDoNotExtendLockout(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewRedisRateLimiter(client, "test")
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return clock }
	rule := RateRule{Scope: topupRateLimitScope, Limit: 1, Window: 10 * time.Second}
	ctx := context.Background()

	if err := limiter.Allow(ctx, "org-1", rule); err != nil {
		t.Fatalf("first call: %v", err)
	}
	for i := 0; i < 5; i++ {
		clock = clock.Add(time.Second)
		if err := limiter.Allow(ctx, "org-1", rule); !errors.Is(err, domain.ErrRateLimited) {
			t.Fatalf("call %d: expected refusal, got %v", i, err)
		}
	}
	clock = clock.Add(5 * time.Second)
	if err := limiter.Allow(ctx, "org-1", rule); err != nil {
		t.Fatalf("expected admission 10s after the first call, got %v", err)
	}
}

func TestRedisRateLimiterNoopCases(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewRedisRateLimiter(client, "")
	if limiter.prefix != "adhub:rate_limit" {
		t.Fatalf("unexpected default prefix %q", limiter.prefix)
	}
	rule := RateRule{Scope: "s", Limit: 1, Window: time.Minute}
	ctx := context.Background()

	var nilLimiter *RedisRateLimiter
	if err := nilLimiter.Allow(ctx, "x", rule); err != nil {
		t.Fatalf("nil limiter should be a no-op, got %v", err)
	}
	for _, r := range []RateRule{
		{Scope: " ", Limit: 1, Window: time.Minute},
		{Scope: "s", Limit: 0, Window: time.Minute},
		{Scope: "s", Limit: 1},
	} {
		for i := 0; i < 3; i++ {
			if err := limiter.Allow(ctx, "x", r); err != nil {
				t.Fatalf("disabled rule %+v should never limit, got %v", r, err)
			}
		}
	}
	if err := limiter.Allow(ctx, "  ", rule); err != nil {
		t.Fatalf("empty subject should be a no-op, got %v", err)
	}
}

func TestRedisRateLimiterClosedClient(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRedisRateLimiter(client, "test")
	mr.Close()

	err := limiter.Allow(context.Background(), "org-1", RateRule{Scope: topupRateLimitScope, Limit: 1, Window: time.Minute})
	if err == nil || errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected a backend error when redis is unreachable, got %v", err)
	}
}
