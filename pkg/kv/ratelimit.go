package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces a rolling-window request cap keyed by
// (provider, externalId) — e.g. "openai" + an API key fingerprint — so
// the Batch Result Processor's per-answer sentiment calls respect a
// provider's own rate limits (spec.md §5: "rolling window limiter keyed
// by (provider, externalId)").
type RateLimiter struct {
	kv *Client
}

// NewRateLimiter builds a RateLimiter over a kv.Client.
func NewRateLimiter(kv *Client) *RateLimiter {
	return &RateLimiter{kv: kv}
}

// Info describes the current state of a rolling window at the moment of
// the check.
type Info struct {
	Allowed   bool
	Limit     int
	Used      int
	ResetAt   time.Time
}

// WouldLimitWithInfo reports whether issuing one more call within the
// window would exceed limit, without recording a call.
func (l *RateLimiter) WouldLimitWithInfo(ctx context.Context, provider, externalID string, limit int, window time.Duration) (Info, error) {
	key := l.kv.key("ratelimit", provider, externalID)
	now := time.Now()
	cutoff := now.Add(-window)

	if err := l.kv.rdb.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff.UnixNano())).Err(); err != nil {
		return Info{}, fmt.Errorf("trimming rate limit window for %s/%s: %w", provider, externalID, err)
	}

	used, err := l.kv.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return Info{}, fmt.Errorf("counting rate limit window for %s/%s: %w", provider, externalID, err)
	}

	return Info{
		Allowed: int(used) < limit,
		Limit:   limit,
		Used:    int(used),
		ResetAt: now.Add(window),
	}, nil
}

// Allow records one call against the rolling window if doing so would not
// exceed limit, returning whether the call was allowed.
func (l *RateLimiter) Allow(ctx context.Context, provider, externalID string, limit int, window time.Duration) (bool, error) {
	info, err := l.WouldLimitWithInfo(ctx, provider, externalID, limit, window)
	if err != nil {
		return false, err
	}
	if !info.Allowed {
		return false, nil
	}

	key := l.kv.key("ratelimit", provider, externalID)
	now := time.Now()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond())
	if err := l.kv.rdb.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return false, fmt.Errorf("recording rate limit call for %s/%s: %w", provider, externalID, err)
	}
	if err := l.kv.rdb.Expire(ctx, key, window).Err(); err != nil {
		return false, fmt.Errorf("setting rate limit window ttl for %s/%s: %w", provider, externalID, err)
	}
	return true, nil
}
