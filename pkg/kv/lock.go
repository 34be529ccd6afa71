package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AcquireLock sets a lock key with NX semantics: only one holder succeeds
// until the TTL expires or ReleaseLock is called. The Scheduler and Change
// Router do not call it; they coordinate across instances through Postgres
// rows (scheduled_jobs locks and listener_rules claims).
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	key := c.key("lock", name)
	ok, err := c.rdb.SetNX(ctx, key, time.Now().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	return ok, nil
}

// ReleaseLock deletes a held lock.
func (c *Client) ReleaseLock(ctx context.Context, name string) error {
	key := c.key("lock", name)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}

// IsLocked reports whether a lock is currently held.
func (c *Client) IsLocked(ctx context.Context, name string) (bool, error) {
	key := c.key("lock", name)
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("checking lock %s: %w", name, err)
	}
	return n > 0, nil
}

// ExtendLock refreshes a held lock's TTL, used by a heartbeat goroutine to
// keep a long-running section locked past the original ttl.
func (c *Client) ExtendLock(ctx context.Context, name string, ttl time.Duration) error {
	key := c.key("lock", name)
	ok, err := c.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return fmt.Errorf("extending lock %s: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("extending lock %s: %w", name, redis.Nil)
	}
	return nil
}
