// Package kv wraps the Redis client used exclusively for rolling-window
// rate limiters and distributed locks — never a source of truth, per
// spec.md §5. Grounded on evalgo-org-eve's RedisRepository: SetNX for lock
// acquire, Exists/Del for release, a single *redis.Client shared across
// components.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a Redis connection with the prefix every key in this
// process is namespaced under.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New parses a Redis URL and verifies connectivity before returning.
func New(ctx context.Context, url, keyPrefix string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Client{rdb: rdb, prefix: keyPrefix}, nil
}

// NewFromClient wraps an already-constructed *redis.Client, used by tests
// to inject a miniredis-backed client.
func NewFromClient(rdb *redis.Client, keyPrefix string) *Client {
	return &Client{rdb: rdb, prefix: keyPrefix}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies connectivity, used by the /healthz endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) key(parts ...string) string {
	key := c.prefix
	for i, p := range parts {
		if i > 0 {
			key += ":"
		}
		key += p
	}
	return key
}
