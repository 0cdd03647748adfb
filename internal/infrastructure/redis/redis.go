// Package redis connects the shared Redis instance used by the login code
// rate limiter. The asynq queue opens its own pool from the same settings.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mariokehl/gymportal-access/internal/infrastructure/config"
)

// ErrConnectionFailed wraps the initial ping failure.
var ErrConnectionFailed = errors.New("redis: connection failed")

const pingTimeout = 5 * time.Second

// Client wraps a go-redis client with health checking.
type Client struct {
	*goredis.Client
}

// Connect opens a client and verifies it with a ping.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return &Client{Client: rdb}, nil
}

// HealthCheck pings Redis.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c == nil || c.Client == nil {
		return ErrConnectionFailed
	}
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
