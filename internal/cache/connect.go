// Package cache holds the Redis connection helpers and the Redis-backed
// quota counter store.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"toeicprep/internal/config"
)

var (
	// ErrRedisNotReady is returned when every connection attempt failed.
	ErrRedisNotReady = errors.New("redis: not ready")
	// ErrHealthcheckFailed wraps a failed PING from Healthcheck.
	ErrHealthcheckFailed = errors.New("redis: healthcheck failed")
)

// Connect parses REDIS_URL and pings the server, retrying up to
// cfg.RetryAttempts times within cfg.ConnectTimeout.
func Connect(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(cfg.URL.Unmask())
	if err != nil {
		return nil, errors.Join(errors.New("redis: invalid REDIS_URL"), err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	attempts := max(cfg.RetryAttempts, 1)
	for i := range attempts {
		client := redis.NewClient(opts)
		err := client.Ping(ctx).Err()
		if err == nil {
			return client, nil
		}
		_ = client.Close()
		logger.WarnContext(ctx, "redis not reachable, retrying", "attempt", i+1, "error", err)

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrRedisNotReady
}

// Healthcheck returns a probe for the health endpoint.
func Healthcheck(client redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
