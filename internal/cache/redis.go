// Package cache provides the Redis-backed dedupe guard the notification
// service consults before each insert. Redis here is a fast path only:
// a miss or an error always falls through to the database check, so the
// worker keeps delivering when Redis is down.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"

	"github.com/parsely-labs/docalert-fanout/internal/telemetry"
)

// DedupeGuard wraps a Redis client with the SETNX-based seen-marker the
// dedupe layer uses. Safe for concurrent use.
type DedupeGuard struct {
	client *redis.Client
}

// NewDedupeGuard connects to Redis at the given URL
// (redis://[:password@]host:port/db) and attaches the OpenTelemetry
// tracing hook. The connection is verified with a ping before use.
func NewDedupeGuard(ctx context.Context, redisURL string) (*DedupeGuard, error) {
	logger := telemetry.GetContextualLogger(ctx).WithFields(map[string]interface{}{
		"operation": "redis_connection",
		"service":   "dedupe_guard",
	})

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.MaxRetries = 3

	client := redis.NewClient(opts)
	client.AddHook(redisotel.NewTracingHook())

	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Error("Failed to connect to Redis")
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connected successfully")
	return &DedupeGuard{client: client}, nil
}

// NewDedupeGuardFromClient wraps an existing client; used by tests.
func NewDedupeGuardFromClient(client *redis.Client) *DedupeGuard {
	return &DedupeGuard{client: client}
}

// MarkIfNew atomically records key as seen for ttl and reports whether
// this call was the first to do so. A false return means an equivalent
// notification was marked inside the window — a duplicate. Errors are
// returned so the caller can fall back to its database check.
func (g *DedupeGuard) MarkIfNew(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, key, 1, ttl).Result()
}

// Forget removes a seen-marker, used when the insert that followed a
// successful MarkIfNew failed — otherwise a redelivery inside the window
// would be suppressed without a row ever having been written.
func (g *DedupeGuard) Forget(ctx context.Context, key string) error {
	return g.client.Del(ctx, key).Err()
}

// Healthy reports whether Redis answers a ping within a second.
func (g *DedupeGuard) Healthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return g.client.Ping(pingCtx).Err() == nil
}

// Close releases the client's pool.
func (g *DedupeGuard) Close() error {
	return g.client.Close()
}
