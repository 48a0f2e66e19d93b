// Package cache holds the key/value stores used to memoise query results.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores encoded query results under string keys. Implementations
// expire entries after their configured TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	// Clear removes every key starting with prefix. An empty prefix clears all keys.
	Clear(ctx context.Context, prefix string)
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Nop) Set(context.Context, string, []byte)        {}
func (Nop) Clear(context.Context, string)              {}

// New returns a Redis-backed cache when redisAddr is set and reachable,
// otherwise an in-process memory cache.
func New(ctx context.Context, redisAddr, redisPassword string, ttl time.Duration, logger *slog.Logger) (Cache, *redis.Client, error) {
	if redisAddr == "" {
		return NewMemory(ttl, nil), nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("query cache backed by redis", "addr", redisAddr, "ttl", ttl)
	return NewRedis(rdb, ttl, logger), rdb, nil
}
