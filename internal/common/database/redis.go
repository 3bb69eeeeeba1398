// internal/common/database/redis.go
// Redis connections. The profile cache uses go-redis v8; the watermill
// Redis Streams transport requires the v9 client.

package database

import (
	"context"
	"fmt"

	redisv8 "github.com/go-redis/redis/v8"
	redisv9 "github.com/redis/go-redis/v9"
)

// NewRedisClientFromURL creates the cache client from a redis:// URL
func NewRedisClientFromURL(ctx context.Context, redisURL string) (*redisv8.Client, error) {
	opts, err := redisv8.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redisv8.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewStreamClient creates the client used by the Redis Streams feed transport
func NewStreamClient(ctx context.Context, addr string) (redisv9.UniversalClient, error) {
	client := redisv9.NewClient(&redisv9.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis stream transport: %w", err)
	}
	return client, nil
}
