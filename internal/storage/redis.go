package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultUsageKey is the Redis hash that holds per-conversation token totals.
const DefaultUsageKey = "petchat:token_usage"

// RedisUsage mirrors token usage increments into a Redis hash so several
// server processes, or external dashboards, share one view.
type RedisUsage struct {
	client *redis.Client
	key    string
}

// NewRedisUsage wraps an existing client. An empty key selects
// DefaultUsageKey.
func NewRedisUsage(client *redis.Client, key string) *RedisUsage {
	if key == "" {
		key = DefaultUsageKey
	}
	return &RedisUsage{
		client: client,
		key:    key,
	}
}

// DialRedisUsage connects to addr and verifies the connection.
func DialRedisUsage(ctx context.Context, addr string) (*RedisUsage, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisUsage(client, ""), nil
}

// AddUsage increments the conversation's counter.
func (r *RedisUsage) AddUsage(ctx context.Context, conversationID string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	if err := r.client.HIncrBy(ctx, r.key, conversationID, tokens).Err(); err != nil {
		return fmt.Errorf("redis hincrby: %w", err)
	}
	return nil
}

// Usage returns one conversation's counter; a missing field is zero.
func (r *RedisUsage) Usage(ctx context.Context, conversationID string) (int64, error) {
	n, err := r.client.HGet(ctx, r.key, conversationID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis hget: %w", err)
	}
	return n, nil
}

// Snapshot returns every counter in the hash.
func (r *RedisUsage) Snapshot(ctx context.Context) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for id, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse usage for %s: %w", id, err)
		}
		out[id] = n
	}
	return out, nil
}

func (r *RedisUsage) Close() error {
	return r.client.Close()
}
