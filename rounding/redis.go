package rounding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCache shares policies between engine processes. Values are stored as
// JSON without expiry; Invalidate deletes the key so every process re-reads
// the source on next use.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "payroll:rounding:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) key(companyID string) string {
	return c.prefix + companyID
}

func (c *RedisCache) Get(ctx context.Context, companyID string) (Policy, bool, error) {
	raw, err := c.client.Get(ctx, c.key(companyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Policy{}, false, nil
	}
	if err != nil {
		return Policy{}, false, fmt.Errorf("redis get rounding policy: %w", err)
	}

	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return Policy{}, false, fmt.Errorf("decode rounding policy: %w", err)
	}
	return p, true, nil
}

func (c *RedisCache) Set(ctx context.Context, companyID string, policy Policy) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("encode rounding policy: %w", err)
	}
	if err := c.client.Set(ctx, c.key(companyID), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set rounding policy: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, companyID string) error {
	if err := c.client.Del(ctx, c.key(companyID)).Err(); err != nil {
		return fmt.Errorf("redis del rounding policy: %w", err)
	}
	return nil
}
