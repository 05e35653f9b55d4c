// Package ratelimit supplies the Redis-backed rate limiter and blacklist
// cache that internal/riskcontrol's order/cancel checks depend on.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisCache 封装限流计数与黑名单缓存所需的 Redis 操作
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache 连接到给定地址的 Redis 实例
func NewRedisCache(addr, password string, db int) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCache{client: client}
}

// RateLimitCheck 用固定窗口计数器判断 userID 在给定动作(action)上是否超过
// limit 次/window；达到阈值前的调用都会递增计数并返回 true
func (c *RedisCache) RateLimitCheck(ctx context.Context, userID, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", action, userID)

	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("incr rate limit counter: %w", err)
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("set rate limit window: %w", err)
		}
	}

	return int(count) <= limit, nil
}

// AddToBlacklist 将 userID 写入黑名单，在 duration 后自动过期
func (c *RedisCache) AddToBlacklist(ctx context.Context, userID, reason string, duration time.Duration) error {
	key := fmt.Sprintf("blacklist:%s", userID)
	return c.client.Set(ctx, key, reason, duration).Err()
}

// RemoveFromBlacklist 立即移除 userID 的黑名单记录
func (c *RedisCache) RemoveFromBlacklist(ctx context.Context, userID string) error {
	key := fmt.Sprintf("blacklist:%s", userID)
	return c.client.Del(ctx, key).Err()
}

// IsBlacklisted 检查 userID 当前是否在黑名单中
func (c *RedisCache) IsBlacklisted(ctx context.Context, userID string) (bool, error) {
	key := fmt.Sprintf("blacklist:%s", userID)
	_, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}
	return true, nil
}

// Close releases the underlying connection pool
func (c *RedisCache) Close() error {
	return c.client.Close()
}
