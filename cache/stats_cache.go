package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ivrit-ai/crowd-recital/logger"

	"github.com/go-redis/redis/v8"
)

const (
	userStatsKey     = "stats:user:%s"        // String: UserStats JSON
	leaderboardKey   = "stats:leaderboard:%d" // String: []LeaderboardEntry JSON, per top-N
	totalsKey        = "stats:totals"         // String: SystemTotals JSON
	crossUserPattern = "stats:leaderboard:*"
)

// StatsCache stores computed statistics in Redis with a short TTL and lets
// the finalization pipeline drop them when the underlying sessions change.
type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatsCache 创建统计缓存
func NewStatsCache(client *redis.Client, ttl time.Duration) *StatsCache {
	return &StatsCache{client: client, ttl: ttl}
}

// UserStatsKey 用户统计缓存键
func UserStatsKey(userID string) string {
	return fmt.Sprintf(userStatsKey, userID)
}

// LeaderboardKey 排行榜缓存键
func LeaderboardKey(top int) string {
	return fmt.Sprintf(leaderboardKey, top)
}

// TotalsKey 全局统计缓存键
func TotalsKey() string {
	return totalsKey
}

// GetJSON loads key into dest. A miss returns (false, nil).
func (c *StatsCache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	if c.client == nil {
		return false, fmt.Errorf("Redis client not initialized")
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores value under key for the cache TTL.
func (c *StatsCache) SetJSON(ctx context.Context, key string, value interface{}) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// InvalidateUser drops the cached stats of one user.
func (c *StatsCache) InvalidateUser(ctx context.Context, userID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	key := UserStatsKey(userID)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		logger.Error("删除用户统计缓存失败", logger.String("key", key), logger.ErrorField(err))
		return err
	}
	logger.Debug("用户统计缓存已删除", logger.String("key", key))
	return nil
}

// InvalidateTotals drops every cross-user aggregate: the system totals and all
// leaderboard sizes. User ranks move with the totals, so per-user entries go too.
func (c *StatsCache) InvalidateTotals(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	keys := []string{totalsKey}
	for _, pattern := range []string{crossUserPattern, fmt.Sprintf(userStatsKey, "*")} {
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			logger.Error("查找缓存键失败", logger.String("pattern", pattern), logger.ErrorField(err))
			return err
		}
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		logger.Error("批量删除统计缓存失败", logger.Int("keysCount", len(keys)), logger.ErrorField(err))
		return err
	}

	logger.Debug("全局统计缓存已删除", logger.Int("deletedCount", len(keys)))
	return nil
}
