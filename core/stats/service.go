package stats

import (
	"context"

	"github.com/ivrit-ai/crowd-recital/cache"
	"github.com/ivrit-ai/crowd-recital/logger"
	"github.com/ivrit-ai/crowd-recital/model"
	"github.com/ivrit-ai/crowd-recital/repository"
)

// DefaultLeaderboardSize is used when the caller asks for a non-positive size.
const DefaultLeaderboardSize = 10

const maxLeaderboardSize = 100

// Cache is the JSON cache the service reads through.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}) error
}

// Service serves contribution statistics, reading through the cache.
type Service struct {
	repo  repository.StatsRepository
	cache Cache
}

// NewService creates a stats service. statsCache may be nil, in which case
// every call hits the database.
func NewService(repo repository.StatsRepository, statsCache *cache.StatsCache) *Service {
	s := &Service{repo: repo}
	if statsCache != nil {
		s.cache = statsCache
	}
	return s
}

// load returns the cached value for key, or computes and caches it.
// Cache failures only cost a recomputation.
func load[T any](ctx context.Context, s *Service, key string, compute func() (T, error)) (T, error) {
	var cached T
	if s.cache != nil {
		hit, err := s.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			logger.Warn("读取统计缓存失败", logger.String("key", key), logger.ErrorField(err))
		} else if hit {
			return cached, nil
		}
	}

	value, err := compute()
	if err != nil {
		var zero T
		return zero, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, value); err != nil {
			logger.Warn("写入统计缓存失败", logger.String("key", key), logger.ErrorField(err))
		}
	}
	return value, nil
}

// UserStats returns the totals and global rank of one user.
func (s *Service) UserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	return load(ctx, s, cache.UserStatsKey(userID), func() (*model.UserStats, error) {
		return s.repo.UserStats(ctx, userID)
	})
}

// Leaderboard returns the top contributors by recorded duration.
func (s *Service) Leaderboard(ctx context.Context, top int) ([]model.LeaderboardEntry, error) {
	if top <= 0 {
		top = DefaultLeaderboardSize
	}
	if top > maxLeaderboardSize {
		top = maxLeaderboardSize
	}
	return load(ctx, s, cache.LeaderboardKey(top), func() ([]model.LeaderboardEntry, error) {
		return s.repo.Leaderboard(ctx, top)
	})
}

// SystemTotals returns totals across all users.
func (s *Service) SystemTotals(ctx context.Context) (*model.SystemTotals, error) {
	return load(ctx, s, cache.TotalsKey(), func() (*model.SystemTotals, error) {
		return s.repo.SystemTotals(ctx)
	})
}
