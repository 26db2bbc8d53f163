package repository

import (
	"context"
	"fmt"

	"github.com/ivrit-ai/crowd-recital/model"

	"gorm.io/gorm"
)

// StatsRepository computes contribution statistics over uploaded sessions.
type StatsRepository interface {
	UserStats(ctx context.Context, userID string) (*model.UserStats, error)
	Leaderboard(ctx context.Context, top int) ([]model.LeaderboardEntry, error)
	SystemTotals(ctx context.Context) (*model.SystemTotals, error)
}

type gormStatsRepository struct {
	db *gorm.DB
}

// NewGormStatsRepository 创建统计仓库
func NewGormStatsRepository(db *gorm.DB) StatsRepository {
	return &gormStatsRepository{db: db}
}

const userTotalsCTE = `
WITH user_session_totals AS (
	SELECT user_id, SUM(duration) AS total_duration, COUNT(id) AS total_recordings
	FROM recital_sessions
	WHERE status = ?
	GROUP BY user_id
)`

// UserStats returns a zero value (rank 0) for users with no uploaded sessions.
func (r *gormStatsRepository) UserStats(ctx context.Context, userID string) (*model.UserStats, error) {
	query := userTotalsCTE + `,
user_session_totals_with_ranks AS (
	SELECT user_id, total_duration, total_recordings,
		DENSE_RANK() OVER (ORDER BY total_duration DESC) AS global_rank
	FROM user_session_totals
)
SELECT global_rank, total_duration, total_recordings
FROM user_session_totals_with_ranks
WHERE user_id = ?`

	var rows []model.UserStats
	err := r.db.WithContext(ctx).
		Raw(query, model.SessionStatusUploaded, userID).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats for user %s: %w", userID, err)
	}
	if len(rows) == 0 {
		return &model.UserStats{}, nil
	}
	return &rows[0], nil
}

// Leaderboard returns the top contributors by total uploaded duration.
func (r *gormStatsRepository) Leaderboard(ctx context.Context, top int) ([]model.LeaderboardEntry, error) {
	query := userTotalsCTE + `
SELECT user_id, total_duration, total_recordings
FROM user_session_totals
ORDER BY total_duration DESC, user_id ASC
LIMIT ?`

	entries := make([]model.LeaderboardEntry, 0, top)
	err := r.db.WithContext(ctx).
		Raw(query, model.SessionStatusUploaded, top).
		Scan(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute leaderboard: %w", err)
	}
	return entries, nil
}

// SystemTotals 全局统计
func (r *gormStatsRepository) SystemTotals(ctx context.Context) (*model.SystemTotals, error) {
	var totals model.SystemTotals
	err := r.db.WithContext(ctx).
		Model(&model.RecitalSession{}).
		Select("COALESCE(SUM(duration), 0) AS total_duration, COUNT(id) AS total_recordings, COUNT(DISTINCT user_id) AS total_users").
		Where("status = ?", model.SessionStatusUploaded).
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute system totals: %w", err)
	}
	return &totals, nil
}
