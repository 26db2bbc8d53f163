package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ivrit-ai/crowd-recital/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecitalRepository 录音会话数据访问接口
type RecitalRepository interface {
	// 会话
	GetByID(ctx context.Context, id string) (*model.RecitalSession, error)
	GetByIDAndUserID(ctx context.Context, id, userID string) (*model.RecitalSession, error)
	GetEndedSessions(ctx context.Context, abandonedBefore time.Time, limit int) ([]*model.RecitalSession, error)
	GetAggregatedSessions(ctx context.Context, limit int) ([]*model.RecitalSession, error)
	GetDisavowedSessions(ctx context.Context, limit int) ([]*model.RecitalSession, error)
	Create(ctx context.Context, session *model.RecitalSession) error
	UpdateSession(ctx context.Context, id string, guard model.SessionGuard, fields map[string]interface{}) (bool, error)
	RaiseDuration(ctx context.Context, id string, duration float64) (bool, error)

	// 分段
	AddTextSegment(ctx context.Context, segment *model.RecitalTextSegment) error
	GetTextSegments(ctx context.Context, sessionID string) ([]*model.RecitalTextSegment, error)
	DiscardLastTextSegments(ctx context.Context, sessionID string, n int) (int64, error)
	AddAudioSegment(ctx context.Context, segment *model.RecitalAudioSegment) error
	GetAudioSegments(ctx context.Context, sessionID string) ([]*model.RecitalAudioSegment, error)

	// 本地暂存
	StoreSessionText(ctx context.Context, content, filename string) error
}

// gormRecitalRepository GORM 实现
type gormRecitalRepository struct {
	db         *gorm.DB
	dataFolder string
}

// NewGormRecitalRepository creates a repository storing rows in db and caption
// blobs under dataFolder.
func NewGormRecitalRepository(db *gorm.DB, dataFolder string) RecitalRepository {
	return &gormRecitalRepository{db: db, dataFolder: dataFolder}
}

// ========== 会话 ==========

// GetByID returns (nil, nil) when the session does not exist.
func (r *gormRecitalRepository) GetByID(ctx context.Context, id string) (*model.RecitalSession, error) {
	var session model.RecitalSession
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &session, nil
}

// GetByIDAndUserID is the authorization-scoped lookup used on behalf of a caller.
func (r *gormRecitalRepository) GetByIDAndUserID(ctx context.Context, id, userID string) (*model.RecitalSession, error) {
	var session model.RecitalSession
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %s for user %s: %w", id, userID, err)
	}
	return &session, nil
}

// GetEndedSessions lists sessions ready for aggregation: explicitly ended, or
// still active but created before abandonedBefore. Disavowed sessions are excluded.
func (r *gormRecitalRepository) GetEndedSessions(ctx context.Context, abandonedBefore time.Time, limit int) ([]*model.RecitalSession, error) {
	var sessions []*model.RecitalSession
	err := r.db.WithContext(ctx).
		Where("disavowed = ?", false).
		Where("status = ? OR (status = ? AND created_at < ?)",
			model.SessionStatusEnded, model.SessionStatusActive, abandonedBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list ended sessions: %w", err)
	}
	return sessions, nil
}

// GetAggregatedSessions lists non-disavowed sessions waiting for upload.
func (r *gormRecitalRepository) GetAggregatedSessions(ctx context.Context, limit int) ([]*model.RecitalSession, error) {
	var sessions []*model.RecitalSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND disavowed = ?", model.SessionStatusAggregated, false).
		Order("created_at ASC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregated sessions: %w", err)
	}
	return sessions, nil
}

// GetDisavowedSessions lists disavowed sessions not yet discarded.
func (r *gormRecitalRepository) GetDisavowedSessions(ctx context.Context, limit int) ([]*model.RecitalSession, error) {
	var sessions []*model.RecitalSession
	err := r.db.WithContext(ctx).
		Where("disavowed = ? AND status <> ?", true, model.SessionStatusDiscarded).
		Order("created_at ASC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list disavowed sessions: %w", err)
	}
	return sessions, nil
}

// Create inserts a new session row.
func (r *gormRecitalRepository) Create(ctx context.Context, session *model.RecitalSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}
	return nil
}

// UpdateSession writes only fields, and only while the row satisfies guard.
// It reports whether the row was updated.
func (r *gormRecitalRepository) UpdateSession(ctx context.Context, id string, guard model.SessionGuard, fields map[string]interface{}) (bool, error) {
	q := r.db.WithContext(ctx).Model(&model.RecitalSession{}).Where("id = ?", id)
	if len(guard.Statuses) > 0 {
		statuses := make([]string, len(guard.Statuses))
		for i, st := range guard.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	if guard.NotDisavowed {
		q = q.Where("disavowed = ?", false)
	}

	res := q.Updates(fields)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update session %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RaiseDuration sets the duration when it grows it; it never lowers it and
// never touches a discarded session.
func (r *gormRecitalRepository) RaiseDuration(ctx context.Context, id string, duration float64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.RecitalSession{}).
		Where("id = ? AND status <> ? AND duration < ?", id, model.SessionStatusDiscarded, duration).
		UpdateColumn(model.ColumnDuration, duration)
	if res.Error != nil {
		return false, fmt.Errorf("failed to raise duration of session %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ========== 分段 ==========

// AddTextSegment 添加文本分段
func (r *gormRecitalRepository) AddTextSegment(ctx context.Context, segment *model.RecitalTextSegment) error {
	if err := r.db.WithContext(ctx).Create(segment).Error; err != nil {
		return fmt.Errorf("failed to add text segment to session %s: %w", segment.RecitalSessionID, err)
	}
	return nil
}

// GetTextSegments returns the non-discarded text segments ordered by seek_end.
func (r *gormRecitalRepository) GetTextSegments(ctx context.Context, sessionID string) ([]*model.RecitalTextSegment, error) {
	var segments []*model.RecitalTextSegment
	err := r.db.WithContext(ctx).
		Where("recital_session_id = ? AND discarded = ?", sessionID, false).
		Order("seek_end ASC").
		Find(&segments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list text segments of session %s: %w", sessionID, err)
	}
	return segments, nil
}

// DiscardLastTextSegments flags the n latest non-discarded segments as discarded.
func (r *gormRecitalRepository) DiscardLastTextSegments(ctx context.Context, sessionID string, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}

	var affected int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&model.RecitalTextSegment{}).
			Where("recital_session_id = ? AND discarded = ?", sessionID, false).
			Order("seek_end DESC").
			Limit(n).
			Pluck("id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		res := tx.Model(&model.RecitalTextSegment{}).
			Where("id IN ?", ids).
			Update("discarded", true)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to discard text segments of session %s: %w", sessionID, err)
	}
	return affected, nil
}

// AddAudioSegment records a segment. A retried upload of the same sequential
// number replaces the earlier row instead of adding a second one.
func (r *gormRecitalRepository) AddAudioSegment(ctx context.Context, segment *model.RecitalAudioSegment) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "recital_session_id"}, {Name: "sequential"}},
		DoUpdates: clause.AssignmentColumns([]string{"filename", "mime_type"}),
	}).Create(segment).Error
	if err != nil {
		return fmt.Errorf("failed to add audio segment to session %s: %w", segment.RecitalSessionID, err)
	}
	return nil
}

// GetAudioSegments returns the session's audio segments in upload order.
func (r *gormRecitalRepository) GetAudioSegments(ctx context.Context, sessionID string) ([]*model.RecitalAudioSegment, error) {
	var segments []*model.RecitalAudioSegment
	err := r.db.WithContext(ctx).
		Where("recital_session_id = ?", sessionID).
		Order("sequential ASC").
		Find(&segments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audio segments of session %s: %w", sessionID, err)
	}
	return segments, nil
}

// ========== 本地暂存 ==========

// StoreSessionText writes content to filename inside the staging folder.
func (r *gormRecitalRepository) StoreSessionText(ctx context.Context, content, filename string) error {
	if err := os.MkdirAll(r.dataFolder, 0755); err != nil {
		return fmt.Errorf("failed to create data folder %s: %w", r.dataFolder, err)
	}
	path := filepath.Join(r.dataFolder, filename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to store session text %s: %w", path, err)
	}
	return nil
}
