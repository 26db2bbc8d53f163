package recital

import (
	"context"
	"time"

	"github.com/ivrit-ai/crowd-recital/core/scheduler"
	"github.com/ivrit-ai/crowd-recital/model"
)

// SessionStore is the persistence contract consumed by the pipeline.
// Lookups return (nil, nil) when the session does not exist. Existing rows are
// only changed column by column through UpdateSession and RaiseDuration, so a
// stale copy never overwrites a concurrent change.
type SessionStore interface {
	GetByID(ctx context.Context, id string) (*model.RecitalSession, error)
	GetByIDAndUserID(ctx context.Context, id, userID string) (*model.RecitalSession, error)
	GetEndedSessions(ctx context.Context, abandonedBefore time.Time, limit int) ([]*model.RecitalSession, error)
	GetAggregatedSessions(ctx context.Context, limit int) ([]*model.RecitalSession, error)
	GetDisavowedSessions(ctx context.Context, limit int) ([]*model.RecitalSession, error)
	Create(ctx context.Context, session *model.RecitalSession) error
	UpdateSession(ctx context.Context, id string, guard model.SessionGuard, fields map[string]interface{}) (bool, error)
	RaiseDuration(ctx context.Context, id string, duration float64) (bool, error)

	AddTextSegment(ctx context.Context, segment *model.RecitalTextSegment) error
	GetTextSegments(ctx context.Context, sessionID string) ([]*model.RecitalTextSegment, error)
	DiscardLastTextSegments(ctx context.Context, sessionID string, n int) (int64, error)
	AddAudioSegment(ctx context.Context, segment *model.RecitalAudioSegment) error
	GetAudioSegments(ctx context.Context, sessionID string) ([]*model.RecitalAudioSegment, error)

	StoreSessionText(ctx context.Context, content, filename string) error
}

// LocalFiles resolves and removes files in the staging folder.
type LocalFiles interface {
	LocalPath(filename string) string
	RemoveLocal(filename string) error
}

// ContentStorage is the staging folder plus the object store.
type ContentStorage interface {
	LocalFiles
	Upload(ctx context.Context, filename, objectKey string, metadata map[string]string, contentType string) error
	DeletePrefix(ctx context.Context, prefix string) error
	PresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// Aggregator merges a session's segments.
type Aggregator interface {
	AggregateSessionCaptions(ctx context.Context, sessionID string, format CaptionFormat) (*Captions, error)
	AggregateSessionAudio(ctx context.Context, sessionID string) (string, error)
	DeleteSessionAudio(ctx context.Context, sessionID string) error
}

// Transcoder derives the playable renditions from the source audio.
type Transcoder interface {
	Transcode(ctx context.Context, sessionID string, targetDuration float64) (*Renditions, error)
}

// JobScheduler registers background jobs by id.
type JobScheduler interface {
	Schedule(jobID string, trigger scheduler.Trigger, replace bool, job scheduler.Job) bool
}

// StatsInvalidator drops cached statistics after sessions change.
type StatsInvalidator interface {
	InvalidateUser(ctx context.Context, userID string) error
	InvalidateTotals(ctx context.Context) error
}

// CycleGuard is a non-blocking lock around a finalization cycle.
type CycleGuard interface {
	TryLock() (bool, error)
	Unlock() error
}
