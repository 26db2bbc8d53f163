package recital

import (
	"context"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/ivrit-ai/crowd-recital/core/scheduler"
	"github.com/ivrit-ai/crowd-recital/core/utils"
	"github.com/ivrit-ai/crowd-recital/logger"
	"github.com/ivrit-ai/crowd-recital/model"
	"github.com/ivrit-ai/crowd-recital/storage"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	sessionIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"
	sessionIDLength   = 21
)

// 常见录音格式的扩展名
var audioExtensions = map[string]string{
	"audio/webm": ".webm",
	"audio/ogg":  ".ogg",
	"audio/mp4":  ".m4a",
	"audio/mpeg": ".mp3",
	"audio/wav":  ".wav",
}

// TextSegmentInput is a text segment sent by the recording client.
type TextSegmentInput struct {
	Text    string  `json:"text"`
	SeekEnd float64 `json:"seek_end"`
}

// NewSession creates an ACTIVE session for userID.
func (m *Manager) NewSession(ctx context.Context, userID string, documentID *string) (*model.RecitalSession, error) {
	id, err := gonanoid.Generate(sessionIDAlphabet, sessionIDLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	session := model.NewRecitalSession(id, userID, documentID)
	if err := m.store.Create(ctx, session); err != nil {
		return nil, err
	}

	logger.Info("录音会话已创建",
		logger.SessionID(id),
		logger.String("user_id", userID))
	return session, nil
}

// ownedSession returns the caller's session, or ErrMissingSession when it
// does not exist, belongs to someone else or was disavowed.
func (m *Manager) ownedSession(ctx context.Context, sessionID, userID string) (*model.RecitalSession, error) {
	session, err := m.store.GetByIDAndUserID(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.Disavowed {
		return nil, ErrMissingSession
	}
	return session, nil
}

// EndSession moves an ACTIVE session to ENDED after discarding its last
// discardLastN text segments. The last kept seek_end is folded into the
// duration before the status changes, so the cycle never sees an ENDED
// session without it. It returns false when the session was not ACTIVE.
func (m *Manager) EndSession(ctx context.Context, sessionID, userID string, discardLastN int) (bool, error) {
	session, err := m.ownedSession(ctx, sessionID, userID)
	if err != nil {
		return false, err
	}
	if session.Status != model.SessionStatusActive {
		return false, nil
	}

	if discardLastN > 0 {
		if _, err := m.store.DiscardLastTextSegments(ctx, sessionID, discardLastN); err != nil {
			return false, err
		}
	}

	segments, err := m.store.GetTextSegments(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if n := len(segments); n > 0 {
		if _, err := m.store.RaiseDuration(ctx, sessionID, segments[n-1].SeekEnd); err != nil {
			return false, err
		}
	}

	ended, err := m.store.UpdateSession(ctx, sessionID, model.SessionGuard{
		Statuses:     []model.SessionStatus{model.SessionStatusActive},
		NotDisavowed: true,
	}, map[string]interface{}{model.ColumnStatus: model.SessionStatusEnded})
	if err != nil {
		return false, err
	}
	if !ended {
		return false, nil
	}

	logger.Info("录音会话已结束",
		logger.SessionID(sessionID),
		logger.Int("discarded_segments", discardLastN))
	return true, nil
}

// DisavowSession flags the caller's session for teardown and brings the next
// finalization cycle forward.
func (m *Manager) DisavowSession(ctx context.Context, sessionID, userID string) error {
	session, err := m.store.GetByIDAndUserID(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrMissingSession
	}

	if !session.Disavowed {
		_, err := m.store.UpdateSession(ctx, sessionID, model.SessionGuard{},
			map[string]interface{}{model.ColumnDisavowed: true})
		if err != nil {
			return err
		}
	}
	m.ScheduleSessionFinalizationJob(false)

	logger.Info("录音会话已放弃", logger.SessionID(sessionID))
	return nil
}

// AddTextSegment stores a text segment and queues a duration update for the
// session. At most one update per session is pending at a time.
func (m *Manager) AddTextSegment(ctx context.Context, sessionID, userID string, in TextSegmentInput) error {
	if _, err := m.ownedSession(ctx, sessionID, userID); err != nil {
		return err
	}

	segment := model.NewTextSegment(sessionID, in.Text, in.SeekEnd)
	if err := m.store.AddTextSegment(ctx, segment); err != nil {
		return err
	}

	seekEnd := in.SeekEnd
	m.jobs.Schedule(durationJobIDPrefix+sessionID,
		scheduler.Once(m.opts.DurationUpdateDelay, m.opts.DurationMisfireGrace), false,
		func(ctx context.Context) {
			if err := m.UpdateSessionDuration(ctx, sessionID, seekEnd); err != nil {
				logger.Warn("更新会话时长失败", logger.SessionID(sessionID), logger.ErrorField(err))
			}
		})
	return nil
}

// UpdateSessionDuration raises the stored duration to duration; it never
// lowers it. Missing and discarded sessions are ignored.
func (m *Manager) UpdateSessionDuration(ctx context.Context, sessionID string, duration float64) error {
	session, err := m.store.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil || session.Status.IsTerminal() {
		return nil
	}

	_, err = m.store.RaiseDuration(ctx, sessionID, duration)
	return err
}

// extensionForMime picks the segment file extension for a mime type such as
// "audio/webm;codecs=opus".
func extensionForMime(mimeType string) string {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0]))
	if ext, ok := audioExtensions[base]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// AudioSegmentFilename is the staging filename of segment n of a session.
func AudioSegmentFilename(sessionID, mimeType string, sequential int) string {
	return fmt.Sprintf("%s%s.seg.%d", sessionID, extensionForMime(mimeType), sequential)
}

// AddAudioSegment stages one raw audio chunk and records it.
func (m *Manager) AddAudioSegment(ctx context.Context, sessionID, userID string, sequential int, mimeType string, data io.Reader) (*model.RecitalAudioSegment, error) {
	if _, err := m.ownedSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	filename := AudioSegmentFilename(sessionID, mimeType, sequential)
	size, err := utils.SaveStream(m.content.LocalPath(filename), data)
	if err != nil {
		return nil, err
	}

	segment := model.NewAudioSegment(sessionID, sequential, filename, mimeType)
	if err := m.store.AddAudioSegment(ctx, segment); err != nil {
		return nil, err
	}

	logger.Debug("音频分段已保存",
		logger.SessionID(sessionID),
		logger.Int("sequential", sequential),
		logger.String("mime_type", mimeType),
		logger.Int64("size", size))
	return segment, nil
}

// SessionPreview returns links to the published light audio and transcript.
// Sessions still in the pipeline get a preview without links; discarded
// sessions have none.
func (m *Manager) SessionPreview(ctx context.Context, sessionID, userID string) (*model.SessionPreview, error) {
	session, err := m.store.GetByIDAndUserID(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrMissingSession
	}

	switch session.Status {
	case model.SessionStatusActive, model.SessionStatusEnded, model.SessionStatusAggregated:
		return &model.SessionPreview{ID: session.ID}, nil
	case model.SessionStatusUploaded:
	default:
		return nil, ErrNoPreview
	}

	audioURL, err := m.content.PresignedURL(ctx, storage.LightAudioKey(sessionID), m.opts.PresignedURLExpiry)
	if err != nil {
		return nil, err
	}
	transcriptURL, err := m.content.PresignedURL(ctx, storage.TranscriptKey(sessionID), m.opts.PresignedURLExpiry)
	if err != nil {
		return nil, err
	}
	return &model.SessionPreview{
		ID:            session.ID,
		AudioURL:      audioURL,
		TranscriptURL: transcriptURL,
	}, nil
}
