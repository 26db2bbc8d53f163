package model

import (
	"time"

	"github.com/google/uuid"
)

// RecitalTextSegment is an immutable chunk of text ending at SeekEnd seconds
// on the session's audio timeline.
type RecitalTextSegment struct {
	ID               uuid.UUID `json:"id" gorm:"type:char(36);primaryKey"`
	RecitalSessionID string    `json:"sessionId" gorm:"size:32;index;not null"`
	SeekEnd          float64   `json:"seekEnd" gorm:"not null"`
	Text             string    `json:"text" gorm:"type:text"`
	Discarded        bool      `json:"discarded" gorm:"default:false"`
	CreatedAt        time.Time `json:"createdAt"`
}

// TableName 指定表名
func (RecitalTextSegment) TableName() string {
	return "recital_text_segments"
}

// NewTextSegment creates a segment with a fresh id.
func NewTextSegment(sessionID, text string, seekEnd float64) *RecitalTextSegment {
	return &RecitalTextSegment{
		ID:               uuid.New(),
		RecitalSessionID: sessionID,
		SeekEnd:          seekEnd,
		Text:             text,
		CreatedAt:        time.Now(),
	}
}

// RecitalAudioSegment references one raw audio chunk in the staging folder.
type RecitalAudioSegment struct {
	ID               uuid.UUID `json:"id" gorm:"type:char(36);primaryKey"`
	RecitalSessionID string    `json:"sessionId" gorm:"size:32;not null;uniqueIndex:idx_audio_session_seq"`
	Sequential       int       `json:"sequential" gorm:"not null;uniqueIndex:idx_audio_session_seq"`
	Filename         string    `json:"filename" gorm:"size:255;not null"`
	MimeType         string    `json:"mimeType" gorm:"size:100"`
	CreatedAt        time.Time `json:"createdAt"`
}

// TableName 指定表名
func (RecitalAudioSegment) TableName() string {
	return "recital_audio_segments"
}

// NewAudioSegment creates a segment with a fresh id.
func NewAudioSegment(sessionID string, sequential int, filename, mimeType string) *RecitalAudioSegment {
	return &RecitalAudioSegment{
		ID:               uuid.New(),
		RecitalSessionID: sessionID,
		Sequential:       sequential,
		Filename:         filename,
		MimeType:         mimeType,
		CreatedAt:        time.Now(),
	}
}
