package model

import (
	"time"
)

// SessionStatus is the pipeline stage of a recital session.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusEnded      SessionStatus = "ended"
	SessionStatusAggregated SessionStatus = "aggregated"
	SessionStatusUploaded   SessionStatus = "uploaded"
	SessionStatusDiscarded  SessionStatus = "discarded"
)

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusDiscarded
}

// SessionGuard restricts a partial update to a row still in the expected
// state. The zero value matches any row.
type SessionGuard struct {
	// Statuses the row must be in; empty matches any status.
	Statuses     []SessionStatus
	NotDisavowed bool
}

// 会话表的列名，用于按列更新
const (
	ColumnStatus              = "status"
	ColumnDisavowed           = "disavowed"
	ColumnDuration            = "duration"
	ColumnTextFilename        = "text_filename"
	ColumnSourceAudioFilename = "source_audio_filename"
	ColumnMainAudioFilename   = "main_audio_filename"
	ColumnLightAudioFilename  = "light_audio_filename"
)

// RecitalSession is one user's recording attempt, optionally against a document.
//
// The four filename fields stay NULL until the step producing them has run;
// their presence is what makes each finalization step idempotent.
// Disavowed is orthogonal to Status: it marks a session for teardown on the
// next finalization cycle regardless of how far it got.
type RecitalSession struct {
	ID                  string        `json:"id" gorm:"primaryKey;size:32"`
	UserID              string        `json:"userId" gorm:"size:64;index;not null"`
	DocumentID          *string       `json:"documentId,omitempty" gorm:"size:64;index"`
	Status              SessionStatus `json:"status" gorm:"size:20;default:'active';index"`
	Disavowed           bool          `json:"disavowed" gorm:"default:false;index"`
	Duration            float64       `json:"duration" gorm:"default:0"`
	SourceAudioFilename *string       `json:"sourceAudioFilename,omitempty" gorm:"size:255"`
	MainAudioFilename   *string       `json:"mainAudioFilename,omitempty" gorm:"size:255"`
	LightAudioFilename  *string       `json:"lightAudioFilename,omitempty" gorm:"size:255"`
	TextFilename        *string       `json:"textFilename,omitempty" gorm:"size:255"`
	CreatedAt           time.Time     `json:"createdAt" gorm:"index"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// TableName 指定表名
func (RecitalSession) TableName() string {
	return "recital_sessions"
}

// NewRecitalSession creates an ACTIVE session owned by userID.
func NewRecitalSession(id, userID string, documentID *string) *RecitalSession {
	return &RecitalSession{
		ID:         id,
		UserID:     userID,
		DocumentID: documentID,
		Status:     SessionStatusActive,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
}

// StringPtr is a small helper for the nullable filename columns.
func StringPtr(s string) *string {
	return &s
}

// Deref returns the pointed string or "" for NULL.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// HasText reports whether the caption file was already produced.
func (s *RecitalSession) HasText() bool {
	return s.TextFilename != nil && *s.TextFilename != ""
}

// HasSourceAudio reports whether segments were already concatenated.
func (s *RecitalSession) HasSourceAudio() bool {
	return s.SourceAudioFilename != nil && *s.SourceAudioFilename != ""
}

// HasRenditions reports whether transcoding already ran.
func (s *RecitalSession) HasRenditions() bool {
	return s.MainAudioFilename != nil && *s.MainAudioFilename != ""
}

// LocalArtifacts lists the produced filenames that are set.
func (s *RecitalSession) LocalArtifacts() []string {
	var files []string
	for _, f := range []*string{s.TextFilename, s.SourceAudioFilename, s.MainAudioFilename, s.LightAudioFilename} {
		if f != nil && *f != "" {
			files = append(files, *f)
		}
	}
	return files
}
