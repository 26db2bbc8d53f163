package model

// UserStats summarises one user's uploaded recordings.
type UserStats struct {
	GlobalRank      int     `json:"globalRank"`
	TotalDuration   float64 `json:"totalDuration"`
	TotalRecordings int64   `json:"totalRecordings"`
}

// LeaderboardEntry is one row of the top contributors table.
type LeaderboardEntry struct {
	UserID          string  `json:"userId"`
	TotalDuration   float64 `json:"totalDuration"`
	TotalRecordings int64   `json:"totalRecordings"`
}

// SystemTotals aggregates uploaded recordings across all users.
type SystemTotals struct {
	TotalDuration   float64 `json:"totalDuration"`
	TotalRecordings int64   `json:"totalRecordings"`
	TotalUsers      int64   `json:"totalUsers"`
}

// SessionPreview carries time-limited links to a session's published artifacts.
// Both URLs are empty while the session is still being finalized.
type SessionPreview struct {
	ID            string `json:"id"`
	AudioURL      string `json:"audioUrl,omitempty"`
	TranscriptURL string `json:"transcriptUrl,omitempty"`
}
