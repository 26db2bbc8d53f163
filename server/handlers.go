package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ivrit-ai/crowd-recital/core/auth"
	"github.com/ivrit-ai/crowd-recital/core/recital"
	"github.com/ivrit-ai/crowd-recital/core/stats"
	"github.com/ivrit-ai/crowd-recital/logger"
	"github.com/ivrit-ai/crowd-recital/model"

	"github.com/gorilla/mux"
)

const maxAudioSegmentBytes = 32 << 20

// SessionService is the recording flow the API exposes.
type SessionService interface {
	NewSession(ctx context.Context, userID string, documentID *string) (*model.RecitalSession, error)
	EndSession(ctx context.Context, sessionID, userID string, discardLastN int) (bool, error)
	DisavowSession(ctx context.Context, sessionID, userID string) error
	AddTextSegment(ctx context.Context, sessionID, userID string, in recital.TextSegmentInput) error
	AddAudioSegment(ctx context.Context, sessionID, userID string, sequential int, mimeType string, data io.Reader) (*model.RecitalAudioSegment, error)
	SessionPreview(ctx context.Context, sessionID, userID string) (*model.SessionPreview, error)
}

// StatsService serves contribution statistics.
type StatsService interface {
	UserStats(ctx context.Context, userID string) (*model.UserStats, error)
	Leaderboard(ctx context.Context, top int) ([]model.LeaderboardEntry, error)
	SystemTotals(ctx context.Context) (*model.SystemTotals, error)
}

var (
	_ SessionService = (*recital.Manager)(nil)
	_ StatsService   = (*stats.Service)(nil)
	_ TokenParser    = (*auth.TokenManager)(nil)
)

// APIHandler holds dependencies for API handlers.
type APIHandler struct {
	sessions SessionService
	stats    StatsService
	tokens   TokenParser
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(sessions SessionService, stats StatsService, tokens TokenParser) *APIHandler {
	return &APIHandler{
		sessions: sessions,
		stats:    stats,
		tokens:   tokens,
	}
}

type newSessionRequest struct {
	DocumentID *string `json:"document_id"`
}

type endSessionRequest struct {
	DiscardLastNTextSegments int `json:"discard_last_n_text_segments"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入响应失败", logger.ErrorField(err))
	}
}

// writeServiceError maps service errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, op, sessionID string, err error) {
	switch {
	case errors.Is(err, recital.ErrMissingSession):
		http.Error(w, "Recital session not found", http.StatusNotFound)
	case errors.Is(err, recital.ErrNoPreview):
		http.Error(w, "No preview available for this session", http.StatusNotFound)
	default:
		logger.Error("请求处理失败",
			logger.String("op", op),
			logger.SessionID(sessionID),
			logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// NewSessionHandler handles PUT /api/sessions.
func (h *APIHandler) NewSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req newSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	session, err := h.sessions.NewSession(r.Context(), userID, req.DocumentID)
	if err != nil {
		writeServiceError(w, "new_session", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": session.ID})
}

// EndSessionHandler handles POST /api/sessions/{id}/end.
func (h *APIHandler) EndSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	sessionID := mux.Vars(r)["id"]

	var req endSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.DiscardLastNTextSegments < 0 {
		http.Error(w, "discard_last_n_text_segments must not be negative", http.StatusBadRequest)
		return
	}

	ended, err := h.sessions.EndSession(r.Context(), sessionID, userID, req.DiscardLastNTextSegments)
	if err != nil {
		writeServiceError(w, "end_session", sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ended": ended})
}

// DisavowSessionHandler handles DELETE /api/sessions/{id}.
func (h *APIHandler) DisavowSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	sessionID := mux.Vars(r)["id"]

	if err := h.sessions.DisavowSession(r.Context(), sessionID, userID); err != nil {
		writeServiceError(w, "disavow_session", sessionID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadTextSegmentHandler handles POST /api/sessions/{id}/upload-text-segment.
func (h *APIHandler) UploadTextSegmentHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	sessionID := mux.Vars(r)["id"]

	var in recital.TextSegmentInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if in.SeekEnd < 0 {
		http.Error(w, "seek_end must not be negative", http.StatusBadRequest)
		return
	}

	if err := h.sessions.AddTextSegment(r.Context(), sessionID, userID, in); err != nil {
		writeServiceError(w, "add_text_segment", sessionID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadAudioSegmentHandler handles
// POST /api/sessions/{id}/upload-audio-segment/{segment_id}.
func (h *APIHandler) UploadAudioSegmentHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	vars := mux.Vars(r)
	sessionID := vars["id"]

	sequential, err := strconv.Atoi(vars["segment_id"])
	if err != nil || sequential < 0 {
		http.Error(w, "Invalid segment id", http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAudioSegmentBytes)
	if err := r.ParseMultipartForm(maxAudioSegmentBytes); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("audio_data")
	if err != nil {
		http.Error(w, "Missing audio_data", http.StatusBadRequest)
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	if _, err := h.sessions.AddAudioSegment(r.Context(), sessionID, userID, sequential, mimeType, file); err != nil {
		writeServiceError(w, "add_audio_segment", sessionID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SessionPreviewHandler handles GET /api/sessions/{id}/preview.
func (h *APIHandler) SessionPreviewHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	sessionID := mux.Vars(r)["id"]

	preview, err := h.sessions.SessionPreview(r.Context(), sessionID, userID)
	if err != nil {
		writeServiceError(w, "session_preview", sessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}
