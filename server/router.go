package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter registers the API routes. CORS wraps the whole router so
// preflight requests are answered before route method matching.
func NewRouter(h *APIHandler) http.Handler {
	router := mux.NewRouter()

	// 录音会话
	router.HandleFunc("/api/sessions", h.AuthMiddleware(h.NewSessionHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/sessions/{id}", h.AuthMiddleware(h.DisavowSessionHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/sessions/{id}/end", h.AuthMiddleware(h.EndSessionHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions/{id}/upload-text-segment", h.AuthMiddleware(h.UploadTextSegmentHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions/{id}/upload-audio-segment/{segment_id}", h.AuthMiddleware(h.UploadAudioSegmentHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/sessions/{id}/preview", h.AuthMiddleware(h.SessionPreviewHandler)).Methods(http.MethodGet)

	// 统计
	router.HandleFunc("/api/stats/me", h.AuthMiddleware(h.MyStatsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/stats/leaderboard", h.LeaderboardHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/stats/totals", h.TotalsHandler).Methods(http.MethodGet)

	router.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	return corsMiddleware(router)
}
