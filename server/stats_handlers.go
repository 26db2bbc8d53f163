package server

import (
	"net/http"
	"strconv"
)

// MyStatsHandler handles GET /api/stats/me.
func (h *APIHandler) MyStatsHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	stats, err := h.stats.UserStats(r.Context(), userID)
	if err != nil {
		writeServiceError(w, "user_stats", "", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// LeaderboardHandler handles GET /api/stats/leaderboard?top=N.
func (h *APIHandler) LeaderboardHandler(w http.ResponseWriter, r *http.Request) {
	top := 0
	if raw := r.URL.Query().Get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid top parameter", http.StatusBadRequest)
			return
		}
		top = n
	}

	entries, err := h.stats.Leaderboard(r.Context(), top)
	if err != nil {
		writeServiceError(w, "leaderboard", "", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// TotalsHandler handles GET /api/stats/totals.
func (h *APIHandler) TotalsHandler(w http.ResponseWriter, r *http.Request) {
	totals, err := h.stats.SystemTotals(r.Context())
	if err != nil {
		writeServiceError(w, "system_totals", "", err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}
