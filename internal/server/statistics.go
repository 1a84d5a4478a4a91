package server

import "net/http"

// handleStatistics combines the summary with the most recent daily
// records and the model leaderboard.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	summary, err := s.collector.Summary()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	daily, err := s.collector.Daily(7)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	models, err := s.collector.TopModels(5)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"summary":        summary,
		"daily":          daily,
		"models":         models,
		"uptime_seconds": int64(s.collector.Uptime().Seconds()),
		"memory":         s.collector.Memory(),
	})
}

func (s *Server) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.collector.Summary()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"summary": summary,
	})
}

func (s *Server) handleStatsDaily(w http.ResponseWriter, r *http.Request) {
	daily, err := s.collector.Daily(intQuery(r.URL.Query().Get("limit")))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(daily),
		"daily":   daily,
	})
}

func (s *Server) handleStatsRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end := q.Get("start"), q.Get("end")
	if start == "" || end == "" {
		respondError(w, http.StatusBadRequest, "start and end are required (YYYY-MM-DD)")
		return
	}
	records, err := s.collector.Range(start, end)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(records),
		"daily":   records,
	})
}

func (s *Server) handleStatsModels(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r.URL.Query().Get("limit"))
	if limit == 0 {
		limit = 10
	}
	models, err := s.collector.TopModels(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"models":  models,
	})
}
