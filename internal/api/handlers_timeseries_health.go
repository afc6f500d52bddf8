package api

import (
	"net/http"
)

// handleTimeSeriesHealth returns the health status of the sample store
func (s *Server) handleTimeSeriesHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.elements.HealthSnapshot()
	status := snapshot.GetStatus()

	health := map[string]interface{}{
		"status":       status,
		"store_health": snapshot,
		"config": map[string]interface{}{
			"resolution":            s.elements.FinestResolution().String(),
			"max_series":            snapshot.MaxSeriesCount,
			"max_points_per_series": snapshot.MaxPointsPerSeries,
		},
	}

	code := http.StatusOK
	if status != "healthy" && snapshot.RejectedSeries > 0 {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, health)
}
