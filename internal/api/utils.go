package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// maxSeriesWindow bounds the since parameter
const maxSeriesWindow = 24 * time.Hour

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}

// parseWindow parses a look-back window like "15m"
func parseWindow(param string, defaultValue time.Duration) (time.Duration, error) {
	if param == "" {
		return defaultValue, nil
	}

	d, err := time.ParseDuration(param)
	if err != nil {
		return 0, fmt.Errorf("invalid since parameter %q", param)
	}
	if d <= 0 || d > maxSeriesWindow {
		return 0, fmt.Errorf("since must be between 0 and %s", maxSeriesWindow)
	}
	return d, nil
}
