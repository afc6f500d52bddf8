package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aaronlmathis/kaptn-relay/internal/ingest"
	"github.com/aaronlmathis/kaptn-relay/internal/taxonomy"
)

const defaultSeriesWindow = 15 * time.Minute

// SeriesPoint is a single point in API responses
type SeriesPoint struct {
	T int64   `json:"t"` // Unix timestamp in milliseconds
	V float64 `json:"v"`
}

// SeriesResponse is the body of the series endpoint
type SeriesResponse struct {
	Element ingest.Element `json:"element"`
	Metric  string         `json:"metric"`
	Since   time.Time      `json:"since"`
	Points  []SeriesPoint  `json:"points"`
}

func (s *Server) handleListElements(w http.ResponseWriter, r *http.Request) {
	kind := taxonomy.ElementKind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown element kind: "+string(kind))
		return
	}
	parent := r.URL.Query().Get("parent")

	elements := s.elements.Elements()
	filtered := make([]ingest.Element, 0, len(elements))
	for _, el := range elements {
		if kind != "" && el.Kind != kind {
			continue
		}
		if parent != "" && el.ParentID != parent {
			continue
		}
		filtered = append(filtered, el)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"elements": filtered,
		"total":    len(filtered),
	})
}

func (s *Server) handleGetElement(w http.ResponseWriter, r *http.Request) {
	el, ok := s.elements.Element(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "element not found")
		return
	}
	writeJSON(w, http.StatusOK, el)
}

func (s *Server) handleGetSeries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	metric := taxonomy.MetricCode(chi.URLParam(r, "metric"))

	window, err := parseWindow(r.URL.Query().Get("since"), defaultSeriesWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	since := time.Now().Add(-window)

	points, err := s.elements.Series(id, metric, since)
	switch {
	case errors.Is(err, ingest.ErrUnknownElement):
		writeError(w, http.StatusNotFound, "element not found")
		return
	case errors.Is(err, ingest.ErrUnknownMetric):
		writeError(w, http.StatusBadRequest, "unknown metric code: "+string(metric))
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	el, _ := s.elements.Element(id)
	resp := SeriesResponse{
		Element: el,
		Metric:  string(metric),
		Since:   since,
		Points:  make([]SeriesPoint, 0, len(points)),
	}
	for _, p := range points {
		resp.Points = append(resp.Points, SeriesPoint{T: p.T.UnixMilli(), V: p.V})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": s.registry.Entries(),
		"total":   s.registry.Len(),
		"timeout": s.registry.Timeout().String(),
	})
}
