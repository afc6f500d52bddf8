package timeseries

import (
	"sync/atomic"
	"time"

	"github.com/aaronlmathis/kaptn-relay/internal/metrics"
)

// HealthMetrics tracks counters of the store
type HealthMetrics struct {
	seriesCount      int64
	totalPointsAdded int64
	droppedPoints    int64
	rejectedSeries   int64

	maxSeriesCount     int
	maxPointsPerSeries int
}

// NewHealthMetrics creates a health tracker with the limits of config
func NewHealthMetrics(config Config) *HealthMetrics {
	return &HealthMetrics{
		maxSeriesCount:     config.MaxSeries,
		maxPointsPerSeries: config.MaxPointsPerSeries,
	}
}

// IncrementSeriesCount increments the active series count
func (h *HealthMetrics) IncrementSeriesCount() {
	metrics.UpdateStoreSeries(atomic.AddInt64(&h.seriesCount, 1))
}

// RecordPointAdded records that a point was added to a series
func (h *HealthMetrics) RecordPointAdded() {
	atomic.AddInt64(&h.totalPointsAdded, 1)
	metrics.RecordStorePoint()
}

// RecordDroppedPoint records a point evicted from a full series
func (h *HealthMetrics) RecordDroppedPoint() {
	atomic.AddInt64(&h.droppedPoints, 1)
	metrics.RecordStoreDroppedPoint()
}

// RecordRejectedSeries records a series refused by the series limit
func (h *HealthMetrics) RecordRejectedSeries() {
	atomic.AddInt64(&h.rejectedSeries, 1)
}

// CheckSeriesLimit reports whether one more series fits
func (h *HealthMetrics) CheckSeriesLimit() bool {
	return int(atomic.LoadInt64(&h.seriesCount)) < h.maxSeriesCount
}

// GetSnapshot returns a snapshot of current health metrics
func (h *HealthMetrics) GetSnapshot() HealthSnapshot {
	return HealthSnapshot{
		SeriesCount:        atomic.LoadInt64(&h.seriesCount),
		TotalPointsAdded:   atomic.LoadInt64(&h.totalPointsAdded),
		DroppedPoints:      atomic.LoadInt64(&h.droppedPoints),
		RejectedSeries:     atomic.LoadInt64(&h.rejectedSeries),
		MaxSeriesCount:     h.maxSeriesCount,
		MaxPointsPerSeries: h.maxPointsPerSeries,
		Timestamp:          time.Now(),
	}
}

// HealthSnapshot represents a point-in-time snapshot of health metrics
type HealthSnapshot struct {
	SeriesCount        int64     `json:"series_count"`
	TotalPointsAdded   int64     `json:"total_points_added"`
	DroppedPoints      int64     `json:"dropped_points"`
	RejectedSeries     int64     `json:"rejected_series"`
	MaxSeriesCount     int       `json:"max_series_count"`
	MaxPointsPerSeries int       `json:"max_points_per_series"`
	Timestamp          time.Time `json:"timestamp"`
}

// GetStatus returns a human-readable status string
func (s HealthSnapshot) GetStatus() string {
	if s.RejectedSeries > 0 {
		return "degraded: series limit reached"
	}
	if s.MaxSeriesCount > 0 && float64(s.SeriesCount)/float64(s.MaxSeriesCount) > 0.9 {
		return "warning: approaching series limit"
	}
	return "healthy"
}
