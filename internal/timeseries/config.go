package timeseries

import "time"

// Config holds configuration for time series storage
type Config struct {
	// Retention is how long points are kept before Prune drops them
	Retention time.Duration

	// Guardrails
	MaxSeries          int // Maximum number of series
	MaxPointsPerSeries int // Ring capacity of each series
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Retention:          60 * time.Minute,
		MaxSeries:          10000,
		MaxPointsPerSeries: 720, // 60 minutes at a 5 second resolution
	}
}
