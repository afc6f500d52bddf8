package timeseries

import (
	"sort"
	"sync"
	"time"
)

// Store defines the interface for storing time series
type Store interface {
	// Upsert returns the series for the given key, creating it if it doesn't
	// exist. It returns nil when the series limit has been reached.
	Upsert(key string) *Series

	// Get returns the series for the given key
	Get(key string) (*Series, bool)

	// Keys returns all series keys in lexical order
	Keys() []string

	// Prune removes points older than the retention window from all series
	Prune()
}

// MemStore is an in-memory implementation of Store
type MemStore struct {
	mu     sync.RWMutex
	series map[string]*Series
	config Config
	health *HealthMetrics
}

// NewMemStore creates a new in-memory store with the given configuration
func NewMemStore(config Config) *MemStore {
	return &MemStore{
		series: make(map[string]*Series),
		config: config,
		health: NewHealthMetrics(config),
	}
}

// Upsert returns the series for the given key, creating it if it doesn't exist
func (m *MemStore) Upsert(key string) *Series {
	m.mu.Lock()
	defer m.mu.Unlock()

	if series, exists := m.series[key]; exists {
		return series
	}

	if !m.health.CheckSeriesLimit() {
		m.health.RecordRejectedSeries()
		return nil
	}

	series := NewSeriesWithHealth(m.config, m.health)
	m.series[key] = series
	m.health.IncrementSeriesCount()
	return series
}

// Get returns the series for the given key
func (m *MemStore) Get(key string) (*Series, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series, exists := m.series[key]
	return series, exists
}

// Keys returns all series keys in lexical order
func (m *MemStore) Keys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.series))
	for key := range m.series {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Prune removes points older than the retention window from all series
func (m *MemStore) Prune() {
	cutoff := time.Now().Add(-m.config.Retention)

	// Series have their own locks
	for _, key := range m.Keys() {
		if series, exists := m.Get(key); exists {
			series.Prune(cutoff)
		}
	}
}

// GetHealthSnapshot returns a snapshot of current health metrics
func (m *MemStore) GetHealthSnapshot() HealthSnapshot {
	return m.health.GetSnapshot()
}
