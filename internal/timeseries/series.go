package timeseries

import (
	"sync"
	"time"
)

// Series is a fixed-capacity ring buffer of points. Once full, the oldest
// point is overwritten.
type Series struct {
	mu     sync.RWMutex
	health *HealthMetrics

	ring []Point
	head int
	full bool
}

// NewSeries creates a new Series with the given configuration
func NewSeries(config Config) *Series {
	return NewSeriesWithHealth(config, nil)
}

// NewSeriesWithHealth creates a new Series reporting to health
func NewSeriesWithHealth(config Config, health *HealthMetrics) *Series {
	capacity := config.MaxPointsPerSeries
	if capacity <= 0 {
		capacity = DefaultConfig().MaxPointsPerSeries
	}
	return &Series{
		health: health,
		ring:   make([]Point, capacity),
	}
}

// Add appends a point, evicting the oldest one when the ring is full
func (s *Series) Add(p Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.full && s.health != nil {
		s.health.RecordDroppedPoint()
	}

	s.ring[s.head] = p
	s.head = (s.head + 1) % len(s.ring)
	if s.head == 0 {
		s.full = true
	}

	if s.health != nil {
		s.health.RecordPointAdded()
	}
}

// Len returns the number of points held
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size()
}

func (s *Series) size() int {
	if s.full {
		return len(s.ring)
	}
	return s.head
}

// oldest returns the ring index of the oldest point
func (s *Series) oldest() int {
	if s.full {
		return s.head
	}
	return 0
}

// Since returns the points at or after since, oldest first. A zero since
// returns every point.
func (s *Series) Since(since time.Time) []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.size()
	result := make([]Point, 0, size)
	start := s.oldest()
	for i := 0; i < size; i++ {
		p := s.ring[(start+i)%len(s.ring)]
		if p.IsZero() || (!since.IsZero() && p.T.Before(since)) {
			continue
		}
		result = append(result, p)
	}
	return result
}

// Latest returns the newest point
func (s *Series) Latest() (Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.size() == 0 {
		return Point{}, false
	}
	idx := (s.head - 1 + len(s.ring)) % len(s.ring)
	return s.ring[idx], true
}

// Prune drops points older than cutoff
func (s *Series) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]Point, 0, s.size())
	start := s.oldest()
	size := s.size()
	for i := 0; i < size; i++ {
		p := s.ring[(start+i)%len(s.ring)]
		if !p.T.Before(cutoff) {
			kept = append(kept, p)
		}
	}

	pruned := size - len(kept)
	if pruned == 0 {
		return 0
	}

	for i := range s.ring {
		s.ring[i] = Point{}
	}
	copy(s.ring, kept)
	s.head = len(kept) % len(s.ring)
	s.full = len(kept) == len(s.ring)
	return pruned
}
