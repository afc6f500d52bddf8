// Package ingest is an in-process ingestion client. Elements get a local id
// as soon as they are registered; a background registrar later confirms them
// with a remote id, parents before children. Metric samples are kept in a
// ring-buffer time series store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aaronlmathis/kaptn-relay/internal/metrics"
	"github.com/aaronlmathis/kaptn-relay/internal/taxonomy"
	"github.com/aaronlmathis/kaptn-relay/internal/timeseries"
)

var (
	// ErrUnknownElement is returned for local ids that were never registered
	ErrUnknownElement = errors.New("unknown element")
	// ErrUnknownKind is returned for element kinds outside the taxonomy
	ErrUnknownKind = errors.New("unknown element kind")
	// ErrUnknownMetric is returned for metric codes outside the taxonomy
	ErrUnknownMetric = errors.New("unknown metric code")
	// ErrSeriesLimit is returned when the store refuses a new series
	ErrSeriesLimit = errors.New("series limit reached")
)

// Config holds configuration for the ingestion client
type Config struct {
	// Resolution is the finest sampling resolution of the sink
	Resolution time.Duration
	// ConfirmDelay is the minimum time between registration and confirmation
	ConfirmDelay time.Duration
	// ConfirmInterval is how often the registrar looks at pending elements
	ConfirmInterval time.Duration
	// RegisterRate limits confirmations per second, RegisterBurst their burst
	RegisterRate  float64
	RegisterBurst int
	// PruneInterval is how often old points are dropped from the store
	PruneInterval time.Duration

	Store timeseries.Config
}

// DefaultConfig returns the default ingestion client configuration
func DefaultConfig() Config {
	return Config{
		Resolution:      5 * time.Second,
		ConfirmDelay:    time.Second,
		ConfirmInterval: 100 * time.Millisecond,
		RegisterRate:    50,
		RegisterBurst:   100,
		PruneInterval:   30 * time.Second,
		Store:           timeseries.DefaultConfig(),
	}
}

// Element is a registered element as seen by the ingestion client
type Element struct {
	LocalID      string               `json:"localId"`
	Kind         taxonomy.ElementKind `json:"kind"`
	Name         string               `json:"name"`
	Metadata     map[string]string    `json:"metadata,omitempty"`
	ParentID     string               `json:"parentId,omitempty"`
	RemoteID     int64                `json:"remoteId,omitempty"`
	Confirmed    bool                 `json:"confirmed"`
	RegisteredAt time.Time            `json:"registeredAt"`
	ConfirmedAt  time.Time            `json:"confirmedAt,omitempty"`
}

// Client is the ingestion client
type Client struct {
	logger  *zap.Logger
	config  Config
	store   *timeseries.MemStore
	limiter *rate.Limiter

	mu           sync.RWMutex
	elements     map[string]*Element
	order        []string
	pending      []string
	nextRemoteID int64

	running   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// NewClient creates a new ingestion client. Call Start to run the registrar.
func NewClient(logger *zap.Logger, config Config) *Client {
	return &Client{
		logger:   logger,
		config:   config,
		store:    timeseries.NewMemStore(config.Store),
		limiter:  rate.NewLimiter(rate.Limit(config.RegisterRate), config.RegisterBurst),
		elements: make(map[string]*Element),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the remote registrar and store pruning in the background
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.logger.Info("Starting ingestion client",
			zap.Duration("resolution", c.config.Resolution),
			zap.Duration("confirmDelay", c.config.ConfirmDelay),
			zap.Float64("registerRate", c.config.RegisterRate),
		)
		c.running.Store(true)
		go c.run(ctx)
	})
}

// Stop stops the background registrar and waits for it to exit
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	if c.running.Load() {
		<-c.done
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	confirmTicker := time.NewTicker(c.config.ConfirmInterval)
	defer confirmTicker.Stop()

	pruneInterval := c.config.PruneInterval
	if pruneInterval <= 0 {
		pruneInterval = DefaultConfig().PruneInterval
	}
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Ingestion client stopped due to context cancellation")
			return
		case <-c.stopCh:
			c.logger.Info("Ingestion client stopped gracefully")
			return
		case now := <-confirmTicker.C:
			c.confirmPending(now)
		case <-pruneTicker.C:
			c.store.Prune()
		}
	}
}

// confirmPending assigns remote ids to pending elements that are old enough,
// whose parent is confirmed, and for which the rate limiter has budget.
func (c *Client) confirmPending(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	confirmed := 0
	remaining := c.pending[:0]
	for _, localID := range c.pending {
		el := c.elements[localID]
		if !c.confirmable(el, now) || !c.limiter.AllowN(now, 1) {
			remaining = append(remaining, localID)
			continue
		}

		c.nextRemoteID++
		el.RemoteID = c.nextRemoteID
		el.Confirmed = true
		el.ConfirmedAt = now
		confirmed++

		c.logger.Debug("Element confirmed by registrar",
			zap.String("localId", el.LocalID),
			zap.String("name", el.Name),
			zap.Int64("remoteId", el.RemoteID),
		)
	}
	c.pending = remaining

	return confirmed
}

// confirmable must be called with c.mu held
func (c *Client) confirmable(el *Element, now time.Time) bool {
	if now.Sub(el.RegisteredAt) < c.config.ConfirmDelay {
		return false
	}
	if el.ParentID == "" {
		return true
	}
	parent, ok := c.elements[el.ParentID]
	return ok && parent.Confirmed
}

// RegisterElement records a new element and returns its local id. The remote
// id is assigned later by the registrar.
func (c *Client) RegisterElement(_ context.Context, kind taxonomy.ElementKind, name string, metadata map[string]string, parentID *string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	el := &Element{
		LocalID:      uuid.NewString(),
		Kind:         kind,
		Name:         name,
		Metadata:     copyMetadata(metadata),
		RegisteredAt: time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if parentID != nil {
		if _, ok := c.elements[*parentID]; !ok {
			return "", fmt.Errorf("%w: parent %s of %q", ErrUnknownElement, *parentID, name)
		}
		el.ParentID = *parentID
	}

	c.elements[el.LocalID] = el
	c.order = append(c.order, el.LocalID)
	c.pending = append(c.pending, el.LocalID)

	return el.LocalID, nil
}

// RemoteElementID returns the remote id of localID once it is confirmed
func (c *Client) RemoteElementID(localID string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	el, ok := c.elements[localID]
	if !ok || !el.Confirmed {
		return 0, false
	}
	return el.RemoteID, true
}

// SendMetric stores one sample for an element
func (c *Client) SendMetric(_ context.Context, localID string, code taxonomy.MetricCode, value float64) error {
	if !code.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownMetric, code)
	}

	c.mu.RLock()
	_, ok := c.elements[localID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownElement, localID)
	}

	series := c.store.Upsert(timeseries.SeriesKey(localID, string(code)))
	if series == nil {
		return fmt.Errorf("%w: %s", ErrSeriesLimit, timeseries.SeriesKey(localID, string(code)))
	}
	series.Add(timeseries.NewPoint(time.Now(), value))
	metrics.RecordSampleSent(string(code))

	return nil
}

// FinestResolution returns the sampling resolution of the sink
func (c *Client) FinestResolution() time.Duration {
	return c.config.Resolution
}

// Elements returns every registered element in registration order
func (c *Client) Elements() []Element {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Element, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.elements[id])
	}
	return out
}

// Element returns a single registered element
func (c *Client) Element(localID string) (Element, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	el, ok := c.elements[localID]
	if !ok {
		return Element{}, false
	}
	return *el, true
}

// Series returns the samples of one element metric since the given time
func (c *Client) Series(localID string, code taxonomy.MetricCode, since time.Time) ([]timeseries.Point, error) {
	if !code.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMetric, code)
	}
	if _, ok := c.Element(localID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownElement, localID)
	}

	series, ok := c.store.Get(timeseries.SeriesKey(localID, string(code)))
	if !ok {
		return []timeseries.Point{}, nil
	}
	return series.Since(since), nil
}

// HealthSnapshot returns the health of the underlying store
func (c *Client) HealthSnapshot() timeseries.HealthSnapshot {
	return c.store.GetHealthSnapshot()
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
