// Package registry maps cluster objects onto element identities of the
// ingestion client. Every natural key is registered at most once per process,
// and elements that act as parents can be held back until the remote
// registrar has confirmed them.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/aaronlmathis/kaptn-relay/internal/metrics"
	"github.com/aaronlmathis/kaptn-relay/internal/taxonomy"
)

const (
	// DefaultPollInterval is how often the registrar is asked for a remote id
	DefaultPollInterval = 100 * time.Millisecond

	// TimeoutResolutions is the number of sink resolutions a registration may
	// take to be confirmed before it is considered timed out
	TimeoutResolutions = 3
)

// Registrar is the registration side of the ingestion client
type Registrar interface {
	// RegisterElement submits an element and returns its local id
	RegisterElement(ctx context.Context, kind taxonomy.ElementKind, name string, metadata map[string]string, parentID *string) (string, error)

	// RemoteElementID returns the remote id assigned to localID, if any. It never blocks.
	RemoteElementID(localID string) (int64, bool)
}

// Element describes a cluster object to register
type Element struct {
	Kind taxonomy.ElementKind
	// Key is the natural key: the namespace name for namespaces, the UID for pods
	Key      string
	Name     string
	Metadata map[string]string
	// ParentID is the local id of the parent element, empty for roots
	ParentID string
}

// Entry is a snapshot of one registration cache entry
type Entry struct {
	Kind         taxonomy.ElementKind `json:"kind"`
	Key          string               `json:"key"`
	Name         string               `json:"name"`
	LocalID      string               `json:"localId"`
	Confirmed    bool                 `json:"confirmed"`
	RemoteID     int64                `json:"remoteId,omitempty"`
	RegisteredAt time.Time            `json:"registeredAt"`
}

// Config holds the registry timing
type Config struct {
	// Timeout bounds the wait for a remote id
	Timeout time.Duration
	// PollInterval is the delay between remote id checks
	PollInterval time.Duration
}

// DefaultConfig derives the registry timing from the sink resolution
func DefaultConfig(resolution time.Duration) Config {
	return Config{
		Timeout:      TimeoutResolutions * resolution,
		PollInterval: DefaultPollInterval,
	}
}

type cacheKey struct {
	kind taxonomy.ElementKind
	key  string
}

func (k cacheKey) String() string {
	return string(k.kind) + "/" + k.key
}

// Registry is the registration cache plus the protocol operating on it. It is
// safe for concurrent use. Entries are never removed.
type Registry struct {
	logger    *zap.Logger
	registrar Registrar
	config    Config

	mu      sync.RWMutex
	entries map[cacheKey]*Entry

	registerGroup singleflight.Group
	confirmGroup  singleflight.Group
}

// New creates an empty registry
func New(logger *zap.Logger, registrar Registrar, config Config) *Registry {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return &Registry{
		logger:    logger,
		registrar: registrar,
		config:    config,
		entries:   make(map[cacheKey]*Entry),
	}
}

func (r *Registry) lookup(k cacheKey) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[k]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// EnsureRegistered returns the local id of el, registering it first if its
// natural key has not been seen. Concurrent calls for the same key share a
// single registration request.
func (r *Registry) EnsureRegistered(ctx context.Context, el Element) (string, error) {
	k := cacheKey{kind: el.Kind, key: el.Key}
	if e, ok := r.lookup(k); ok {
		return e.LocalID, nil
	}

	v, err, _ := r.registerGroup.Do(k.String(), func() (interface{}, error) {
		if e, ok := r.lookup(k); ok {
			return e.LocalID, nil
		}

		var parentID *string
		if el.ParentID != "" {
			parent := el.ParentID
			parentID = &parent
		}

		localID, err := r.registrar.RegisterElement(ctx, el.Kind, el.Name, el.Metadata, parentID)
		if err != nil {
			return nil, fmt.Errorf("failed to register %s %q: %w", el.Kind, el.Name, err)
		}

		r.mu.Lock()
		r.entries[k] = &Entry{
			Kind:         el.Kind,
			Key:          el.Key,
			Name:         el.Name,
			LocalID:      localID,
			RegisteredAt: time.Now(),
		}
		size := len(r.entries)
		r.mu.Unlock()

		metrics.RecordRegistration(string(el.Kind))
		metrics.UpdateRegistryEntries(size)

		r.logger.Debug("Registered element",
			zap.String("kind", string(el.Kind)),
			zap.String("name", el.Name),
			zap.String("localId", localID),
			zap.String("parentId", el.ParentID),
		)

		return localID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// AwaitRemoteID polls the registrar until localID has a remote id. It fails
// with a RegistrationTimeoutError once the configured timeout has elapsed, or
// with the context error if ctx is cancelled first.
func (r *Registry) AwaitRemoteID(ctx context.Context, localID string) (int64, error) {
	var remoteID int64
	err := wait.PollUntilContextTimeout(ctx, r.config.PollInterval, r.config.Timeout, true, func(context.Context) (bool, error) {
		id, ok := r.registrar.RemoteElementID(localID)
		if ok {
			remoteID = id
		}
		return ok, nil
	})
	if err == nil {
		return remoteID, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if wait.Interrupted(err) {
		return 0, &RegistrationTimeoutError{LocalID: localID, Timeout: r.config.Timeout}
	}
	return 0, err
}

// EnsureConfirmed registers el if needed and waits for its remote id the first
// time. Once an entry is confirmed, later calls return immediately. An entry
// whose wait timed out stays registered and is waited on again next time.
func (r *Registry) EnsureConfirmed(ctx context.Context, el Element) (string, error) {
	localID, err := r.EnsureRegistered(ctx, el)
	if err != nil {
		return "", err
	}

	k := cacheKey{kind: el.Kind, key: el.Key}
	if e, ok := r.lookup(k); ok && e.Confirmed {
		return localID, nil
	}

	_, err, _ = r.confirmGroup.Do(k.String(), func() (interface{}, error) {
		if e, ok := r.lookup(k); ok && e.Confirmed {
			return nil, nil
		}

		start := time.Now()
		remoteID, err := r.AwaitRemoteID(ctx, localID)
		if err != nil {
			if IsRegistrationTimeout(err) {
				metrics.RecordRegistrationTimeout(string(el.Kind))
				r.logger.Warn("Remote id not assigned in time",
					zap.String("kind", string(el.Kind)),
					zap.String("name", el.Name),
					zap.String("localId", localID),
					zap.Duration("timeout", r.config.Timeout),
				)
			}
			return nil, err
		}

		r.mu.Lock()
		if e, ok := r.entries[k]; ok {
			e.Confirmed = true
			e.RemoteID = remoteID
		}
		r.mu.Unlock()

		r.logger.Debug("Element confirmed",
			zap.String("kind", string(el.Kind)),
			zap.String("name", el.Name),
			zap.String("localId", localID),
			zap.Int64("remoteId", remoteID),
			zap.Duration("waited", time.Since(start)),
		)
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return localID, nil
}

// Len returns the number of cached natural keys
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Entries returns a copy of every cache entry ordered by kind then key
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Timeout returns the configured remote id timeout
func (r *Registry) Timeout() time.Duration {
	return r.config.Timeout
}
