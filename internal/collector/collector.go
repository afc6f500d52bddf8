// Package collector drives the collection loop: list pods, fetch their usage,
// register their identities and relay cpu and memory samples to the sink.
package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"

	kubemetrics "github.com/aaronlmathis/kaptn-relay/internal/kube/metrics"
	"github.com/aaronlmathis/kaptn-relay/internal/kube/selectors"
	"github.com/aaronlmathis/kaptn-relay/internal/metrics"
	"github.com/aaronlmathis/kaptn-relay/internal/registry"
	"github.com/aaronlmathis/kaptn-relay/internal/snapshot"
	"github.com/aaronlmathis/kaptn-relay/internal/taxonomy"
)

// PodLister lists the pods of a namespace, or of all namespaces when empty
type PodLister interface {
	ListPods(ctx context.Context, namespace string) ([]corev1.Pod, error)
}

// MetricsFetcher returns the raw per-container usage of pods. It reports
// failures by returning an empty batch.
type MetricsFetcher interface {
	ListPodUsage(ctx context.Context, namespace string) []kubemetrics.PodUsageRecord
}

// Sink is the ingestion client the collector relays into
type Sink interface {
	registry.Registrar

	// SendMetric emits one sample for a registered element
	SendMetric(ctx context.Context, localID string, code taxonomy.MetricCode, value float64) error

	// FinestResolution is the loop cadence and the base of the registration timeout
	FinestResolution() time.Duration
}

// Options configures a Collector
type Options struct {
	Namespace     string
	LabelSelector string
	// Workers bounds concurrent pod processing. Values below 2 process pods sequentially.
	Workers int
	// Registry overrides the registration timing derived from the sink resolution
	Registry *registry.Config
}

// CycleResult summarizes one collection cycle
type CycleResult struct {
	Pods     int
	Skipped  int
	Samples  int
	Duration time.Duration
}

// Collector runs the collection loop
type Collector struct {
	logger   *zap.Logger
	pods     PodLister
	usage    MetricsFetcher
	sink     Sink
	filter   *selectors.PodFilter
	registry *registry.Registry
	workers  int
}

// New creates a collector. Its registration cache lives as long as the collector.
func New(logger *zap.Logger, pods PodLister, usage MetricsFetcher, sink Sink, opts Options) (*Collector, error) {
	filter, err := selectors.NewPodFilter(selectors.PodFilterOptions{
		Namespace:     opts.Namespace,
		LabelSelector: opts.LabelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build pod filter: %w", err)
	}

	regConfig := registry.DefaultConfig(sink.FinestResolution())
	if opts.Registry != nil {
		regConfig = *opts.Registry
	}

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	return &Collector{
		logger:   logger,
		pods:     pods,
		usage:    usage,
		sink:     sink,
		filter:   filter,
		registry: registry.New(logger, sink, regConfig),
		workers:  workers,
	}, nil
}

// Registry exposes the registration cache for inspection
func (c *Collector) Registry() *registry.Registry {
	return c.registry
}

// Run executes cycles until ctx is cancelled, sleeping one sink resolution
// between cycles. Cycle errors are logged and the next cycle proceeds.
func (c *Collector) Run(ctx context.Context) error {
	resolution := c.sink.FinestResolution()
	c.logger.Info("Starting collection loop",
		zap.String("namespace", c.filter.Namespace()),
		zap.Duration("resolution", resolution),
		zap.Duration("registrationTimeout", c.registry.Timeout()),
		zap.Int("workers", c.workers),
	)

	for {
		result, err := c.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Collection loop stopped")
				return nil
			}
			c.logger.Error("Collection cycle failed", zap.Error(err))
		} else {
			c.logger.Debug("Collection cycle completed",
				zap.Int("pods", result.Pods),
				zap.Int("skipped", result.Skipped),
				zap.Int("samples", result.Samples),
				zap.Duration("duration", result.Duration),
			)
		}

		select {
		case <-ctx.Done():
			c.logger.Info("Collection loop stopped")
			return nil
		case <-time.After(resolution):
		}
	}
}

// RunCycle performs one collection cycle. A pod whose registration times out
// is skipped; any other failure aborts the cycle and is returned.
func (c *Collector) RunCycle(ctx context.Context) (result CycleResult, err error) {
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		metrics.RecordCycle(result.Duration, result.Pods, err != nil)
		metrics.UpdateRegistryEntries(c.registry.Len())
	}()

	pods, err := c.pods.ListPods(ctx, c.filter.Namespace())
	if err != nil {
		return result, fmt.Errorf("cycle aborted: %w", err)
	}
	pods = c.filter.Filter(pods)
	result.Pods = len(pods)

	snap := snapshot.Build(c.logger, c.usage.ListPodUsage(ctx, c.filter.Namespace()))

	var mu sync.Mutex
	tally := func(samples int, skipped bool) {
		mu.Lock()
		defer mu.Unlock()
		result.Samples += samples
		if skipped {
			result.Skipped++
		}
	}

	process := func(pod *corev1.Pod) error {
		samples, err := c.processPod(ctx, pod, snap)
		if err != nil {
			if registry.IsRegistrationTimeout(err) {
				metrics.RecordPodSkipped()
				c.logger.Warn("Skipping pod this cycle",
					zap.String("namespace", pod.Namespace),
					zap.String("pod", pod.Name),
					zap.Error(err),
				)
				tally(0, true)
				return nil
			}
			return fmt.Errorf("pod %s/%s: %w", pod.Namespace, pod.Name, err)
		}
		tally(samples, false)
		return nil
	}

	if c.workers < 2 {
		for i := range pods {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if err := process(&pods[i]); err != nil {
				return result, err
			}
		}
		return result, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i := range pods {
		pod := &pods[i]
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return process(pod)
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, ctx.Err()
}

func (c *Collector) processPod(ctx context.Context, pod *corev1.Pod, snap *snapshot.Snapshot) (int, error) {
	ns := pod.Namespace

	nsID, err := c.registry.EnsureConfirmed(ctx, registry.Element{
		Kind:     taxonomy.KindNamespace,
		Key:      ns,
		Name:     ns,
		Metadata: map[string]string{"namespace": ns},
	})
	if err != nil {
		return 0, fmt.Errorf("namespace %s: %w", ns, err)
	}

	key := string(pod.UID)
	if key == "" {
		key = ns + "/" + pod.Name
	}
	podID, err := c.registry.EnsureRegistered(ctx, registry.Element{
		Kind: taxonomy.KindPod,
		Key:  key,
		Name: ns + "/" + pod.Name,
		Metadata: map[string]string{
			"namespace": ns,
			"pod_name":  pod.Name,
		},
		ParentID: nsID,
	})
	if err != nil {
		return 0, err
	}

	usage, ok := snap.Lookup(ns, pod.Name)
	if !ok {
		return 0, nil
	}

	samples := 0
	if usage.HasCPU {
		if c.send(ctx, podID, taxonomy.MetricCPUUsage, usage.CPUCores) {
			samples++
		}
	}
	if usage.HasMemory {
		if c.send(ctx, podID, taxonomy.MetricMemoryUsage, float64(usage.MemoryBytes)) {
			samples++
		}
	}
	return samples, nil
}

// send is fire-and-forget: failures are logged only
func (c *Collector) send(ctx context.Context, localID string, code taxonomy.MetricCode, value float64) bool {
	if err := c.sink.SendMetric(ctx, localID, code, value); err != nil {
		c.logger.Warn("Failed to send metric",
			zap.String("localId", localID),
			zap.String("metric", string(code)),
			zap.Error(err),
		)
		return false
	}
	return true
}
