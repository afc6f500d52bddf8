// Package informers serves the working pod set from a shared informer cache
// instead of listing pods on every collection cycle.
package informers

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	listersv1 "k8s.io/client-go/listers/core/v1"
	"k8s.io/client-go/tools/cache"
)

// DefaultResync is the informer resync period
const DefaultResync = 30 * time.Second

// Manager runs a pod informer, optionally restricted to one namespace
type Manager struct {
	logger      *zap.Logger
	factory     informers.SharedInformerFactory
	podInformer cache.SharedIndexInformer
	podLister   listersv1.PodLister
	events      *podEventCounter

	cancel context.CancelFunc
}

// NewManager creates a pod informer manager
func NewManager(logger *zap.Logger, client kubernetes.Interface, namespace string, resync time.Duration) *Manager {
	var opts []informers.SharedInformerOption
	if namespace != "" {
		opts = append(opts, informers.WithNamespace(namespace))
	}
	factory := informers.NewSharedInformerFactoryWithOptions(client, resync, opts...)
	pods := factory.Core().V1().Pods()

	m := &Manager{
		logger:      logger,
		factory:     factory,
		podInformer: pods.Informer(),
		podLister:   pods.Lister(),
		events:      &podEventCounter{logger: logger},
	}
	if _, err := m.podInformer.AddEventHandler(m.events); err != nil {
		logger.Warn("Failed to register pod event handler", zap.Error(err))
	}

	return m
}

// Start starts the informer and waits for its cache to sync
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("Starting pod informer")

	ctx, m.cancel = context.WithCancel(ctx)
	m.factory.Start(ctx.Done())

	if !cache.WaitForCacheSync(ctx.Done(), m.podInformer.HasSynced) {
		return fmt.Errorf("failed to sync pod cache")
	}

	m.logger.Info("Pod cache synced", zap.Int("pods", len(m.podInformer.GetStore().ListKeys())))
	return nil
}

// Stop stops the informer
func (m *Manager) Stop() {
	m.logger.Info("Stopping pod informer")
	if m.cancel != nil {
		m.cancel()
	}
	m.factory.Shutdown()
}

// ListPods returns the cached pods of namespace, or of every watched
// namespace when empty, ordered by namespace and name
func (m *Manager) ListPods(_ context.Context, namespace string) ([]corev1.Pod, error) {
	var (
		cached []*corev1.Pod
		err    error
	)
	if namespace != "" {
		cached, err = m.podLister.Pods(namespace).List(labels.Everything())
	} else {
		cached, err = m.podLister.List(labels.Everything())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list cached pods: %w", err)
	}

	pods := make([]corev1.Pod, 0, len(cached))
	for _, p := range cached {
		pods = append(pods, *p)
	}
	sort.Slice(pods, func(i, j int) bool {
		if pods[i].Namespace != pods[j].Namespace {
			return pods[i].Namespace < pods[j].Namespace
		}
		return pods[i].Name < pods[j].Name
	})

	return pods, nil
}

// Events returns the number of pod add, update and delete events observed
func (m *Manager) Events() (added, updated, deleted int64) {
	return m.events.added.Load(), m.events.updated.Load(), m.events.deleted.Load()
}

// podEventCounter logs and counts pod churn
type podEventCounter struct {
	logger  *zap.Logger
	added   atomic.Int64
	updated atomic.Int64
	deleted atomic.Int64
}

func (h *podEventCounter) OnAdd(obj interface{}, _ bool) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		h.logger.Error("Unexpected object type in OnAdd", zap.String("type", "pod"))
		return
	}
	h.added.Add(1)
	h.logger.Debug("Pod added", zap.String("name", pod.Name), zap.String("namespace", pod.Namespace))
}

func (h *podEventCounter) OnUpdate(_, newObj interface{}) {
	if _, ok := newObj.(*corev1.Pod); !ok {
		h.logger.Error("Unexpected object type in OnUpdate", zap.String("type", "pod"))
		return
	}
	h.updated.Add(1)
}

func (h *podEventCounter) OnDelete(obj interface{}) {
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		tombstone, isTombstone := obj.(cache.DeletedFinalStateUnknown)
		if !isTombstone {
			h.logger.Error("Unexpected object type in OnDelete", zap.String("type", "pod"))
			return
		}
		if pod, ok = tombstone.Obj.(*corev1.Pod); !ok {
			h.logger.Error("Unexpected tombstone object in OnDelete", zap.String("type", "pod"))
			return
		}
	}
	h.deleted.Add(1)
	h.logger.Debug("Pod deleted", zap.String("name", pod.Name), zap.String("namespace", pod.Namespace))
}
