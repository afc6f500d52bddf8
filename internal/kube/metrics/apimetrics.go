package metrics

import (
	"context"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsv1beta1 "k8s.io/metrics/pkg/client/clientset/versioned/typed/metrics/v1beta1"

	relaymetrics "github.com/aaronlmathis/kaptn-relay/internal/metrics"
)

// ContainerUsage is the raw usage reported for one container. Empty strings
// mean the resource was not reported.
type ContainerUsage struct {
	Name   string `json:"name"`
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// PodUsageRecord is the raw usage reported for one pod
type PodUsageRecord struct {
	Namespace  string           `json:"namespace"`
	Pod        string           `json:"pod"`
	Containers []ContainerUsage `json:"containers"`
}

// APIMetricsAdapter reads pod usage from the Metrics API (metrics.k8s.io)
type APIMetricsAdapter struct {
	logger        *zap.Logger
	kubeClient    kubernetes.Interface
	metricsClient metricsv1beta1.MetricsV1beta1Interface
}

// NewAPIMetricsAdapter creates a new API metrics adapter
func NewAPIMetricsAdapter(logger *zap.Logger, kubeClient kubernetes.Interface, metricsClient metricsv1beta1.MetricsV1beta1Interface) *APIMetricsAdapter {
	return &APIMetricsAdapter{
		logger:        logger,
		kubeClient:    kubeClient,
		metricsClient: metricsClient,
	}
}

// HasMetricsAPI returns true if the Metrics API (metrics.k8s.io) is available.
// The result is not cached: metrics-server may be installed while the relay runs.
func (ama *APIMetricsAdapter) HasMetricsAPI(ctx context.Context) bool {
	if ama.kubeClient != nil {
		apiGroupList, err := ama.kubeClient.Discovery().ServerGroups()
		if err != nil {
			ama.logger.Warn("Failed to discover API groups", zap.Error(err))
		} else {
			for _, group := range apiGroupList.Groups {
				if group.Name == "metrics.k8s.io" {
					return true
				}
			}
		}
	}

	if ama.metricsClient == nil {
		ama.logger.Info("Metrics API client not configured")
		return false
	}

	// Try to make a test call to be sure
	if _, err := ama.metricsClient.PodMetricses("").List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		ama.logger.Info("Metrics API not available - metrics-server likely not installed", zap.Error(err))
		return false
	}
	return true
}

// ListPodUsage returns the raw per-container usage of every pod in namespace
// (all namespaces when empty). Any failure is logged and yields an empty batch.
func (ama *APIMetricsAdapter) ListPodUsage(ctx context.Context, namespace string) []PodUsageRecord {
	if ama.metricsClient == nil {
		ama.logger.Debug("Metrics API client not configured, returning empty pod usage")
		return []PodUsageRecord{}
	}

	start := time.Now()
	podMetrics, err := ama.metricsClient.PodMetricses(namespace).List(ctx, metav1.ListOptions{})
	relaymetrics.RecordKubernetesRequest("podmetrics", time.Since(start), err != nil)
	if err != nil {
		ama.logger.Error("Error getting pod metrics", zap.String("namespace", namespace), zap.Error(err))
		return []PodUsageRecord{}
	}

	records := make([]PodUsageRecord, 0, len(podMetrics.Items))
	for _, pm := range podMetrics.Items {
		record := PodUsageRecord{
			Namespace:  pm.Namespace,
			Pod:        pm.Name,
			Containers: make([]ContainerUsage, 0, len(pm.Containers)),
		}
		for _, c := range pm.Containers {
			usage := ContainerUsage{Name: c.Name}
			if q, ok := c.Usage[corev1.ResourceCPU]; ok {
				usage.CPU = q.String()
			}
			if q, ok := c.Usage[corev1.ResourceMemory]; ok {
				usage.Memory = q.String()
			}
			record.Containers = append(record.Containers, usage)
		}
		records = append(records, record)
	}

	ama.logger.Debug("Collected pod usage",
		zap.String("namespace", namespace),
		zap.Int("podCount", len(records)),
	)

	return records
}
