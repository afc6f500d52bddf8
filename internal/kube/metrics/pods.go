package metrics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	relaymetrics "github.com/aaronlmathis/kaptn-relay/internal/metrics"
)

// PodsAdapter lists the pods currently known to the API server
type PodsAdapter struct {
	logger     *zap.Logger
	kubeClient kubernetes.Interface
}

// NewPodsAdapter creates a new pods adapter
func NewPodsAdapter(logger *zap.Logger, kubeClient kubernetes.Interface) *PodsAdapter {
	return &PodsAdapter{
		logger:     logger,
		kubeClient: kubeClient,
	}
}

// ListPods returns the pods of namespace, or of every namespace when empty
func (pa *PodsAdapter) ListPods(ctx context.Context, namespace string) ([]corev1.Pod, error) {
	start := time.Now()
	pods, err := pa.kubeClient.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	relaymetrics.RecordKubernetesRequest("pods", time.Since(start), err != nil)
	if err != nil {
		pa.logger.Error("Failed to list pods", zap.String("namespace", namespace), zap.Error(err))
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	pa.logger.Debug("Listed pods",
		zap.String("namespace", namespace),
		zap.Int("podCount", len(pods.Items)),
	)

	return pods.Items, nil
}
