package selectors

import (
	"fmt"

	v1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
)

// PodFilterOptions represents filtering options for the working pod set
type PodFilterOptions struct {
	Namespace     string
	LabelSelector string
	FieldSelector string
}

// PodFilter is a compiled set of PodFilterOptions
type PodFilter struct {
	namespace     string
	labelSelector labels.Selector
	fieldSelector fields.Selector
}

// NewPodFilter parses the selectors in options
func NewPodFilter(options PodFilterOptions) (*PodFilter, error) {
	f := &PodFilter{namespace: options.Namespace}

	if options.LabelSelector != "" {
		selector, err := labels.Parse(options.LabelSelector)
		if err != nil {
			return nil, fmt.Errorf("invalid label selector: %w", err)
		}
		f.labelSelector = selector
	}

	if options.FieldSelector != "" {
		selector, err := fields.ParseSelector(options.FieldSelector)
		if err != nil {
			return nil, fmt.Errorf("invalid field selector: %w", err)
		}
		f.fieldSelector = selector
	}

	return f, nil
}

// Namespace returns the namespace the filter is restricted to, if any
func (f *PodFilter) Namespace() string {
	return f.namespace
}

// Matches reports whether pod passes every configured condition
func (f *PodFilter) Matches(pod *v1.Pod) bool {
	if f.namespace != "" && pod.Namespace != f.namespace {
		return false
	}
	if f.labelSelector != nil && !f.labelSelector.Matches(labels.Set(pod.Labels)) {
		return false
	}
	if f.fieldSelector != nil && !f.fieldSelector.Matches(PodToFieldSet(pod)) {
		return false
	}
	return true
}

// Filter returns the matching pods in their original order. A filter with no
// conditions returns pods unchanged.
func (f *PodFilter) Filter(pods []v1.Pod) []v1.Pod {
	if f.namespace == "" && f.labelSelector == nil && f.fieldSelector == nil {
		return pods
	}

	filtered := make([]v1.Pod, 0, len(pods))
	for i := range pods {
		if f.Matches(&pods[i]) {
			filtered = append(filtered, pods[i])
		}
	}
	return filtered
}

// FilterPodsByNamespace keeps the pods of namespace, preserving order.
// An empty namespace returns pods unchanged.
func FilterPodsByNamespace(pods []v1.Pod, namespace string) []v1.Pod {
	f := &PodFilter{namespace: namespace}
	return f.Filter(pods)
}

// PodToFieldSet converts a pod to a field set for field selector matching
func PodToFieldSet(pod *v1.Pod) fields.Set {
	return fields.Set{
		"metadata.name":      pod.Name,
		"metadata.namespace": pod.Namespace,
		"spec.nodeName":      pod.Spec.NodeName,
		"spec.restartPolicy": string(pod.Spec.RestartPolicy),
		"status.phase":       string(pod.Status.Phase),
		"status.podIP":       pod.Status.PodIP,
		"status.hostIP":      pod.Status.HostIP,
	}
}
