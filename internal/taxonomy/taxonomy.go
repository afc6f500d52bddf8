// Package taxonomy holds the fixed element kinds and metric codes shared by
// the relay and the ingestion client.
package taxonomy

// ElementKind identifies the type of a node in the reporting hierarchy
type ElementKind string

const (
	KindNamespace  ElementKind = "k8s_namespace"
	KindPod        ElementKind = "k8s_pod"
	KindDeployment ElementKind = "k8s_deployment"
	KindCronJob    ElementKind = "k8s_cronjob"
)

// MetricCode identifies a measured quantity
type MetricCode string

const (
	MetricCPUUsage    MetricCode = "cpu_usage"
	MetricMemoryUsage MetricCode = "memory_usage"
)

// ElementKinds returns every known element kind in declaration order
func ElementKinds() []ElementKind {
	return []ElementKind{KindNamespace, KindPod, KindDeployment, KindCronJob}
}

// MetricCodes returns every known metric code in declaration order
func MetricCodes() []MetricCode {
	return []MetricCode{MetricCPUUsage, MetricMemoryUsage}
}

// Valid reports whether k is part of the taxonomy
func (k ElementKind) Valid() bool {
	for _, known := range ElementKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Valid reports whether c is part of the taxonomy
func (c MetricCode) Valid() bool {
	for _, known := range MetricCodes() {
		if c == known {
			return true
		}
	}
	return false
}

func (k ElementKind) String() string { return string(k) }

func (c MetricCode) String() string { return string(c) }
