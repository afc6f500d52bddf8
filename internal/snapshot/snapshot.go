// Package snapshot turns one batch of raw pod usage records into an immutable
// per-cycle lookup table.
package snapshot

import (
	"go.uber.org/zap"

	kubemetrics "github.com/aaronlmathis/kaptn-relay/internal/kube/metrics"
	"github.com/aaronlmathis/kaptn-relay/internal/quantity"
)

// Key identifies a pod within a snapshot
type Key struct {
	Namespace string
	Pod       string
}

// Usage is the usage of a pod summed over its containers. HasCPU and
// HasMemory are false when no container reported that resource.
type Usage struct {
	CPUCores    float64
	MemoryBytes int64
	HasCPU      bool
	HasMemory   bool
}

// Snapshot maps pods to their usage for one collection cycle. It is never
// modified after Build returns.
type Snapshot struct {
	usage map[Key]Usage
}

// Build sums the CPU and memory of every container of every record
func Build(logger *zap.Logger, records []kubemetrics.PodUsageRecord) *Snapshot {
	usage := make(map[Key]Usage, len(records))

	for _, record := range records {
		var u Usage
		for _, c := range record.Containers {
			if c.CPU != "" {
				u.CPUCores += quantity.ParseCPU(logger, c.CPU)
				u.HasCPU = true
			}
			if c.Memory != "" {
				u.MemoryBytes += quantity.ParseMemory(logger, c.Memory)
				u.HasMemory = true
			}
		}
		usage[Key{Namespace: record.Namespace, Pod: record.Pod}] = u
	}

	logger.Debug("Built metrics snapshot", zap.Int("podCount", len(usage)))

	return &Snapshot{usage: usage}
}

// Lookup returns the usage of a pod. ok is false when the pod had no usage
// record this cycle, which means "no sample", not zero usage.
func (s *Snapshot) Lookup(namespace, pod string) (Usage, bool) {
	u, ok := s.usage[Key{Namespace: namespace, Pod: pod}]
	return u, ok
}

// Len returns the number of pods in the snapshot
func (s *Snapshot) Len() int {
	return len(s.usage)
}
