package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	kubemetrics "github.com/aaronlmathis/kaptn-relay/internal/kube/metrics"
	"github.com/aaronlmathis/kaptn-relay/internal/taxonomy"
)

type registration struct {
	kind     taxonomy.ElementKind
	name     string
	metadata map[string]string
	parentID string
}

type sample struct {
	localID string
	code    taxonomy.MetricCode
	value   float64
}

type fakeSink struct {
	mu            sync.Mutex
	resolution    time.Duration
	neverConfirm  bool
	registerErr   error
	registrations map[string]registration
	order         []string
	samples       []sample
}

func newFakeSink(resolution time.Duration) *fakeSink {
	return &fakeSink{
		resolution:    resolution,
		registrations: make(map[string]registration),
	}
}

func (f *fakeSink) RegisterElement(_ context.Context, kind taxonomy.ElementKind, name string, metadata map[string]string, parentID *string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.registerErr != nil {
		return "", f.registerErr
	}
	id := fmt.Sprintf("local-%d", len(f.order)+1)
	reg := registration{kind: kind, name: name, metadata: metadata}
	if parentID != nil {
		reg.parentID = *parentID
	}
	f.registrations[id] = reg
	f.order = append(f.order, id)
	return id, nil
}

func (f *fakeSink) RemoteElementID(localID string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.neverConfirm {
		return 0, false
	}
	for i, id := range f.order {
		if id == localID {
			return int64(i + 1), true
		}
	}
	return 0, false
}

func (f *fakeSink) SendMetric(_ context.Context, localID string, code taxonomy.MetricCode, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, sample{localID: localID, code: code, value: value})
	return nil
}

func (f *fakeSink) FinestResolution() time.Duration {
	return f.resolution
}

func (f *fakeSink) registered(kind taxonomy.ElementKind) []registration {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []registration
	for _, id := range f.order {
		if r := f.registrations[id]; r.kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeSink) idOf(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		if f.registrations[id].name == name {
			return id
		}
	}
	return ""
}

func (f *fakeSink) sent() []sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sample(nil), f.samples...)
}

type fakePods struct {
	pods []corev1.Pod
	err  error
}

func (f *fakePods) ListPods(_ context.Context, _ string) ([]corev1.Pod, error) {
	return f.pods, f.err
}

type fakeUsage struct {
	records []kubemetrics.PodUsageRecord
}

func (f *fakeUsage) ListPodUsage(_ context.Context, _ string) []kubemetrics.PodUsageRecord {
	return f.records
}

func pod(namespace, name string) corev1.Pod {
	return corev1.Pod{ObjectMeta: metav1.ObjectMeta{
		Namespace: namespace,
		Name:      name,
		UID:       types.UID(namespace + "-" + name + "-uid"),
	}}
}

func usage(namespace, name, cpu, memory string) kubemetrics.PodUsageRecord {
	return kubemetrics.PodUsageRecord{
		Namespace:  namespace,
		Pod:        name,
		Containers: []kubemetrics.ContainerUsage{{Name: "main", CPU: cpu, Memory: memory}},
	}
}

func TestRunCycle(t *testing.T) {
	ctx := context.Background()
	sink := newFakeSink(20 * time.Millisecond)
	pods := &fakePods{pods: []corev1.Pod{pod("ns1", "p1")}}
	metricsFetcher := &fakeUsage{records: []kubemetrics.PodUsageRecord{usage("ns1", "p1", "250m", "64Mi")}}

	c, err := New(zaptest.NewLogger(t), pods, metricsFetcher, sink, Options{})
	require.NoError(t, err)

	result, err := c.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pods)
	assert.Equal(t, 2, result.Samples)
	assert.Equal(t, 0, result.Skipped)

	namespaces := sink.registered(taxonomy.KindNamespace)
	require.Len(t, namespaces, 1)
	assert.Equal(t, "ns1", namespaces[0].name)
	assert.Equal(t, map[string]string{"namespace": "ns1"}, namespaces[0].metadata)
	assert.Empty(t, namespaces[0].parentID)

	podRegs := sink.registered(taxonomy.KindPod)
	require.Len(t, podRegs, 1)
	assert.Equal(t, "ns1/p1", podRegs[0].name)
	assert.Equal(t, map[string]string{"namespace": "ns1", "pod_name": "p1"}, podRegs[0].metadata)
	assert.Equal(t, sink.idOf("ns1"), podRegs[0].parentID)

	podID := sink.idOf("ns1/p1")
	assert.ElementsMatch(t, []sample{
		{localID: podID, code: taxonomy.MetricCPUUsage, value: 0.25},
		{localID: podID, code: taxonomy.MetricMemoryUsage, value: 67108864},
	}, sink.sent())

	t.Run("SecondCycleReusesIdentities", func(t *testing.T) {
		_, err := c.RunCycle(ctx)
		require.NoError(t, err)
		assert.Len(t, sink.registered(taxonomy.KindNamespace), 1)
		assert.Len(t, sink.registered(taxonomy.KindPod), 1)
		assert.Len(t, sink.sent(), 4)
		assert.Equal(t, 2, c.Registry().Len())
	})
}

func TestRunCycle_AbsentSnapshotEntry(t *testing.T) {
	sink := newFakeSink(20 * time.Millisecond)
	pods := &fakePods{pods: []corev1.Pod{pod("ns1", "p1")}}

	c, err := New(zaptest.NewLogger(t), pods, &fakeUsage{}, sink, Options{})
	require.NoError(t, err)

	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Samples)
	assert.Equal(t, 0, result.Skipped)
	assert.Empty(t, sink.sent())
	assert.Len(t, sink.registered(taxonomy.KindPod), 1)
}

func TestRunCycle_PartialUsage(t *testing.T) {
	sink := newFakeSink(20 * time.Millisecond)
	pods := &fakePods{pods: []corev1.Pod{pod("ns1", "p1")}}
	metricsFetcher := &fakeUsage{records: []kubemetrics.PodUsageRecord{usage("ns1", "p1", "", "128M")}}

	c, err := New(zaptest.NewLogger(t), pods, metricsFetcher, sink, Options{})
	require.NoError(t, err)

	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Samples)

	sent := sink.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, taxonomy.MetricMemoryUsage, sent[0].code)
	assert.Equal(t, float64(134217728), sent[0].value)
}

func TestRunCycle_RegistrationTimeoutSkipsPod(t *testing.T) {
	sink := newFakeSink(10 * time.Millisecond)
	sink.neverConfirm = true
	pods := &fakePods{pods: []corev1.Pod{pod("ns1", "p1")}}
	metricsFetcher := &fakeUsage{records: []kubemetrics.PodUsageRecord{usage("ns1", "p1", "1", "1Gi")}}

	c, err := New(zaptest.NewLogger(t), pods, metricsFetcher, sink, Options{})
	require.NoError(t, err)

	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Samples)
	assert.Empty(t, sink.registered(taxonomy.KindPod))

	// The namespace is retried next cycle without a second registration.
	result, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Len(t, sink.registered(taxonomy.KindNamespace), 1)
}

func TestRunCycle_Errors(t *testing.T) {
	t.Run("ListPods", func(t *testing.T) {
		sink := newFakeSink(20 * time.Millisecond)
		pods := &fakePods{err: errors.New("apiserver unavailable")}
		c, err := New(zaptest.NewLogger(t), pods, &fakeUsage{}, sink, Options{})
		require.NoError(t, err)

		_, err = c.RunCycle(context.Background())
		assert.ErrorContains(t, err, "apiserver unavailable")
	})

	t.Run("RegisterElement", func(t *testing.T) {
		sink := newFakeSink(20 * time.Millisecond)
		sink.registerErr = errors.New("ingest refused")
		pods := &fakePods{pods: []corev1.Pod{pod("ns1", "p1")}}
		c, err := New(zaptest.NewLogger(t), pods, &fakeUsage{}, sink, Options{})
		require.NoError(t, err)

		_, err = c.RunCycle(context.Background())
		assert.ErrorIs(t, err, sink.registerErr)
	})

	t.Run("InvalidLabelSelector", func(t *testing.T) {
		_, err := New(zaptest.NewLogger(t), &fakePods{}, &fakeUsage{}, newFakeSink(time.Second), Options{LabelSelector: "app in (x"})
		assert.Error(t, err)
	})
}

func TestRunCycle_NamespaceFilter(t *testing.T) {
	sink := newFakeSink(20 * time.Millisecond)
	pods := &fakePods{pods: []corev1.Pod{pod("ns1", "p1"), pod("ns2", "p2"), pod("ns1", "p3")}}

	c, err := New(zaptest.NewLogger(t), pods, &fakeUsage{}, sink, Options{Namespace: "ns1"})
	require.NoError(t, err)

	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pods)

	namespaces := sink.registered(taxonomy.KindNamespace)
	require.Len(t, namespaces, 1)
	assert.Equal(t, "ns1", namespaces[0].name)
	assert.Len(t, sink.registered(taxonomy.KindPod), 2)
}

func TestRunCycle_Workers(t *testing.T) {
	sink := newFakeSink(20 * time.Millisecond)
	var podList []corev1.Pod
	var records []kubemetrics.PodUsageRecord
	for i := 0; i < 20; i++ {
		ns := fmt.Sprintf("ns%d", i%2)
		name := fmt.Sprintf("p%d", i)
		podList = append(podList, pod(ns, name))
		records = append(records, usage(ns, name, "100m", "1Mi"))
	}

	c, err := New(zaptest.NewLogger(t), &fakePods{pods: podList}, &fakeUsage{records: records}, sink, Options{Workers: 4})
	require.NoError(t, err)

	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, result.Pods)
	assert.Equal(t, 40, result.Samples)
	assert.Len(t, sink.registered(taxonomy.KindNamespace), 2)
	assert.Len(t, sink.registered(taxonomy.KindPod), 20)
}

func TestRun_StopsOnCancel(t *testing.T) {
	sink := newFakeSink(10 * time.Millisecond)
	pods := &fakePods{pods: []corev1.Pod{pod("ns1", "p1")}}
	metricsFetcher := &fakeUsage{records: []kubemetrics.PodUsageRecord{usage("ns1", "p1", "10m", "1Ki")}}

	c, err := New(zaptest.NewLogger(t), pods, metricsFetcher, sink, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.sent()) >= 4 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Len(t, sink.registered(taxonomy.KindPod), 1)
}

func TestRun_CancelDuringConfirmation(t *testing.T) {
	sink := newFakeSink(time.Hour)
	sink.neverConfirm = true
	pods := &fakePods{pods: []corev1.Pod{pod("ns1", "p1")}}

	c, err := New(zaptest.NewLogger(t), pods, &fakeUsage{}, sink, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.registered(taxonomy.KindNamespace)) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, 1, c.Registry().Len())
}
