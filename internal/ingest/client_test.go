package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aaronlmathis/kaptn-relay/internal/taxonomy"
)

func testConfig() Config {
	config := DefaultConfig()
	config.ConfirmDelay = 0
	config.ConfirmInterval = 5 * time.Millisecond
	return config
}

func TestRegisterElement(t *testing.T) {
	c := NewClient(zaptest.NewLogger(t), testConfig())
	ctx := context.Background()

	nsID, err := c.RegisterElement(ctx, taxonomy.KindNamespace, "ns1", map[string]string{"namespace": "ns1"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, nsID)

	podID, err := c.RegisterElement(ctx, taxonomy.KindPod, "ns1/p1", map[string]string{"namespace": "ns1", "pod_name": "p1"}, &nsID)
	require.NoError(t, err)
	assert.NotEqual(t, nsID, podID)

	elements := c.Elements()
	require.Len(t, elements, 2)
	assert.Equal(t, "ns1", elements[0].Name)
	assert.Equal(t, nsID, elements[1].ParentID)
	assert.Equal(t, "p1", elements[1].Metadata["pod_name"])

	_, ok := c.RemoteElementID(nsID)
	assert.False(t, ok, "remote id must not be known before confirmation")

	t.Run("UnknownKind", func(t *testing.T) {
		_, err := c.RegisterElement(ctx, taxonomy.ElementKind("k8s_node"), "n1", nil, nil)
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("UnknownParent", func(t *testing.T) {
		missing := "does-not-exist"
		_, err := c.RegisterElement(ctx, taxonomy.KindPod, "ns1/p2", nil, &missing)
		assert.ErrorIs(t, err, ErrUnknownElement)
	})
}

func TestConfirmPending(t *testing.T) {
	config := testConfig()
	config.ConfirmDelay = time.Second
	c := NewClient(zaptest.NewLogger(t), config)
	ctx := context.Background()

	nsID, err := c.RegisterElement(ctx, taxonomy.KindNamespace, "ns1", nil, nil)
	require.NoError(t, err)
	podID, err := c.RegisterElement(ctx, taxonomy.KindPod, "ns1/p1", nil, &nsID)
	require.NoError(t, err)

	assert.Equal(t, 0, c.confirmPending(time.Now()), "nothing is confirmed before the delay")

	later := time.Now().Add(2 * time.Second)
	assert.Equal(t, 2, c.confirmPending(later))

	nsRemote, ok := c.RemoteElementID(nsID)
	require.True(t, ok)
	podRemote, ok := c.RemoteElementID(podID)
	require.True(t, ok)
	assert.Less(t, nsRemote, podRemote)

	assert.Equal(t, 0, c.confirmPending(later), "confirmed elements leave the queue")
}

func TestConfirmPendingWaitsForParent(t *testing.T) {
	c := NewClient(zaptest.NewLogger(t), testConfig())
	ctx := context.Background()

	nsID, err := c.RegisterElement(ctx, taxonomy.KindNamespace, "ns1", nil, nil)
	require.NoError(t, err)
	podID, err := c.RegisterElement(ctx, taxonomy.KindPod, "ns1/p1", nil, &nsID)
	require.NoError(t, err)

	// Push the parent behind the child so the child is visited first.
	c.mu.Lock()
	c.pending = []string{podID, nsID}
	c.mu.Unlock()

	now := time.Now()
	assert.Equal(t, 1, c.confirmPending(now))
	_, ok := c.RemoteElementID(podID)
	assert.False(t, ok)
	_, ok = c.RemoteElementID(nsID)
	assert.True(t, ok)

	assert.Equal(t, 1, c.confirmPending(now))
	_, ok = c.RemoteElementID(podID)
	assert.True(t, ok)
}

func TestConfirmPendingRateLimited(t *testing.T) {
	config := testConfig()
	config.RegisterRate = 1
	config.RegisterBurst = 1
	c := NewClient(zaptest.NewLogger(t), config)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := c.RegisterElement(ctx, taxonomy.KindNamespace, name, nil, nil)
		require.NoError(t, err)
	}

	now := time.Now()
	assert.Equal(t, 1, c.confirmPending(now))
	assert.Equal(t, 1, c.confirmPending(now.Add(time.Second)))
	assert.Equal(t, 1, c.confirmPending(now.Add(2*time.Second)))
	assert.Equal(t, 0, c.confirmPending(now.Add(3*time.Second)))
}

func TestStartConfirmsInBackground(t *testing.T) {
	c := NewClient(zaptest.NewLogger(t), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Start(ctx)
	defer c.Stop()

	nsID, err := c.RegisterElement(ctx, taxonomy.KindNamespace, "ns1", nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := c.RemoteElementID(nsID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopWithoutStart(t *testing.T) {
	c := NewClient(zaptest.NewLogger(t), testConfig())
	c.Stop()
	c.Stop()
}

func TestSendMetric(t *testing.T) {
	c := NewClient(zaptest.NewLogger(t), testConfig())
	ctx := context.Background()
	start := time.Now().Add(-time.Second)

	podID, err := c.RegisterElement(ctx, taxonomy.KindPod, "ns1/p1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.SendMetric(ctx, podID, taxonomy.MetricCPUUsage, 0.25))
	require.NoError(t, c.SendMetric(ctx, podID, taxonomy.MetricMemoryUsage, 67108864))

	cpu, err := c.Series(podID, taxonomy.MetricCPUUsage, start)
	require.NoError(t, err)
	require.Len(t, cpu, 1)
	assert.Equal(t, 0.25, cpu[0].V)

	mem, err := c.Series(podID, taxonomy.MetricMemoryUsage, start)
	require.NoError(t, err)
	require.Len(t, mem, 1)
	assert.Equal(t, float64(67108864), mem[0].V)

	assert.Equal(t, int64(2), c.HealthSnapshot().SeriesCount)

	t.Run("UnknownElement", func(t *testing.T) {
		err := c.SendMetric(ctx, "nope", taxonomy.MetricCPUUsage, 1)
		assert.ErrorIs(t, err, ErrUnknownElement)
	})

	t.Run("UnknownMetric", func(t *testing.T) {
		err := c.SendMetric(ctx, podID, taxonomy.MetricCode("disk_usage"), 1)
		assert.ErrorIs(t, err, ErrUnknownMetric)
	})

	t.Run("EmptySeries", func(t *testing.T) {
		nsID, err := c.RegisterElement(ctx, taxonomy.KindNamespace, "ns1", nil, nil)
		require.NoError(t, err)
		points, err := c.Series(nsID, taxonomy.MetricCPUUsage, start)
		require.NoError(t, err)
		assert.Empty(t, points)
	})
}

func TestFinestResolution(t *testing.T) {
	config := testConfig()
	config.Resolution = 2 * time.Second
	c := NewClient(zaptest.NewLogger(t), config)
	assert.Equal(t, 2*time.Second, c.FinestResolution())
}
