package deadletter

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordEnqueued(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordEnqueued("orders", "timeout", 5*time.Second)
	m.RecordEnqueued("orders", "refused", -1)

	sm, ok := m.Service("orders")
	require.True(t, ok)
	assert.Equal(t, uint64(2), sm.TotalEnqueued)
	assert.Equal(t, uint64(2), sm.Active)
	assert.Equal(t, map[string]uint64{"timeout": 1, "refused": 1}, sm.Reasons)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.enqueuedTotal.WithLabelValues("orders")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ageSecondsHist))
}

func TestMetrics_RetriedArchivedRemoved(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	for i := 0; i < 4; i++ {
		m.RecordEnqueued("orders", "boom", time.Second)
	}
	m.RecordRetried("orders", 2)
	m.RecordRetryFailed("orders")
	m.RecordArchived("orders")
	m.RecordRemoved("orders")

	sm, _ := m.Service("orders")
	assert.Equal(t, uint64(1), sm.Retried)
	assert.Equal(t, uint64(1), sm.RetryFailed)
	assert.Equal(t, uint64(1), sm.Archived)
	assert.Equal(t, uint64(1), sm.Active)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeCurrent.WithLabelValues("orders")))
}

func TestMetrics_PurgeMoreThanActive(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordEnqueued("orders", "boom", time.Second)
	m.RecordPurged("orders", 10)

	sm, _ := m.Service("orders")
	assert.Equal(t, uint64(0), sm.Active)
	assert.Equal(t, uint64(10), sm.Purged)
}

func TestMetrics_SnapshotIsCopy(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordEnqueued("orders", "boom", time.Second)
	m.RecordEnqueued("payments", "boom", time.Second)
	m.RecordRetried("orders", 1)

	snapshot := m.Snapshot()
	assert.Equal(t, uint64(1), snapshot.TotalActive)
	assert.Equal(t, uint64(2), snapshot.TotalEnqueued)
	assert.Equal(t, uint64(1), snapshot.TotalRetried)
	assert.Len(t, snapshot.Services, 2)
	assert.False(t, snapshot.CollectedAt.IsZero())

	snapshot.Services["orders"].Reasons["boom"] = 99
	sm, _ := m.Service("orders")
	assert.Equal(t, uint64(1), sm.Reasons["boom"])
}

func TestMetrics_UnknownService(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	sm, ok := m.Service("nonexistent")
	assert.False(t, ok)
	assert.Equal(t, "nonexistent", sm.Service)
	assert.NotNil(t, sm.Reasons)
}

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordEnqueued("orders", "boom", time.Second)
	m.Reset()
	assert.Empty(t, m.Snapshot().Services)
}

func TestMetrics_RegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	other := NewMetrics(reg)
	assert.NoError(t, other.Register())
}
