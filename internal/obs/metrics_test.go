package obs

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.IncReceived()
	m.ObserveNormalized(time.Now(), time.Now())
	m.IncLate()
	m.AddEmitted(3)
	m.ObserveSinkFlush(1, time.Millisecond)
	assert.Equal(t, Snapshot{}, m.Snapshot())
}

func TestMetricsRegisterAndSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.IncReceived()
	m.IncReceived()
	m.IncDuplicate()
	m.AddEmitted(2)
	m.AddEmitted(0)
	m.ObserveSinkFlush(5, 10*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.received))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.rowsWritten))

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.Received)
	assert.Equal(t, uint64(1), snap.Duplicates)
	assert.Equal(t, uint64(2), snap.Emitted)
	assert.Equal(t, uint64(5), snap.RowsWritten)

	_, err = NewMetrics(reg)
	require.Error(t, err, "registering twice on the same registry must fail")
}

func TestLatencyStats(t *testing.T) {
	var stats LatencyStats
	assert.Equal(t, LatencySnapshot{}, stats.Snapshot())

	stats.Observe(10 * time.Millisecond)
	stats.Observe(30 * time.Millisecond)
	stats.Observe(-time.Second)

	snap := stats.Snapshot()
	assert.Equal(t, uint64(2), snap.Count)
	assert.Equal(t, 10*time.Millisecond, snap.Min)
	assert.Equal(t, 30*time.Millisecond, snap.Max)
	assert.Equal(t, 20*time.Millisecond, snap.Avg)
}
