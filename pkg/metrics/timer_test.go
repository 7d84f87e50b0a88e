package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTimerDurationGrowsMonotonically(t *testing.T) {
	timer := NewTimer()
	require.False(t, timer.start.IsZero())

	time.Sleep(10 * time.Millisecond)
	first := timer.Duration()
	require.GreaterOrEqual(t, first, 10*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	require.Greater(t, timer.Duration(), first)
}

func TestTimerObserveDurationRecordsOneSample(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_dispatch_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(hist)

	require.Equal(t, 1, testutil.CollectAndCount(hist))
}

func TestTimerObserveDurationVecRecordsUnderLabel(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_stage_duration_seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "processing")

	require.Equal(t, 1, testutil.CollectAndCount(vec))
}

func TestIndependentTimersDoNotShareStarts(t *testing.T) {
	older := NewTimer()
	time.Sleep(20 * time.Millisecond)
	newer := NewTimer()
	time.Sleep(5 * time.Millisecond)

	require.Greater(t, older.Duration(), newer.Duration())
}
