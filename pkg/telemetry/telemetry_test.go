package telemetry_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxd/pkg/telemetry"
)

func TestEndRecordsElapsedTimeToHistogram(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_span_duration_seconds"})

	span := telemetry.Start("test", "c1", "job-1")
	time.Sleep(time.Millisecond)
	span.End(hist)

	require.Equal(t, 1, testutil.CollectAndCount(hist))
}

func TestFailIncrementsCounterOnlyWhenErrNonNil(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_span_failures_total"})
	span := telemetry.Start("test", "c1", "")

	span.Fail("step", nil, counter)
	require.Equal(t, float64(0), testutil.ToFloat64(counter))

	span.Fail("step", assertError{}, counter)
	require.Equal(t, float64(1), testutil.ToFloat64(counter))
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
