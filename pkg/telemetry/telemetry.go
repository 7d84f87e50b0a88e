// Package telemetry is the Telemetry/Structured logging glue (component
// 10): a thin pairing of a zerolog child logger and a prometheus Timer so
// the calls that use it log and measure with the same field names. The
// Lifecycle Coordinator's on_start/on_stop cycles are its only callers.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cuemby/sandboxd/pkg/log"
)

// Span pairs a context logger with a running timer for one suspension
// point (an on_start/on_stop cycle, a dispatch, a probe). Callers create
// one at the start of the call and End it with the histogram to record to.
type Span struct {
	Logger zerolog.Logger
	start  time.Time
}

// Start begins a span for component, tagging the logger with container_id
// and, when non-empty, job_id — the two field names every component in
// this core uses for correlation.
func Start(component, containerID, jobID string) *Span {
	ctx := log.WithComponent(component).With().Str("container_id", containerID)
	if jobID != "" {
		ctx = ctx.Str("job_id", jobID)
	}
	return &Span{Logger: ctx.Logger(), start: time.Now()}
}

// End records the elapsed time to histogram.
func (s *Span) End(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(s.start).Seconds())
}

// Duration returns the elapsed time since Start without recording it.
func (s *Span) Duration() time.Duration {
	return time.Since(s.start)
}

// Fail logs err at Error level tagged with step, and increments counter if
// non-nil. Callers use this instead of ad hoc Error().Err(err).Msg calls so
// every non-fatal step failure in this core is shaped the same way.
func (s *Span) Fail(step string, err error, counter prometheus.Counter) {
	if err == nil {
		return
	}
	s.Logger.Error().Err(err).Str("step", step).Msg("step failed")
	if counter != nil {
		counter.Inc()
	}
}
