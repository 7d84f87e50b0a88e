package metrics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// StartSelfTelemetry samples orchestratord's own CPU and RSS on interval
// and exports them as ProcessCPUPercent/ProcessRSSBytes, until ctx is
// cancelled. It runs in the caller's goroutine; callers typically do
// `go metrics.StartSelfTelemetry(ctx, 15*time.Second)`.
func StartSelfTelemetry(ctx context.Context, interval time.Duration) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pct, err := proc.CPUPercent(); err == nil {
				ProcessCPUPercent.Set(pct)
			}
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				ProcessRSSBytes.Set(float64(mem.RSS))
			}
		}
	}
}
