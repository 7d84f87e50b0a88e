// Package usage is the usage accountant: it scans a
// completed dispatch's stdout for the assistant's `result` envelope,
// extracts token/cost figures, and persists them bucketed by a 5-hour
// aligned session window.
package usage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/cuemby/sandboxd/pkg/types"
)

// BucketWidth is the wall-clock alignment window usage records aggregate
// under; each container's costs roll up into 5-hour session buckets.
const BucketWidth = 5 * time.Hour

// Recorder persists and queries usage records; satisfied by *store.SQLiteStore.
type Recorder interface {
	InsertUsageRecord(ctx context.Context, rec types.UsageRecord) error
	BucketUsage(ctx context.Context, containerID, bucketID string) (types.UsageSummary, error)
	SumUsageSince(ctx context.Context, containerID string, since time.Time) (types.UsageSummary, error)
	DeleteUsageOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Accountant implements instruction.UsageRecorder against a Recorder.
type Accountant struct {
	store Recorder
}

// New constructs an Accountant.
func New(store Recorder) *Accountant {
	return &Accountant{store: store}
}

// BucketID computes the session-bucket identifier for containerID at
// instant t: the container id joined with the Unix time of the start of
// the 5-hour-aligned window t falls in.
func BucketID(containerID string, t time.Time) string {
	return fmt.Sprintf("%s:%d", containerID, bucketStart(t).Unix())
}

func bucketStart(t time.Time) time.Time {
	t = t.UTC()
	epoch := t.Unix()
	aligned := epoch - epoch%int64(BucketWidth.Seconds())
	return time.Unix(aligned, 0).UTC()
}

// resultUsage holds the fields of a stdout `type:"result"` line that the
// Accountant cares about; extracted via jsonpath so new cost fields can be
// added at the path-expression level without a struct change.
type resultUsage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// RecordFromStdout scans stdout line-by-line for a `result` envelope and,
// if any of its token/cost fields are nonzero, persists a usage record.
func (a *Accountant) RecordFromStdout(ctx context.Context, containerID, jobID, stdout string) error {
	usage, found := extractResultUsage(stdout)
	if !found {
		return nil
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 && usage.CostUSD == 0 {
		return nil
	}

	now := time.Now()
	rec := types.UsageRecord{
		ContainerID:  containerID,
		JobID:        jobID,
		BucketID:     BucketID(containerID, now),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostMicros:   int64(usage.CostUSD * 1_000_000),
		CreatedAt:    now,
	}
	return a.store.InsertUsageRecord(ctx, rec)
}

// extractResultUsage finds the last `type:"result"` JSON line in stdout
// and extracts usage.input_tokens, usage.output_tokens, total_cost_usd.
func extractResultUsage(stdout string) (resultUsage, bool) {
	var found resultUsage
	ok := false

	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.Contains(line, `"result"`) {
			continue
		}

		var doc any
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			continue
		}
		obj, isObj := doc.(map[string]any)
		if !isObj || obj["type"] != "result" {
			continue
		}

		found = resultUsage{
			InputTokens:  jsonpathInt(doc, "$.usage.input_tokens"),
			OutputTokens: jsonpathInt(doc, "$.usage.output_tokens"),
			CostUSD:      jsonpathFloat(doc, "$.total_cost_usd"),
		}
		ok = true
	}
	return found, ok
}

func jsonpathInt(doc any, path string) int {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func jsonpathFloat(doc any, path string) float64 {
	v, err := jsonpath.Get(path, doc)
	if err != nil {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

// Summary aggregates a container's usage over the standard reporting
// windows.
type Summary struct {
	Last24h       types.UsageSummary
	Last7d        types.UsageSummary
	CurrentBucket types.UsageSummary
}

// Summary returns aggregates over the last 24h, last 7d, and the current
// session bucket, with the current bucket's end timestamp for clients.
func (a *Accountant) Summary(ctx context.Context, containerID string) (Summary, error) {
	now := time.Now()

	last24h, err := a.store.SumUsageSince(ctx, containerID, now.Add(-24*time.Hour))
	if err != nil {
		return Summary{}, fmt.Errorf("usage: last 24h: %w", err)
	}
	last7d, err := a.store.SumUsageSince(ctx, containerID, now.Add(-7*24*time.Hour))
	if err != nil {
		return Summary{}, fmt.Errorf("usage: last 7d: %w", err)
	}

	start := bucketStart(now)
	current, err := a.store.BucketUsage(ctx, containerID, BucketID(containerID, now))
	if err != nil {
		return Summary{}, fmt.Errorf("usage: current bucket: %w", err)
	}
	current.BucketEnd = start.Add(BucketWidth)

	return Summary{Last24h: last24h, Last7d: last7d, CurrentBucket: current}, nil
}

// RunJanitor deletes usage records older than retentionDays, once. Wire to
// a robfig/cron schedule (e.g. "0 0 * * *") for the daily run.
func (a *Accountant) RunJanitor(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return a.store.DeleteUsageOlderThan(ctx, cutoff)
}
