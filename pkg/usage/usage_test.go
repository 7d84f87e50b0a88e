package usage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxd/pkg/types"
	"github.com/cuemby/sandboxd/pkg/usage"
)

type fakeRecorder struct {
	mu      sync.Mutex
	records []types.UsageRecord
}

func (f *fakeRecorder) InsertUsageRecord(ctx context.Context, rec types.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRecorder) BucketUsage(ctx context.Context, containerID, bucketID string) (types.UsageSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s types.UsageSummary
	for _, r := range f.records {
		if r.ContainerID == containerID && r.BucketID == bucketID {
			s.InputTokens += r.InputTokens
			s.OutputTokens += r.OutputTokens
			s.CostMicros += r.CostMicros
		}
	}
	return s, nil
}

func (f *fakeRecorder) SumUsageSince(ctx context.Context, containerID string, since time.Time) (types.UsageSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s types.UsageSummary
	for _, r := range f.records {
		if r.ContainerID == containerID && !r.CreatedAt.Before(since) {
			s.InputTokens += r.InputTokens
			s.OutputTokens += r.OutputTokens
			s.CostMicros += r.CostMicros
		}
	}
	return s, nil
}

func (f *fakeRecorder) DeleteUsageOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []types.UsageRecord
	var deleted int64
	for _, r := range f.records {
		if r.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	f.records = kept
	return deleted, nil
}

func TestBucketIDAlignsToFiveHourWindow(t *testing.T) {
	base := time.Date(2026, 7, 29, 3, 30, 0, 0, time.UTC)
	later := base.Add(90 * time.Minute) // still within the same 5h window

	require.Equal(t, usage.BucketID("c1", base), usage.BucketID("c1", later))

	outside := base.Add(6 * time.Hour)
	require.NotEqual(t, usage.BucketID("c1", base), usage.BucketID("c1", outside))
}

func TestRecordFromStdoutExtractsResultEnvelope(t *testing.T) {
	rec := &fakeRecorder{}
	a := usage.New(rec)

	stdout := `{"type":"progress","stage":"working"}
{"type":"result","usage":{"input_tokens":120,"output_tokens":45},"total_cost_usd":0.0032}
`
	require.NoError(t, a.RecordFromStdout(context.Background(), "c1", "job-1", stdout))

	require.Len(t, rec.records, 1)
	require.Equal(t, 120, rec.records[0].InputTokens)
	require.Equal(t, 45, rec.records[0].OutputTokens)
	require.Equal(t, int64(3200), rec.records[0].CostMicros)
}

func TestRecordFromStdoutIgnoresNonResultLines(t *testing.T) {
	rec := &fakeRecorder{}
	a := usage.New(rec)

	require.NoError(t, a.RecordFromStdout(context.Background(), "c1", "job-1", "not json\n{\"type\":\"progress\"}\n"))
	require.Empty(t, rec.records)
}

func TestRunJanitorDeletesOlderThanRetention(t *testing.T) {
	rec := &fakeRecorder{}
	now := time.Now()
	rec.records = []types.UsageRecord{
		{ContainerID: "c1", CreatedAt: now.AddDate(0, 0, -40)},
		{ContainerID: "c1", CreatedAt: now.AddDate(0, 0, -1)},
	}
	a := usage.New(rec)

	deleted, err := a.RunJanitor(context.Background(), 30)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)
	require.Len(t, rec.records, 1)
}

func TestSummaryAggregatesWindows(t *testing.T) {
	rec := &fakeRecorder{}
	now := time.Now()
	a := usage.New(rec)

	require.NoError(t, a.RecordFromStdout(context.Background(), "c1", "job-1",
		`{"type":"result","usage":{"input_tokens":10,"output_tokens":5},"total_cost_usd":0.01}`))
	rec.records[0].CreatedAt = now

	summary, err := a.Summary(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 10, summary.Last24h.InputTokens)
	require.Equal(t, 10, summary.CurrentBucket.InputTokens)
}
