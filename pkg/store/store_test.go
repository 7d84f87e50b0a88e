package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxd/pkg/store"
	"github.com/cuemby/sandboxd/pkg/types"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "records.db")
	s, err := store.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndQueryLogs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC()
	entries := []types.LogEntry{
		{ContainerID: "c1", Stream: types.StreamStdout, Classification: types.ClassInfo, Content: "starting up", RecordedAt: now},
		{ContainerID: "c1", Stream: types.StreamStderr, Classification: types.ClassError, Content: "panic: boom", RecordedAt: now.Add(time.Second)},
		{ContainerID: "c2", Stream: types.StreamStdout, Classification: types.ClassInfo, Content: "other container", RecordedAt: now},
	}
	require.NoError(t, s.InsertLogEntries(ctx, entries))

	got, err := s.QueryLogs(ctx, "c1", now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "starting up", got[0].Content)
	require.Equal(t, types.ClassError, got[1].Classification)
}

func TestDeleteLogsOlderThan(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()

	require.NoError(t, s.InsertLogEntries(ctx, []types.LogEntry{
		{ContainerID: "c1", Stream: types.StreamStdout, Classification: types.ClassInfo, Content: "old", RecordedAt: old},
		{ContainerID: "c1", Stream: types.StreamStdout, Classification: types.ClassInfo, Content: "new", RecordedAt: recent},
	}))

	n, err := s.DeleteLogsOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	remaining, err := s.QueryLogs(ctx, "c1", old.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, "new", remaining[0].Content)
}

func TestUsageBucketAggregation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, s.InsertUsageRecord(ctx, types.UsageRecord{
		ContainerID: "c1", BucketID: "c1:1000", InputTokens: 100, OutputTokens: 50, CostMicros: 1200, CreatedAt: now,
	}))
	require.NoError(t, s.InsertUsageRecord(ctx, types.UsageRecord{
		ContainerID: "c1", BucketID: "c1:1000", InputTokens: 10, OutputTokens: 5, CostMicros: 300, CreatedAt: now,
	}))
	require.NoError(t, s.InsertUsageRecord(ctx, types.UsageRecord{
		ContainerID: "c1", BucketID: "c1:2000", InputTokens: 999, OutputTokens: 999, CostMicros: 999, CreatedAt: now,
	}))

	summary, err := s.BucketUsage(ctx, "c1", "c1:1000")
	require.NoError(t, err)
	require.Equal(t, 110, summary.InputTokens)
	require.Equal(t, 55, summary.OutputTokens)
	require.Equal(t, int64(1500), summary.CostMicros)
}

func TestRecordAndQueryHealthAudit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.RecordHealth(ctx, types.HealthState{
		ContainerID: "c1", Healthy: false, ConsecutiveFailures: 2, LastError: "ping timeout", LastCheck: time.Now().UTC(),
	}))
	require.NoError(t, s.RecordHealth(ctx, types.HealthState{
		ContainerID: "c1", Healthy: true, LastCheck: time.Now().UTC(),
	}))

	states, err := s.RecentHealth(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, states, 2)
	require.True(t, states[0].Healthy, "most recent record should come first")
}
