package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxd/pkg/queue"
	"github.com/cuemby/sandboxd/pkg/types"
)

func newTestQueue(t *testing.T) *queue.BoltQueue {
	t.Helper()
	q, err := queue.NewBoltQueue(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueClaimFinalize(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	jobID, waiting, err := q.Enqueue(ctx, "c1", "echo hello", types.ModeInteractive, types.PriorityInteractive)
	require.NoError(t, err)
	require.Equal(t, 1, waiting)
	require.NotEmpty(t, jobID)

	job, err := q.Claim(ctx, "c1", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, jobID, job.ID)
	require.Equal(t, types.JobActive, job.Status)

	stats, err := q.Stats(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 0, stats.Waiting)
	require.Equal(t, 1, stats.Active)

	err = q.Finalize(ctx, jobID, types.JobResult{ExitCode: 0, Stdout: "hello", Duration: time.Second})
	require.NoError(t, err)

	stats, err = q.Stats(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Completed)
}

func TestClaimOrdersByPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	idA, _, err := q.Enqueue(ctx, "c1", "a", types.ModeAutonomous, types.PriorityAutonomous)
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, "c1", "b", types.ModeInteractive, types.PriorityInteractive)
	require.NoError(t, err)

	job, err := q.Claim(ctx, "c1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "b", job.Instruction, "interactive (priority 1) must claim before autonomous (priority 2)")

	job, err = q.Claim(ctx, "c1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, idA, job.ID)
}

func TestClaimReturnsNoneWhenPaused(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, _, err := q.Enqueue(ctx, "c1", "x", types.ModeInteractive, types.PriorityInteractive)
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx, "c1"))

	job, err := q.Claim(ctx, "c1", time.Minute)
	require.NoError(t, err)
	require.Nil(t, job)

	require.NoError(t, q.Resume(ctx, "c1"))
	job, err = q.Claim(ctx, "c1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestFailRetriesUntilExhaustedThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	jobID, _, err := q.Enqueue(ctx, "c1", "x", types.ModeInteractive, types.PriorityInteractive)
	require.NoError(t, err)

	// Claim promotes the delayed job itself once its retry delay (here
	// zero) has elapsed; no janitor tick is involved.
	for i := 0; i < 2; i++ {
		job, err := q.Claim(ctx, "c1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, jobID, job.ID)

		deadLettered, err := q.Fail(ctx, jobID, "boom", 0)
		require.NoError(t, err)
		require.False(t, deadLettered)
	}

	job, err := q.Claim(ctx, "c1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, jobID, job.ID)

	deadLettered, err := q.Fail(ctx, jobID, "boom again", 0)
	require.NoError(t, err)
	require.True(t, deadLettered)

	dls, err := q.DeadLetters(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.Equal(t, jobID, dls[0].Job.ID)
}

func TestClaimPromotesDelayedJobOnlyAfterItsDelay(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	jobID, _, err := q.Enqueue(ctx, "c1", "x", types.ModeInteractive, types.PriorityInteractive)
	require.NoError(t, err)

	_, err = q.Claim(ctx, "c1", time.Minute)
	require.NoError(t, err)

	_, err = q.Fail(ctx, jobID, "boom", 50*time.Millisecond)
	require.NoError(t, err)

	job, err := q.Claim(ctx, "c1", time.Minute)
	require.NoError(t, err)
	require.Nil(t, job, "a delayed job must stay invisible until its retry delay elapses")

	require.Eventually(t, func() bool {
		job, err := q.Claim(ctx, "c1", time.Minute)
		return err == nil && job != nil && job.ID == jobID
	}, time.Second, 10*time.Millisecond)
}

func TestCancelOnlyRemovesWaitingOrDelayed(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	jobID, _, err := q.Enqueue(ctx, "c1", "x", types.ModeInteractive, types.PriorityInteractive)
	require.NoError(t, err)

	job, err := q.Claim(ctx, "c1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, jobID, job.ID)

	ok, err := q.Cancel(ctx, jobID)
	require.NoError(t, err)
	require.False(t, ok, "active jobs cannot be cancelled")
}

func TestReapReturnsExpiredClaimsToWaiting(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	jobID, _, err := q.Enqueue(ctx, "c1", "x", types.ModeInteractive, types.PriorityInteractive)
	require.NoError(t, err)

	_, err = q.Claim(ctx, "c1", -time.Second) // already-expired visibility
	require.NoError(t, err)

	require.NoError(t, q.Reap(ctx, queue.DefaultRetention))

	stats, err := q.Stats(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Waiting)

	job, err := q.Claim(ctx, "c1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, jobID, job.ID)
	require.Equal(t, 1, job.AttemptsMade)
}

func TestDestroyRemovesAllRecords(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, _, err := q.Enqueue(ctx, "c1", "x", types.ModeInteractive, types.PriorityInteractive)
	require.NoError(t, err)

	require.NoError(t, q.Destroy(ctx, "c1"))

	stats, err := q.Stats(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, types.QueueStats{}, stats)
}
