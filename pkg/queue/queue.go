// Package queue is the durable, per-container, priority-ordered work
// queue for instruction jobs. Two implementations satisfy Store —
// boltqueue (embedded, default) and redisqueue (shared, for multi-process
// deployments); callers depend only on this interface.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/sandboxd/pkg/types"
)

// ErrNotFound is returned when a job_id doesn't exist in the store.
var ErrNotFound = errors.New("queue: job not found")

// ErrNotActive is returned by finalize/fail when the job isn't active.
var ErrNotActive = errors.New("queue: job not active")

// ErrNotFailed is returned by retry when the job isn't in the failed state.
var ErrNotFailed = errors.New("queue: job not failed")

// RetentionPolicy bounds how long and how many terminal job records the
// store keeps per container.
type RetentionPolicy struct {
	CompletedMaxAge   time.Duration
	CompletedMaxCount int
	FailedMaxAge      time.Duration
	FailedMaxCount    int
}

// DefaultRetention keeps completed jobs for an hour (newest 100) and
// failed jobs for a day (newest 200) per container.
var DefaultRetention = RetentionPolicy{
	CompletedMaxAge:   1 * time.Hour,
	CompletedMaxCount: 100,
	FailedMaxAge:      24 * time.Hour,
	FailedMaxCount:    200,
}

// Store is the Queue Store Adapter contract.
type Store interface {
	// Enqueue durably appends a job to container_id's queue, returning its
	// assigned ID and the queue's post-enqueue waiting count.
	Enqueue(ctx context.Context, containerID, instruction string, mode types.ContainerMode, priority types.Priority) (jobID string, waitingCount int, err error)

	// Claim atomically selects the highest-priority, oldest waiting job for
	// containerID and marks it active with the given visibility timeout. It
	// returns (nil, nil) when there is nothing claimable (empty or paused).
	Claim(ctx context.Context, containerID string, visibilityTimeout time.Duration) (*types.InstructionJob, error)

	// Heartbeat extends an active job's visibility deadline; used by a
	// worker still processing a long-running instruction.
	Heartbeat(ctx context.Context, jobID string, visibilityTimeout time.Duration) error

	// UpdateProgress records the Instruction Worker's current stage-machine
	// position on an active job.
	UpdateProgress(ctx context.Context, jobID string, progress types.Progress) error

	// Finalize marks an active job completed with result.
	Finalize(ctx context.Context, jobID string, result types.JobResult) error

	// Fail records a failure. If attempts_made < max_attempts the job
	// returns to waiting with an exponential-backoff delay; on exhaustion
	// it moves to the dead-letter set and returns true for deadLettered.
	Fail(ctx context.Context, jobID string, reason string, retryDelay time.Duration) (deadLettered bool, err error)

	// Reject moves an active job straight to the dead-letter set without
	// consuming a retry attempt or backoff delay. Used for causes that
	// retrying can never fix — validation failures and dangerous
	// instructions — which must never return to waiting.
	Reject(ctx context.Context, jobID string, reason string) error

	// Cancel removes a waiting or delayed job. Returns false if the job is
	// active or already terminal.
	Cancel(ctx context.Context, jobID string) (bool, error)

	// Retry re-enqueues a failed job with attempts reset to zero. Only
	// valid when the job's status is failed.
	Retry(ctx context.Context, jobID string) error

	// Pause stops Claim from returning jobs for containerID; enqueue still
	// accepts new work.
	Pause(ctx context.Context, containerID string) error

	// Resume re-enables Claim for containerID.
	Resume(ctx context.Context, containerID string) error

	// Stats reports a point-in-time snapshot of containerID's queue.
	Stats(ctx context.Context, containerID string) (types.QueueStats, error)

	// History returns up to limit most-recent jobs across all terminal
	// states for containerID, newest first.
	History(ctx context.Context, containerID string, limit int) ([]types.InstructionJob, error)

	// DeadLetters returns up to limit most-recent dead-letter records for
	// containerID, newest first.
	DeadLetters(ctx context.Context, containerID string, limit int) ([]types.DeadLetter, error)

	// Destroy removes every record (jobs, dead letters, pause state) for
	// containerID. Used by Lifecycle Coordinator's on_delete.
	Destroy(ctx context.Context, containerID string) error

	// Reap applies retention policy and returns expired visibility-timeout
	// jobs to waiting. Intended to run on a periodic janitor tick.
	Reap(ctx context.Context, policy RetentionPolicy) error

	Close() error
}
