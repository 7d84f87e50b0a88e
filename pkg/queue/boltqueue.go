package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/sandboxd/pkg/types"
)

var (
	bucketJobs        = []byte("jobs")
	bucketDeadLetters = []byte("dead_letters")
	bucketPaused      = []byte("paused")
)

// BoltQueue implements Store on an embedded BoltDB file. Jobs live in a
// nested bucket keyed "jobs/<container_id>/<job_id>", mirroring the
// per-entity JSON-blob convention the rest of this core's storage uses.
type BoltQueue struct {
	db *bolt.DB
}

// NewBoltQueue opens (creating if absent) a BoltDB file under dataDir.
func NewBoltQueue(dataDir string) (*BoltQueue, error) {
	path := filepath.Join(dataDir, "queue.db")

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketJobs, bucketDeadLetters, bucketPaused} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltQueue{db: db}, nil
}

func (q *BoltQueue) Close() error { return q.db.Close() }

func containerBucket(tx *bolt.Tx, root []byte, containerID string) (*bolt.Bucket, error) {
	parent := tx.Bucket(root)
	return parent.CreateBucketIfNotExists([]byte(containerID))
}

func (q *BoltQueue) Enqueue(ctx context.Context, containerID, instruction string, mode types.ContainerMode, priority types.Priority) (string, int, error) {
	now := time.Now().UTC()
	job := types.InstructionJob{
		ID:          uuid.NewString(),
		ContainerID: containerID,
		Instruction: instruction,
		Mode:        mode,
		Priority:    priority,
		MaxAttempts: 3,
		Status:      types.JobWaiting,
		Progress: types.Progress{
			Stage:     types.StageValidating,
			Timestamp: now,
		},
		CreatedAt:  now,
		EnqueuedAt: now,
	}

	var waiting int
	err := q.db.Update(func(tx *bolt.Tx) error {
		b, err := containerBucket(tx, bucketJobs, containerID)
		if err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(job.ID), data); err != nil {
			return err
		}
		return b.ForEach(func(_, v []byte) error {
			var j types.InstructionJob
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.Status == types.JobWaiting {
				waiting++
			}
			return nil
		})
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return job.ID, waiting, nil
}

func (q *BoltQueue) Claim(ctx context.Context, containerID string, visibilityTimeout time.Duration) (*types.InstructionJob, error) {
	var claimed *types.InstructionJob

	err := q.db.Update(func(tx *bolt.Tx) error {
		paused := tx.Bucket(bucketPaused)
		if paused.Get([]byte(containerID)) != nil {
			return nil
		}

		b, err := containerBucket(tx, bucketJobs, containerID)
		if err != nil {
			return err
		}

		// Delayed jobs whose retry delay has elapsed (and active jobs whose
		// visibility timeout lapsed) are promoted here, at claim time, so
		// the exponential backoff delay is honored directly instead of
		// rounding up to the next janitor tick.
		now := time.Now().UTC()
		var candidates, promotions []types.InstructionJob
		if err := b.ForEach(func(_, v []byte) error {
			var j types.InstructionJob
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			switch j.Status {
			case types.JobWaiting:
				candidates = append(candidates, j)
			case types.JobDelayed:
				if now.After(j.VisibleAt) {
					j.Status = types.JobWaiting
					promotions = append(promotions, j)
					candidates = append(candidates, j)
				}
			case types.JobActive:
				if now.After(j.VisibleAt) {
					j.Status = types.JobWaiting
					j.AttemptsMade++
					promotions = append(promotions, j)
					candidates = append(candidates, j)
				}
			}
			return nil
		}); err != nil {
			return err
		}
		for _, j := range promotions {
			data, err := json.Marshal(j)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(j.ID), data); err != nil {
				return err
			}
		}
		if len(candidates) == 0 {
			return nil
		}

		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority < candidates[j].Priority
			}
			return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
		})

		job := candidates[0]
		job.Status = types.JobActive
		job.StartedAt = now
		job.VisibleAt = now.Add(visibilityTimeout)

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(job.ID), data); err != nil {
			return err
		}

		claimed = &job
		return nil
	})

	return claimed, err
}

func (q *BoltQueue) Heartbeat(ctx context.Context, jobID string, visibilityTimeout time.Duration) error {
	return q.mutate(jobID, func(j *types.InstructionJob) error {
		if j.Status != types.JobActive {
			return ErrNotActive
		}
		j.VisibleAt = time.Now().UTC().Add(visibilityTimeout)
		return nil
	})
}

func (q *BoltQueue) UpdateProgress(ctx context.Context, jobID string, progress types.Progress) error {
	return q.mutate(jobID, func(j *types.InstructionJob) error {
		j.Progress = progress
		return nil
	})
}

func (q *BoltQueue) Finalize(ctx context.Context, jobID string, result types.JobResult) error {
	return q.mutate(jobID, func(j *types.InstructionJob) error {
		if j.Status != types.JobActive {
			return ErrNotActive
		}
		j.Status = types.JobCompleted
		j.Result = &result
		j.FinishedAt = time.Now().UTC()
		j.Progress = types.Progress{Stage: types.StageCompleted, Percent: 100, Timestamp: j.FinishedAt}
		return nil
	})
}

func (q *BoltQueue) Fail(ctx context.Context, jobID string, reason string, retryDelay time.Duration) (bool, error) {
	var deadLettered bool

	err := q.db.Update(func(tx *bolt.Tx) error {
		job, b, err := findJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != types.JobActive {
			return ErrNotActive
		}

		job.AttemptsMade++
		job.PriorErrors = append(job.PriorErrors, reason)
		job.FailureReason = reason

		if job.AttemptsMade < job.MaxAttempts {
			job.Status = types.JobDelayed
			job.VisibleAt = time.Now().UTC().Add(retryDelay)
		} else {
			job.Status = types.JobFailed
			job.FinishedAt = time.Now().UTC()
			deadLettered = true
		}

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(job.ID), data); err != nil {
			return err
		}

		if deadLettered {
			dlBucket, err := containerBucket(tx, bucketDeadLetters, job.ContainerID)
			if err != nil {
				return err
			}
			dl := types.DeadLetter{Job: *job, Reason: reason, RecordedAt: time.Now().UTC()}
			dlData, err := json.Marshal(dl)
			if err != nil {
				return err
			}
			return dlBucket.Put([]byte(job.ID), dlData)
		}

		return nil
	})

	return deadLettered, err
}

// Reject dead-letters jobID unconditionally, bypassing the
// attempts_made/max_attempts retry decision Fail makes.
func (q *BoltQueue) Reject(ctx context.Context, jobID string, reason string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		job, b, err := findJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != types.JobActive {
			return ErrNotActive
		}

		job.PriorErrors = append(job.PriorErrors, reason)
		job.FailureReason = reason
		job.Status = types.JobFailed
		job.FinishedAt = time.Now().UTC()

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(job.ID), data); err != nil {
			return err
		}

		dlBucket, err := containerBucket(tx, bucketDeadLetters, job.ContainerID)
		if err != nil {
			return err
		}
		dl := types.DeadLetter{Job: *job, Reason: reason, RecordedAt: time.Now().UTC()}
		dlData, err := json.Marshal(dl)
		if err != nil {
			return err
		}
		return dlBucket.Put([]byte(job.ID), dlData)
	})
}

func (q *BoltQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	var cancelled bool

	err := q.db.Update(func(tx *bolt.Tx) error {
		job, b, err := findJob(tx, jobID)
		if err != nil {
			return err
		}
		if job.Status != types.JobWaiting && job.Status != types.JobDelayed {
			return nil
		}
		cancelled = true
		return b.Delete([]byte(job.ID))
	})

	return cancelled, err
}

func (q *BoltQueue) Retry(ctx context.Context, jobID string) error {
	return q.mutate(jobID, func(j *types.InstructionJob) error {
		if j.Status != types.JobFailed {
			return ErrNotFailed
		}
		j.Status = types.JobWaiting
		j.AttemptsMade = 0
		j.EnqueuedAt = time.Now().UTC()
		j.FinishedAt = time.Time{}
		j.FailureReason = ""
		return nil
	})
}

func (q *BoltQueue) Pause(ctx context.Context, containerID string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPaused).Put([]byte(containerID), []byte{1})
	})
}

func (q *BoltQueue) Resume(ctx context.Context, containerID string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPaused).Delete([]byte(containerID))
	})
}

func (q *BoltQueue) Stats(ctx context.Context, containerID string) (types.QueueStats, error) {
	var stats types.QueueStats

	err := q.db.View(func(tx *bolt.Tx) error {
		paused := tx.Bucket(bucketPaused)
		stats.Paused = paused.Get([]byte(containerID)) != nil

		jobs := tx.Bucket(bucketJobs).Bucket([]byte(containerID))
		if jobs == nil {
			return nil
		}
		return jobs.ForEach(func(_, v []byte) error {
			var j types.InstructionJob
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			switch j.Status {
			case types.JobWaiting:
				stats.Waiting++
			case types.JobActive:
				stats.Active++
			case types.JobCompleted:
				stats.Completed++
			case types.JobFailed:
				stats.Failed++
			case types.JobDelayed:
				stats.Delayed++
			}
			return nil
		})
	})

	return stats, err
}

func (q *BoltQueue) History(ctx context.Context, containerID string, limit int) ([]types.InstructionJob, error) {
	var jobs []types.InstructionJob

	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs).Bucket([]byte(containerID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var j types.InstructionJob
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.Status == types.JobCompleted || j.Status == types.JobFailed {
				jobs = append(jobs, j)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].FinishedAt.After(jobs[j].FinishedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (q *BoltQueue) DeadLetters(ctx context.Context, containerID string, limit int) ([]types.DeadLetter, error) {
	var dls []types.DeadLetter

	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters).Bucket([]byte(containerID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var dl types.DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return err
			}
			dls = append(dls, dl)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(dls, func(i, j int) bool { return dls[i].RecordedAt.After(dls[j].RecordedAt) })
	if len(dls) > limit {
		dls = dls[:limit]
	}
	return dls, nil
}

func (q *BoltQueue) Destroy(ctx context.Context, containerID string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketJobs).DeleteBucket([]byte(containerID)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		if err := tx.Bucket(bucketDeadLetters).DeleteBucket([]byte(containerID)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		return tx.Bucket(bucketPaused).Delete([]byte(containerID))
	})
}

// Reap returns jobs whose visibility timeout lapsed while active back to
// waiting (incrementing attempts_made), promotes due delayed jobs back to
// waiting, and prunes completed/failed records beyond policy's bounds.
// Claim performs the same promotions inline, so Reap's are only the
// safety net for containers nothing is claiming from.
func (q *BoltQueue) Reap(ctx context.Context, policy RetentionPolicy) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		jobsRoot := tx.Bucket(bucketJobs)
		c := jobsRoot.Cursor()
		for name, v := c.First(); name != nil; name, v = c.Next() {
			if v != nil {
				continue // not a container sub-bucket
			}
			if err := reapContainer(jobsRoot.Bucket(name), policy); err != nil {
				return err
			}
		}
		return nil
	})
}

// terminalEntry pairs a terminal job with its bucket key for pruning.
type terminalEntry struct {
	key []byte
	job types.InstructionJob
}

func reapContainer(b *bolt.Bucket, policy RetentionPolicy) error {
	now := time.Now().UTC()

	var completed, failed []terminalEntry

	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var j types.InstructionJob
		if err := json.Unmarshal(v, &j); err != nil {
			return err
		}

		switch j.Status {
		case types.JobActive:
			if now.After(j.VisibleAt) {
				j.Status = types.JobWaiting
				j.AttemptsMade++
				data, err := json.Marshal(j)
				if err != nil {
					return err
				}
				if err := b.Put(k, data); err != nil {
					return err
				}
			}
		case types.JobDelayed:
			if now.After(j.VisibleAt) {
				j.Status = types.JobWaiting
				data, err := json.Marshal(j)
				if err != nil {
					return err
				}
				if err := b.Put(k, data); err != nil {
					return err
				}
			}
		case types.JobCompleted:
			completed = append(completed, terminalEntry{append([]byte(nil), k...), j})
		case types.JobFailed:
			failed = append(failed, terminalEntry{append([]byte(nil), k...), j})
		}
	}

	prune(completed, policy.CompletedMaxAge, policy.CompletedMaxCount, now, b)
	prune(failed, policy.FailedMaxAge, policy.FailedMaxCount, now, b)

	return nil
}

func prune(entries []terminalEntry, maxAge time.Duration, maxCount int, now time.Time, b *bolt.Bucket) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].job.FinishedAt.After(entries[j].job.FinishedAt) })

	for i, e := range entries {
		if i >= maxCount || now.Sub(e.job.FinishedAt) > maxAge {
			_ = b.Delete(e.key)
		}
	}
}

func findJob(tx *bolt.Tx, jobID string) (*types.InstructionJob, *bolt.Bucket, error) {
	jobsRoot := tx.Bucket(bucketJobs)

	c := jobsRoot.Cursor()
	for name, v := c.First(); name != nil; name, v = c.Next() {
		if v != nil {
			continue // a value here would be stray, not a container bucket
		}
		cb := jobsRoot.Bucket(name)
		if data := cb.Get([]byte(jobID)); data != nil {
			var j types.InstructionJob
			if err := json.Unmarshal(data, &j); err != nil {
				return nil, nil, err
			}
			return &j, cb, nil
		}
	}

	return nil, nil, ErrNotFound
}

func (q *BoltQueue) mutate(jobID string, fn func(*types.InstructionJob) error) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		job, b, err := findJob(tx, jobID)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.ID), data)
	})
}
