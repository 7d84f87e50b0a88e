package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/cuemby/sandboxd/pkg/types"
)

// RedisQueue implements Store against a shared Redis instance, for
// deployments running more than one orchestrator process against the same
// fleet of containers. Waiting jobs live in a per-container sorted set
// scored by (priority, enqueue time) so ZRANGE already yields claim order;
// job bodies live in a per-container hash.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue wraps an already-configured client.
func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func waitingKey(containerID string) string { return "sandboxd:queue:waiting:" + containerID }
func delayedKey(containerID string) string { return "sandboxd:queue:delayed:" + containerID }
func jobsKey(containerID string) string    { return "sandboxd:queue:jobs:" + containerID }
func dlqKey(containerID string) string     { return "sandboxd:queue:dlq:" + containerID }
func pausedKey(containerID string) string  { return "sandboxd:queue:paused:" + containerID }

// waitingScore orders the sorted set by priority first, then FIFO within a
// priority tier. Priority occupies the high bits so it always dominates.
func waitingScore(priority types.Priority, enqueuedAt time.Time) float64 {
	return float64(priority)*1e15 + float64(enqueuedAt.UnixNano())/1e6
}

// delayedScore is the job's due time in epoch milliseconds; millisecond
// resolution keeps the value inside float64 precision.
func delayedScore(visibleAt time.Time) float64 {
	return float64(visibleAt.UnixNano()) / 1e6
}

func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) Enqueue(ctx context.Context, containerID, instruction string, mode types.ContainerMode, priority types.Priority) (string, int, error) {
	now := time.Now().UTC()
	job := types.InstructionJob{
		ID:          uuid.NewString(),
		ContainerID: containerID,
		Instruction: instruction,
		Mode:        mode,
		Priority:    priority,
		MaxAttempts: 3,
		Status:      types.JobWaiting,
		Progress:    types.Progress{Stage: types.StageValidating, Timestamp: now},
		CreatedAt:   now,
		EnqueuedAt:  now,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", 0, err
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobsKey(containerID), job.ID, data)
	pipe.ZAdd(ctx, waitingKey(containerID), &redis.Z{Score: waitingScore(priority, now), Member: job.ID})
	card := pipe.ZCard(ctx, waitingKey(containerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return job.ID, int(card.Val()), nil
}

func (q *RedisQueue) Claim(ctx context.Context, containerID string, visibilityTimeout time.Duration) (*types.InstructionJob, error) {
	paused, err := q.client.Exists(ctx, pausedKey(containerID)).Result()
	if err != nil {
		return nil, err
	}
	if paused == 1 {
		return nil, nil
	}

	// Promote due delayed jobs first so a retry becomes claimable the
	// moment its backoff delay elapses, not on the next janitor tick.
	if err := q.promoteDue(ctx, containerID); err != nil {
		return nil, err
	}

	ids, err := q.client.ZRange(ctx, waitingKey(containerID), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	jobID := ids[0]

	removed, err := q.client.ZRem(ctx, waitingKey(containerID), jobID).Result()
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		// Another claimant won the race; caller retries on its own cadence.
		return nil, nil
	}

	data, err := q.client.HGet(ctx, jobsKey(containerID), jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("claimed job %s missing its body: %w", jobID, err)
	}

	var job types.InstructionJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job.Status = types.JobActive
	job.StartedAt = now
	job.VisibleAt = now.Add(visibilityTimeout)

	if err := q.put(ctx, containerID, job); err != nil {
		return nil, err
	}

	return &job, nil
}

// promoteDue moves every delayed job whose due time has passed back to the
// waiting set, in priority-then-FIFO claim order.
func (q *RedisQueue) promoteDue(ctx context.Context, containerID string) error {
	due, err := q.client.ZRangeByScore(ctx, delayedKey(containerID), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(delayedScore(time.Now().UTC()), 'f', -1, 64),
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}

	for _, jobID := range due {
		data, err := q.client.HGet(ctx, jobsKey(containerID), jobID).Result()
		if err == redis.Nil {
			// Body gone (cancelled or destroyed); drop the stale marker.
			_ = q.client.ZRem(ctx, delayedKey(containerID), jobID).Err()
			continue
		}
		if err != nil {
			return err
		}

		var j types.InstructionJob
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return err
		}
		if j.Status == types.JobDelayed {
			j.Status = types.JobWaiting
			if err := q.put(ctx, containerID, j); err != nil {
				return err
			}
			if err := q.client.ZAdd(ctx, waitingKey(containerID), &redis.Z{
				Score:  waitingScore(j.Priority, j.EnqueuedAt),
				Member: j.ID,
			}).Err(); err != nil {
				return err
			}
		}
		if err := q.client.ZRem(ctx, delayedKey(containerID), jobID).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) Heartbeat(ctx context.Context, jobID string, visibilityTimeout time.Duration) error {
	return q.mutate(ctx, jobID, func(j *types.InstructionJob) error {
		if j.Status != types.JobActive {
			return ErrNotActive
		}
		j.VisibleAt = time.Now().UTC().Add(visibilityTimeout)
		return nil
	})
}

func (q *RedisQueue) UpdateProgress(ctx context.Context, jobID string, progress types.Progress) error {
	return q.mutate(ctx, jobID, func(j *types.InstructionJob) error {
		j.Progress = progress
		return nil
	})
}

func (q *RedisQueue) Finalize(ctx context.Context, jobID string, result types.JobResult) error {
	return q.mutate(ctx, jobID, func(j *types.InstructionJob) error {
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

func (q *RedisQueue) Fail(ctx context.Context, jobID string, reason string, retryDelay time.Duration) (bool, error) {
	job, err := q.get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != types.JobActive {
		return false, ErrNotActive
	}

	now := time.Now().UTC()
	job.AttemptsMade++
	job.PriorErrors = append(job.PriorErrors, reason)
	job.FailureReason = reason

	if job.AttemptsMade < job.MaxAttempts {
		job.Status = types.JobDelayed
		job.VisibleAt = now.Add(retryDelay)
		if err := q.put(ctx, job.ContainerID, *job); err != nil {
			return false, err
		}
		return false, q.client.ZAdd(ctx, delayedKey(job.ContainerID), &redis.Z{
			Score:  delayedScore(job.VisibleAt),
			Member: job.ID,
		}).Err()
	}

	job.Status = types.JobFailed
	job.FinishedAt = now
	if err := q.put(ctx, job.ContainerID, *job); err != nil {
		return false, err
	}

	dl := types.DeadLetter{Job: *job, Reason: reason, RecordedAt: now}
	data, err := json.Marshal(dl)
	if err != nil {
		return false, err
	}
	if err := q.client.HSet(ctx, dlqKey(job.ContainerID), job.ID, data).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// Reject dead-letters jobID unconditionally, bypassing the
// attempts_made/max_attempts retry decision Fail makes.
func (q *RedisQueue) Reject(ctx context.Context, jobID string, reason string) error {
	var containerID string

	err := q.mutate(ctx, jobID, func(j *types.InstructionJob) error {
		if j.Status != types.JobActive {
			return ErrNotActive
		}
		j.PriorErrors = append(j.PriorErrors, reason)
		j.FailureReason = reason
		j.Status = types.JobFailed
		j.FinishedAt = time.Now().UTC()
		containerID = j.ContainerID
		return nil
	})
	if err != nil {
		return err
	}

	job, err := q.get(ctx, jobID)
	if err != nil {
		return err
	}
	dl := types.DeadLetter{Job: *job, Reason: reason, RecordedAt: time.Now().UTC()}
	data, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, dlqKey(containerID), job.ID, data).Err()
}

func (q *RedisQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := q.get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != types.JobWaiting && job.Status != types.JobDelayed {
		return false, nil
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, waitingKey(job.ContainerID), jobID)
	pipe.ZRem(ctx, delayedKey(job.ContainerID), jobID)
	pipe.HDel(ctx, jobsKey(job.ContainerID), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	return true, nil
}

func (q *RedisQueue) Retry(ctx context.Context, jobID string) error {
	job, err := q.get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != types.JobFailed {
		return ErrNotFailed
	}

	job.Status = types.JobWaiting
	job.AttemptsMade = 0
	job.EnqueuedAt = time.Now().UTC()
	job.FinishedAt = time.Time{}
	job.FailureReason = ""

	if err := q.put(ctx, job.ContainerID, *job); err != nil {
		return err
	}

	return q.client.ZAdd(ctx, waitingKey(job.ContainerID), &redis.Z{
		Score:  waitingScore(job.Priority, job.EnqueuedAt),
		Member: job.ID,
	}).Err()
}

func (q *RedisQueue) Pause(ctx context.Context, containerID string) error {
	return q.client.Set(ctx, pausedKey(containerID), 1, 0).Err()
}

func (q *RedisQueue) Resume(ctx context.Context, containerID string) error {
	return q.client.Del(ctx, pausedKey(containerID)).Err()
}

func (q *RedisQueue) Stats(ctx context.Context, containerID string) (types.QueueStats, error) {
	var stats types.QueueStats

	paused, err := q.client.Exists(ctx, pausedKey(containerID)).Result()
	if err != nil {
		return stats, err
	}
	stats.Paused = paused == 1

	all, err := q.client.HGetAll(ctx, jobsKey(containerID)).Result()
	if err != nil {
		return stats, err
	}
	for _, raw := range all {
		var j types.InstructionJob
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return stats, err
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
	}

	return stats, nil
}

func (q *RedisQueue) History(ctx context.Context, containerID string, limit int) ([]types.InstructionJob, error) {
	all, err := q.client.HGetAll(ctx, jobsKey(containerID)).Result()
	if err != nil {
		return nil, err
	}

	var jobs []types.InstructionJob
	for _, raw := range all {
		var j types.InstructionJob
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return nil, err
		}
		if j.Status == types.JobCompleted || j.Status == types.JobFailed {
			jobs = append(jobs, j)
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].FinishedAt.After(jobs[j].FinishedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, containerID string, limit int) ([]types.DeadLetter, error) {
	all, err := q.client.HGetAll(ctx, dlqKey(containerID)).Result()
	if err != nil {
		return nil, err
	}

	var dls []types.DeadLetter
	for _, raw := range all {
		var dl types.DeadLetter
		if err := json.Unmarshal([]byte(raw), &dl); err != nil {
			return nil, err
		}
		dls = append(dls, dl)
	}

	sort.Slice(dls, func(i, j int) bool { return dls[i].RecordedAt.After(dls[j].RecordedAt) })
	if len(dls) > limit {
		dls = dls[:limit]
	}
	return dls, nil
}

func (q *RedisQueue) Destroy(ctx context.Context, containerID string) error {
	return q.client.Del(ctx,
		waitingKey(containerID),
		delayedKey(containerID),
		jobsKey(containerID),
		dlqKey(containerID),
		pausedKey(containerID),
	).Err()
}

// Reap promotes jobs whose visibility deadline lapsed (active -> waiting
// with attempts_made incremented, delayed -> waiting) and prunes terminal
// records beyond policy's age/count bounds. Redis TTLs alone can't express
// the "keep newest N" half of the policy, so counts are enforced here.
func (q *RedisQueue) Reap(ctx context.Context, policy RetentionPolicy) error {
	containers, err := q.containerIDs(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, containerID := range containers {
		all, err := q.client.HGetAll(ctx, jobsKey(containerID)).Result()
		if err != nil {
			return err
		}

		var completed, failed []types.InstructionJob
		for _, raw := range all {
			var j types.InstructionJob
			if err := json.Unmarshal([]byte(raw), &j); err != nil {
				return err
			}

			switch j.Status {
			case types.JobActive:
				if now.After(j.VisibleAt) {
					j.Status = types.JobWaiting
					j.AttemptsMade++
					if err := q.put(ctx, containerID, j); err != nil {
						return err
					}
					if err := q.client.ZAdd(ctx, waitingKey(containerID), &redis.Z{
						Score: waitingScore(j.Priority, j.EnqueuedAt), Member: j.ID,
					}).Err(); err != nil {
						return err
					}
				}
			case types.JobDelayed:
				// Claim promotes due delayed jobs itself; this pass is the
				// safety net for containers nothing is claiming from.
				if now.After(j.VisibleAt) {
					j.Status = types.JobWaiting
					if err := q.put(ctx, containerID, j); err != nil {
						return err
					}
					if err := q.client.ZAdd(ctx, waitingKey(containerID), &redis.Z{
						Score: waitingScore(j.Priority, j.EnqueuedAt), Member: j.ID,
					}).Err(); err != nil {
						return err
					}
					if err := q.client.ZRem(ctx, delayedKey(containerID), j.ID).Err(); err != nil {
						return err
					}
				}
			case types.JobCompleted:
				completed = append(completed, j)
			case types.JobFailed:
				failed = append(failed, j)
			}
		}

		if err := q.pruneRedis(ctx, containerID, completed, policy.CompletedMaxAge, policy.CompletedMaxCount, now); err != nil {
			return err
		}
		if err := q.pruneRedis(ctx, containerID, failed, policy.FailedMaxAge, policy.FailedMaxCount, now); err != nil {
			return err
		}
	}

	return nil
}

func (q *RedisQueue) pruneRedis(ctx context.Context, containerID string, jobs []types.InstructionJob, maxAge time.Duration, maxCount int, now time.Time) error {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].FinishedAt.After(jobs[j].FinishedAt) })

	for i, j := range jobs {
		if i >= maxCount || now.Sub(j.FinishedAt) > maxAge {
			if err := q.client.HDel(ctx, jobsKey(containerID), j.ID).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// containerIDs lists every container with at least one job record, by
// scanning job-hash key names. Used only by the periodic Reap janitor.
func (q *RedisQueue) containerIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := q.client.Scan(ctx, 0, "sandboxd:queue:jobs:*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len("sandboxd:queue:jobs:"):])
	}
	return ids, iter.Err()
}

func (q *RedisQueue) get(ctx context.Context, jobID string) (*types.InstructionJob, error) {
	containers, err := q.containerIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, containerID := range containers {
		data, err := q.client.HGet(ctx, jobsKey(containerID), jobID).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var j types.InstructionJob
		if err := json.Unmarshal([]byte(data), &j); err != nil {
			return nil, err
		}
		return &j, nil
	}
	return nil, ErrNotFound
}

func (q *RedisQueue) put(ctx context.Context, containerID string, job types.InstructionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.HSet(ctx, jobsKey(containerID), job.ID, data).Err()
}

func (q *RedisQueue) mutate(ctx context.Context, jobID string, fn func(*types.InstructionJob) error) error {
	job, err := q.get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := fn(job); err != nil {
		return err
	}
	return q.put(ctx, job.ContainerID, *job)
}
