package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/job"
	"github.com/redis/go-redis/v9"
)

type JobsRepo struct {
	c *Client
}

func NewJobsRepo(c *Client) *JobsRepo {
	return &JobsRepo{c: c}
}

// statusIndexes lists every per-status membership set so a transition can
// blindly evict a job id from all of them before adding it to the one it
// actually moved into, without needing to track its prior status.
var statusIndexes = []job.Status{
	job.StatusPending, job.StatusAssigned, job.StatusActive,
	job.StatusCompleted, job.StatusFailed, job.StatusCancelled,
	job.StatusCancelling, job.StatusUnworkable,
}

func reindexStatus(ctx context.Context, pipe redis.Pipeliner, id string, newStatus job.Status) {
	for _, s := range statusIndexes {
		if s == newStatus {
			continue
		}
		pipe.SRem(ctx, StatusIndexKey(string(s)), id)
	}
	pipe.SAdd(ctx, StatusIndexKey(string(newStatus)), id)
}

// Create writes job:{id} and inserts it into jobs:pending with its encoded
// score. Both writes happen in one pipeline so an observer never sees a
// record without its pending-index entry.
func (r *JobsRepo) Create(ctx context.Context, j job.Job) error {
	return r.c.observe("jobs.create", func() error {
		h, err := jobToHash(j)
		if err != nil {
			return err
		}

		pipe := r.c.rdb.TxPipeline()
		pipe.HSet(ctx, JobKey(j.ID), h)
		if j.Status == job.StatusPending {
			score := EncodeScore(j.EffectivePrio, j.EffectiveDatetime())
			pipe.ZAdd(ctx, PendingIndexKey, redis.Z{Score: score, Member: j.ID})
		}
		reindexStatus(ctx, pipe, j.ID, j.Status)
		_, err = pipe.Exec(ctx)
		return err
	})
}

func (r *JobsRepo) Get(ctx context.Context, id string) (job.Job, error) {
	var out job.Job
	err := r.c.observe("jobs.get", func() error {
		h, err := r.c.rdb.HGetAll(ctx, JobKey(id)).Result()
		if err != nil {
			return err
		}
		out, err = hashToJob(h)
		return err
	})
	return out, err
}

// UpdateProgress writes the job's progress field and appends a tick to its
// progress stream, throttled upstream by the worker runtime (§4.C).
func (r *JobsRepo) UpdateProgress(ctx context.Context, id string, percent int, extra map[string]any) error {
	return r.c.observe("jobs.update_progress", func() error {
		pipe := r.c.rdb.TxPipeline()
		pipe.HSet(ctx, JobKey(id), "progress", percent)

		fields := map[string]any{"percent": percent, "timestamp": time.Now().UTC().Format(time.RFC3339Nano)}
		for k, v := range extra {
			fields[k] = v
		}
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: ProgressStreamKey(id), Values: fields})
		_, err := pipe.Exec(ctx)
		return err
	})
}

// MarkActive transitions an assigned job to active (worker began
// execution).
func (r *JobsRepo) MarkActive(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.c.observe("jobs.mark_active", func() error {
		pipe := r.c.rdb.TxPipeline()
		pipe.HSet(ctx, JobKey(id), map[string]any{
			"status":     string(job.StatusActive),
			"started_at": now.Format(time.RFC3339Nano),
		})
		reindexStatus(ctx, pipe, id, job.StatusActive)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// MarkCompleted finalizes a job on success.
func (r *JobsRepo) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now().UTC()
	return r.c.observe("jobs.mark_completed", func() error {
		fields := map[string]any{
			"status":       string(job.StatusCompleted),
			"completed_at": now.Format(time.RFC3339Nano),
			"progress":     100,
		}
		if result != nil {
			fields["result"] = string(result)
		}
		pipe := r.c.rdb.TxPipeline()
		pipe.HSet(ctx, JobKey(id), fields)
		pipe.Incr(ctx, CounterCompletedKey)
		reindexStatus(ctx, pipe, id, job.StatusCompleted)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// MarkFailedRetry resets a job to pending, preserving workflow_id and
// incrementing retry_count, and re-inserts it into the pending index.
func (r *JobsRepo) MarkFailedRetry(ctx context.Context, id, errMsg string) error {
	return r.c.observe("jobs.mark_failed_retry", func() error {
		j, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		j.RetryCount++
		j.FailureCount++
		j.Status = job.StatusPending
		j.WorkerID = nil
		j.Progress = 0
		j.Error = errMsg

		h, err := jobToHash(j)
		if err != nil {
			return err
		}
		score := EncodeScore(j.EffectivePrio, j.EffectiveDatetime())

		pipe := r.c.rdb.TxPipeline()
		pipe.HSet(ctx, JobKey(id), h)
		pipe.HDel(ctx, JobKey(id), "worker_id", "assigned_at", "started_at")
		pipe.ZAdd(ctx, PendingIndexKey, redis.Z{Score: score, Member: id})
		reindexStatus(ctx, pipe, id, job.StatusPending)
		_, err = pipe.Exec(ctx)
		return err
	})
}

// MarkFailedPermanent leaves a job failed with no further retries.
func (r *JobsRepo) MarkFailedPermanent(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	return r.c.observe("jobs.mark_failed_permanent", func() error {
		pipe := r.c.rdb.TxPipeline()
		pipe.HSet(ctx, JobKey(id), map[string]any{
			"status":    string(job.StatusFailed),
			"failed_at": now.Format(time.RFC3339Nano),
			"error":     errMsg,
		})
		pipe.HIncrBy(ctx, JobKey(id), "failure_count", 1)
		pipe.Incr(ctx, CounterFailedKey)
		reindexStatus(ctx, pipe, id, job.StatusFailed)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// MarkCancelled finalizes a job as cancelled: the graceful path for an
// in-flight cancellation once the owning worker's connector has observed
// the signal and returned (§4.F, §5). Unlike MarkFailedPermanent this
// leaves the job in the `cancelled` terminal state, not `failed`.
func (r *JobsRepo) MarkCancelled(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	return r.c.observe("jobs.mark_cancelled", func() error {
		pipe := r.c.rdb.TxPipeline()
		pipe.HSet(ctx, JobKey(id), map[string]any{
			"status":    string(job.StatusCancelled),
			"failed_at": now.Format(time.RFC3339Nano),
			"error":     reason,
		})
		reindexStatus(ctx, pipe, id, job.StatusCancelled)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Cancel removes a pending job from the index and marks it cancelled, or
// marks an in-flight job cancelling (the owning worker reconciles the
// terminal state).
func (r *JobsRepo) Cancel(ctx context.Context, id string) (job.Status, error) {
	var result job.Status
	err := r.c.observe("jobs.cancel", func() error {
		j, err := r.Get(ctx, id)
		if err != nil {
			return err
		}

		switch j.Status {
		case job.StatusPending:
			pipe := r.c.rdb.TxPipeline()
			pipe.ZRem(ctx, PendingIndexKey, id)
			pipe.HSet(ctx, JobKey(id), "status", string(job.StatusCancelled))
			reindexStatus(ctx, pipe, id, job.StatusCancelled)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			result = job.StatusCancelled
			return nil
		case job.StatusAssigned, job.StatusActive:
			pipe := r.c.rdb.TxPipeline()
			pipe.HSet(ctx, JobKey(id), "status", string(job.StatusCancelling))
			reindexStatus(ctx, pipe, id, job.StatusCancelling)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			result = job.StatusCancelling
			return nil
		default:
			return fmt.Errorf("%w: job %s in status %s", job.ErrIllegalTransition, id, j.Status)
		}
	})
	return result, err
}

// Retry snapshots the current terminal record as an immutable backup, then
// resets the job to pending preserving workflow_id and incrementing
// retry_count (the operator-initiated retry, distinct from the worker's
// automatic MarkFailedRetry).
func (r *JobsRepo) Retry(ctx context.Context, id string) error {
	return r.c.observe("jobs.retry", func() error {
		j, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if !job.IsTerminal(j.Status) {
			return job.ErrNotTerminal
		}

		h, err := jobToHash(j)
		if err != nil {
			return err
		}
		backupJSON, err := json.Marshal(h)
		if err != nil {
			return err
		}

		j.RetryCount++
		j.Status = job.StatusPending
		j.WorkerID = nil
		j.Progress = 0
		j.Error = ""
		newHash, err := jobToHash(j)
		if err != nil {
			return err
		}
		score := EncodeScore(j.EffectivePrio, j.EffectiveDatetime())

		pipe := r.c.rdb.TxPipeline()
		pipe.Set(ctx, RetryBackupKey(id, j.RetryCount-1), backupJSON, 0)
		pipe.HSet(ctx, JobKey(id), newHash)
		pipe.HDel(ctx, JobKey(id), "worker_id", "assigned_at", "started_at", "completed_at", "failed_at", "error")
		pipe.ZAdd(ctx, PendingIndexKey, redis.Z{Score: score, Member: id})
		reindexStatus(ctx, pipe, id, job.StatusPending)
		_, err = pipe.Exec(ctx)
		return err
	})
}

// RequeueStale returns jobs assigned to dead workers back to pending, run
// by the hub's janitor on heartbeat lapse (§4.C).
func (r *JobsRepo) RequeueStale(ctx context.Context, workerID string) (int64, error) {
	var n int64
	err := r.c.observe("jobs.requeue_stale", func() error {
		ids, err := r.c.rdb.HKeys(ctx, ActiveJobsKey(workerID)).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := r.MarkFailedRetry(ctx, id, "worker_crash: heartbeat lapsed"); err != nil {
				return err
			}
			n++
		}
		return r.c.rdb.Del(ctx, ActiveJobsKey(workerID)).Err()
	})
	return n, err
}

// ListPending returns up to limit pending job ids in priority+FIFO order,
// used by admin listing and by tests asserting ordering without going
// through the matcher.
func (r *JobsRepo) ListPending(ctx context.Context, limit int64) ([]string, error) {
	var ids []string
	err := r.c.observe("jobs.list_pending", func() error {
		var err error
		ids, err = r.c.rdb.ZRevRange(ctx, PendingIndexKey, 0, limit-1).Result()
		return err
	})
	return ids, err
}

// ListByStatus returns up to limit job ids currently in status s. Pending
// keeps its priority+FIFO order via ListPending; every other status is an
// unordered membership set, which is sufficient for the operator-facing
// listing surface this backs (§4.E full_state_snapshot, §6 GET /jobs).
func (r *JobsRepo) ListByStatus(ctx context.Context, s job.Status, limit int64) ([]string, error) {
	if s == job.StatusPending {
		return r.ListPending(ctx, limit)
	}
	var ids []string
	err := r.c.observe("jobs.list_by_status", func() error {
		var err error
		ids, err = r.c.rdb.SRandMemberN(ctx, StatusIndexKey(string(s)), limit).Result()
		return err
	})
	return ids, err
}

// CountsByStatus returns the number of jobs currently in each status,
// backing the hub's system_stats emission. Pending is counted off the
// ordered index; everything else off its membership set.
func (r *JobsRepo) CountsByStatus(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(statusIndexes))
	err := r.c.observe("jobs.counts_by_status", func() error {
		pipe := r.c.rdb.Pipeline()
		pending := pipe.ZCard(ctx, PendingIndexKey)
		cards := make(map[job.Status]*redis.IntCmd, len(statusIndexes))
		for _, s := range statusIndexes {
			if s == job.StatusPending {
				continue
			}
			cards[s] = pipe.SCard(ctx, StatusIndexKey(string(s)))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out[string(job.StatusPending)] = pending.Val()
		for s, cmd := range cards {
			out[string(s)] = cmd.Val()
		}
		return nil
	})
	return out, err
}

// Totals returns the lifetime completed/failed counters kept alongside the
// per-status sets.
func (r *JobsRepo) Totals(ctx context.Context) (completed, failed int64, err error) {
	err = r.c.observe("jobs.totals", func() error {
		pipe := r.c.rdb.Pipeline()
		c := pipe.Get(ctx, CounterCompletedKey)
		f := pipe.Get(ctx, CounterFailedKey)
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return err
		}
		completed, _ = c.Int64()
		failed, _ = f.Int64()
		return nil
	})
	return completed, failed, err
}

// AllStatuses is every status a job can be bucketed under, in the order
// the snapshot/listing surfaces present them.
func AllStatuses() []job.Status {
	out := make([]job.Status, len(statusIndexes))
	copy(out, statusIndexes)
	return out
}
