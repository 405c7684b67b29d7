package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/worker"
)

type WorkersRepo struct {
	c *Client
}

func NewWorkersRepo(c *Client) *WorkersRepo {
	return &WorkersRepo{c: c}
}

func workerToHash(w worker.Worker) (map[string]any, error) {
	capsJSON, err := json.Marshal(w.Capabilities)
	if err != nil {
		return nil, err
	}
	h := map[string]any{
		"worker_id":             w.WorkerID,
		"machine_id":            w.MachineID,
		"capabilities":          string(capsJSON),
		"status":                string(w.Status),
		"connected_at":          w.ConnectedAt.Format(time.RFC3339Nano),
		"last_heartbeat":        w.LastHeartbeat.Format(time.RFC3339Nano),
		"jobs_completed":        w.JobsCompleted,
		"jobs_failed":           w.JobsFailed,
		"total_processing_time": w.TotalProcessingTime.Nanoseconds(),
	}
	if w.CurrentJobID != nil {
		h["current_job_id"] = *w.CurrentJobID
	}
	if w.DisconnectedAt != nil {
		h["disconnected_at"] = w.DisconnectedAt.Format(time.RFC3339Nano)
	}
	return h, nil
}

func hashToWorker(h map[string]string) (worker.Worker, error) {
	if len(h) == 0 {
		return worker.Worker{}, worker.ErrNotFound
	}
	w := worker.Worker{
		WorkerID:  h["worker_id"],
		MachineID: h["machine_id"],
		Status:    worker.Status(h["status"]),
	}
	if v, ok := h["capabilities"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &w.Capabilities); err != nil {
			return worker.Worker{}, err
		}
	}
	w.ConnectedAt = parseTimeField(h["connected_at"])
	w.LastHeartbeat = parseTimeField(h["last_heartbeat"])
	w.DisconnectedAt = parseOptionalTimeField(h["disconnected_at"])
	if v, ok := h["current_job_id"]; ok && v != "" {
		w.CurrentJobID = &v
	}
	w.JobsCompleted, _ = strconv.ParseInt(h["jobs_completed"], 10, 64)
	w.JobsFailed, _ = strconv.ParseInt(h["jobs_failed"], 10, 64)
	if ns, err := strconv.ParseInt(h["total_processing_time"], 10, 64); err == nil {
		w.TotalProcessingTime = time.Duration(ns)
	}
	return w, nil
}

// Register upserts the worker record on connect.
func (r *WorkersRepo) Register(ctx context.Context, w worker.Worker) error {
	return r.c.observe("workers.register", func() error {
		h, err := workerToHash(w)
		if err != nil {
			return err
		}
		pipe := r.c.rdb.TxPipeline()
		pipe.HSet(ctx, WorkerKey(w.WorkerID), h)
		pipe.SAdd(ctx, WorkersSetKey, w.WorkerID)
		_, err = pipe.Exec(ctx)
		return err
	})
}

func (r *WorkersRepo) Get(ctx context.Context, workerID string) (worker.Worker, error) {
	var out worker.Worker
	err := r.c.observe("workers.get", func() error {
		h, err := r.c.rdb.HGetAll(ctx, WorkerKey(workerID)).Result()
		if err != nil {
			return err
		}
		out, err = hashToWorker(h)
		return err
	})
	return out, err
}

func (r *WorkersRepo) Heartbeat(ctx context.Context, workerID string) error {
	return r.c.observe("workers.heartbeat", func() error {
		return r.c.rdb.HSet(ctx, WorkerKey(workerID), "last_heartbeat", time.Now().UTC().Format(time.RFC3339Nano)).Err()
	})
}

func (r *WorkersRepo) SetStatus(ctx context.Context, workerID string, status worker.Status) error {
	return r.c.observe("workers.set_status", func() error {
		return r.c.rdb.HSet(ctx, WorkerKey(workerID), "status", string(status)).Err()
	})
}

// FinishJob clears a worker's current-job pointer and its entry in
// jobs:active:{worker_id} once a job reaches a terminal state from this
// worker's perspective, and sets the worker back to status. Without this,
// jobs:active:{worker_id} keeps accumulating ids of jobs long since
// completed or failed, and a later stale-worker sweep (RequeueStale) would
// wrongly reset those finished jobs back to pending.
func (r *WorkersRepo) FinishJob(ctx context.Context, workerID, jobID string, status worker.Status) error {
	return r.c.observe("workers.finish_job", func() error {
		pipe := r.c.rdb.TxPipeline()
		pipe.HSet(ctx, WorkerKey(workerID), "status", string(status))
		pipe.HDel(ctx, WorkerKey(workerID), "current_job_id")
		pipe.HDel(ctx, ActiveJobsKey(workerID), jobID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Disconnect marks a worker offline and clears its current job pointer; it
// does not delete the record so forensics can still inspect it.
func (r *WorkersRepo) Disconnect(ctx context.Context, workerID string) error {
	now := time.Now().UTC()
	return r.c.observe("workers.disconnect", func() error {
		pipe := r.c.rdb.TxPipeline()
		pipe.HSet(ctx, WorkerKey(workerID), map[string]any{
			"status":          string(worker.StatusOffline),
			"disconnected_at": now.Format(time.RFC3339Nano),
		})
		pipe.HDel(ctx, WorkerKey(workerID), "current_job_id")
		_, err := pipe.Exec(ctx)
		return err
	})
}

// ListStale returns worker ids whose last heartbeat is older than
// threshold, as of now.
func (r *WorkersRepo) ListStale(ctx context.Context, threshold time.Duration) ([]string, error) {
	var stale []string
	err := r.c.observe("workers.list_stale", func() error {
		ids, err := r.c.rdb.SMembers(ctx, WorkersSetKey).Result()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, id := range ids {
			w, err := r.Get(ctx, id)
			if err != nil {
				continue
			}
			if w.Status != worker.StatusOffline && w.Stale(now, threshold) {
				stale = append(stale, id)
			}
		}
		return nil
	})
	return stale, err
}

func (r *WorkersRepo) List(ctx context.Context) ([]worker.Worker, error) {
	var out []worker.Worker
	err := r.c.observe("workers.list", func() error {
		ids, err := r.c.rdb.SMembers(ctx, WorkersSetKey).Result()
		if err != nil {
			return err
		}
		for _, id := range ids {
			w, err := r.Get(ctx, id)
			if err != nil {
				continue
			}
			out = append(out, w)
		}
		return nil
	})
	return out, err
}
