package api

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/geocoder89/forgehub/internal/domain/job"
	"github.com/geocoder89/forgehub/internal/eventbus"
	"github.com/geocoder89/forgehub/internal/redisstore"
	"github.com/redis/go-redis/v9"
)

func newTestService(t *testing.T) (*Service, *redisstore.JobsRepo, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	c, err := redisstore.New(redisstore.Config{URL: srv.Addr()}, nil)
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	jobs := redisstore.NewJobsRepo(c)
	bus := eventbus.New(c.Raw())
	return New(jobs, bus), jobs, c.Raw()
}

func intPtr(v int) *int { return &v }

func TestSubmit_PriorityPrecedence(t *testing.T) {
	cases := []struct {
		name       string
		spec       JobSpec
		wantPrio   int
		wantSource job.PrioritySource
	}{
		{
			name:       "explicit wins over workflow",
			spec:       JobSpec{ServiceRequired: "comfyui", Priority: intPtr(200), WorkflowPriority: intPtr(50)},
			wantPrio:   200,
			wantSource: job.PriorityFromJob,
		},
		{
			name:       "workflow inherited when no explicit",
			spec:       JobSpec{ServiceRequired: "comfyui", WorkflowPriority: intPtr(50)},
			wantPrio:   50,
			wantSource: job.PriorityFromWorkflow,
		},
		{
			name:       "default otherwise",
			spec:       JobSpec{ServiceRequired: "comfyui"},
			wantPrio:   DefaultPriority,
			wantSource: job.PriorityFromDefault,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, jobs, _ := newTestService(t)

			submitted, err := svc.Submit(context.Background(), tc.spec)
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if submitted.EffectivePrio != tc.wantPrio {
				t.Fatalf("effective priority = %d, want %d", submitted.EffectivePrio, tc.wantPrio)
			}
			if submitted.PrioritySource != tc.wantSource {
				t.Fatalf("priority source = %s, want %s", submitted.PrioritySource, tc.wantSource)
			}

			stored, err := jobs.Get(context.Background(), submitted.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if stored.PrioritySource != tc.wantSource {
				t.Fatalf("stored priority source = %s, want %s", stored.PrioritySource, tc.wantSource)
			}
			if stored.Status != job.StatusPending {
				t.Fatalf("expected pending, got %s", stored.Status)
			}
			if stored.MaxRetries != DefaultMaxRetries {
				t.Fatalf("expected default max_retries %d, got %d", DefaultMaxRetries, stored.MaxRetries)
			}
		})
	}
}

func TestSubmit_WritesPendingIndexAndEmitsEvent(t *testing.T) {
	svc, _, rdb := newTestService(t)
	ctx := context.Background()

	submitted, err := svc.Submit(ctx, JobSpec{ID: "job-sub", ServiceRequired: "comfyui"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if submitted.ID != "job-sub" {
		t.Fatalf("expected the supplied id to be kept, got %s", submitted.ID)
	}

	if _, err := rdb.ZScore(ctx, redisstore.PendingIndexKey, "job-sub").Result(); err != nil {
		t.Fatalf("expected job-sub in the pending index: %v", err)
	}
	n, err := rdb.XLen(ctx, redisstore.EventStreamKey).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one job_submitted event, got %d", n)
	}
}

// Cancelling an in-flight job marks it cancelling and signals the owning
// worker over its cancel channel; the worker reconciles the terminal state.
func TestCancel_InFlightSignalsOwningWorker(t *testing.T) {
	svc, jobs, rdb := newTestService(t)
	ctx := context.Background()

	wid := "worker-1"
	if err := jobs.Create(ctx, job.Job{
		ID: "job-c", ServiceRequired: "comfyui", Status: job.StatusActive,
		WorkerID: &wid, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	sub := rdb.Subscribe(ctx, redisstore.CancelChannelKey(wid))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	status, err := svc.Cancel(ctx, "job-c")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if status != job.StatusCancelling {
		t.Fatalf("expected cancelling, got %s", status)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload != "job-c" {
			t.Fatalf("expected cancel signal for job-c, got %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("owning worker never received the cancel signal")
	}
}

func TestCancel_PendingIsTerminal(t *testing.T) {
	svc, _, rdb := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, JobSpec{ID: "job-p", ServiceRequired: "comfyui"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	status, err := svc.Cancel(ctx, "job-p")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}
	if _, err := rdb.ZScore(ctx, redisstore.PendingIndexKey, "job-p").Result(); err == nil {
		t.Fatalf("cancelled job must leave the pending index")
	}
}

// Operator retry snapshots the prior attempt before resetting to pending.
func TestRetry_SnapshotsBackupAndResets(t *testing.T) {
	svc, jobs, rdb := newTestService(t)
	ctx := context.Background()

	wf := "wf-1"
	if err := jobs.Create(ctx, job.Job{
		ID: "job-r", ServiceRequired: "comfyui", Status: job.StatusFailed,
		WorkflowID: &wf, Error: "boom", CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	retried, err := svc.Retry(ctx, "job-r")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Status != job.StatusPending {
		t.Fatalf("expected pending, got %s", retried.Status)
	}
	if retried.RetryCount != 1 {
		t.Fatalf("expected retry_count=1, got %d", retried.RetryCount)
	}
	if retried.WorkflowID == nil || *retried.WorkflowID != wf {
		t.Fatalf("expected workflow_id preserved")
	}
	if retried.Error != "" {
		t.Fatalf("expected error cleared, got %q", retried.Error)
	}

	if err := rdb.Get(ctx, redisstore.RetryBackupKey("job-r", 0)).Err(); err != nil {
		t.Fatalf("expected an immutable retry backup: %v", err)
	}
	if _, err := rdb.ZScore(ctx, redisstore.PendingIndexKey, "job-r").Result(); err != nil {
		t.Fatalf("expected job-r back in the pending index: %v", err)
	}
}

func TestRetry_RejectsNonTerminal(t *testing.T) {
	svc, jobs, _ := newTestService(t)
	ctx := context.Background()

	if err := jobs.Create(ctx, job.Job{ID: "job-a", ServiceRequired: "comfyui", Status: job.StatusActive, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Retry(ctx, "job-a"); err == nil {
		t.Fatalf("expected retry of an active job to be rejected")
	}
}

func TestSyncJobState_BroadcastsRecords(t *testing.T) {
	svc, _, rdb := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, JobSpec{ID: "job-s1", ServiceRequired: "comfyui"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.Submit(ctx, JobSpec{ID: "job-s2", ServiceRequired: "comfyui"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	before, _ := rdb.XLen(ctx, redisstore.EventStreamKey).Result()
	if err := svc.SyncJobState(ctx, ""); err != nil {
		t.Fatalf("SyncJobState: %v", err)
	}
	after, _ := rdb.XLen(ctx, redisstore.EventStreamKey).Result()
	if after-before != 2 {
		t.Fatalf("expected 2 broadcast events, got %d", after-before)
	}

	if err := svc.SyncJobState(ctx, "job-s1"); err != nil {
		t.Fatalf("SyncJobState single: %v", err)
	}
	final, _ := rdb.XLen(ctx, redisstore.EventStreamKey).Result()
	if final-after != 1 {
		t.Fatalf("expected 1 broadcast event for the single-job form, got %d", final-after)
	}
}
