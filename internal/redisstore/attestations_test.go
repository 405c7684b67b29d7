package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/attestation"
)

// The attestation key shape is a contract with forensic tooling (§4.H):
// worker:failure:workflow-{W}:job-{J}:attempt:{n} for retries, :permanent
// for permanent failures, plus workflow:failure:{W}:permanent.
func TestAttestations_KeyShape(t *testing.T) {
	c := newTestClient(t)
	repo := NewAttestationsRepo(c, time.Hour)
	ctx := context.Background()

	rec := attestation.Record{
		JobID: "j1", WorkerID: "w1", WorkflowID: "wf1",
		Timestamp: time.Now().UTC(), ErrorKind: attestation.ErrorTransientNetwork,
		RetryCount: 2, WillRetry: true,
	}
	if err := repo.WriteRetry(ctx, rec); err != nil {
		t.Fatalf("WriteRetry: %v", err)
	}
	rec.WillRetry = false
	if err := repo.WritePermanent(ctx, rec); err != nil {
		t.Fatalf("WritePermanent: %v", err)
	}
	if err := repo.WriteCompletion(ctx, attestation.Record{JobID: "j1", WorkerID: "w1", WorkflowID: "wf1", Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("WriteCompletion: %v", err)
	}

	for _, key := range []string{
		"worker:failure:workflow-wf1:job-j1:attempt:2",
		"worker:failure:workflow-wf1:job-j1:permanent",
		"worker:completion:workflow-wf1:job-j1",
		"workflow:failure:wf1:permanent",
	} {
		n, err := c.rdb.Exists(ctx, key).Result()
		if err != nil {
			t.Fatalf("exists %s: %v", key, err)
		}
		if n != 1 {
			t.Fatalf("expected key %s to exist", key)
		}
	}

	ttl, err := c.rdb.TTL(ctx, "worker:failure:workflow-wf1:job-j1:permanent").Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Fatalf("expected a bounded ttl, got %s", ttl)
	}
}

// Prefix queries are how forensics locates attestations; a job-id substring
// search alone would miss the workflow-level keys.
func TestAttestations_QueryByPrefix(t *testing.T) {
	c := newTestClient(t)
	repo := NewAttestationsRepo(c, time.Hour)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec := attestation.Record{
			JobID: "j1", WorkerID: "w1", WorkflowID: "wf1",
			Timestamp: time.Now().UTC(), RetryCount: i, WillRetry: i < 3,
		}
		if err := repo.WriteRetry(ctx, rec); err != nil {
			t.Fatalf("WriteRetry attempt %d: %v", i, err)
		}
	}
	// A different job in the same workflow must not leak into j1's trail.
	if err := repo.WriteRetry(ctx, attestation.Record{
		JobID: "j2", WorkerID: "w1", WorkflowID: "wf1",
		Timestamp: time.Now().UTC(), RetryCount: 1,
	}); err != nil {
		t.Fatalf("WriteRetry j2: %v", err)
	}

	recs, err := repo.QueryWorkflowJob(ctx, "wf1", "j1")
	if err != nil {
		t.Fatalf("QueryWorkflowJob: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 attestations for j1, got %d", len(recs))
	}
	for _, r := range recs {
		if r.JobID != "j1" {
			t.Fatalf("foreign job leaked into the trail: %+v", r)
		}
	}
}

// Attestations are append-only: a later write for a different attempt never
// rewrites an earlier attempt's record.
func TestAttestations_AppendOnlyAcrossAttempts(t *testing.T) {
	c := newTestClient(t)
	repo := NewAttestationsRepo(c, time.Hour)
	ctx := context.Background()

	first := attestation.Record{
		JobID: "j1", WorkerID: "w1", WorkflowID: "wf1",
		Timestamp: time.Now().UTC(), ErrorMessage: "first failure", RetryCount: 1, WillRetry: true,
	}
	if err := repo.WriteRetry(ctx, first); err != nil {
		t.Fatalf("WriteRetry 1: %v", err)
	}
	before, err := c.rdb.Get(ctx, "worker:failure:workflow-wf1:job-j1:attempt:1").Result()
	if err != nil {
		t.Fatalf("get attempt:1: %v", err)
	}

	second := first
	second.ErrorMessage = "second failure"
	second.RetryCount = 2
	if err := repo.WriteRetry(ctx, second); err != nil {
		t.Fatalf("WriteRetry 2: %v", err)
	}

	after, err := c.rdb.Get(ctx, "worker:failure:workflow-wf1:job-j1:attempt:1").Result()
	if err != nil {
		t.Fatalf("get attempt:1 again: %v", err)
	}
	if before != after {
		t.Fatalf("attempt:1 attestation was rewritten by a later attempt")
	}
}
