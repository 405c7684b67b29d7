package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/attestation"
)

type AttestationsRepo struct {
	c   *Client
	ttl time.Duration
}

func NewAttestationsRepo(c *Client, ttl time.Duration) *AttestationsRepo {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &AttestationsRepo{c: c, ttl: ttl}
}

// WriteRetry records a failure_retry attestation keyed by attempt number,
// per §4.H ("every retry writes one keyed with attempt:{n}").
func (r *AttestationsRepo) WriteRetry(ctx context.Context, rec attestation.Record) error {
	rec.Type = attestation.KindFailureRetry
	key := WorkerFailureKey(rec.WorkflowID, rec.JobID, fmt.Sprintf("attempt:%d", rec.RetryCount))
	return r.write(ctx, key, rec)
}

// WritePermanent records a failure_permanent attestation, additionally
// keyed "permanent" alongside the attempt key.
func (r *AttestationsRepo) WritePermanent(ctx context.Context, rec attestation.Record) error {
	rec.Type = attestation.KindFailurePermanent
	if err := r.write(ctx, WorkerFailureKey(rec.WorkflowID, rec.JobID, "permanent"), rec); err != nil {
		return err
	}
	if rec.WorkflowID != "" {
		wfRec := rec
		wfRec.Type = attestation.KindWorkflowFailure
		if err := r.write(ctx, WorkflowFailureKey(rec.WorkflowID, "permanent"), wfRec); err != nil {
			return err
		}
	}
	return nil
}

// WriteCancellation records a cancellation attestation, graceful or
// forced (§4.F/§5), keyed like a permanent failure so forensic queries see
// it alongside every other terminal disposition for the job.
func (r *AttestationsRepo) WriteCancellation(ctx context.Context, rec attestation.Record) error {
	rec.Type = attestation.KindCancelled
	if err := r.write(ctx, WorkerFailureKey(rec.WorkflowID, rec.JobID, "cancelled"), rec); err != nil {
		return err
	}
	if rec.WorkflowID != "" {
		wfRec := rec
		wfRec.Type = attestation.KindWorkflowFailure
		if err := r.write(ctx, WorkflowFailureKey(rec.WorkflowID, "cancelled"), wfRec); err != nil {
			return err
		}
	}
	return nil
}

func (r *AttestationsRepo) WriteCompletion(ctx context.Context, rec attestation.Record) error {
	rec.Type = attestation.KindCompletion
	return r.write(ctx, WorkerCompletionKey(rec.WorkflowID, rec.JobID), rec)
}

func (r *AttestationsRepo) write(ctx context.Context, key string, rec attestation.Record) error {
	return r.c.observe("attestations.write", func() error {
		body, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return r.c.rdb.Set(ctx, key, body, r.ttl).Err()
	})
}

// QueryWorkflowJob returns every attestation keyed under this workflow+job
// prefix (worker:failure:workflow-{W}:job-{J}:* and the completion key),
// per the query order in §4.H step 2. Searching by job-id substring alone
// is incorrect; callers MUST use this prefix.
func (r *AttestationsRepo) QueryWorkflowJob(ctx context.Context, workflowID, jobID string) ([]attestation.Record, error) {
	var out []attestation.Record
	err := r.c.observe("attestations.query_workflow_job", func() error {
		prefix := fmt.Sprintf("worker:failure:workflow-%s:job-%s:", workflowID, jobID)
		if err := r.scanInto(ctx, prefix+"*", &out); err != nil {
			return err
		}
		return r.scanInto(ctx, WorkerCompletionKey(workflowID, jobID), &out)
	})
	return out, err
}

// QueryWorkflow returns workflow-level attestations (step 3 of §4.H).
func (r *AttestationsRepo) QueryWorkflow(ctx context.Context, workflowID string) ([]attestation.Record, error) {
	var out []attestation.Record
	err := r.c.observe("attestations.query_workflow", func() error {
		return r.scanInto(ctx, WorkflowLevelFailurePrefix(workflowID)+"*", &out)
	})
	return out, err
}

func (r *AttestationsRepo) scanInto(ctx context.Context, pattern string, out *[]attestation.Record) error {
	var cursor uint64
	for {
		keys, next, err := r.c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			body, err := r.c.rdb.Get(ctx, k).Result()
			if err != nil {
				continue
			}
			var rec attestation.Record
			if err := json.Unmarshal([]byte(body), &rec); err != nil {
				continue
			}
			*out = append(*out, rec)
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
