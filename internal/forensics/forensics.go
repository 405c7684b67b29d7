// Package forensics answers "what happened to job J (part of workflow W)"
// by querying the data plane in the exact order §4.H specifies: current
// record, then job-scoped attestations, then workflow-level attestations,
// then the raw progress stream. The key shape is load-bearing — searching
// by job-id substring alone misses attestations filed under the
// workflow-{W} prefix.
package forensics

import (
	"context"

	"github.com/geocoder89/forgehub/internal/domain/attestation"
	"github.com/geocoder89/forgehub/internal/domain/capability"
	"github.com/geocoder89/forgehub/internal/domain/job"
	"github.com/geocoder89/forgehub/internal/redisstore"
)

// Report is the full audit trail assembled for one job.
type Report struct {
	Job                job.Job                  `json:"job"`
	JobAttestations    []attestation.Record      `json:"job_attestations"`
	WorkflowAttestations []attestation.Record    `json:"workflow_attestations,omitempty"`
	Progress           []redisstore.ProgressTick `json:"progress"`
}

// MatchExplanation is why a specific worker can or cannot currently claim a
// specific job, evaluated with the same structural predicate the matcher's
// embedded Lua script applies server-side.
type MatchExplanation struct {
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
	Eligible bool   `json:"eligible"`
}

type Service struct {
	jobs         *redisstore.JobsRepo
	attestations *redisstore.AttestationsRepo
	progress     *redisstore.ProgressRepo
	workers      *redisstore.WorkersRepo
}

func New(jobs *redisstore.JobsRepo, attestations *redisstore.AttestationsRepo, progress *redisstore.ProgressRepo, workers *redisstore.WorkersRepo) *Service {
	return &Service{jobs: jobs, attestations: attestations, progress: progress, workers: workers}
}

// Investigate resolves the full trail for jobID, step by step per §4.H.
func (s *Service) Investigate(ctx context.Context, jobID string) (Report, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return Report{}, err
	}

	report := Report{Job: j}

	var workflowID string
	if j.WorkflowID != nil {
		workflowID = *j.WorkflowID
	}

	jobAtt, err := s.attestations.QueryWorkflowJob(ctx, workflowID, jobID)
	if err != nil {
		return Report{}, err
	}
	report.JobAttestations = jobAtt

	if workflowID != "" {
		wfAtt, err := s.attestations.QueryWorkflow(ctx, workflowID)
		if err != nil {
			return Report{}, err
		}
		report.WorkflowAttestations = wfAtt
	}

	ticks, err := s.progress.Read(ctx, jobID)
	if err != nil {
		return Report{}, err
	}
	report.Progress = ticks

	return report, nil
}

// ExplainMatch reports whether workerID is currently eligible to claim
// jobID, using the pure-Go mirror of the matcher's Lua predicate so an
// operator can debug a stuck job without replaying the script by hand.
func (s *Service) ExplainMatch(ctx context.Context, jobID, workerID string) (MatchExplanation, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return MatchExplanation{}, err
	}
	w, err := s.workers.Get(ctx, workerID)
	if err != nil {
		return MatchExplanation{}, err
	}
	return MatchExplanation{
		JobID:    jobID,
		WorkerID: workerID,
		Eligible: capability.Matches(j, w),
	}, nil
}
