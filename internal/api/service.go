// Package api is the submission/control surface of §4.F: submit, cancel,
// retry, and sync_job_state, sitting above the Redis data plane and the
// event bus that the hub and webhook engine both consume.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/event"
	"github.com/geocoder89/forgehub/internal/domain/job"
	"github.com/geocoder89/forgehub/internal/eventbus"
	"github.com/geocoder89/forgehub/internal/redisstore"
	"github.com/google/uuid"
)

// JobSpec is the external submission shape before defaults and the
// effective priority are resolved.
type JobSpec struct {
	ID               string          `json:"id,omitempty"`
	ServiceRequired  string          `json:"service_required" binding:"required"`
	Priority         *int            `json:"priority,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Requirements     job.Requirements `json:"requirements,omitempty"`
	CustomerID       *string         `json:"customer_id,omitempty"`
	WorkflowID       *string         `json:"workflow_id,omitempty"`
	WorkflowPriority *int            `json:"workflow_priority,omitempty"`
	WorkflowDatetime *time.Time      `json:"workflow_datetime,omitempty"`
	StepNumber       *int            `json:"step_number,omitempty"`
	MaxRetries       int             `json:"max_retries,omitempty"`
}

// DefaultPriority is used when neither an explicit nor a workflow priority
// is supplied.
const DefaultPriority = 100

// DefaultMaxRetries is applied when a submission omits max_retries.
const DefaultMaxRetries = 3

type Service struct {
	jobs *redisstore.JobsRepo
	bus  *eventbus.Bus
}

func New(jobs *redisstore.JobsRepo, bus *eventbus.Bus) *Service {
	return &Service{jobs: jobs, bus: bus}
}

// Submit validates and writes a new job, applying the priority precedence
// rule (explicit wins, then workflow, then default) and emitting
// job_submitted.
func (s *Service) Submit(ctx context.Context, spec JobSpec) (job.Job, error) {
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	priority, source := job.ResolvePriority(spec.Priority, spec.WorkflowPriority, DefaultPriority)
	priority = redisstore.ClampPriority(priority)

	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	now := time.Now().UTC()
	j := job.Job{
		ID:               id,
		ServiceRequired:  spec.ServiceRequired,
		Priority:         priority,
		EffectivePrio:    priority,
		PrioritySource:   source,
		Payload:          spec.Payload,
		Requirements:     spec.Requirements,
		CustomerID:       spec.CustomerID,
		WorkflowID:       spec.WorkflowID,
		WorkflowPriority: spec.WorkflowPriority,
		WorkflowDatetime: spec.WorkflowDatetime,
		StepNumber:       spec.StepNumber,
		MaxRetries:       maxRetries,
		CreatedAt:        now,
		Status:           job.StatusPending,
	}

	if err := s.jobs.Create(ctx, j); err != nil {
		return job.Job{}, err
	}

	s.emit(ctx, event.JobSubmitted, j, nil)
	return j, nil
}

// Cancel removes a pending job from the index or marks an in-flight job
// cancelling and signals the owning worker over its cancellation channel,
// leaving terminal reconciliation to that worker (§4.F/§5).
func (s *Service) Cancel(ctx context.Context, jobID string) (job.Status, error) {
	status, err := s.jobs.Cancel(ctx, jobID)
	if err != nil {
		return "", err
	}

	j, getErr := s.jobs.Get(ctx, jobID)
	if getErr == nil {
		if status == job.StatusCancelling && j.WorkerID != nil {
			if err := s.bus.PublishCancel(ctx, *j.WorkerID, jobID); err != nil {
				return status, err
			}
		}
		s.emit(ctx, event.JobStatusChanged, j, nil)
	}
	return status, nil
}

// Retry snapshots a terminal job's record and resets it to pending,
// preserving workflow_id and incrementing retry_count.
func (s *Service) Retry(ctx context.Context, jobID string) (job.Job, error) {
	if err := s.jobs.Retry(ctx, jobID); err != nil {
		return job.Job{}, err
	}
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return job.Job{}, err
	}
	s.emit(ctx, event.JobStatusChanged, j, nil)
	return j, nil
}

// SyncJobState forces a broadcast of the current record for jobID, or a
// resync_request-style broadcast of every pending job when jobID is empty.
func (s *Service) SyncJobState(ctx context.Context, jobID string) error {
	if jobID != "" {
		j, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			return err
		}
		s.emit(ctx, event.JobStatusChanged, j, nil)
		return nil
	}

	ids, err := s.jobs.ListPending(ctx, 500)
	if err != nil {
		return err
	}
	for _, id := range ids {
		j, err := s.jobs.Get(ctx, id)
		if err != nil {
			continue
		}
		s.emit(ctx, event.JobStatusChanged, j, nil)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, t event.Type, j job.Job, data json.RawMessage) {
	e := event.Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		JobID:     j.ID,
		JobType:   j.ServiceRequired,
		Priority:  j.EffectivePrio,
		Data:      data,
	}
	if j.WorkerID != nil {
		e.WorkerID = *j.WorkerID
	}
	_, _ = s.bus.Publish(ctx, e)
}
