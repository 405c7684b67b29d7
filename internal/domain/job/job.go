// Package job models the unit of work that flows through the pending index,
// the matcher, and the worker runtime.
package job

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusCancelling Status = "cancelling"
	StatusUnworkable Status = "unworkable"
)

var (
	ErrJobNotFound       = errors.New("job: not found")
	ErrNotPending        = errors.New("job: not pending")
	ErrNotClaimable      = errors.New("job: not in an assignable state")
	ErrNotTerminal       = errors.New("job: not in a terminal state")
	ErrAlreadyAssigned   = errors.New("job: already assigned to another worker")
	ErrIllegalTransition = errors.New("job: illegal status transition")
)

// Isolation is the customer-isolation strictness a job may demand and a
// worker may advertise.
type Isolation string

const (
	IsolationStrict Isolation = "strict"
	IsolationLoose  Isolation = "loose"
	IsolationNone   Isolation = "none"
)

// All is the sentinel that disables a hardware/model minimum check.
const All = "all"

// Requirements is the predicate a job's requirements must satisfy against a
// worker's capabilities. Hardware/Models/extra keys are left as open maps
// because the predicate walks them structurally rather than by fixed field
// (do not hard-code the known keys).
type Requirements struct {
	Hardware          map[string]any `json:"hardware,omitempty"`
	Models            any            `json:"models,omitempty"` // []string or "all"
	CustomerIsolation Isolation      `json:"customer_isolation,omitempty"`
	Extra             map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside the known fields so the wire record
// is a single flat object, matching how the predicate reads "any extra
// requirement key K" off the same object.
func (r Requirements) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range r.Extra {
		out[k] = v
	}
	if r.Hardware != nil {
		out["hardware"] = r.Hardware
	}
	if r.Models != nil {
		out["models"] = r.Models
	}
	if r.CustomerIsolation != "" {
		out["customer_isolation"] = r.CustomerIsolation
	}
	return json.Marshal(out)
}

func (r *Requirements) UnmarshalJSON(data []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if hw, ok := raw["hardware"].(map[string]any); ok {
		r.Hardware = hw
	}
	if models, ok := raw["models"]; ok {
		r.Models = models
	}
	if iso, ok := raw["customer_isolation"].(string); ok {
		r.CustomerIsolation = Isolation(iso)
	}
	delete(raw, "hardware")
	delete(raw, "models")
	delete(raw, "customer_isolation")
	r.Extra = raw
	return nil
}

// PrioritySource records which field decided the job's effective priority:
// explicit priority wins, then workflow_priority, then the configured
// default (Open Question decision, see SPEC_FULL.md).
type PrioritySource string

const (
	PriorityFromJob      PrioritySource = "job"
	PriorityFromWorkflow PrioritySource = "workflow"
	PriorityFromDefault  PrioritySource = "default"
)

// Job is the canonical record stored at job:{id}.
type Job struct {
	ID               string          `json:"id"`
	ServiceRequired  string          `json:"service_required"`
	Priority         int             `json:"priority"`
	EffectivePrio    int             `json:"effective_priority"`
	PrioritySource   PrioritySource  `json:"priority_source"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Requirements     Requirements    `json:"requirements"`
	CustomerID       *string         `json:"customer_id,omitempty"`
	WorkflowID       *string         `json:"workflow_id,omitempty"`
	WorkflowPriority *int            `json:"workflow_priority,omitempty"`
	WorkflowDatetime *time.Time      `json:"workflow_datetime,omitempty"`
	StepNumber       *int            `json:"step_number,omitempty"`

	RetryCount   int `json:"retry_count"`
	MaxRetries   int `json:"max_retries"`
	FailureCount int `json:"failure_count"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	Status   Status          `json:"status"`
	WorkerID *string         `json:"worker_id,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// EffectiveDatetime is the timestamp used for the FIFO tie-break: the
// workflow's shared datetime if the job belongs to one, else its own
// creation time.
func (j Job) EffectiveDatetime() time.Time {
	if j.WorkflowDatetime != nil {
		return *j.WorkflowDatetime
	}
	return j.CreatedAt
}

// ResolvePriority applies explicit-then-workflow-then-default precedence.
func ResolvePriority(explicit *int, workflowPriority *int, def int) (int, PrioritySource) {
	if explicit != nil {
		return *explicit, PriorityFromJob
	}
	if workflowPriority != nil {
		return *workflowPriority, PriorityFromWorkflow
	}
	return def, PriorityFromDefault
}

func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusUnworkable:
		return true
	default:
		return false
	}
}
