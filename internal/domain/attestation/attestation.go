// Package attestation models the append-only forensic records the runtime
// writes on every retry and terminal transition.
package attestation

import "time"

type Kind string

const (
	KindFailureRetry     Kind = "failure_retry"
	KindFailurePermanent Kind = "failure_permanent"
	KindCompletion       Kind = "completion"
	KindWorkflowFailure  Kind = "workflow_failure"
	KindCancelled        Kind = "cancelled"
)

// ErrorKind is the logical classification of a connector/transport failure,
// per the error-handling table. These are names, not Go types: policy
// dispatch switches on the string.
type ErrorKind string

const (
	ErrorResourceExhaustion ErrorKind = "resource_exhaustion"
	ErrorRateLimit          ErrorKind = "rate_limit"
	ErrorTransientNetwork   ErrorKind = "transient_network"
	ErrorSafetyRefusal      ErrorKind = "safety_refusal"
	ErrorMalformedJob       ErrorKind = "malformed_job"
	ErrorWorkerCrash        ErrorKind = "worker_crash"
	ErrorCancelled          ErrorKind = "cancelled"
	ErrorCancelledForced    ErrorKind = "cancelled_forced"
)

// Retryable reports whether the default policy for this error kind permits
// a retry (subject to retry_count < max_retries).
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorResourceExhaustion, ErrorRateLimit, ErrorTransientNetwork, ErrorWorkerCrash:
		return true
	default:
		return false
	}
}

// Record is an immutable audit entry. Once written it is never rewritten or
// deleted by the core; it may expire via TTL.
type Record struct {
	Type         Kind      `json:"attestation_type"`
	JobID        string    `json:"job_id"`
	WorkerID     string    `json:"worker_id"`
	WorkflowID   string    `json:"workflow_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RetryCount   int       `json:"retry_count"`
	WillRetry    bool      `json:"will_retry"`
	WorkflowImpact string  `json:"workflow_impact,omitempty"`
}
