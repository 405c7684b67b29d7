// Package redisstore is the canonical Redis data plane: job records, the
// pending index, worker registry, progress streams, and attestations. Key
// names follow §4.A verbatim; the forensics subsystem locates records by
// these exact prefixes, so the shape here is load-bearing.
package redisstore

import "fmt"

func JobKey(id string) string {
	return "job:" + id
}

const PendingIndexKey = "jobs:pending"

func ActiveJobsKey(workerID string) string {
	return "jobs:active:" + workerID
}

// StatusIndexKey is the secondary per-status membership set a job's id
// lives in, maintained alongside jobs:pending so non-pending statuses
// (assigned/active/completed/failed/cancelled/cancelling/unworkable) are
// listable without a full key scan (§4.E, §6).
func StatusIndexKey(s string) string {
	return "jobs:status:" + s
}

// CancelChannelKey is the Redis Pub/Sub channel a worker subscribes to for
// targeted cancellation signals (§4.F/§5): the control plane publishes the
// cancelled job's id here once it marks the job cancelling.
func CancelChannelKey(workerID string) string {
	return "cancel:" + workerID
}

func WorkerKey(workerID string) string {
	return "worker:" + workerID
}

const WorkersSetKey = "workers:all"

func ProgressStreamKey(jobID string) string {
	return "progress:" + jobID
}

// WorkerFailureKey builds the per-attempt or permanent attestation key for
// one job inside one workflow. kind is "attempt:{n}" or "permanent".
func WorkerFailureKey(workflowID, jobID, kind string) string {
	return fmt.Sprintf("worker:failure:workflow-%s:job-%s:%s", workflowID, jobID, kind)
}

func WorkerCompletionKey(workflowID, jobID string) string {
	return fmt.Sprintf("worker:completion:workflow-%s:job-%s", workflowID, jobID)
}

// WorkflowFailureKey builds the workflow-level attestation key. kind is
// "attempt:{n}" or "permanent".
func WorkflowFailureKey(workflowID, kind string) string {
	return fmt.Sprintf("workflow:failure:%s:%s", workflowID, kind)
}

// key prefixes used by the forensics subsystem's prefix scans.
func WorkflowFailurePrefix(workflowID string) string {
	return fmt.Sprintf("worker:failure:workflow-%s:", workflowID)
}

func WorkflowCompletionPrefix(workflowID string) string {
	return fmt.Sprintf("worker:completion:workflow-%s:", workflowID)
}

func WorkflowLevelFailurePrefix(workflowID string) string {
	return fmt.Sprintf("workflow:failure:%s:", workflowID)
}

const (
	CounterCompletedKey = "stats:jobs:completed_total"
	CounterFailedKey    = "stats:jobs:failed_total"
)

// EventStreamKey is the Redis Stream backing the hub's shared event log
// (Design Note: promote the event ring to a shared log for multi-instance
// hubs).
const EventStreamKey = "events:stream"

// RetryBackupKey stores the immutable snapshot of a job's prior-attempt
// record, written by retry() before it resets the job to pending.
func RetryBackupKey(jobID string, retryCount int) string {
	return fmt.Sprintf("job:%s:retry-backup:%d", jobID, retryCount)
}
