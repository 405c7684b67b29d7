// Package event models the lifecycle events the hub broadcasts to monitors
// and matches against registered webhooks.
package event

import (
	"encoding/json"
	"time"
)

type Type string

const (
	WorkerConnected    Type = "worker_connected"
	WorkerDisconnected Type = "worker_disconnected"
	WorkerStatusChanged Type = "worker_status_changed"
	JobSubmitted       Type = "job_submitted"
	JobAssigned        Type = "job_assigned"
	JobStatusChanged   Type = "job_status_changed"
	JobProgress        Type = "update_job_progress"
	JobCompleted       Type = "complete_job"
	JobFailed          Type = "job_failed"
	SystemStats        Type = "system_stats"
	HeartbeatAck       Type = "heartbeat_ack"
	FullStateSnapshot  Type = "full_state_snapshot"
)

// Topic is one of the subscription axes a monitor can declare.
type Topic string

const (
	TopicWorkers      Topic = "workers"
	TopicJobs         Topic = "jobs"
	TopicJobsStatus   Topic = "jobs:status"
	TopicJobsProgress Topic = "jobs:progress"
	TopicSystemStats  Topic = "system_stats"
	TopicHeartbeat    Topic = "heartbeat"
)

// topicsFor maps an event type to the topics it is tagged with, for
// subscription-matching purposes.
func topicsFor(t Type) []Topic {
	switch t {
	case WorkerConnected, WorkerDisconnected, WorkerStatusChanged:
		return []Topic{TopicWorkers}
	case JobSubmitted, JobAssigned, JobStatusChanged, JobCompleted, JobFailed:
		return []Topic{TopicJobs, TopicJobsStatus}
	case JobProgress:
		return []Topic{TopicJobs, TopicJobsProgress}
	case SystemStats:
		return []Topic{TopicSystemStats}
	case HeartbeatAck:
		return []Topic{TopicHeartbeat}
	default:
		return nil
	}
}

// Event is one entry in the broadcaster's ring buffer / Redis Stream.
type Event struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	JobID      string          `json:"job_id,omitempty"`
	WorkerID   string          `json:"worker_id,omitempty"`
	MachineID  string          `json:"machine_id,omitempty"`
	JobType    string          `json:"job_type,omitempty"`
	Priority   int             `json:"priority,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Topics reports the subscription topics this event is tagged with.
func (e Event) Topics() []Topic {
	return topicsFor(e.Type)
}

// Filters describes a monitor subscription's optional narrowing, the same
// shape as a webhook registration's filters.
type Filters struct {
	JobTypes      []string `json:"job_types,omitempty"`
	WorkerIDs     []string `json:"worker_ids,omitempty"`
	PriorityMin   *int     `json:"priority_min,omitempty"`
	PriorityMax   *int     `json:"priority_max,omitempty"`
}

// Passes reports whether e satisfies every declared filter axis.
func (f Filters) Passes(e Event) bool {
	if len(f.JobTypes) > 0 && !containsStr(f.JobTypes, e.JobType) {
		return false
	}
	if len(f.WorkerIDs) > 0 && !containsStr(f.WorkerIDs, e.WorkerID) {
		return false
	}
	if f.PriorityMin != nil && e.Priority < *f.PriorityMin {
		return false
	}
	if f.PriorityMax != nil && e.Priority > *f.PriorityMax {
		return false
	}
	return true
}

func containsStr(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
