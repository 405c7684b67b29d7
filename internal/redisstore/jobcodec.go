package redisstore

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/job"
)

// jobToHash/hashToJob flatten a Job into the Redis hash fields an external
// reader sees via HGETALL job:{id}. Nested structures
// (requirements, payload, result) are stored as embedded JSON strings;
// every other field is a plain scalar.
func jobToHash(j job.Job) (map[string]any, error) {
	reqJSON, err := json.Marshal(j.Requirements)
	if err != nil {
		return nil, err
	}

	h := map[string]any{
		"id":                j.ID,
		"service_required":  j.ServiceRequired,
		"priority":          j.Priority,
		"effective_priority": j.EffectivePrio,
		"priority_source":   string(j.PrioritySource),
		"requirements":      string(reqJSON),
		"retry_count":       j.RetryCount,
		"max_retries":       j.MaxRetries,
		"failure_count":     j.FailureCount,
		"created_at":        j.CreatedAt.Format(time.RFC3339Nano),
		"status":            string(j.Status),
		"progress":          j.Progress,
	}

	if j.Payload != nil {
		h["payload"] = string(j.Payload)
	}
	if j.CustomerID != nil {
		h["customer_id"] = *j.CustomerID
	}
	if j.WorkflowID != nil {
		h["workflow_id"] = *j.WorkflowID
	}
	if j.WorkflowPriority != nil {
		h["workflow_priority"] = *j.WorkflowPriority
	}
	if j.WorkflowDatetime != nil {
		h["workflow_datetime"] = j.WorkflowDatetime.Format(time.RFC3339Nano)
	}
	if j.StepNumber != nil {
		h["step_number"] = *j.StepNumber
	}
	if j.AssignedAt != nil {
		h["assigned_at"] = j.AssignedAt.Format(time.RFC3339Nano)
	}
	if j.StartedAt != nil {
		h["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		h["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	if j.FailedAt != nil {
		h["failed_at"] = j.FailedAt.Format(time.RFC3339Nano)
	}
	if j.WorkerID != nil {
		h["worker_id"] = *j.WorkerID
	}
	if j.Result != nil {
		h["result"] = string(j.Result)
	}
	if j.Error != "" {
		h["error"] = j.Error
	}

	return h, nil
}

// DecodeJobHash is the exported form of hashToJob, used by the matcher
// package to decode the script's raw HGETALL-shaped return value.
func DecodeJobHash(h map[string]string) (job.Job, error) {
	return hashToJob(h)
}

func hashToJob(h map[string]string) (job.Job, error) {
	if len(h) == 0 {
		return job.Job{}, job.ErrJobNotFound
	}

	j := job.Job{
		ID:              h["id"],
		ServiceRequired: h["service_required"],
		PrioritySource:  job.PrioritySource(h["priority_source"]),
		Status:          job.Status(h["status"]),
	}

	j.Priority, _ = strconv.Atoi(h["priority"])
	j.EffectivePrio, _ = strconv.Atoi(h["effective_priority"])
	j.RetryCount, _ = strconv.Atoi(h["retry_count"])
	j.MaxRetries, _ = strconv.Atoi(h["max_retries"])
	j.FailureCount, _ = strconv.Atoi(h["failure_count"])
	j.Progress, _ = strconv.Atoi(h["progress"])

	if v, ok := h["requirements"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &j.Requirements); err != nil {
			return job.Job{}, err
		}
	}
	if v, ok := h["payload"]; ok && v != "" {
		j.Payload = json.RawMessage(v)
	}
	if v, ok := h["result"]; ok && v != "" {
		j.Result = json.RawMessage(v)
	}
	j.Error = h["error"]

	j.CreatedAt = parseTimeField(h["created_at"])
	j.AssignedAt = parseOptionalTimeField(h["assigned_at"])
	j.StartedAt = parseOptionalTimeField(h["started_at"])
	j.CompletedAt = parseOptionalTimeField(h["completed_at"])
	j.FailedAt = parseOptionalTimeField(h["failed_at"])

	if v, ok := h["customer_id"]; ok && v != "" {
		j.CustomerID = &v
	}
	if v, ok := h["worker_id"]; ok && v != "" {
		j.WorkerID = &v
	}
	if v, ok := h["workflow_id"]; ok && v != "" {
		j.WorkflowID = &v
	}
	if v, ok := h["workflow_priority"]; ok && v != "" {
		n, _ := strconv.Atoi(v)
		j.WorkflowPriority = &n
	}
	if v, ok := h["workflow_datetime"]; ok && v != "" {
		t := parseTimeField(v)
		j.WorkflowDatetime = &t
	}
	if v, ok := h["step_number"]; ok && v != "" {
		n, _ := strconv.Atoi(v)
		j.StepNumber = &n
	}

	return j, nil
}

func parseTimeField(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func parseOptionalTimeField(v string) *time.Time {
	if v == "" {
		return nil
	}
	t := parseTimeField(v)
	return &t
}
