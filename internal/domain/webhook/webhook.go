// Package webhook models registered HTTP subscribers and the filters that
// decide which lifecycle events reach them.
package webhook

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("webhook: not found")
	ErrInactive      = errors.New("webhook: inactive")
	ErrInvalidFilter = errors.New("webhook: invalid filter")
)

// RetryConfig controls the delivery engine's backoff for one registration.
type RetryConfig struct {
	MaxAttempts       int `json:"max_attempts"`
	InitialDelayMs    int `json:"initial_delay_ms"`
	BackoffMultiplier int `json:"backoff_multiplier"`
	MaxDelayMs        int `json:"max_delay_ms"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelayMs:    1000,
		BackoffMultiplier: 2,
		MaxDelayMs:        5 * 60 * 1000,
	}
}

// Filters narrows which lifecycle events an otherwise-subscribed webhook
// actually receives. An empty slice means "no restriction on this axis".
type Filters struct {
	JobTypes  []string `json:"job_types,omitempty"`
	Priorities []int   `json:"priorities,omitempty"`
	MachineIDs []string `json:"machine_ids,omitempty"`
	WorkerIDs  []string `json:"worker_ids,omitempty"`
}

// Registration is the canonical webhook record.
type Registration struct {
	ID      string      `json:"id"`
	URL     string      `json:"url"`
	Events  []string    `json:"events"`
	Active  bool        `json:"active"`
	Secret  string      `json:"secret,omitempty"`
	Filters Filters     `json:"filters"`
	Retry   RetryConfig `json:"retry_config"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Operator ids from the authenticated registration surface, kept for
	// auditing who set up or last touched the subscription.
	CreatedBy string `json:"created_by,omitempty"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

// DeliveryStatus is the outcome of one attempt against one webhook.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryAbandoned DeliveryStatus = "abandoned"
	DeliveryDropped   DeliveryStatus = "dropped"
)

// Delivery is one recorded attempt, queryable per webhook.
type Delivery struct {
	ID              string         `json:"id"`
	WebhookID       string         `json:"webhook_id"`
	EventID         string         `json:"event_id"`
	EventType       string         `json:"event_type"`
	Attempt         int            `json:"attempt"`
	Status          DeliveryStatus `json:"status"`
	ResponseCode    int            `json:"response_code,omitempty"`
	ResponseSnippet string         `json:"response_snippet,omitempty"`
	LatencyMs       int64          `json:"latency_ms"`
	Error           string         `json:"error,omitempty"`
	AttemptedAt     time.Time      `json:"attempted_at"`
}
