// Package worker models the registered worker record and the capability
// tree the matcher evaluates job requirements against.
package worker

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/job"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

var ErrNotFound = errors.New("worker: not found")

// CustomerAccess gates which customer_id a job may carry for this worker to
// accept it.
type CustomerAccess struct {
	Isolation        job.Isolation `json:"isolation"`
	AllowedCustomers []string      `json:"allowed_customers,omitempty"`
	DeniedCustomers  []string      `json:"denied_customers,omitempty"`
}

// Allows reports whether a customer id is permitted under this access
// policy. Allowed is a whitelist when non-empty; denied is always a
// blacklist.
func (a CustomerAccess) Allows(customerID string) bool {
	for _, d := range a.DeniedCustomers {
		if d == customerID {
			return false
		}
	}
	if len(a.AllowedCustomers) == 0 {
		return true
	}
	for _, w := range a.AllowedCustomers {
		if w == customerID {
			return true
		}
	}
	return false
}

// Capabilities is the object the matcher evaluates job requirements
// against. Extra holds arbitrary custom keys resolved by dotted-path lookup
// (see internal/domain/capability).
type Capabilities struct {
	Services       []string            `json:"services"`
	Hardware       map[string]any      `json:"hardware,omitempty"`
	Models         map[string][]string `json:"models,omitempty"`
	CustomerAccess CustomerAccess      `json:"customer_access"`
	Extra          map[string]any      `json:"-"`
}

// MarshalJSON flattens Extra alongside the known fields so the matcher sees
// custom capability keys at the top level of the object it sends the Lua
// script — symmetric with job.Requirements' flattening of Extra, since the
// predicate's dotted-path walk (§4.B) needs both sides shaped the same way.
func (c Capabilities) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range c.Extra {
		out[k] = v
	}
	out["services"] = c.Services
	if c.Hardware != nil {
		out["hardware"] = c.Hardware
	}
	if c.Models != nil {
		out["models"] = c.Models
	}
	out["customer_access"] = c.CustomerAccess
	return json.Marshal(out)
}

func (c *Capabilities) UnmarshalJSON(data []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	type alias struct {
		Services       []string            `json:"services"`
		Hardware       map[string]any      `json:"hardware,omitempty"`
		Models         map[string][]string `json:"models,omitempty"`
		CustomerAccess CustomerAccess      `json:"customer_access"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	c.Services = a.Services
	c.Hardware = a.Hardware
	c.Models = a.Models
	c.CustomerAccess = a.CustomerAccess

	delete(raw, "services")
	delete(raw, "hardware")
	delete(raw, "models")
	delete(raw, "customer_access")
	c.Extra = raw
	return nil
}

// Worker is the canonical record stored at worker:{worker_id}.
type Worker struct {
	WorkerID  string `json:"worker_id"`
	MachineID string `json:"machine_id"`

	Capabilities Capabilities `json:"capabilities"`

	Status        Status     `json:"status"`
	CurrentJobID  *string    `json:"current_job_id,omitempty"`
	ConnectedAt   time.Time  `json:"connected_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`

	JobsCompleted        int64         `json:"jobs_completed"`
	JobsFailed           int64         `json:"jobs_failed"`
	TotalProcessingTime  time.Duration `json:"total_processing_time"`
}

// Stale reports whether the worker's last heartbeat is older than
// threshold, as of now.
func (w Worker) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(w.LastHeartbeat) > threshold
}
