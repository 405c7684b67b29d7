package workerrt

import "time"

// Config is the worker process's runtime tuning, read from
// internal/config.Config by cmd/worker/main.go.
type Config struct {
	WorkerID  string
	MachineID string

	PollInterval      time.Duration
	MaxScan           int
	MaxConcurrentJobs int
	ShutdownGrace     time.Duration
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	ProgressThrottle  time.Duration
	AttestationTTL    time.Duration
	CancelGrace       time.Duration

	HealthAddr string
}
