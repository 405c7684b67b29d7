package connector

import (
	"context"
	"encoding/json"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/attestation"
)

// Simulation is the reference correctness probe: deterministic sleeps and
// progress ticks, no external dependency, used to exercise the runtime
// end-to-end and in tests.
type Simulation struct {
	StepDelay time.Duration
	Steps     int
}

func NewSimulation() *Simulation {
	return &Simulation{StepDelay: 50 * time.Millisecond, Steps: 5}
}

func (s *Simulation) Name() string { return "simulation" }

func (s *Simulation) Probe(ctx context.Context) (ProbeResult, error) {
	return ProbeResult{
		Models: json.RawMessage(`["sim-fast","sim-slow"]`),
		Limits: map[string]any{"max_concurrent": 100},
	}, nil
}

type simulationPayload struct {
	FailWith string `json:"fail_with,omitempty"`
}

func (s *Simulation) Execute(ec ExecContext, payload json.RawMessage, requirements json.RawMessage) (json.RawMessage, error) {
	var p simulationPayload
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &p)
	}

	steps := s.Steps
	for i := 1; i <= steps; i++ {
		select {
		case <-ec.Cancelled:
			return nil, &ClassifiedError{Kind: string(attestation.ErrorCancelled), Message: "simulation cancelled"}
		case <-ec.Context.Done():
			return nil, &ClassifiedError{Kind: string(attestation.ErrorCancelled), Message: "context cancelled", Cause: ec.Context.Err()}
		case <-time.After(s.StepDelay):
		}

		percent := (i * 100) / steps
		step := i
		total := steps
		if ec.Progress != nil {
			ec.Progress.ReportProgress(percent, "simulating step", &step, &total, nil)
		}
	}

	if p.FailWith != "" {
		return nil, &ClassifiedError{Kind: p.FailWith, Message: "simulation injected failure: " + p.FailWith}
	}

	return json.RawMessage(`{"ok":true}`), nil
}

func (s *Simulation) Cancel(ctx context.Context, jobID string) error {
	return nil
}
