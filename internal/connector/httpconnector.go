package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/attestation"
)

// HTTPConnector demonstrates how a real backend (ComfyUI/OpenAI/A1111-style
// REST API) plugs into the runtime without the runtime depending on any
// specific service SDK: a single "submit, poll, parse" adapter shape.
type HTTPConnector struct {
	ServiceName string
	BaseURL     string
	Client      *http.Client
}

func NewHTTPConnector(serviceName, baseURL string) *HTTPConnector {
	return &HTTPConnector{
		ServiceName: serviceName,
		BaseURL:     baseURL,
		Client:      &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *HTTPConnector) Name() string { return c.ServiceName }

func (c *HTTPConnector) Probe(ctx context.Context) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return ProbeResult{}, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return ProbeResult{}, &ClassifiedError{Kind: string(attestation.ErrorTransientNetwork), Message: "probe failed", Cause: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return ProbeResult{Models: json.RawMessage(body)}, nil
}

func (c *HTTPConnector) Execute(ec ExecContext, payload json.RawMessage, requirements json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ec.Context, http.MethodPost, c.BaseURL+"/jobs", bytes.NewReader(payload))
	if err != nil {
		return nil, &ClassifiedError{Kind: string(attestation.ErrorMalformedJob), Message: "build request failed", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	if ec.Progress != nil {
		ec.Progress.ReportProgress(0, "submitted", nil, nil, nil)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, classifyHTTPErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ClassifiedError{Kind: string(attestation.ErrorTransientNetwork), Message: "read response failed", Cause: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ClassifiedError{Kind: string(attestation.ErrorRateLimit), Message: "remote rate limited"}
	case resp.StatusCode >= 500:
		return nil, &ClassifiedError{Kind: string(attestation.ErrorTransientNetwork), Message: fmt.Sprintf("remote status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &ClassifiedError{Kind: string(attestation.ErrorMalformedJob), Message: fmt.Sprintf("remote status %d", resp.StatusCode)}
	}

	if ec.Progress != nil {
		ec.Progress.ReportProgress(100, "complete", nil, nil, nil)
	}

	return json.RawMessage(body), nil
}

func (c *HTTPConnector) Cancel(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/jobs/"+jobID+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func classifyHTTPErr(err error) error {
	return &ClassifiedError{Kind: string(attestation.ErrorTransientNetwork), Message: "request failed", Cause: err}
}
