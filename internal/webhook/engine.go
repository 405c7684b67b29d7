// Package webhookengine matches emitted lifecycle events against
// registered HTTP subscribers, signs and delivers the payload, retries
// with per-endpoint exponential backoff, and records delivery rows. Each
// endpoint is guarded by its own sony/gobreaker circuit breaker so one
// misbehaving subscriber can't burn retry budget against the rest.
package webhookengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/event"
	"github.com/geocoder89/forgehub/internal/domain/webhook"
	"github.com/geocoder89/forgehub/internal/observability"
	"github.com/geocoder89/forgehub/internal/redisstore"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

type task struct {
	reg     webhook.Registration
	evt     event.Event
	attempt int
}

type Engine struct {
	repo    *redisstore.WebhooksRepo
	client  *http.Client
	prom    *observability.Prom
	queue   chan task
	workers int

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewEngine(repo *redisstore.WebhooksRepo, prom *observability.Prom, timeout time.Duration, poolSize int) *Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Engine{
		repo:     repo,
		client:   &http.Client{Timeout: timeout},
		prom:     prom,
		queue:    make(chan task, 1000),
		workers:  poolSize,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Start launches the bounded delivery worker pool.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.workers; i++ {
		go e.worker(ctx)
	}
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-e.queue:
			e.deliver(ctx, t)
		}
	}
}

// Dispatch enumerates active webhooks, filters by event type and declared
// filters, and enqueues a delivery attempt for each survivor (§4.G steps
// 1-3).
func (e *Engine) Dispatch(ctx context.Context, evt event.Event) error {
	regs, err := e.repo.List(ctx)
	if err != nil {
		return err
	}

	for _, reg := range regs {
		if !reg.Active {
			continue
		}
		if !containsStr(reg.Events, string(evt.Type)) {
			continue
		}
		if !passesFilters(reg.Filters, evt) {
			continue
		}

		select {
		case e.queue <- task{reg: reg, evt: evt, attempt: 1}:
		default:
			log.Printf("webhook: queue saturated, dropping delivery webhook=%s event=%s", reg.ID, evt.ID)
			e.recordDrop(ctx, reg.ID, evt)
		}
	}

	if e.prom != nil {
		e.prom.WebhookQueueDepth.Set(float64(len(e.queue)))
	}
	return nil
}

func (e *Engine) recordDrop(ctx context.Context, webhookID string, evt event.Event) {
	_ = e.repo.RecordDelivery(ctx, webhook.Delivery{
		ID:          uuid.NewString(),
		WebhookID:   webhookID,
		EventID:     evt.ID,
		EventType:   string(evt.Type),
		Status:      webhook.DeliveryDropped,
		AttemptedAt: time.Now().UTC(),
	})
}

func (e *Engine) breakerFor(webhookID string) *gobreaker.CircuitBreaker {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()
	if b, ok := e.breakers[webhookID]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook-" + webhookID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	e.breakers[webhookID] = b
	return b
}

func (e *Engine) deliver(ctx context.Context, t task) {
	body, err := json.Marshal(t.evt)
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.reg.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", string(t.evt.Type))
	req.Header.Set("X-Webhook-Id", t.reg.ID)
	req.Header.Set("X-Event-Id", t.evt.ID)
	if t.reg.Secret != "" {
		req.Header.Set("X-Signature", "sha256="+Sign(t.reg.Secret, body))
	}

	breaker := e.breakerFor(t.reg.ID)

	start := time.Now()
	result, err := breaker.Execute(func() (any, error) {
		resp, err := e.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		snippet := make([]byte, 512)
		n, _ := resp.Body.Read(snippet)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(snippet[:n]))
		}
		return struct {
			Code    int
			Snippet string
		}{resp.StatusCode, string(snippet[:n])}, nil
	})
	latency := time.Since(start)

	outcome := "delivered"
	delivery := webhook.Delivery{
		ID:          uuid.NewString(),
		WebhookID:   t.reg.ID,
		EventID:     t.evt.ID,
		EventType:   string(t.evt.Type),
		Attempt:     t.attempt,
		LatencyMs:   latency.Milliseconds(),
		AttemptedAt: time.Now().UTC(),
	}

	if err != nil {
		outcome = "failed"
		delivery.Status = webhook.DeliveryFailed
		delivery.Error = err.Error()

		if t.attempt < t.reg.Retry.MaxAttempts {
			delay := backoffDelay(t.reg.Retry, t.attempt)
			time.AfterFunc(delay, func() {
				select {
				case e.queue <- task{reg: t.reg, evt: t.evt, attempt: t.attempt + 1}:
				default:
					log.Printf("webhook: retry queue saturated webhook=%s event=%s", t.reg.ID, t.evt.ID)
				}
			})
		} else {
			delivery.Status = webhook.DeliveryAbandoned
		}
	} else {
		delivery.Status = webhook.DeliveryDelivered
		if r, ok := result.(struct {
			Code    int
			Snippet string
		}); ok {
			delivery.ResponseCode = r.Code
			delivery.ResponseSnippet = r.Snippet
		}
	}

	if e.prom != nil {
		e.prom.WebhookDeliveryTotal.WithLabelValues(t.reg.ID, outcome).Inc()
		e.prom.WebhookDeliveryDuration.WithLabelValues(t.reg.ID, outcome).Observe(latency.Seconds())
	}

	if err := e.repo.RecordDelivery(ctx, delivery); err != nil {
		log.Printf("webhook: record delivery failed webhook=%s: %v", t.reg.ID, err)
	}
}

// backoffDelay implements min(max_delay_ms, initial_delay_ms *
// backoff_multiplier^(attempt-1)).
func backoffDelay(cfg webhook.RetryConfig, attempt int) time.Duration {
	delay := cfg.InitialDelayMs
	for i := 1; i < attempt; i++ {
		delay *= cfg.BackoffMultiplier
		if delay > cfg.MaxDelayMs {
			delay = cfg.MaxDelayMs
			break
		}
	}
	return time.Duration(delay) * time.Millisecond
}

func containsStr(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func passesFilters(f webhook.Filters, e event.Event) bool {
	if len(f.JobTypes) > 0 && !containsStr(f.JobTypes, e.JobType) {
		return false
	}
	if len(f.WorkerIDs) > 0 && !containsStr(f.WorkerIDs, e.WorkerID) {
		return false
	}
	if len(f.MachineIDs) > 0 && !containsStr(f.MachineIDs, e.MachineID) {
		return false
	}
	if len(f.Priorities) > 0 {
		found := false
		for _, p := range f.Priorities {
			if p == e.Priority {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
