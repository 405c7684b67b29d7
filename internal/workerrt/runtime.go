// Package workerrt is the worker process's job loop: a poll ticker,
// concurrency fan-out via a jobs channel, a heartbeat loop, a cancellation
// signal loop, and a bounded drain of in-flight jobs on shutdown, pulling
// jobs through the capability-based Redis matcher.
package workerrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/geocoder89/forgehub/internal/connector"
	"github.com/geocoder89/forgehub/internal/domain/attestation"
	"github.com/geocoder89/forgehub/internal/domain/event"
	"github.com/geocoder89/forgehub/internal/domain/job"
	"github.com/geocoder89/forgehub/internal/domain/worker"
	"github.com/geocoder89/forgehub/internal/eventbus"
	"github.com/geocoder89/forgehub/internal/matcher"
	"github.com/geocoder89/forgehub/internal/observability"
	"github.com/geocoder89/forgehub/internal/redisstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("forgehub-worker")

type Runtime struct {
	cfg Config

	matcher      *matcher.Matcher
	jobs         *redisstore.JobsRepo
	workers      *redisstore.WorkersRepo
	attestations *redisstore.AttestationsRepo
	bus          *eventbus.Bus
	prom         *observability.Prom

	connectors map[string]connector.Connector
	caps       worker.Capabilities

	readyMu sync.RWMutex
	ready   bool

	activeMu sync.Mutex
	active   map[string]*activeJob
}

// activeJob tracks one in-flight job's cancel func and the connector
// executing it, so a cancellation signal (§4.F/§5) can both unblock the
// job's context and, if the connector doesn't exit within the grace
// period, invoke the connector's own best-effort Cancel.
type activeJob struct {
	cancel context.CancelFunc
	conn   connector.Connector
}

func New(
	cfg Config,
	m *matcher.Matcher,
	jobs *redisstore.JobsRepo,
	workers *redisstore.WorkersRepo,
	attestations *redisstore.AttestationsRepo,
	bus *eventbus.Bus,
	prom *observability.Prom,
	connectors []connector.Connector,
	caps worker.Capabilities,
) *Runtime {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxScan <= 0 {
		cfg.MaxScan = 50
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.ProgressThrottle <= 0 {
		cfg.ProgressThrottle = 100 * time.Millisecond
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 30 * time.Second
	}

	connByName := make(map[string]connector.Connector, len(connectors))
	for _, c := range connectors {
		connByName[c.Name()] = c
	}

	return &Runtime{
		cfg:          cfg,
		matcher:      m,
		jobs:         jobs,
		workers:      workers,
		attestations: attestations,
		bus:          bus,
		prom:         prom,
		connectors:   connByName,
		caps:         caps,
		ready:        true,
		active:       make(map[string]*activeJob),
	}
}

// GetCapabilities returns the capability snapshot this worker advertises;
// it is the exact object the matcher evaluates requirements against.
func (r *Runtime) GetCapabilities() worker.Capabilities {
	return r.caps
}

// Start registers the worker record. Idempotent.
func (r *Runtime) Start(ctx context.Context) error {
	now := time.Now().UTC()
	return r.workers.Register(ctx, worker.Worker{
		WorkerID:      r.cfg.WorkerID,
		MachineID:     r.cfg.MachineID,
		Capabilities:  r.caps,
		Status:        worker.StatusIdle,
		ConnectedAt:   now,
		LastHeartbeat: now,
	})
}

// Run drives the poll loop, heartbeat loop, and a bounded pool of
// concurrent job runners until ctx is cancelled, then drains in-flight
// jobs up to ShutdownGrace before returning.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	if err := r.publish(ctx, event.WorkerConnected, ""); err != nil {
		slog.Default().WarnContext(ctx, "worker.connected_event_failed", "err", err)
	}

	jobsCh := make(chan job.Job)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.MaxConcurrentJobs; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			r.runSlot(ctx, slot, jobsCh)
		}(i + 1)
	}

	go r.heartbeatLoop(ctx)
	go r.cancelLoop(ctx)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

pollLoop:
	for {
		select {
		case <-ctx.Done():
			break pollLoop
		case <-ticker.C:
			w := worker.Worker{WorkerID: r.cfg.WorkerID, Capabilities: r.caps}
			j, err := r.matcher.FindAndClaim(ctx, w, r.cfg.MaxScan)
			if err != nil {
				if !errors.Is(err, matcher.ErrNoMatch) {
					log.Printf("worker: matcher error: %v", err)
					if r.prom != nil {
						r.prom.MatcherMisses.Inc()
					}
				}
				continue
			}
			if err := r.publishJob(ctx, event.JobAssigned, j); err != nil {
				log.Printf("worker: publish job_assigned failed: %v", err)
			}
			select {
			case jobsCh <- j:
			case <-ctx.Done():
				break pollLoop
			}
		}
	}

	close(jobsCh)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(r.cfg.ShutdownGrace):
		log.Printf("worker: shutdown grace (%s) exceeded, exiting with jobs still in flight", r.cfg.ShutdownGrace)
		r.attestShutdown()
	}

	_ = r.workers.Disconnect(ctx, r.cfg.WorkerID)
	_ = r.publish(context.Background(), event.WorkerDisconnected, "")

	return nil
}

// attestShutdown records a retry attestation for every job still in flight
// when the shutdown grace expires, so the trail shows the worker went down
// holding it before the janitor requeues it.
func (r *Runtime) attestShutdown() {
	r.activeMu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.activeMu.Unlock()

	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		j, err := r.jobs.Get(bg, id)
		if err != nil {
			log.Printf("worker: shutdown attestation load failed job=%s: %v", id, err)
			continue
		}
		workflowID := ""
		if j.WorkflowID != nil {
			workflowID = *j.WorkflowID
		}
		rec := attestation.Record{
			JobID:        id,
			WorkerID:     r.cfg.WorkerID,
			WorkflowID:   workflowID,
			Timestamp:    time.Now().UTC(),
			ErrorKind:    attestation.ErrorWorkerCrash,
			ErrorMessage: "worker shut down with job in flight",
			RetryCount:   j.RetryCount + 1,
			WillRetry:    j.RetryCount < j.MaxRetries,
		}
		if err := r.attestations.WriteRetry(bg, rec); err != nil {
			log.Printf("worker: shutdown attestation write failed job=%s: %v", id, err)
		}
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(r.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.workers.Heartbeat(ctx, r.cfg.WorkerID); err != nil {
				log.Printf("worker: heartbeat failed: %v", err)
			}
		}
	}
}

// cancelLoop subscribes to this worker's cancellation channel and, for
// every jobID it receives, cancels that job's context and arms a grace
// timer that force-terminates the job if the connector hasn't exited on
// its own by the time it fires (§4.F/§5).
func (r *Runtime) cancelLoop(ctx context.Context) {
	sub := r.bus.SubscribeCancel(ctx, r.cfg.WorkerID)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.handleCancelSignal(ctx, msg.Payload)
		}
	}
}

func (r *Runtime) handleCancelSignal(ctx context.Context, jobID string) {
	r.activeMu.Lock()
	aj, ok := r.active[jobID]
	r.activeMu.Unlock()
	if !ok {
		return
	}

	aj.cancel()
	log.Printf("worker: cancellation signal delivered job=%s", jobID)

	go func() {
		timer := time.NewTimer(r.cfg.CancelGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		r.forceTerminate(jobID)
	}()
}

// forceTerminate runs when a job hasn't exited within CancelGrace of being
// signalled. It claims the job out of r.active — if runJob already
// resolved it naturally in the meantime, the claim fails and this is a
// no-op — then best-effort cancels it at the connector and writes a
// failed/cancelled_forced disposition (§5: "reports failed with reason
// cancelled_forced").
func (r *Runtime) forceTerminate(jobID string) {
	r.activeMu.Lock()
	aj, ok := r.active[jobID]
	if ok {
		delete(r.active, jobID)
	}
	r.activeMu.Unlock()
	if !ok {
		return
	}

	log.Printf("worker: job %s did not exit within cancel grace (%s), force-terminating", jobID, r.cfg.CancelGrace)

	bg := context.Background()
	if aj.conn != nil {
		if err := aj.conn.Cancel(bg, jobID); err != nil {
			log.Printf("worker: connector force-cancel failed job=%s: %v", jobID, err)
		}
	}

	j, err := r.jobs.Get(bg, jobID)
	if err != nil {
		log.Printf("worker: force-terminate could not load job=%s: %v", jobID, err)
		return
	}

	workflowID := ""
	if j.WorkflowID != nil {
		workflowID = *j.WorkflowID
	}

	if err := r.jobs.MarkFailedPermanent(bg, jobID, "cancelled_forced: connector did not exit within grace period"); err != nil {
		log.Printf("worker: force-terminate mark failed job=%s: %v", jobID, err)
	}
	_ = r.attestations.WritePermanent(bg, attestation.Record{
		JobID:        jobID,
		WorkerID:     r.cfg.WorkerID,
		WorkflowID:   workflowID,
		Timestamp:    time.Now().UTC(),
		ErrorKind:    attestation.ErrorCancelledForced,
		ErrorMessage: "connector did not exit within cancel grace period",
		RetryCount:   j.RetryCount,
		WillRetry:    false,
	})
	if err := r.publishJob(bg, event.JobFailed, j); err != nil {
		log.Printf("worker: publish job_failed failed job=%s: %v", jobID, err)
	}
	if err := r.workers.FinishJob(bg, r.cfg.WorkerID, jobID, worker.StatusIdle); err != nil {
		log.Printf("worker: finish job failed job=%s: %v", jobID, err)
	}
}

func (r *Runtime) runSlot(ctx context.Context, slot int, jobsCh <-chan job.Job) {
	for j := range jobsCh {
		r.runJob(ctx, slot, j)
	}
}

func (r *Runtime) runJob(ctx context.Context, slot int, j job.Job) {
	conn, ok := r.connectors[j.ServiceRequired]
	if !ok {
		r.terminal(ctx, j, nil, &connector.ClassifiedError{
			Kind:    string(attestation.ErrorMalformedJob),
			Message: "no connector registered for service " + j.ServiceRequired,
		})
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	r.activeMu.Lock()
	r.active[j.ID] = &activeJob{cancel: cancel, conn: conn}
	r.activeMu.Unlock()

	jobCtx, span := tracer.Start(jobCtx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.service", j.ServiceRequired),
		attribute.String("worker.id", r.cfg.WorkerID),
		attribute.Int("worker.slot", slot),
	))
	defer span.End()

	start := time.Now()

	if err := r.jobs.MarkActive(jobCtx, j.ID); err != nil {
		span.RecordError(err)
	}
	if err := r.publishJob(jobCtx, event.JobStatusChanged, j); err != nil {
		log.Printf("worker: publish job.active failed: %v", err)
	}

	limiter := rate.NewLimiter(rate.Every(r.cfg.ProgressThrottle), 1)
	reporter := &progressReporter{ctx: jobCtx, jobID: j.ID, runtime: r, limiter: limiter}

	result, err := conn.Execute(connector.ExecContext{
		Context:   jobCtx,
		Progress:  reporter,
		Cancelled: jobCtx.Done(),
		Logger:    slog.Default(),
	}, j.Payload, mustMarshal(j.Requirements))

	r.activeMu.Lock()
	_, stillTracked := r.active[j.ID]
	delete(r.active, j.ID)
	r.activeMu.Unlock()
	cancel()
	if !stillTracked {
		// The cancel grace timer already claimed this job and wrote its
		// forced disposition; Execute's (late) return has nothing left to do.
		return
	}

	if r.prom != nil {
		outcome := "completed"
		if err != nil {
			outcome = "failed"
		}
		r.prom.JobDuration.WithLabelValues(j.ServiceRequired, outcome).Observe(time.Since(start).Seconds())
		r.prom.JobResults.WithLabelValues(j.ServiceRequired, outcome).Inc()
	}

	// terminal's writes must outlive jobCtx: a cancellation signal cancels
	// jobCtx to unblock Execute, but the disposition it just returned with
	// still needs to reach Redis.
	termCtx := context.WithoutCancel(jobCtx)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.terminal(termCtx, j, result, err)
		return
	}

	span.SetStatus(codes.Ok, "completed")
	r.terminal(termCtx, j, result, nil)
}

// terminal resolves a job's final disposition: completion, retry, or
// permanent failure, writing the attestation and emitting the lifecycle
// event for each case.
func (r *Runtime) terminal(ctx context.Context, j job.Job, result json.RawMessage, execErr error) {
	workflowID := ""
	if j.WorkflowID != nil {
		workflowID = *j.WorkflowID
	}

	if execErr == nil {
		if err := r.jobs.MarkCompleted(ctx, j.ID, result); err != nil {
			log.Printf("worker: mark completed failed job=%s: %v", j.ID, err)
		}
		_ = r.attestations.WriteCompletion(ctx, attestation.Record{
			JobID:      j.ID,
			WorkerID:   r.cfg.WorkerID,
			WorkflowID: workflowID,
			Timestamp:  time.Now().UTC(),
			RetryCount: j.RetryCount,
		})
		if err := r.publishJob(ctx, event.JobCompleted, j); err != nil {
			log.Printf("worker: publish job_completed failed: %v", err)
		}
		if err := r.workers.FinishJob(ctx, r.cfg.WorkerID, j.ID, worker.StatusIdle); err != nil {
			log.Printf("worker: finish job failed: %v", err)
		}
		return
	}

	kind := attestation.ErrorWorkerCrash
	var ce *connector.ClassifiedError
	if errors.As(execErr, &ce) {
		kind = attestation.ErrorKind(ce.Kind)
	}

	retryable := kind.Retryable() && j.RetryCount < j.MaxRetries

	rec := attestation.Record{
		JobID:        j.ID,
		WorkerID:     r.cfg.WorkerID,
		WorkflowID:   workflowID,
		Timestamp:    time.Now().UTC(),
		ErrorKind:    kind,
		ErrorMessage: execErr.Error(),
		RetryCount:   j.RetryCount,
		WillRetry:    retryable,
	}

	switch {
	case retryable:
		rec.RetryCount = j.RetryCount + 1
		_ = r.attestations.WriteRetry(ctx, rec)
		r.scheduleRetry(j, execErr.Error())
		if err := r.publishJob(ctx, event.JobFailed, j); err != nil {
			log.Printf("worker: publish job_failed failed: %v", err)
		}
	case kind == attestation.ErrorCancelled:
		// Graceful cancellation: the connector observed the signal (§4.F/§5)
		// and returned promptly, so the job resolves to `cancelled`, not
		// `failed`.
		if err := r.jobs.MarkCancelled(ctx, j.ID, execErr.Error()); err != nil {
			log.Printf("worker: mark cancelled error job=%s: %v", j.ID, err)
		}
		_ = r.attestations.WriteCancellation(ctx, rec)
		if err := r.publishJob(ctx, event.JobStatusChanged, j); err != nil {
			log.Printf("worker: publish job_status_changed failed: %v", err)
		}
	default:
		if err := r.jobs.MarkFailedPermanent(ctx, j.ID, execErr.Error()); err != nil {
			log.Printf("worker: mark failed permanent error job=%s: %v", j.ID, err)
		}
		_ = r.attestations.WritePermanent(ctx, rec)
		if err := r.publishJob(ctx, event.JobFailed, j); err != nil {
			log.Printf("worker: publish job_failed failed: %v", err)
		}
	}

	if err := r.workers.FinishJob(ctx, r.cfg.WorkerID, j.ID, worker.StatusIdle); err != nil {
		log.Printf("worker: finish job failed: %v", err)
	}
}

// scheduleRetry holds a failed-but-retryable job out of the pending index
// for ExponentialBackoff(j.RetryCount) before requeuing it, so a flapping
// downstream service does not get hammered by an immediate reclaim. The
// delay is detached from the job's own context, which is cancelled as soon
// as terminal returns.
func (r *Runtime) scheduleRetry(j job.Job, errMsg string) {
	delay := ExponentialBackoff(j.RetryCount)
	go func() {
		time.Sleep(delay)
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.jobs.MarkFailedRetry(rctx, j.ID, errMsg); err != nil {
			log.Printf("worker: mark failed retry error job=%s: %v", j.ID, err)
		}
	}()
}

func (r *Runtime) publish(ctx context.Context, t event.Type, jobID string) error {
	_, err := r.bus.Publish(ctx, event.Event{
		Type:      t,
		WorkerID:  r.cfg.WorkerID,
		MachineID: r.cfg.MachineID,
		JobID:     jobID,
	})
	return err
}

func (r *Runtime) publishJob(ctx context.Context, t event.Type, j job.Job) error {
	_, err := r.bus.Publish(ctx, event.Event{
		Type:      t,
		JobID:     j.ID,
		WorkerID:  r.cfg.WorkerID,
		MachineID: r.cfg.MachineID,
		JobType:   j.ServiceRequired,
		Priority:  j.EffectivePrio,
	})
	return err
}

// progressReporter adapts the connector's per-tick callback to the job
// record/progress stream/lifecycle event, throttled to ~10 Hz (§4.C, §5).
type progressReporter struct {
	ctx     context.Context
	jobID   string
	runtime *Runtime
	limiter *rate.Limiter
}

func (p *progressReporter) ReportProgress(percent int, message string, currentStep, totalSteps *int, estimatedCompletion *time.Time) {
	if !p.limiter.Allow() {
		return
	}

	extra := map[string]any{"message": message}
	if currentStep != nil {
		extra["current_step"] = *currentStep
	}
	if totalSteps != nil {
		extra["total_steps"] = *totalSteps
	}
	if estimatedCompletion != nil {
		extra["estimated_completion"] = estimatedCompletion.Format(time.RFC3339Nano)
	}

	if err := p.runtime.jobs.UpdateProgress(p.ctx, p.jobID, percent, extra); err != nil {
		log.Printf("worker: update progress failed job=%s: %v", p.jobID, err)
		return
	}

	_, _ = p.runtime.bus.Publish(p.ctx, event.Event{
		Type:  event.JobProgress,
		JobID: p.jobID,
		Data:  mustMarshal(map[string]any{"percent": percent, "message": message}),
	})
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
