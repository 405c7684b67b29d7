// Package hub is the broadcaster that fans lifecycle events out to
// monitor websocket clients: topic/filter subscriptions, full-state
// snapshots, and replay-from-timestamp, reading the shared event log
// written by internal/eventbus so every hub replica observes the same
// history (Design Note: promote the event ring to a shared log).
package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/geocoder89/forgehub/internal/domain/event"
	"github.com/geocoder89/forgehub/internal/eventbus"
	"github.com/geocoder89/forgehub/internal/observability"
	"github.com/geocoder89/forgehub/internal/redisstore"
	"github.com/gorilla/websocket"
)

// HeartbeatSweepInterval is how often the broadcaster checks every
// monitor's last heartbeat (§4.E).
const HeartbeatSweepInterval = 30 * time.Second

// MonitorStaleThreshold is how long a monitor may go without a heartbeat
// before being dropped.
const MonitorStaleThreshold = 90 * time.Second

// WorkerJanitorInterval is how often the hub checks worker heartbeats for
// staleness (§4.C's janitor).
const WorkerJanitorInterval = 15 * time.Second

// SystemStatsInterval is how often the hub publishes a system_stats event
// onto the shared stream.
const SystemStatsInterval = 30 * time.Second

// WorkerWarnThreshold is the soft warning point the open question in §9
// calls for: a worker silent this long is logged but not yet reclaimed.
const WorkerWarnThreshold = 30 * time.Second

type Hub struct {
	bus            *eventbus.Bus
	workers        *redisstore.WorkersRepo
	jobs           *redisstore.JobsRepo
	prom           *observability.Prom
	staleThreshold time.Duration

	mu       sync.RWMutex
	monitors map[string]*Monitor
}

func New(bus *eventbus.Bus, workers *redisstore.WorkersRepo, jobs *redisstore.JobsRepo, prom *observability.Prom, staleThreshold time.Duration) *Hub {
	return &Hub{
		bus:            bus,
		workers:        workers,
		jobs:           jobs,
		prom:           prom,
		staleThreshold: staleThreshold,
		monitors:       make(map[string]*Monitor),
	}
}

// Run tails the shared event stream, sweeps stale monitors, and reclaims
// jobs stuck on workers that have gone silent, until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	go h.heartbeatSweepLoop(ctx)
	go h.workerJanitorLoop(ctx)
	go h.systemStatsLoop(ctx)

	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, next, err := h.bus.Tail(ctx, lastID, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("hub: tail error: %v", err)
			time.Sleep(time.Second)
			continue
		}
		lastID = next
		for _, e := range events {
			h.fanout(e)
		}
	}
}

func (h *Hub) fanout(e event.Event) {
	frame, err := encodeFrame(string(e.Type), e)
	if err != nil {
		return
	}

	h.mu.RLock()
	monitors := make([]*Monitor, 0, len(h.monitors))
	for _, m := range h.monitors {
		monitors = append(monitors, m)
	}
	h.mu.RUnlock()

	for _, m := range monitors {
		if !m.wants(e) {
			continue
		}
		if !m.enqueue(frame) {
			h.drop(m.ID)
			if h.prom != nil {
				h.prom.MonitorsDropped.Inc()
			}
		}
	}

	if h.prom != nil {
		h.prom.EventsBroadcast.WithLabelValues(string(e.Type)).Inc()
	}
}

func (h *Hub) heartbeatSweepLoop(ctx context.Context) {
	t := time.NewTicker(HeartbeatSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.sweepOnce()
		}
	}
}

func (h *Hub) sweepOnce() {
	h.mu.RLock()
	monitors := make([]*Monitor, 0, len(h.monitors))
	for _, m := range h.monitors {
		monitors = append(monitors, m)
	}
	h.mu.RUnlock()

	ack, _ := encodeFrame(string(event.HeartbeatAck), map[string]any{
		"server_time": time.Now().UTC().Format(time.RFC3339Nano),
	})

	for _, m := range monitors {
		if m.staleSince(MonitorStaleThreshold) {
			h.drop(m.ID)
			if h.prom != nil {
				h.prom.MonitorsDropped.Inc()
			}
			continue
		}
		m.enqueue(ack)
	}
}

// systemStatsLoop periodically publishes a system_stats event onto the
// shared stream; it comes back through the tail loop and fans out to
// monitors subscribed to the system_stats topic, and to any webhook
// registered for it.
func (h *Hub) systemStatsLoop(ctx context.Context) {
	t := time.NewTicker(SystemStatsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.publishSystemStats(ctx)
		}
	}
}

func (h *Hub) publishSystemStats(ctx context.Context) {
	counts, err := h.jobs.CountsByStatus(ctx)
	if err != nil {
		log.Printf("hub: stats counts error: %v", err)
		return
	}
	completed, failed, err := h.jobs.Totals(ctx)
	if err != nil {
		log.Printf("hub: stats totals error: %v", err)
		return
	}
	workers, err := h.workers.List(ctx)
	if err != nil {
		log.Printf("hub: stats workers error: %v", err)
		return
	}
	workersByStatus := map[string]int{}
	for _, w := range workers {
		workersByStatus[string(w.Status)]++
	}

	data, _ := json.Marshal(map[string]any{
		"jobs":            counts,
		"completed_total": completed,
		"failed_total":    failed,
		"workers":         workersByStatus,
		"monitors":        h.count(),
	})
	if _, err := h.bus.Publish(ctx, event.Event{
		Type:      event.SystemStats,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}); err != nil {
		log.Printf("hub: stats publish error: %v", err)
	}
}

func (h *Hub) workerJanitorLoop(ctx context.Context) {
	t := time.NewTicker(WorkerJanitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.janitorSweepOnce(ctx)
		}
	}
}

// janitorSweepOnce implements §4.C's worker janitor: a worker silent for
// WorkerWarnThreshold gets a logged warning; one silent for staleThreshold
// is marked offline and every job still assigned to it is returned to
// pending with retry_count incremented (§9's resolved open question).
func (h *Hub) janitorSweepOnce(ctx context.Context) {
	warnIDs, err := h.workers.ListStale(ctx, WorkerWarnThreshold)
	if err != nil {
		log.Printf("hub: janitor list-warn error: %v", err)
		return
	}
	staleSet := make(map[string]bool)
	deadIDs, err := h.workers.ListStale(ctx, h.staleThreshold)
	if err != nil {
		log.Printf("hub: janitor list-stale error: %v", err)
		return
	}
	for _, id := range deadIDs {
		staleSet[id] = true
	}
	for _, id := range warnIDs {
		if !staleSet[id] {
			log.Printf("hub: worker %s has not heartbeat in >%s", id, WorkerWarnThreshold)
		}
	}

	for _, workerID := range deadIDs {
		n, err := h.jobs.RequeueStale(ctx, workerID)
		if err != nil {
			log.Printf("hub: janitor requeue error worker=%s: %v", workerID, err)
			continue
		}
		if err := h.workers.Disconnect(ctx, workerID); err != nil {
			log.Printf("hub: janitor disconnect error worker=%s: %v", workerID, err)
		}
		log.Printf("hub: worker %s marked offline, requeued %d job(s)", workerID, n)

		data, _ := json.Marshal(map[string]any{"reason": "heartbeat_lapsed", "requeued": n})
		if _, err := h.bus.Publish(ctx, event.Event{
			Type:      event.WorkerDisconnected,
			Timestamp: time.Now().UTC(),
			WorkerID:  workerID,
			Data:      data,
		}); err != nil {
			log.Printf("hub: janitor publish worker_disconnected error: %v", err)
		}
		if h.prom != nil {
			h.prom.WorkersReaped.Inc()
		}
	}
}

// Register admits a new monitor connection and starts its write pump.
func (h *Hub) Register(id string, conn *websocket.Conn) *Monitor {
	m := newMonitor(id, conn)

	h.mu.Lock()
	h.monitors[id] = m
	h.mu.Unlock()

	if h.prom != nil {
		h.prom.MonitorsConnected.Set(float64(h.count()))
	}

	go m.writePump()
	return m
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	m, ok := h.monitors[id]
	if ok {
		delete(h.monitors, id)
	}
	h.mu.Unlock()

	if ok {
		m.close()
	}
	if h.prom != nil {
		h.prom.MonitorsConnected.Set(float64(h.count()))
	}
}

func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.monitors)
}

// Unregister is the public form of drop, called on connection close.
func (h *Hub) Unregister(id string) {
	h.drop(id)
}

// Subscribe applies a monitor's declared topics/filters.
func (h *Hub) Subscribe(id string, topics []event.Topic, filters event.Filters) {
	h.mu.RLock()
	m, ok := h.monitors[id]
	h.mu.RUnlock()
	if ok {
		m.setSubscription(topics, filters)
	}
}

// Heartbeat records a monitor's incoming heartbeat message.
func (h *Hub) Heartbeat(id string) {
	h.mu.RLock()
	m, ok := h.monitors[id]
	h.mu.RUnlock()
	if ok {
		m.touchHeartbeat()
	}
}

// Resync answers a resync_request by replaying events strictly newer than
// sinceMs, per the replay law.
func (h *Hub) Resync(ctx context.Context, id string, sinceMs int64, maxEvents int64) error {
	events, hasMore, oldestMs, err := h.bus.Replay(ctx, sinceMs, maxEvents)
	if err != nil {
		return err
	}

	frame, err := encodeFrame("resync_response", map[string]any{
		"events":    events,
		"has_more":  hasMore,
		"oldest_ts": oldestMs,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	m, ok := h.monitors[id]
	h.mu.RUnlock()
	if ok {
		m.enqueue(frame)
	}
	return nil
}

// Snapshot answers request_snapshot with every worker and job bucketed by
// status.
func (h *Hub) Snapshot(ctx context.Context, id string) error {
	workers, err := h.workers.List(ctx)
	if err != nil {
		return err
	}

	jobsByStatus := map[string]any{}
	for _, s := range redisstore.AllStatuses() {
		ids, err := h.jobs.ListByStatus(ctx, s, 200)
		if err != nil {
			return err
		}
		jobsByStatus[string(s)] = ids
	}

	frame, err := encodeFrame(string(event.FullStateSnapshot), map[string]any{
		"workers": workers,
		"jobs":    jobsByStatus,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	m, ok := h.monitors[id]
	h.mu.RUnlock()
	if ok {
		m.enqueue(frame)
	}
	return nil
}

// IncomingMessage is the discriminated shape a monitor sends.
type IncomingMessage struct {
	Type           string         `json:"type"`
	Topics         []event.Topic  `json:"topics,omitempty"`
	Filters        event.Filters  `json:"filters,omitempty"`
	SinceTimestamp int64          `json:"since_timestamp,omitempty"`
	MaxEvents      int64          `json:"max_events,omitempty"`
}

func ParseIncoming(raw []byte) (IncomingMessage, error) {
	var m IncomingMessage
	err := json.Unmarshal(raw, &m)
	return m, err
}
