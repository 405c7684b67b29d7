package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Prom is the process-wide Prometheus registry wrapper, covering HTTP
// request metrics plus the Redis data plane, the matcher, the hub
// broadcaster, and webhook delivery.
type Prom struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec

	// Redis data plane
	RedisOpDuration  *prometheus.HistogramVec
	RedisErrorsTotal *prometheus.CounterVec

	// Jobs / worker runtime
	JobDuration   *prometheus.HistogramVec
	JobResults    *prometheus.CounterVec
	JobsInFlight  prometheus.Gauge
	MatcherMisses prometheus.Counter

	// Hub broadcaster
	MonitorsConnected prometheus.Gauge
	EventsBroadcast   *prometheus.CounterVec
	MonitorsDropped   prometheus.Counter
	WorkersReaped     prometheus.Counter

	// Webhook delivery engine
	WebhookDeliveryTotal    *prometheus.CounterVec
	WebhookDeliveryDuration *prometheus.HistogramVec
	WebhookQueueDepth       prometheus.Gauge
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forgehub",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "forgehub",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "forgehub",
				Name:      "http_in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"method", "route"},
		),
		RedisOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "forgehub",
				Subsystem: "redis",
				Name:      "op_duration_seconds",
				Help:      "Redis operation latency (logical op, not raw command)",
				Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"op", "status"},
		),
		RedisErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forgehub",
				Subsystem: "redis",
				Name:      "errors_total",
				Help:      "Redis errors by logical op and class.",
			},
			[]string{"op", "class"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "forgehub",
				Subsystem: "jobs",
				Name:      "duration_seconds",
				Help:      "Job execution duration by service and result",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"service", "result"},
		),
		JobResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forgehub",
				Subsystem: "jobs",
				Name:      "results_total",
				Help:      "Job outcomes by service and result.",
			},
			[]string{"service", "result"}, // result=completed|retried|failed|cancelled
		),
		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "forgehub",
				Subsystem: "jobs",
				Name:      "in_flight",
				Help:      "Current number of executing jobs on this worker process.",
			},
		),
		MatcherMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "forgehub",
				Subsystem: "matcher",
				Name:      "empty_scans_total",
				Help:      "Matcher invocations that found no claimable job within max_scan.",
			},
		),
		MonitorsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "forgehub",
				Subsystem: "hub",
				Name:      "monitors_connected",
				Help:      "Currently connected monitor websocket clients.",
			},
		),
		EventsBroadcast: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forgehub",
				Subsystem: "hub",
				Name:      "events_broadcast_total",
				Help:      "Lifecycle events fanned out to monitors, by event type.",
			},
			[]string{"event_type"},
		),
		MonitorsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "forgehub",
				Subsystem: "hub",
				Name:      "monitors_dropped_total",
				Help:      "Monitors disconnected for a full send queue or stale heartbeat.",
			},
		),
		WorkersReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "forgehub",
				Subsystem: "hub",
				Name:      "workers_reaped_total",
				Help:      "Workers marked offline by the janitor after a heartbeat lapse.",
			},
		),
		WebhookDeliveryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "forgehub",
				Subsystem: "webhook",
				Name:      "deliveries_total",
				Help:      "Webhook delivery attempts by outcome.",
			},
			[]string{"webhook_id", "outcome"},
		),
		WebhookDeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "forgehub",
				Subsystem: "webhook",
				Name:      "delivery_duration_seconds",
				Help:      "Webhook HTTP delivery latency.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"webhook_id", "outcome"},
		),
		WebhookQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "forgehub",
				Subsystem: "webhook",
				Name:      "queue_depth",
				Help:      "Pending webhook delivery attempts across the worker pool.",
			},
		),
	}

	reg.MustRegister(
		p.RequestsTotal, p.RequestsDuration, p.InFlight,
		p.RedisOpDuration, p.RedisErrorsTotal,
		p.JobDuration, p.JobResults, p.JobsInFlight, p.MatcherMisses,
		p.MonitorsConnected, p.EventsBroadcast, p.MonitorsDropped, p.WorkersReaped,
		p.WebhookDeliveryTotal, p.WebhookDeliveryDuration, p.WebhookQueueDepth,
	)

	return p
}

func (p *Prom) GinHandleMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}

		method := ctx.Request.Method
		p.InFlight.WithLabelValues(method, route).Inc()
		defer p.InFlight.WithLabelValues(method, route).Dec()
		ctx.Next()

		status := strconv.Itoa(ctx.Writer.Status())
		secs := time.Since(start).Seconds()

		p.RequestsTotal.WithLabelValues(method, route, status).Inc()
		p.RequestsDuration.WithLabelValues(method, route, status).Observe(secs)
	}
}
