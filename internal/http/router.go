package http

import (
	"context"
	"os"
	"time"

	"github.com/geocoder89/forgehub/internal/api"
	"github.com/geocoder89/forgehub/internal/auth"
	"github.com/geocoder89/forgehub/internal/config"
	"github.com/geocoder89/forgehub/internal/forensics"
	"github.com/geocoder89/forgehub/internal/http/handlers"
	"github.com/geocoder89/forgehub/internal/http/middlewares"
	"github.com/geocoder89/forgehub/internal/hub"
	"github.com/geocoder89/forgehub/internal/observability"
	"github.com/geocoder89/forgehub/internal/redisstore"
	webhookengine "github.com/geocoder89/forgehub/internal/webhook"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Deps bundles every collaborator the hub's HTTP surface wires into
// handlers, assembled once in cmd/hub/main.go.
type Deps struct {
	Config    config.Config
	Redis     *redisstore.Client
	Jobs      *redisstore.JobsRepo
	Webhooks  *redisstore.WebhooksRepo
	API       *api.Service
	Forensics *forensics.Service
	Hub       *hub.Hub
	Engine    *webhookengine.Engine
	Auth      *auth.Manager
	Prom      *observability.Prom
	Registry  *prometheus.Registry
}

// NewRouter builds the gin engine with one consistent middleware chain:
// Recovery, request id, structured logging, CORS, security headers, body
// limits and a per-IP rate limiter apply to every route; auth layers on top
// of the admin-facing webhook group only, since job submission and
// monitoring are the public surface this service exists to offer.
func NewRouter(d Deps) *gin.Engine {
	if os.Getenv("APP_ENV") != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("forgehub-hub"))
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger())
	r.Use(middlewares.CORSMiddleware(d.Config.CORSAllowedOrigins))
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.MaxBodyBytes(1 << 20))
	if d.Prom != nil {
		r.Use(d.Prom.GinHandleMiddleware())
	}

	limiter := middlewares.NewRateLimiter(d.Config.RateLimitPerMinute, time.Minute)
	r.Use(limiter.RateLimiterMiddleware(middlewares.KeyByIP))

	authMW := middlewares.NewAuthMiddleware(d.Auth)

	health := handlers.NewHealthHandler(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return d.Redis.Ping(ctx)
	})
	r.GET("/healthz", health.Healthz)
	r.GET("/readyz", health.Readyz)
	if d.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})))
	}

	monitorHandler := handlers.NewMonitorHandler(d.Hub, d.Auth)
	r.GET("/ws/monitor", monitorHandler.Upgrade)

	jobsHandler := handlers.NewJobsHandler(d.API, d.Jobs, d.Forensics)
	webhooksHandler := handlers.NewWebhooksHandler(d.Webhooks, d.Engine)

	v1 := r.Group("/v1")
	v1.Use(middlewares.RequireJSON())
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobsHandler.Submit)
			jobs.GET("", jobsHandler.List)
			jobs.GET("/:id", jobsHandler.Get)
			jobs.GET("/:id/forensics", jobsHandler.Forensics)
			jobs.GET("/:id/match/:worker_id", jobsHandler.MatchExplain)
			jobs.POST("/:id/retry", jobsHandler.Retry)
			jobs.POST("/:id/cancel", jobsHandler.Cancel)
			jobs.POST("/sync", jobsHandler.Sync)
		}

		webhooks := v1.Group("/webhooks")
		webhooks.Use(authMW.RequireAuth(), authMW.RequireRole("admin"))
		{
			webhooks.POST("", webhooksHandler.Create)
			webhooks.GET("", webhooksHandler.List)
			webhooks.GET("/:id", webhooksHandler.Get)
			webhooks.PUT("/:id", webhooksHandler.Update)
			webhooks.DELETE("/:id", webhooksHandler.Delete)
			webhooks.GET("/:id/deliveries", webhooksHandler.Deliveries)
			webhooks.POST("/:id/test", webhooksHandler.Test)
		}
	}

	return r
}
