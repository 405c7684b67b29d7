package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geocoder89/forgehub/internal/api"
	"github.com/geocoder89/forgehub/internal/auth"
	"github.com/geocoder89/forgehub/internal/config"
	"github.com/geocoder89/forgehub/internal/eventbus"
	"github.com/geocoder89/forgehub/internal/forensics"
	httpx "github.com/geocoder89/forgehub/internal/http"
	"github.com/geocoder89/forgehub/internal/hub"
	"github.com/geocoder89/forgehub/internal/observability"
	"github.com/geocoder89/forgehub/internal/redisstore"
	webhookengine "github.com/geocoder89/forgehub/internal/webhook"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

// main runs the hub process: the submission/control API, the forensics
// query surface, the webhook registry CRUD, and the monitor websocket
// broadcaster, all reading and writing the same Redis data plane the
// worker and webhookd processes observe.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(context.Background(), "forgehub-hub", "localhost:4317")
	if err != nil {
		fmt.Fprintf(os.Stderr, "otel init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	log := observability.NewLogger(cfg.Env)

	registry := prometheus.NewRegistry()
	prom := observability.NewProm(registry)

	redisClient, err := redisstore.New(redisstore.Config{
		URL:      cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, prom)
	if err != nil {
		log.Error("redis connection failed", "err", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx); err != nil {
		cancel()
		log.Error("redis ping failed", "err", err)
		os.Exit(1)
	}
	cancel()

	jobsRepo := redisstore.NewJobsRepo(redisClient)
	workersRepo := redisstore.NewWorkersRepo(redisClient)
	attestationsRepo := redisstore.NewAttestationsRepo(redisClient, cfg.AttestationTTL)
	progressRepo := redisstore.NewProgressRepo(redisClient)
	webhooksRepo := redisstore.NewWebhooksRepo(redisClient)

	bus := eventbus.New(redisClient.Raw())
	broadcaster := hub.New(bus, workersRepo, jobsRepo, prom, cfg.StaleThreshold)
	apiSvc := api.New(jobsRepo, bus)
	forensicsSvc := forensics.New(jobsRepo, attestationsRepo, progressRepo, workersRepo)
	engine := webhookengine.NewEngine(webhooksRepo, prom, cfg.WebhookTimeout, cfg.WebhookWorkerPoolSize)

	authMgr := auth.NewManager(cfg.JWTSecret, time.Hour)

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go broadcaster.Run(hubCtx)
	engine.Start(hubCtx)

	router := httpx.NewRouter(httpx.Deps{
		Config:    cfg,
		Redis:     redisClient,
		Jobs:      jobsRepo,
		Webhooks:  webhooksRepo,
		API:       apiSvc,
		Forensics: forensicsSvc,
		Hub:       broadcaster,
		Engine:    engine,
		Auth:      authMgr,
		Prom:      prom,
		Registry:  registry,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("hub server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("hub server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	stopHub()

	shutdownCtx, cancelFunc := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFunc()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("hub server graceful shutdown failed", "err", err)
		_ = srv.Close()
	} else {
		log.Info("hub server stopped gracefully.")
	}
}
