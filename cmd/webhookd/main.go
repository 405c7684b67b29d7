package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geocoder89/forgehub/internal/config"
	"github.com/geocoder89/forgehub/internal/eventbus"
	"github.com/geocoder89/forgehub/internal/observability"
	"github.com/geocoder89/forgehub/internal/redisstore"
	worker "github.com/geocoder89/forgehub/internal/worker"
	webhookengine "github.com/geocoder89/forgehub/internal/webhook"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

// main runs webhookd: an independent consumer of the shared event stream
// that matches every lifecycle event against registered webhooks and
// delivers it, decoupled from the hub process so a slow or misbehaving
// subscriber endpoint never backs up monitor fanout.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(context.Background(), "forgehub-webhookd", "localhost:4317")
	if err != nil {
		slog.Default().ErrorContext(ctx, "webhookd.otel_init_failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	logger := observability.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	redisClient, err := redisstore.New(redisstore.Config{
		URL:      cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, prom)
	if err != nil {
		slog.Default().ErrorContext(ctx, "redis connect failed", "err", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	webhooksRepo := redisstore.NewWebhooksRepo(redisClient)
	bus := eventbus.New(redisClient.Raw())
	engine := webhookengine.NewEngine(webhooksRepo, prom, cfg.WebhookTimeout, cfg.WebhookWorkerPoolSize)
	engine.Start(ctx)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/healthz", worker.HealthHandler())
		mux.Handle("/readyz", worker.ReadyHandler(redisClient, func() bool { return ctx.Err() != nil }))
		if err := http.ListenAndServe(cfg.HealthAddr, mux); err != nil && err != http.ErrServerClosed {
			slog.Default().ErrorContext(ctx, "webhookd.health_server_failed", "err", err)
		}
	}()

	slog.Default().InfoContext(ctx, "webhookd.start", "health_addr", cfg.HealthAddr)

	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			slog.Default().InfoContext(context.Background(), "webhookd.shutdown_complete")
			return
		default:
		}

		events, next, err := bus.Tail(ctx, lastID, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			slog.Default().ErrorContext(ctx, "webhookd.tail_error", "err", err)
			time.Sleep(time.Second)
			continue
		}
		lastID = next
		for _, e := range events {
			if err := engine.Dispatch(ctx, e); err != nil {
				slog.Default().ErrorContext(ctx, "webhookd.dispatch_error", "err", err, "event_id", e.ID)
			}
		}
	}
}
