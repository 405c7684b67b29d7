package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/geocoder89/forgehub/internal/config"
	"github.com/geocoder89/forgehub/internal/connector"
	"github.com/geocoder89/forgehub/internal/eventbus"
	"github.com/geocoder89/forgehub/internal/matcher"
	"github.com/geocoder89/forgehub/internal/observability"
	"github.com/geocoder89/forgehub/internal/redisstore"
	worker "github.com/geocoder89/forgehub/internal/worker"
	"github.com/geocoder89/forgehub/internal/workerrt"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(context.Background(), "forgehub-worker", "localhost:4317")
	if err != nil {
		log.Fatalf("otel init failed: %v", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(observability.NewTraceHandler(base))
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

	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = host + "-" + strconv.Itoa(os.Getpid())
	}
	machineID := cfg.MachineID
	if machineID == "" {
		machineID = workerID
	}

	jobsRepo := redisstore.NewJobsRepo(redisClient)
	workersRepo := redisstore.NewWorkersRepo(redisClient)
	attestationsRepo := redisstore.NewAttestationsRepo(redisClient, cfg.AttestationTTL)
	bus := eventbus.New(redisClient.Raw())
	m := matcher.New(redisClient.Raw())

	caps := workerrt.DiscoverCapabilities()
	connectors := []connector.Connector{connector.NewSimulation()}
	if url := os.Getenv("WORKER_HTTP_CONNECTOR_URL"); url != "" {
		for _, svc := range caps.Services {
			if svc != "simulation" {
				connectors = append(connectors, connector.NewHTTPConnector(svc, url))
			}
		}
	}

	rt := workerrt.New(workerrt.Config{
		WorkerID:          workerID,
		MachineID:         machineID,
		PollInterval:      cfg.PollInterval,
		MaxScan:           cfg.MaxScan,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		ShutdownGrace:     cfg.ShutdownGrace,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleThreshold:    cfg.StaleThreshold,
		ProgressThrottle:  cfg.ProgressThrottle,
		AttestationTTL:    cfg.AttestationTTL,
		CancelGrace:       cfg.CancelGrace,
		HealthAddr:        cfg.HealthAddr,
	}, m, jobsRepo, workersRepo, attestationsRepo, bus, prom, connectors, caps)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/healthz", worker.HealthHandler())
		mux.Handle("/readyz", worker.ReadyHandler(redisClient, func() bool { return ctx.Err() != nil }))
		slog.Default().InfoContext(ctx, "worker.health_listening", "addr", cfg.HealthAddr)
		if err := http.ListenAndServe(cfg.HealthAddr, mux); err != nil && err != http.ErrServerClosed {
			slog.Default().ErrorContext(ctx, "worker.health_server_failed", "err", err)
		}
	}()

	slog.Default().InfoContext(ctx, "worker.start",
		"worker_id", workerID,
		"machine_id", machineID,
		"services", caps.Services,
	)

	if err := rt.Run(ctx); err != nil {
		slog.Default().ErrorContext(ctx, "worker.run_failed", "err", err)
	}

	slog.Default().InfoContext(context.Background(), "worker.shutdown_complete")
}
