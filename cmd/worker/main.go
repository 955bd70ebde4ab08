// Command worker consumes queued inference jobs and executes them through the
// same dispatch core as the HTTP server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/inference-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/inference-gateway/internal/adapter/queue/kafka"
	"github.com/fairyhunter13/inference-gateway/internal/app"
	"github.com/fairyhunter13/inference-gateway/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	// Dedicated /metrics endpoint so the queue and inference metrics of the
	// worker process are scrapeable alongside the server's.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The worker core has no producer of its own; quota was charged at
	// submission, so execution only needs slots, routing and providers.
	core, err := app.BuildCore(ctx, cfg, app.CoreOptions{WithDB: true})
	if err != nil {
		slog.Error("bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer core.Close(context.Background())

	core.StartBackground(ctx)

	consumer, err := kafka.NewConsumer(
		cfg.KafkaBrokers,
		"inference-gateway-workers",
		"inference-gateway-consumer",
		cfg.WorkerConcurrency,
		core.Dispatcher.Process,
	)
	if err != nil {
		slog.Error("consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			slog.Error("failed to close consumer", slog.Any("error", err))
		}
	}()

	slog.Info("worker starting", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("consumer stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
