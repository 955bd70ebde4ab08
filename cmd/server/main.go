// Command server starts the inference gateway HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	httpserver "github.com/fairyhunter13/inference-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/inference-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/inference-gateway/internal/app"
	"github.com/fairyhunter13/inference-gateway/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

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

	core, err := app.BuildCore(ctx, cfg, app.CoreOptions{WithQueue: true, WithDB: true})
	if err != nil {
		slog.Error("bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer core.Close(context.Background())

	core.StartBackground(ctx)

	var kafkaClient *kgo.Client
	if core.Producer != nil {
		kafkaClient = core.Producer.Client()
	}
	dbCheck, redisCheck, queueCheck := app.BuildReadinessChecks(core.Pool, core.Redis, kafkaClient)

	srv := &httpserver.Server{
		Cfg:            cfg,
		Dispatcher:     core.Dispatcher,
		Registry:       core.Registry,
		Breakers:       core.Breakers,
		TenantResolver: core.ResolveTenant,
		DBCheck:        dbCheck,
		RedisCheck:     redisCheck,
		QueueCheck:     queueCheck,
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
