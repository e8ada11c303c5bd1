// Command recorder-worker polls the durable job queue and executes
// asynchronous replay sessions dispatched by recorderd.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flightrecorder/core/internal/config"
	"github.com/flightrecorder/core/internal/jobqueue"
	"github.com/flightrecorder/core/internal/logging"
	"github.com/flightrecorder/core/internal/replay"
	"github.com/flightrecorder/core/internal/store"
	"github.com/flightrecorder/core/internal/telemetry"
	"github.com/flightrecorder/core/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	if cfg.MetricsEnabled {
		go serveMetrics(log, cfg.MetricsPort, registry)
	}

	replaySvc := replay.New(st)
	jobs := jobqueue.New(st)

	w := worker.New(jobs, replaySvc, log, metrics, cfg.WorkerPollInterval)

	log.Info("worker starting", zap.Duration("poll_interval", cfg.WorkerPollInterval))
	w.Run(ctx)
	return nil
}

func serveMetrics(log *zap.Logger, port int, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	log.Info("metrics server listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
		log.Error("metrics server stopped", zap.Error(err))
	}
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DBBackend {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.PostgresDSN)
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite", "":
		return store.NewSQLiteStore(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown db backend %q", cfg.DBBackend)
	}
}
