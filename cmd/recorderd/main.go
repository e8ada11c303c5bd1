// Command recorderd runs the flight recorder's HTTP API: run lifecycle,
// event ingestion, artifact registration, and replay session management.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/flightrecorder/core/internal/artifacts"
	"github.com/flightrecorder/core/internal/artifactstore"
	"github.com/flightrecorder/core/internal/config"
	"github.com/flightrecorder/core/internal/httpapi"
	"github.com/flightrecorder/core/internal/ingest"
	"github.com/flightrecorder/core/internal/jobqueue"
	"github.com/flightrecorder/core/internal/logging"
	"github.com/flightrecorder/core/internal/query"
	"github.com/flightrecorder/core/internal/redact"
	"github.com/flightrecorder/core/internal/replay"
	"github.com/flightrecorder/core/internal/store"
	"github.com/flightrecorder/core/internal/telemetry"
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

	blobs, err := artifactstore.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build artifact store: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	_, shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Exporter:    cfg.OTelExporter,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "recorderd",
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer shutdownTracing(context.Background()) //nolint:errcheck

	redactionEngine := redact.NewDefault(cfg.RedactionDenylist, cfg.RedactionAllowlist)

	ingestSvc := ingest.New(st, metrics)
	querySvc := query.New(st)
	artifactSvc := artifacts.New(st, blobs, redactionEngine, cfg.RedactionBlockOnFailure, cfg.ArtifactBucket, metrics)
	replaySvc := replay.New(st)
	jobs := jobqueue.New(st)

	api := httpapi.NewAPI(ingestSvc, querySvc, artifactSvc, replaySvc, jobs)
	router := httpapi.NewRouter(api, log, httpapi.RouterConfig{
		AuthEnabled:     cfg.AuthEnabled,
		AuthToken:       cfg.AuthToken,
		MetricsEnabled:  cfg.MetricsEnabled,
		MetricsRegistry: registry,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}

	return nil
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
