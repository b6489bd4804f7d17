package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/quenya/palantir/internal/cloudauth"
	"github.com/quenya/palantir/internal/config"
	"github.com/quenya/palantir/internal/dispatch"
	"github.com/quenya/palantir/internal/pipeline"
	"github.com/quenya/palantir/internal/route"
	"github.com/quenya/palantir/internal/server"
	"github.com/quenya/palantir/internal/session"
	"github.com/quenya/palantir/internal/storage/sqlite"
	"github.com/quenya/palantir/internal/telemetry"
	"github.com/quenya/palantir/internal/tokencount"
	"github.com/quenya/palantir/internal/worker"
)

const dnsRefreshEvery = 5 * time.Minute

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	logger := slog.Default()
	logger.Info("starting palantir", "version", version, "addr", cfg.Server.Addr())

	// Materialize the routing table
	table, err := route.Build(cfg)
	if err != nil {
		return err
	}

	// Session coordinator
	mode, err := session.ParseMode(cfg.Session.Mode)
	if err != nil {
		return err
	}
	coord := session.New(mode, logger)

	// Telemetry
	ctx := context.Background()
	var metrics *telemetry.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Telemetry.Metrics.Enabled || cfg.Debug.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		gatherer = reg
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer shutdown(context.Background()) //nolint:errcheck
	}

	// Dispatch with cached DNS; the resolver is refreshed in the background.
	resolver := &dnscache.Resolver{}
	disp := dispatch.New(resolver, logger)
	if err := wireProviderClients(ctx, disp, resolver, cfg); err != nil {
		return err
	}

	pipe := pipeline.New(table, disp, metrics, logger)

	// Background workers
	workers := []worker.Worker{
		worker.NewSessionGC(coord, cfg.Session.IdleTTL),
		dnsRefresher{resolver: resolver},
	}
	if metrics != nil {
		disp.SetOutcomeCounter(func(provider, outcome string) {
			metrics.UpstreamOutcomes.WithLabelValues(provider, outcome).Inc()
		})
		workers = append(workers, worker.NewGaugeSampler(table, coord, metrics))
	}
	deps := server.Deps{
		Pipeline:     pipe,
		Sessions:     coord,
		TokenCounter: tokencount.NewCounter(),
		Metrics:      metrics,
		Gatherer:     gatherer,
	}
	if cfg.Debug.SampleDB != "" {
		store, err := sqlite.New(cfg.Debug.SampleDB)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder := worker.NewSampleRecorder(store)
		disp.SetSampleRecorder(recorder.Record)
		workers = append(workers, recorder)
		deps.ReadyCheck = store.Ping
	}

	handler := server.New(deps)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- worker.NewRunner(workers...).Run(workerCtx)
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("palantir ready", "addr", cfg.Server.Addr(), "routes", len(table.Routes()))

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		stopWorkers()
		<-workerDone
		return err
	}

	// Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		stopWorkers()
		return err
	}
	stopWorkers()
	<-workerDone

	logger.Info("palantir stopped")
	return nil
}

// setupLogging installs the default slog handler at the configured level.
func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if cfg.Debug.Enabled {
		level = slog.LevelDebug
	}
	switch cfg.Debug.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// wireProviderClients installs per-provider HTTP clients for providers whose
// authentication happens at the transport instead of a header key.
func wireProviderClients(ctx context.Context, disp *dispatch.Dispatcher, resolver *dnscache.Resolver, cfg *config.Config) error {
	for name, p := range cfg.Providers {
		switch p.Authentication.Type {
		case "aws_sso":
			region := p.Settings["region"]
			if region == "" {
				region = "us-east-1"
			}
			rt, err := cloudauth.NewCodeWhispererTransport(ctx, dispatch.NewTransport(resolver, false), region)
			if err != nil {
				return err
			}
			disp.SetClient(name, &http.Client{Transport: rt})
		case "gcp_oauth":
			rt, err := cloudauth.NewGCPOAuthTransport(ctx, dispatch.NewTransport(resolver, false))
			if err != nil {
				return err
			}
			disp.SetClient(name, &http.Client{Transport: rt})
		}
	}
	return nil
}

// dnsRefresher keeps the shared dnscache resolver warm.
type dnsRefresher struct {
	resolver *dnscache.Resolver
}

func (d dnsRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(dnsRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.resolver.Refresh(true)
		case <-ctx.Done():
			return nil
		}
	}
}
