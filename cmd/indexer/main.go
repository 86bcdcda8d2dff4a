// Package main is the entry point for the cryptocurrency price indexer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/fd1az/price-indexer/business/indexer"
	"github.com/fd1az/price-indexer/internal/apm"
	"github.com/fd1az/price-indexer/internal/config"
	"github.com/fd1az/price-indexer/internal/health"
	"github.com/fd1az/price-indexer/internal/logger"
	"github.com/fd1az/price-indexer/internal/metrics"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	// Parse flags
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("price-indexer %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "received shutdown signal: %v\n", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// automaxprocs already sized GOMAXPROCS from the cgroup; an explicit
	// worker_threads setting overrides it.
	if cfg.Engine.WorkerThreads > 0 {
		runtime.GOMAXPROCS(cfg.Engine.WorkerThreads)
	}

	log := logger.New(os.Stderr, logger.ParseLevel(cfg.App.LogLevel), cfg.App.Name)
	log.Info(ctx, "starting price indexer",
		"version", version,
		"environment", cfg.App.Environment,
	)

	// Initialize observability if enabled
	var traceProvider apm.TraceProvider
	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.ServiceName != "" {
			os.Setenv("OTEL_SERVICE_NAME", cfg.Telemetry.ServiceName)
		}
		if cfg.Telemetry.OTLPEndpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
		}

		traceProvider = apm.NewTraceProvider(apm.ZipkinProvider, log)
		log.Info(ctx, "tracing initialized", "provider", "zipkin", "endpoint", cfg.Telemetry.OTLPEndpoint)

		if _, err := metrics.NewMetricProvider(ctx, metrics.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Prometheus:  true,
		}); err != nil {
			return fmt.Errorf("failed to init metrics: %w", err)
		}

		go func() {
			if err := metrics.ServePrometheusMetrics(cfg.Telemetry.PrometheusPort); err != nil {
				log.Warn(ctx, "prometheus metrics server stopped", "error", err)
			}
		}()
		log.Info(ctx, "prometheus metrics server started", "port", cfg.Telemetry.PrometheusPort)
	}
	defer func() {
		if traceProvider != nil {
			traceProvider.Stop()
		}
	}()

	healthServer := health.NewServer(cfg.Telemetry.HealthPort, version)

	// Build the worker graph first: wiring registers the session and
	// database checks, so the health server starts with them in place.
	runner := indexer.NewRunner(cfg, log)
	defer runner.Close()

	group, err := runner.Build(ctx, healthServer)
	if err != nil {
		return fmt.Errorf("failed to build indexer: %w", err)
	}

	if err := healthServer.Start(); err != nil {
		log.Warn(ctx, "failed to start health server", "error", err)
	} else {
		log.Info(ctx, "health server started", "port", cfg.Telemetry.HealthPort)
	}
	defer healthServer.Stop(ctx)

	err = group.Run(ctx)

	log.Info(ctx, "shutting down")
	return err
}
