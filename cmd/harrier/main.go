// Harrier - real-time transaction risk scoring and alerting.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/harrier/internal/alerts"
	"github.com/opensource-finance/harrier/internal/anomaly"
	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/detector"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/features"
	"github.com/opensource-finance/harrier/internal/hub"
	"github.com/opensource-finance/harrier/internal/logging"
	"github.com/opensource-finance/harrier/internal/pipeline"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/tracing"
	"github.com/opensource-finance/harrier/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	exportModel := flag.String("export-model", "", "write the frozen anomaly model to this path and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("harrier %s (%s, %s)\n", Version, Commit, BuildDate)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if *exportModel != "" {
		if err := writeModel(cfg.Model, *exportModel, logger); err != nil {
			slog.Error("failed to export model", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("harrier stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *domain.Config, logger *slog.Logger) error {
	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"deployment", cfg.Deployment,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	checks := make(map[string]api.Pinger)

	// Repository (optional)
	var repo *repository.SQLRepository
	if cfg.Repository.Driver != "none" {
		var err error
		repo, err = repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		defer repo.Close()
		checks["repository"] = repo
		slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	} else {
		slog.Warn("running without a repository, scored transactions are not persisted")
	}

	// Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	checks["cache"] = cacheImpl
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	// EventBus
	busImpl, err := bus.New(cfg.EventBus, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	checks["eventbus"] = busImpl
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Profiles rebuild from stored history when evicted from the cache.
	var history domain.TransactionHistory
	if repo != nil {
		history = repo
	}
	profiles := features.NewProfileStore(cacheImpl, history, cfg.Profile, logger)
	extractor := features.NewExtractor(cfg.Profile.VelocityWindow, cfg.Rules.HighRiskCountries)

	engine, err := rules.NewEngine(cfg.Rules.HighRiskCountries, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", len(engine.Rules()))

	scorer, err := anomaly.NewScorerFromConfig(cfg.Model, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize anomaly scorer: %w", err)
	}

	external := newExternalDetector(cfg.Detector, scorer, logger)

	// Alerts live with transactions when a repository is configured.
	var alertStore domain.AlertStore = alerts.NewMemoryStore()
	if repo != nil {
		alertStore = repo
	}
	alertManager := alerts.NewManager(alertStore, busImpl, logger)

	deps := pipeline.Deps{
		Profiles:  profiles,
		Extractor: extractor,
		Rules:     engine,
		Anomaly:   scorer,
		External:  external,
		MaxAmount: cfg.Rules.MaxAmount,
		Alerts:    alertManager,
		Bus:       busImpl,
		Logger:    logger,
	}
	if repo != nil {
		deps.Store = repo
	}
	scoring, err := pipeline.New(deps)
	if err != nil {
		return err
	}

	// Broadcast hub, fed from the bus so every node sees every event.
	broadcast := hub.NewHub(cfg.Hub, logger)
	broadcast.SetStatsProvider(func() any { return scoring.Stats() })
	bridge := hub.NewBridge(broadcast, busImpl)
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub bridge: %w", err)
	}
	defer bridge.Stop()
	go broadcast.Run(ctx)

	// Async ingestion
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, scoring, logger)
		if err := asyncWorker.Start(); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		slog.Info("async worker started")
	}

	apiDeps := api.Deps{
		Pipeline: scoring,
		Alerts:   alertManager,
		Engine:   engine,
		Profiles: profiles,
		Hub:      broadcast,
		Bus:      busImpl,
		Checks:   checks,
		Version:  Version,
		Logger:   logger,
	}
	if repo != nil {
		apiDeps.Transactions = repo
	}
	// /ingest answers 503 without a worker to consume the queue.
	if asyncWorker != nil {
		apiDeps.Worker = asyncWorker
	}
	srv := api.NewServer(cfg.Server, apiDeps)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model_version", scorer.Version(),
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	select {
	case <-broadcast.Done():
	case <-shutdownCtx.Done():
		slog.Warn("hub did not close all connections in time")
	}

	slog.Info("harrier shutdown complete")
	return nil
}

// newExternalDetector wraps the remote service, when configured, with the
// z-score fallback over the model's reference statistics.
func newExternalDetector(cfg domain.DetectorConfig, scorer *anomaly.Scorer, logger *slog.Logger) detector.Detector {
	local := detector.NewZScoreDetector(scorer.Reference())

	var remote detector.Detector
	if cfg.Endpoint != "" {
		remote = detector.NewRemoteDetector(cfg, nil)
		slog.Info("external detector configured", "endpoint", cfg.Endpoint, "timeout", cfg.Timeout)
	} else {
		slog.Info("no external detector configured, using local z-score")
	}

	return detector.NewFallbackDetector(remote, local, cfg.Timeout, logger)
}

func writeModel(cfg domain.ModelConfig, path string, logger *slog.Logger) error {
	scorer, err := anomaly.NewScorerFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	if err := scorer.Model().Save(path); err != nil {
		return err
	}
	slog.Info("anomaly model exported", "path", path, "version", scorer.Version())
	return nil
}
