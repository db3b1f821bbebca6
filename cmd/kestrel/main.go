// Kestrel - two-tier fraud scoring for real-time payments.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoding"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/observability"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default $KESTREL_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"worker", cfg.Worker.Enabled,
		"tracing", cfg.Tracing.Enabled,
	)

	if err := run(cfg); err != nil {
		slog.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

func run(cfg *domain.Config) error {
	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Tracing and metrics
	shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracer(flushCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()
	metrics := observability.NewMetrics()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	checks := map[string]api.Pinger{"repository": repo}
	historyOpts := []history.Option{history.WithMetrics(metrics)}

	// Initialize Cache
	if cache.Enabled(cfg.Cache) {
		cacheImpl, err := cache.New(cfg.Cache)
		if err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}
		defer cacheImpl.Close()
		checks["cache"] = cacheImpl
		historyOpts = append(historyOpts, history.WithCache(cacheImpl))
		slog.Info("cache initialized", "type", cfg.Cache.Type)
	}

	// Initialize EventBus
	var busImpl domain.EventBus
	if bus.Enabled(cfg.EventBus) {
		busImpl, err = bus.New(cfg.EventBus)
		if err != nil {
			return fmt.Errorf("failed to initialize event bus: %w", err)
		}
		defer busImpl.Close()
		checks["eventbus"] = busImpl
		slog.Info("event bus initialized", "type", cfg.EventBus.Type)
	}

	// History lookup
	if cfg.History.BloomEnabled {
		historyOpts = append(historyOpts, history.WithKnownCustomers(
			history.NewKnownCustomers(cfg.History.BloomExpectedItems, cfg.History.BloomFalsePositive),
		))
	}
	historySvc := history.NewService(repo, cfg.History, historyOpts...)
	go historySvc.Run(ctx)
	if busImpl != nil {
		importSub, err := historySvc.Follow(ctx, busImpl)
		if err != nil {
			return fmt.Errorf("failed to follow history imports: %w", err)
		}
		defer importSub.Unsubscribe()
	}
	slog.Info("history lookup initialized",
		"timeout", cfg.History.LookupTimeout.String(),
		"bloom", cfg.History.BloomEnabled,
	)

	// Rule engine
	ruleEngine, err := rules.NewEngine(cfg.Rules)
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	slog.Info("rule engine initialized",
		"rules_count", ruleEngine.RulesCount(),
		"app_amount_threshold", cfg.Rules.APPAmount,
		"ato_failed_login_threshold", cfg.Rules.ATOFailedLogin,
	)

	// Model artifacts
	models, err := loadModels(cfg)
	if err != nil {
		return err
	}

	var engineOpts []scoring.Option
	engineOpts = append(engineOpts, scoring.WithMetrics(metrics), scoring.WithVersion("kestrel-"+Version))
	if cfg.Repository.SaveVerdicts {
		engineOpts = append(engineOpts, scoring.WithVerdictSink(repo))
	}
	if busImpl != nil {
		engineOpts = append(engineOpts, scoring.WithEventBus(busImpl))
	}

	engine, err := scoring.NewEngine(historySvc, ruleEngine, models, engineOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize decision engine: %w", err)
	}

	// Async worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		if busImpl == nil {
			return fmt.Errorf("worker.enabled requires an event bus")
		}
		asyncWorker = worker.NewWorker(busImpl, engine, metrics)
		if err := asyncWorker.Start(worker.Config{Concurrency: cfg.Worker.Concurrency}); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Dependencies{
		Scorer:   engine,
		Verdicts: repo,
		Rules:    ruleEngine,
		Metrics:  metrics,
		Checks:   checks,
		Version:  Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	// Wait for shutdown signal
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}
	slog.Info("shutting down...")

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
	return serveErr
}

// loadModels reads the encoder and classifier artifacts. Both are loaded
// once; a failure here keeps the service from starting.
func loadModels(cfg *domain.Config) (scoring.Models, error) {
	table, err := encoding.Load(cfg.Encoding.Path, encoding.Options{
		Policy:     cfg.Encoding.UnseenPolicy,
		UnseenCode: cfg.Encoding.UnseenCode,
	})
	if err != nil {
		return scoring.Models{}, fmt.Errorf("failed to load encoders: %w", err)
	}

	ensemble, err := model.Load(cfg.Model.Path)
	if err != nil {
		return scoring.Models{}, fmt.Errorf("failed to load model: %w", err)
	}

	slog.Info("model artifacts loaded",
		"encoders", table.Fields(),
		"num_class", ensemble.NumClass(),
		"unseen_policy", string(cfg.Encoding.UnseenPolicy),
	)

	return scoring.Models{
		Classifier: model.NewBounded(ensemble, cfg.Model.MaxConcurrency),
		Encoder:    table,
		FraudTypes: ensemble.FraudTypes(),
	}, nil
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL  two-tier fraud scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /predict            - Score a transaction")
	fmt.Println("    GET  /verdicts/{id}      - Get a saved verdict")
	fmt.Println("    GET  /rules              - List rules and thresholds")
	fmt.Println("    PUT  /rules/thresholds   - Update rule thresholds")
	fmt.Println("    GET  /health             - Health check")
	fmt.Println("    GET  /ready              - Readiness check")
	fmt.Println("    GET  /metrics            - Prometheus metrics")
	fmt.Println()
}
