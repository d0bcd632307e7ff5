// Kestrel - Real-time tourist safety monitoring.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensafety/kestrel/internal/alert"
	"github.com/opensafety/kestrel/internal/api"
	"github.com/opensafety/kestrel/internal/cache"
	"github.com/opensafety/kestrel/internal/domain"
	"github.com/opensafety/kestrel/internal/evaluator"
	"github.com/opensafety/kestrel/internal/fanout"
	"github.com/opensafety/kestrel/internal/membership"
	"github.com/opensafety/kestrel/internal/repository"
	"github.com/opensafety/kestrel/internal/responder"
	"github.com/opensafety/kestrel/internal/rules"
	"github.com/opensafety/kestrel/internal/scheduler"
	"github.com/opensafety/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"fanout", cfg.Fanout.Type,
	)

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

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize Event Fanout
	hub, err := fanout.New(cfg.Fanout)
	if err != nil {
		slog.Error("failed to initialize event fanout", "error", err)
		os.Exit(1)
	}
	defer hub.Close()
	slog.Info("event fanout initialized", "type", cfg.Fanout.Type)

	// Initialize Alert Lifecycle, resuming the ID sequence past any
	// persisted alerts
	lifecycle := alert.NewLifecycle(repo, responder.NewDirectory(repo), hub, cfg.Monitor)
	maxID, err := repo.MaxAlertID(ctx)
	if err != nil {
		slog.Error("failed to read max alert id", "error", err)
		os.Exit(1)
	}
	lifecycle.ResumeFrom(maxID)
	slog.Info("alert lifecycle initialized", "resumed_from", maxID)

	// Initialize Rule Engine
	engine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Initialize Evaluator
	eval := evaluator.New(repo, repo, cacheImpl, membership.NewTracker(), lifecycle, nil, engine, hub, cfg.Monitor)

	// Initialize periodic sweeps
	sched := scheduler.New(repo, repo, repo, cacheImpl, hub, cfg.Monitor)
	sched.Start(ctx)
	defer sched.Stop()
	slog.Info("scheduler started",
		"score_sweep", cfg.Monitor.ScoreSweepInterval,
		"zone_sweep", cfg.Monitor.ZoneSweepInterval,
	)

	// Initialize async ingestion worker (Pro tier)
	async := cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true"
	var asyncWorker *worker.Worker
	if async {
		asyncWorker = worker.NewWorker(hub, eval)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
			os.Exit(1)
		}
		slog.Info("async ingestion worker started")
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, hub, lifecycle, eval, engine, cfg.Monitor, Version, async)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop ingestion first so no fixes arrive mid-teardown
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// applyEnvOverrides layers KESTREL_* environment settings over the tier
// defaults.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Repository.PostgresPort = port
		}
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.Fanout.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_NATS_TOKEN"); v != "" {
		cfg.Fanout.NATSToken = v
	}
	if v := os.Getenv("KESTREL_SCORE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.ScoreSweepInterval = d
		}
	}
	if v := os.Getenv("KESTREL_ZONE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.ZoneSweepInterval = d
		}
	}
	if v := os.Getenv("KESTREL_INACTIVITY_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.InactivityThreshold = d
		}
	}
}

// loadRulesFromDatabase loads anomaly rules from the database into the
// engine. KESTREL_SEED_RULES=true seeds the builtin set into an empty
// database first; otherwise rules are configured via POST /rules.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) == 0 && os.Getenv("KESTREL_SEED_RULES") == "true" {
		for _, r := range rules.BuiltinRules() {
			if err := repo.SaveRuleConfig(ctx, r); err != nil {
				return fmt.Errorf("seed rule %s: %w", r.ID, err)
			}
			dbRules = append(dbRules, r)
		}
		slog.Info("seeded builtin rules", "count", len(dbRules))
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  Kestrel - Tourist Safety Monitoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /locations            - Ingest a location fix")
	fmt.Println("    POST /sos                  - Trigger an SOS alert")
	fmt.Println("    POST /pre-alerts           - Raise a pre-alert")
	fmt.Println("    GET  /alerts               - List alerts")
	fmt.Println("    PUT  /alerts/{id}/status   - Transition an alert")
	fmt.Println("    POST /zones                - Declare a danger zone")
	fmt.Println("    POST /tourists             - Register a tourist")
	fmt.Println("    POST /rules                - Create an anomaly rule")
	fmt.Println("    POST /rules/reload         - Hot-reload rules from database")
	fmt.Println("    GET  /events               - Live event stream (websocket)")
	fmt.Println("    GET  /health               - Health check")
	fmt.Println()
}
