// planexec orchestrator worker - drives plan execution over the configured
// queue and state store backends.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/planexec/pkg/completionconsumer"
	"github.com/codeready-toolchain/planexec/pkg/config"
	"github.com/codeready-toolchain/planexec/pkg/cost"
	"github.com/codeready-toolchain/planexec/pkg/dedupe"
	"github.com/codeready-toolchain/planexec/pkg/events"
	"github.com/codeready-toolchain/planexec/pkg/filelock"
	"github.com/codeready-toolchain/planexec/pkg/lock"
	"github.com/codeready-toolchain/planexec/pkg/planstore"
	"github.com/codeready-toolchain/planexec/pkg/policy"
	"github.com/codeready-toolchain/planexec/pkg/queue"
	"github.com/codeready-toolchain/planexec/pkg/rehydrate"
	"github.com/codeready-toolchain/planexec/pkg/scheduler"
	"github.com/codeready-toolchain/planexec/pkg/stepconsumer"
	"github.com/codeready-toolchain/planexec/pkg/toolagent"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	workspaceDir := flag.String("workspace-dir",
		getEnv("WORKSPACE_DIR", ""),
		"Shared workspace directory for session file locks (empty disables)")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	log.Printf("Starting planexec")
	log.Printf("Config Directory: %s", *configDir)

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Plan state store; the relational backend also carries the cross-worker
	// event bus over LISTEN/NOTIFY
	var store planstore.Store
	var pgStore *planstore.PostgresStore
	switch cfg.PlanStore.Backend {
	case "relational":
		pgStore, err = planstore.NewPostgresStore(ctx, cfg.PlanStore.Postgres)
		store = pgStore
	default:
		store, err = planstore.NewFileStore(cfg.PlanStore.FilePath)
	}
	if err != nil {
		log.Fatalf("Failed to open plan state store: %v", err)
	}
	defer func() { _ = store.Close() }()
	log.Printf("✓ Plan state store ready (%s)", cfg.PlanStore.Backend)

	// Dedupe service
	var claimer dedupe.Claimer
	if cfg.Dedupe.Backend == "shared" {
		claimer = dedupe.NewRedisClaimer(cfg.Dedupe.RedisAddr)
	} else {
		claimer = dedupe.NewMemoryClaimer()
	}
	defer func() { _ = claimer.Close() }()

	// Queue adapter
	telemetry := queue.NewInMemoryTelemetry()
	var adapter queue.Adapter
	switch cfg.Queue.Backend {
	case "log":
		adapter = queue.NewLogAdapter(cfg.Queue.Log, queue.LogAdapterOptions{
			Dedupe:    claimer,
			DedupeTTL: cfg.Dedupe.TTL,
			Telemetry: telemetry,
		})
	default:
		adapter, err = queue.NewBrokerAdapter(cfg.Queue.Broker, queue.BrokerAdapterOptions{
			Dedupe:    claimer,
			DedupeTTL: cfg.Dedupe.TTL,
			Telemetry: telemetry,
			Prefetch:  cfg.Queue.PrefetchCount,
		})
		if err != nil {
			log.Fatalf("Failed to connect to broker: %v", err)
		}
	}
	defer func() { _ = adapter.Close() }()
	log.Printf("✓ Queue adapter ready (%s)", cfg.Queue.Backend)

	// Distributed lock service
	var locker lock.Locker
	if cfg.Lock.Backend == "redis" {
		locker = lock.NewRedisLocker(cfg.Lock.RedisAddr)
	} else {
		locker = lock.NewMemoryLocker()
	}
	defer func() { _ = locker.Close() }()

	// Policy enforcer with optional decision cache
	var decisionCache policy.Cache
	if cfg.Policy.Cache.Enabled {
		ttl := time.Duration(cfg.Policy.Cache.TTLSeconds) * time.Second
		if cfg.Policy.Cache.Backend == "redis" {
			decisionCache = policy.NewRedisCache(cfg.Policy.Cache.RedisAddr, ttl)
		} else {
			decisionCache = policy.NewMemoryCache(ttl, cfg.Policy.Cache.MaxEntries)
		}
	}
	rules := make([]policy.CapabilityRule, 0, len(cfg.Policy.Rules))
	for _, r := range cfg.Policy.Rules {
		rules = append(rules, policy.CapabilityRule{
			Capability:      r.Capability,
			AnyRole:         r.AnyRole,
			AnyScope:        r.AnyScope,
			RequireApproval: r.RequireApproval,
		})
	}
	enforcer := policy.NewRuleEnforcer(rules, decisionCache)

	// Session file locks
	var fileLocks *filelock.SessionLockManager
	if *workspaceDir != "" {
		fileLocks, err = filelock.NewSessionLockManager(*workspaceDir)
		if err != nil {
			log.Fatalf("Failed to initialize session file locks: %v", err)
		}
		log.Printf("✓ Session file locks rooted at %s", *workspaceDir)
	}

	// Event bus: in-process by default, LISTEN/NOTIFY when a shared database
	// is available so every worker sees every plan event
	var bus events.Bus
	if pgStore != nil {
		bus = events.NewPostgresBus(pgStore.DB(), cfg.PlanStore.Postgres.DSN())
	} else {
		bus = events.NewInMemoryBus()
	}
	defer func() { _ = bus.Close() }()

	// Cost tracking
	tracker := cost.NewTracker(cost.DefaultPriceBook())

	manager := scheduler.NewManager(store, adapter, locker, enforcer, bus, fileLocks, scheduler.Options{
		LockTTL: cfg.Lock.TTL,
	})

	// Rehydrate in-flight state before the consumers start dispatching
	if err := rehydrate.Run(ctx, store, manager, adapter, bus); err != nil {
		log.Fatalf("Rehydration failed: %v", err)
	}
	log.Println("✓ Rehydration complete")

	// Tool agent: the in-process stub ships as the embedded default; a real
	// deployment swaps in its transport-backed client here.
	var agent toolagent.Client = toolagent.NewStubClient()

	stepCons := stepconsumer.New(store, adapter, agent, bus, tracker, stepconsumer.Config{
		MaxAttempts: cfg.Queue.RetryMaxAttempts,
		BaseBackoff: time.Duration(cfg.Queue.RetryBaseBackoffMs) * time.Millisecond,
	})
	if err := stepCons.Start(ctx); err != nil {
		log.Fatalf("Failed to start step consumer: %v", err)
	}

	complCons := completionconsumer.New(manager, adapter, cfg.Retention.ContentCapture.Enabled)
	if err := complCons.Start(ctx); err != nil {
		log.Fatalf("Failed to start completion consumer: %v", err)
	}
	log.Println("✓ Consumers started")

	sweeper := planstore.NewSweeper(&cfg.Retention, store)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	watcher := rehydrate.NewOrphanWatcher(store, adapter, bus, 2*time.Minute, 10*time.Minute)
	watcher.Start(ctx)
	defer watcher.Stop()

	log.Println("✓ planexec worker running")

	<-ctx.Done()
	slog.Info("Shutdown signal received, draining")
}
