// Package main is the entry point for the stageflow server.
// It wires all dependencies together, starts the sweep schedules and serves
// the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/config"
	"github.com/pitabwire/stageflow/internal/definition"
	"github.com/pitabwire/stageflow/internal/eventstore"
	"github.com/pitabwire/stageflow/internal/idempotency"
	"github.com/pitabwire/stageflow/internal/identity"
	"github.com/pitabwire/stageflow/internal/notify"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/internal/transport"
	"github.com/pitabwire/stageflow/internal/workflow"
	"github.com/pitabwire/stageflow/internal/workitem"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "stageflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Open the event store and the work item source.
	backend, err := openBackend(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer backend.close()
	events := eventstore.WithRecorder(backend.events, metrics)

	// Step 5: Load definitions, validate, build registry.
	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	validator := definition.NewValidator(cfg.Workflow.InitialStage)
	if verrs := validator.ValidateDefinitions(defs); len(verrs) > 0 {
		logValidation(logger, verrs)
		return 1
	}
	registry := definition.NewRegistry(defs)
	if verrs := validator.ValidateAll(registry.Snapshot()); len(verrs) > 0 {
		logValidation(logger, verrs)
		return 1
	}

	// Step 6: Identity resolution with a role cache.
	directory, err := identity.NewStaticDirectory(cfg.Identity.DirectoryFile)
	if err != nil {
		logger.Error("identity directory load failed", zap.Error(err))
		return 1
	}
	resolver := identity.NewCachedResolver(directory, cfg.Identity.CacheTTL, metrics)

	// Step 7: Notification dispatch.
	sink, err := buildSink(cfg.Notifications, backend.redis, logger)
	if err != nil {
		logger.Error("notification sink initialization failed", zap.Error(err))
		return 1
	}
	dispatcher := notify.NewDispatcher(sink, cfg.Notifications,
		notify.WithRecorder(metrics),
		notify.WithLogger(logger.Named("notify")),
	)
	dispatcher.Start()

	// Step 8: Workflow engine and configuration store.
	engine := workflow.NewEngine(registry, events, backend.items,
		workflow.WithLogger(logger.Named("workflow")),
		workflow.WithNotifier(dispatcher),
		workflow.WithRecorder(metrics),
		workflow.WithEscalationPolicy(escalationPolicy(cfg.SLA)),
		workflow.WithInitialStage(cfg.Workflow.InitialStage),
		workflow.WithSnapshotInterval(cfg.Workflow.SnapshotInterval),
		workflow.WithSystemActor(cfg.Workflow.SystemActorID),
		workflow.WithSweepWorkers(cfg.Workflow.Scheduler.Workers),
		workflow.WithLockStripes(cfg.Workflow.LockStripes),
	)
	defStore := definition.NewStore(registry, validator, events, engine, logger.Named("definitions"))
	if cfg.Definitions.Restore {
		if err := defStore.Restore(ctx); err != nil {
			logger.Error("configuration restore failed", zap.Error(err))
			return 1
		}
	}
	metrics.SetDefinitionsVersion(registry.Snapshot().Version())

	// Step 9: Build HTTP router.
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(registry.Snapshot().Scopes()) > 0 },
		EventStore:        backend.health,
		Notifications:     dispatcher,
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Engine:      engine,
		Registry:    registry,
		Definitions: defStore,
		WorkItems:   backend.items,
		Resolver:    resolver,
		Metrics:     metrics,
		Readiness:   readiness,
		Idempotency: idempotencyStore(backend.redis),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start the sweep schedules.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	var scheduler *cron.Cron
	if cfg.Workflow.Scheduler.Enabled {
		scheduler, err = startScheduler(bgCtx, cfg.Workflow.Scheduler, engine, logger)
		if err != nil {
			logger.Error("scheduler initialization failed", zap.Error(err))
			return 1
		}
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("notifications", sink.Name()),
		zap.Int64("definitions_version", registry.Snapshot().Version()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exit = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Let a running sweep finish, then cancel background work.
	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			logger.Warn("sweep still running at shutdown deadline")
		}
	}
	bgCancel()

	// Deliver queued notifications.
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("notifications dropped at shutdown", zap.Error(err))
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exit
}

// backend bundles the persistence chosen by store.driver.
type backend struct {
	events eventstore.EventStore
	items  workitem.Repository
	health observability.HealthChecker
	redis  *redis.Client
	close  func()
}

// openBackend connects the event store and work item repository.
func openBackend(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*backend, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory event store")
		return &backend{
			events: eventstore.NewMemoryStore(),
			items:  workitem.NewMemoryRepository(),
			close:  func() {},
		}, nil

	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("event store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("event store: parse DSN: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("event store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("event store: ping: %w", err)
		}

		events := eventstore.NewPgStore(pool)
		items := workitem.NewPgRepository(pool)
		if cfg.Migrate {
			if err := events.Migrate(ctx); err != nil {
				pool.Close()
				return nil, fmt.Errorf("event store: migrate: %w", err)
			}
			if err := items.Migrate(ctx); err != nil {
				pool.Close()
				return nil, fmt.Errorf("work items: migrate: %w", err)
			}
		}
		return &backend{events: events, items: items, health: events, close: pool.Close}, nil

	case config.DriverRedis:
		client, err := openRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		events := eventstore.NewRedisStore(client, cfg.RedisPrefix)
		logger.Warn("redis store keeps work items in memory; register them through the API after each restart")
		return &backend{
			events: events,
			items:  workitem.NewMemoryRepository(),
			health: events,
			redis:  client,
			close:  func() { client.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

func openRedis(ctx context.Context, cfg config.StoreConfig) (*redis.Client, error) {
	addr := os.Getenv(cfg.RedisAddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("redis: %s environment variable not set", cfg.RedisAddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.RedisDB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}

// buildSink creates the notification sink named by notifications.driver.
// The redis sink reuses the store's client when there is one.
func buildSink(cfg config.NotificationsConfig, client *redis.Client, logger *zap.Logger) (notify.Sink, error) {
	switch cfg.Driver {
	case config.NotifyLog, "":
		return notify.NewLogSink(logger.Named("notifications")), nil
	case config.NotifyWebhook:
		return notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookTimeout), nil
	case config.NotifyRedis:
		if client == nil {
			return nil, fmt.Errorf("notifications: the redis driver requires store.driver %q", config.DriverRedis)
		}
		return notify.NewRedisSink(client, cfg.RedisChannel), nil
	default:
		return nil, fmt.Errorf("unsupported notifications driver: %q", cfg.Driver)
	}
}

// escalationPolicy converts the configured tiers. No tiers keeps the
// default warning at 80% of the SLA.
// idempotencyStore shares replay entries through redis when the backend has
// a client, so retries landing on another replica still replay.
func idempotencyStore(client *redis.Client) idempotency.Store {
	if client != nil {
		return idempotency.NewRedisStore(client)
	}
	return idempotency.NewMemoryStore(10 * time.Minute)
}

func escalationPolicy(cfg config.SLAConfig) workflow.EscalationPolicy {
	if len(cfg.Tiers) == 0 {
		return workflow.DefaultEscalationPolicy()
	}
	tiers := make([]workflow.EscalationTier, 0, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		tiers = append(tiers, workflow.EscalationTier{
			MinPriorityScore:  t.MinPriorityScore,
			ThresholdHours:    t.ThresholdHours,
			ThresholdFraction: t.ThresholdFraction,
			NotifyRoles:       t.NotifyRoles,
		})
	}
	return workflow.EscalationPolicy{Tiers: tiers}
}

// startScheduler registers the auto-transition and SLA sweeps. Overlapping
// runs of the same sweep are skipped.
func startScheduler(ctx context.Context, cfg config.SchedulerConfig, engine *workflow.Engine, logger *zap.Logger) (*cron.Cron, error) {
	cronLog := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	if _, err := c.AddFunc(cfg.AutoTransitionSchedule, func() {
		if _, err := engine.ProcessAutoTransitions(ctx); err != nil {
			logger.Error("auto-transition sweep failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("auto_transition_schedule: %w", err)
	}

	if _, err := c.AddFunc(cfg.SLASchedule, func() {
		if _, err := engine.ProcessSLANotifications(ctx); err != nil {
			logger.Error("sla sweep failed", zap.Error(err))
		}
		// Refreshes the violations gauge.
		if _, err := engine.GetViolations(ctx, nil); err != nil {
			logger.Error("sla violation scan failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("sla_schedule: %w", err)
	}

	c.Start()
	logger.Info("sweep schedules started",
		zap.String("auto_transitions", cfg.AutoTransitionSchedule),
		zap.String("sla", cfg.SLASchedule),
		zap.Int("workers", cfg.Workers),
	)
	return c, nil
}

func logValidation(logger *zap.Logger, verrs []definition.VError) {
	for _, ve := range verrs {
		logger.Error("definition validation error",
			zap.String("path", ve.Path),
			zap.String("code", ve.Code),
			zap.String("message", ve.Message),
		)
	}
	logger.Error("definition validation failed", zap.Int("errors", len(verrs)))
}
