// Package commands holds the spine CLI: one cobra group per resource,
// a serve command that runs the full platform, and a worker command
// that consumes external broker jobs.
package commands

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"

	"github.com/ryansmccoy/spine-core-sub006/alert"
	"github.com/ryansmccoy/spine-core-sub006/bus"
	"github.com/ryansmccoy/spine-core-sub006/core"
	"github.com/ryansmccoy/spine-core-sub006/dispatch"
	"github.com/ryansmccoy/spine-core-sub006/dlq"
	"github.com/ryansmccoy/spine-core-sub006/executor"
	"github.com/ryansmccoy/spine-core-sub006/ledger"
	"github.com/ryansmccoy/spine-core-sub006/locks"
	"github.com/ryansmccoy/spine-core-sub006/manifest"
	"github.com/ryansmccoy/spine-core-sub006/pkg/logger"
	"github.com/ryansmccoy/spine-core-sub006/profile"
	"github.com/ryansmccoy/spine-core-sub006/quality"
	"github.com/ryansmccoy/spine-core-sub006/resilience"
	rt "github.com/ryansmccoy/spine-core-sub006/runtime"
	"github.com/ryansmccoy/spine-core-sub006/scheduler"
	"github.com/ryansmccoy/spine-core-sub006/store"
	"github.com/ryansmccoy/spine-core-sub006/telemetry"
	"github.com/ryansmccoy/spine-core-sub006/workflow"
)

// LoadConfig resolves configuration: defaults, then the named profile
// (when given), then SPINE_* environment variables.
func LoadConfig(profileName string) (*core.Config, error) {
	cfg := core.DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if profileName != "" {
		p, err := profile.Load(cfg.ProfilesDir, profileName)
		if err != nil {
			return nil, err
		}
		p.Apply(cfg)
		// Environment keeps the last word over profile values.
		if err := cfg.LoadFromEnv(); err != nil {
			return nil, err
		}
	}
	cfg.Tier = cfg.InferTier()
	if err := cfg.Validate(); err != nil {
		return nil, core.Wrap(core.CategoryValidation, "invalid configuration", err)
	}
	return cfg, nil
}

// App is the assembled platform: every service the commands touch,
// built from one Config.
type App struct {
	Config     *core.Config
	Logger     core.Logger
	Conn       *store.Connection
	Schema     *store.Schema
	Bus        bus.Bus
	Registry   *executor.Registry
	Executor   executor.Executor
	Broker     executor.Broker
	Ledger     *ledger.Ledger
	DLQ        *dlq.Queue
	Locks      *locks.Manager
	Dispatcher *dispatch.Dispatcher
	Workflows  *workflow.Registry
	Steps      *workflow.StepStore
	Handlers   *workflow.HandlerRegistry
	Engine     *workflow.Engine
	Schedules  *scheduler.Repository
	Scheduler  *scheduler.Scheduler
	Alerts     *alert.Manager
	Quality    *quality.Recorder
	Rejects    *quality.Rejects
	Anomalies  *quality.Anomalies
	Manifests  *manifest.Tracker
	Runtime    *rt.Router
	Telemetry  *telemetry.Provider

	redis        *redis.Client
	nats         *nats.Conn
	teleShutdown func(context.Context) error
}

// NewApp wires the platform from config. The caller owns Close.
func NewApp(ctx context.Context, cfg *core.Config) (*App, error) {
	log := BuildLogger(cfg)

	tele, teleShutdown, err := telemetry.NewProvider(ctx, "spine", cfg.Metrics, cfg.Tracing, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:       cfg,
		Logger:       log,
		Telemetry:    tele,
		teleShutdown: teleShutdown,
	}

	a.Conn, err = store.Open(cfg.Database.URL, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Schema = store.NewSchema(a.Conn)

	if err := a.buildBus(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildExecutor(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Ledger = ledger.New(a.Conn, log)
	a.DLQ = dlq.New(a.Conn, log)
	a.Locks = locks.New(a.Conn, log)
	a.Dispatcher = dispatch.New(a.Ledger, a.Bus, a.Executor, a.DLQ, a.Locks, &dispatch.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		RetryPolicy: &resilience.RetryConfig{
			MaxAttempts:   cfg.Retry.MaxRetries + 1,
			InitialDelay:  cfg.Retry.InitialDelay,
			MaxDelay:      cfg.Retry.MaxDelay,
			BackoffFactor: cfg.Retry.Factor,
			JitterEnabled: cfg.Retry.Jitter,
		},
		Logger:    log,
		Telemetry: tele,
	})

	a.Workflows = workflow.NewRegistry(a.Conn, log)
	a.Steps = workflow.NewStepStore(a.Conn, log)
	a.Handlers = workflow.NewHandlerRegistry()
	engineCfg := workflow.DefaultEngineConfig()
	engineCfg.MaxParallel = cfg.Worker.MaxConcurrency
	engineCfg.Logger = log
	engineCfg.Telemetry = tele
	a.Engine = workflow.NewEngine(a.Workflows, a.Handlers, a.Steps, a.Bus, a.Ledger, &engineCfg)
	a.Engine.SetRunner(a.Dispatcher)
	a.Dispatcher.SetWorkflowRunner(a.Engine)

	a.Schedules = scheduler.NewRepository(a.Conn, log)
	if cfg.Scheduler.Backend == "database" {
		schedCfg := scheduler.DefaultConfig()
		schedCfg.TickInterval = cfg.Scheduler.TickInterval
		schedCfg.BatchSize = cfg.Scheduler.BatchSize
		schedCfg.LeaderTTL = cfg.Scheduler.LeaderTTL
		schedCfg.Logger = log
		schedCfg.Telemetry = tele
		a.Scheduler = scheduler.New(a.Schedules, a.Locks, a.Dispatcher, &schedCfg)
	}

	a.Alerts = alert.NewManager(a.Conn, &alert.Config{Logger: log, Telemetry: tele})
	a.Quality = quality.NewRecorder(a.Conn, log)
	a.Rejects = quality.NewRejects(a.Conn, log)
	a.Anomalies = quality.NewAnomalies(a.Conn, log)
	a.Manifests = manifest.New(a.Conn, log, nil)

	a.Runtime = buildRuntime(a.Registry, log)
	if err := registerContainerOperation(a.Registry, a.Runtime); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// BuildLogger picks the logger for a config: text format gets the
// stderr logger, json gets zap. A zap build failure falls back rather
// than aborting startup.
func BuildLogger(cfg *core.Config) core.Logger {
	if cfg.Logging.Format == "text" {
		return logger.NewSimpleLogger(cfg.Logging.Level)
	}
	zl, err := logger.NewZapLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return logger.NewSimpleLogger(cfg.Logging.Level)
	}
	return zl
}

func (a *App) buildBus() error {
	switch a.Config.Cache.Backend {
	case "redis":
		client, err := a.redisClient()
		if err != nil {
			return err
		}
		a.Bus = bus.NewRedisBus(client, "spine", a.Logger)
	default:
		a.Bus = bus.NewInProcessBus(a.Logger, bus.WithTelemetry(a.Telemetry))
	}
	return nil
}

func (a *App) buildExecutor(ctx context.Context) error {
	a.Registry = executor.NewRegistry(a.Logger)
	execCfg := executor.Config{
		MaxWorkers:     a.Config.Worker.MaxWorkers,
		MaxConcurrency: int64(a.Config.Worker.MaxConcurrency),
		ResultCapacity: a.Config.Worker.ResultCapacity,
		Logger:         a.Logger,
	}

	switch a.Config.Worker.Backend {
	case "memory":
		a.Executor = executor.NewMemory(a.Registry, execCfg)
	case "local":
		a.Executor = executor.NewLocal(a.Registry, execCfg)
	case "asynclocal":
		a.Executor = executor.NewAsyncLocal(a.Registry, execCfg)
	case "redis":
		client, err := a.redisClient()
		if err != nil {
			return err
		}
		brokerCfg := executor.DefaultRedisBrokerConfig()
		brokerCfg.Logger = a.Logger
		a.Broker = executor.NewRedisBroker(client, &brokerCfg)
		a.Executor = executor.NewExternal(a.Broker, execCfg)
	case "nats":
		nc, err := nats.Connect(a.Config.NATSURL)
		if err != nil {
			return core.Wrap(core.CategoryUnavailable, "failed to connect to NATS", err)
		}
		a.nats = nc
		brokerCfg := executor.DefaultNATSBrokerConfig()
		brokerCfg.Logger = a.Logger
		broker, err := executor.NewNATSBroker(ctx, nc, &brokerCfg)
		if err != nil {
			return err
		}
		a.Broker = broker
		a.Executor = executor.NewExternal(a.Broker, execCfg)
	default:
		return core.Errorf(core.CategoryValidation, "unknown worker backend %q", a.Config.Worker.Backend)
	}
	return nil
}

func (a *App) redisClient() (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	opts, err := redis.ParseURL(a.Config.RedisURL)
	if err != nil {
		return nil, core.Wrap(core.CategoryValidation, fmt.Sprintf("invalid redis url %q", a.Config.RedisURL), err)
	}
	a.redis = redis.NewClient(opts)
	return a.redis, nil
}

// RedisCheck returns a readiness probe for the shared Redis client,
// nil when Redis is not in the backend set.
func (a *App) RedisCheck() func(context.Context) error {
	if a.redis == nil {
		return nil
	}
	client := a.redis
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// Close tears the platform down in dependency order.
func (a *App) Close() {
	ctx := context.Background()
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Dispatcher != nil {
		_ = a.Dispatcher.Close()
	}
	if a.Executor != nil {
		_ = a.Executor.Close()
	}
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.Conn != nil {
		_ = a.Conn.Close()
	}
	if a.teleShutdown != nil {
		_ = a.teleShutdown(ctx)
	}
}
