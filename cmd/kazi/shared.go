package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/dispatch"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/pool"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/session"
	"github.com/jkaninda/kazi/internal/storage"
	pgstore "github.com/jkaninda/kazi/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/kazi/internal/storage/sqlite"
	"github.com/jkaninda/kazi/internal/tools"
	"github.com/jkaninda/kazi/internal/tools/browser"
	"github.com/jkaninda/kazi/internal/tools/code"
	"github.com/jkaninda/kazi/internal/tools/file"
	"github.com/jkaninda/kazi/internal/unit"
	"github.com/jkaninda/kazi/internal/workspace"
)

// SharedComponents holds all initialized subsystems the server requires.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store // Unified store (SQLite or PostgreSQL).

	Obs      *observability.Observability
	Backend  sandbox.Backend
	Pool     *pool.Manager
	Sweeper  *pool.Sweeper
	Sessions *session.Manager
	Reaper   *session.Reaper
	ToolReg  *tools.Registry
	Limiter  *ratelimit.Limiter
	Coord    *dispatch.Coordinator
	Loop     *agent.Loop // nil = planner disabled, direct dispatch only.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization for server mode.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing workspace directories: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	var metrics *observability.MetricsCollector
	if obs != nil {
		metrics = obs.Metrics
	}

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	// Run migrations.
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Health checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("database", store.Ping)
	}

	// Environment backend.
	backend, err := initBackend(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing environment backend: %w", err)
	}
	if obs != nil {
		backend = observability.NewInstrumentedBackend(backend, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Backend = backend
	logger.Debug("environment backend initialized",
		slog.String("type", cfg.Sandbox.BackendType()),
		slog.Int("max_memory_mb", cfg.Sandbox.MaxMemoryMB),
		slog.String("max_execution", cfg.Sandbox.MaxExecution().String()),
	)

	// Isolation unit pool.
	poolMgr := pool.New(pool.Config{
		GlobalMax:         cfg.Pool.GlobalMax,
		PerSessionMax:     cfg.Pool.PerSessionMax,
		MaxIdlePerSession: cfg.Pool.MaxIdlePerSession,
		IdleTTL:           cfg.Pool.IdleTTL(),
		Block:             cfg.Pool.BlockOnExhausted,
		ProvisionRetries:  cfg.Pool.ProvisionRetries,
		ProvisionBackoff:  cfg.Pool.ProvisionBackoff(),
		UnitLimits: unit.Limits{
			CPUCores:     cfg.Sandbox.MaxCPUCores,
			MemoryMB:     cfg.Sandbox.MaxMemoryMB,
			PIDsLimit:    cfg.Sandbox.PIDsLimit,
			MaxWallClock: cfg.Sandbox.MaxExecution(),
		},
		NetworkAllowed: cfg.Sandbox.NetworkAllowed,
	}, backend, ws, metrics, logger)
	sc.Pool = poolMgr
	sc.addCleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := poolMgr.Close(closeCtx); err != nil {
			logger.Error("closing pool", slog.String("error", err.Error()))
		}
	})

	sweeper, err := pool.NewSweeper(poolMgr, cfg.Pool.SweepInterval(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing pool sweeper: %w", err)
	}
	sc.Sweeper = sweeper

	// Sessions.
	sessions := session.NewManager(store.Sessions(), ws, poolMgr, metrics, logger, cfg.Session.TTL())
	sc.Sessions = sessions

	reaper, err := session.NewReaper(sessions, cfg.Session.SweepInterval(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing session reaper: %w", err)
	}
	sc.Reaper = reaper

	// Tool registry.
	toolReg := tools.NewRegistry()
	toolReg.Register(code.NewTool(code.Config{
		AllowedLanguages: cfg.Tools.Code.AllowedLanguages,
	}, logger))
	toolReg.Register(browser.NewTool(browser.Config{
		AllowedDomains:        cfg.Tools.Browser.AllowedDomains,
		MaxResponseBytes:      cfg.Tools.Browser.MaxResponseBytes,
		TimeoutSeconds:        cfg.Tools.Browser.TimeoutSeconds,
		MaxNavigationsPerCall: cfg.Tools.Browser.MaxNavigationsPerCall,
	}, logger))
	toolReg.Register(file.NewTool(file.Config{
		MaxFileSizeBytes: cfg.Tools.File.MaxFileSizeBytes,
	}, logger))
	sc.ToolReg = toolReg
	logger.Debug("tools registered", slog.Any("tools", toolReg.List()))

	// Per-user rate limiter.
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})
	sc.Limiter = limiter

	// Dispatch coordinator.
	coord := dispatch.NewCoordinator(dispatch.Config{
		MaxExecution: cfg.Sandbox.MaxExecution(),
	}, toolReg, poolMgr, sessions, store.Tasks(), limiter, metrics, logger)
	if obs != nil && obs.Tracer != nil {
		coord.WithTracer(obs.Tracer.Tracer())
	}
	sc.Coord = coord

	// Agent loop (optional, requires a planner endpoint).
	if cfg.Planner != nil && cfg.Planner.Endpoint != "" {
		planner := agent.NewRemotePlanner(cfg.Planner.Endpoint, cfg.Planner.Token, cfg.Planner.Timeout(), logger)
		sc.Loop = agent.NewLoop(planner, coord, toolReg, cfg.Planner.Iterations(), logger)
		logger.Debug("agent loop initialized",
			slog.String("endpoint", cfg.Planner.Endpoint),
			slog.Int("max_iterations", cfg.Planner.Iterations()),
		)
	}

	return sc, nil
}

// initWorkspace creates and returns the workspace, resolving the root from config or defaults.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	root := cfg.Workspace
	if root == "" {
		return workspace.Default()
	}
	return workspace.New(root)
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, ws, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	dbPath := ws.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or KAZI_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
	}

	return pgstore.Open(pgCfg, logger)
}

// initBackend creates the environment backend based on config type.
func initBackend(cfg *config.Config, logger *slog.Logger) (sandbox.Backend, error) {
	switch cfg.Sandbox.BackendType() {
	case "docker":
		return sandbox.NewDockerBackend(sandbox.DockerConfig{
			Image:            cfg.Sandbox.Docker.Image,
			MountDir:         cfg.Sandbox.Docker.MountDir,
			DefaultTimeout:   cfg.Sandbox.MaxExecution(),
			ProvisionTimeout: cfg.Sandbox.Docker.ProvisionTimeout(),
		}, logger), nil
	case "process":
		return sandbox.NewProcessBackend(sandbox.ProcessConfig{
			DefaultTimeout: cfg.Sandbox.MaxExecution(),
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q (supported: docker, process)", cfg.Sandbox.Type)
	}
}
