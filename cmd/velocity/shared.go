package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/velocity/internal/config"
	"github.com/jkaninda/velocity/internal/driver"
	"github.com/jkaninda/velocity/internal/observability"
	"github.com/jkaninda/velocity/internal/proxy"
	"github.com/jkaninda/velocity/internal/sandbox"
	"github.com/jkaninda/velocity/internal/storage"
	pgstore "github.com/jkaninda/velocity/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/velocity/internal/storage/sqlite"
	"github.com/jkaninda/velocity/internal/worker"
)

// loopbackScriptPath is where the loopback wrapper is uploaded.
const loopbackScriptPath = "/tmp/velocity_driver.sh"

// SharedComponents holds everything both serve and chat modes need. Built
// once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Obs     *observability.Observability
	Manager sandbox.Manager        // Instrumented when observability is on.
	Docker  *sandbox.DockerManager // nil unless sandbox.provider=docker.
	Bridge  *proxy.Bridge
	Store   storage.Store // nil = history lives only in each worker.
	Pool    *worker.Pool

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

// newLogger builds the process logger. VELOCITY_LOG_LEVEL selects the level.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if v := goutils.Env("VELOCITY_LOG_LEVEL", ""); v != "" {
		_ = level.UnmarshalText([]byte(v))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads the config file from --config or VELOCITY_CONFIG.
func loadConfig(path string) (*config.Config, error) {
	return config.Load(goutils.Env("VELOCITY_CONFIG", path))
}

// initShared wires the sandbox provider, proxy bridge, history store and
// worker pool. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("flushing telemetry", slog.String("error", err.Error()))
		}
	})

	// Sandbox provider.
	manager, err := sc.initSandbox()
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox provider: %w", err)
	}
	if obs.Instrumented() {
		manager = observability.NewInstrumentedManager(manager, cfg.Sandbox.SandboxProvider(), obs.MetricsOrNil(), obs.TracerOrNil())
	}
	sc.Manager = manager

	// History store.
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	if store != nil {
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Debug("history store initialized", slog.String("driver", store.Driver()))
	}

	// Proxy bridge.
	bridge := proxy.New(proxy.Config{
		SlackToken:   cfg.Integrations.Slack.BotToken,
		SlackBaseURL: cfg.Integrations.Slack.BaseURL,
		HTTPTimeout:  cfg.Proxy.HTTPTimeout(),
		ResponseDir:  cfg.Proxy.Dir(),
	}, manager, logger).WithTracer(obs.NamedTracer("velocity/proxy"))
	if m := obs.MetricsOrNil(); m != nil {
		bridge.WithRecorder(m)
	}
	sc.Bridge = bridge

	// Worker pool.
	wcfg, err := workerConfig(cfg)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	pool := worker.NewPool(manager, bridge, wcfg, logger).
		WithTracer(obs.NamedTracer("velocity/worker"))
	if sc.Store != nil {
		pool.WithStore(sc.Store)
	}
	if m := obs.MetricsOrNil(); m != nil {
		pool.WithMetrics(worker.NewMetrics(m.Registry))
	}
	sc.Pool = pool
	sc.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Worker.StopGrace()+5*time.Second)
		defer cancel()
		if err := pool.ShutdownAll(ctx); err != nil {
			logger.Error("shutting down workers", slog.String("error", err.Error()))
		}
		bridge.Wait()
	})

	// Readiness probes.
	var dbProbe observability.Probe
	if sc.Store != nil {
		dbProbe = sc.Store.Ping
	}
	obs.RegisterProbes(manager.Ping, dbProbe)

	logger.Info("session pool ready",
		slog.String("sandbox_provider", cfg.Sandbox.SandboxProvider()),
		slog.String("sandbox_driver", cfg.Sandbox.ProgramDriver()),
		slog.Bool("durable_history", sc.Store != nil),
	)
	return sc, nil
}

// initSandbox creates the configured sandbox provider.
func (sc *SharedComponents) initSandbox() (sandbox.Manager, error) {
	cfg := sc.Config
	switch cfg.Sandbox.SandboxProvider() {
	case "docker":
		mem, err := cfg.Sandbox.MemoryBytes()
		if err != nil {
			return nil, err
		}
		dm, err := sandbox.NewDockerManager(sandbox.DockerConfig{
			Image:          cfg.Sandbox.SandboxImage(),
			MemoryBytes:    mem,
			CPUCores:       cfg.Sandbox.Cores(),
			PIDsLimit:      cfg.Sandbox.PIDs(),
			NetworkMode:    cfg.Sandbox.NetworkMode(),
			DefaultTimeout: cfg.Sandbox.ExecTimeout(),
			AutoStop:       cfg.Sandbox.AutoStop(),
			AutoDelete:     cfg.Sandbox.AutoDelete(),
			SetupCommands:  cfg.Sandbox.Setup(),
			Streaming:      !cfg.Sandbox.DisableStreaming,
		}, sc.Logger)
		if err != nil {
			return nil, err
		}
		sc.Docker = dm
		sc.addCleanup(func() { _ = dm.Close() })
		return dm, nil
	case "process":
		setup := cfg.Sandbox.Setup()
		if cfg.Sandbox.SetupCommands == nil {
			// The default pip install targets container images.
			setup = nil
		}
		return sandbox.NewProcessManager(sandbox.ProcessConfig{
			Root:           cfg.Sandbox.ProcessRoot,
			DefaultTimeout: cfg.Sandbox.ExecTimeout(),
			SetupCommands:  setup,
		}, sc.Logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox provider: %q", cfg.Sandbox.Provider)
	}
}

// workerConfig derives how workers provision and invoke the sandbox program.
func workerConfig(cfg *config.Config) (worker.Config, error) {
	wcfg := worker.Config{
		Env: cfg.SandboxEnv(),
		ExecEnv: map[string]string{
			"VELOCITY_PROXY_DIR":             cfg.Proxy.Dir(),
			"VELOCITY_PROXY_POLL_MS":         strconv.FormatInt(cfg.Proxy.PollInterval().Milliseconds(), 10),
			"VELOCITY_PROXY_TIMEOUT_SECONDS": strconv.Itoa(int(cfg.Proxy.Timeout().Seconds())),
		},
		Run: driver.RunConfig{
			ModelOpus:    cfg.Providers.Anthropic.ModelOpus,
			ModelSonnet:  cfg.Providers.Anthropic.ModelSonnet,
			MaxTurns:     cfg.Agent.MaxTurns,
			MaxBudgetUSD: cfg.Agent.MaxBudgetUSD,
			SlackTeamID:  cfg.Integrations.Slack.TeamID,
		},
		ExecTimeout:      cfg.Sandbox.ExecTimeout(),
		StopGrace:        cfg.Worker.StopGrace(),
		MaxHistoryTurns:  cfg.Worker.HistoryTurns(),
		MaxHistoryTokens: cfg.Worker.HistoryTokens(),
	}
	if token := cfg.Integrations.GitHub.Token; token != "" {
		wcfg.ExecEnv["GITHUB_TOKEN"] = token
	}

	switch cfg.Sandbox.ProgramDriver() {
	case "loopback":
		exe, err := os.Executable()
		if err != nil {
			return worker.Config{}, fmt.Errorf("locating executable for loopback driver: %w", err)
		}
		wcfg.Script = driver.LoopbackScript(exe)
		wcfg.ScriptPath = loopbackScriptPath
		wcfg.Interpreter = []string{"sh"}
	default:
		wcfg.Script = driver.Script()
		wcfg.ScriptPath = cfg.Sandbox.Script()
		wcfg.Interpreter = []string{"python3"}
	}
	return wcfg, nil
}

// initStore creates the configured history backend. A nil storage section
// means no durable history.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage == nil {
		return nil, nil
	}
	limit := cfg.Worker.HistoryTurns()

	switch name := cfg.Storage.StorageDriver(); name {
	case storage.DriverMemory:
		return storage.NewMemoryStore(limit), nil
	case storage.DriverSQLite:
		journalMode := "wal"
		if cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.DatabasePath(),
			JournalMode: journalMode,
			LoadLimit:   limit,
		}, logger)
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		if pg == nil || pg.DSN == "" {
			return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or VELOCITY_DB_DSN)")
		}
		s, err := pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
			LoadLimit:       limit,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", name)
	}
}

// startBackground launches the idle sweeper and the docker reaper. The
// returned function stops both.
func startBackground(ctx context.Context, sc *SharedComponents) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	var stops []func()
	stopAll := func() {
		cancel()
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if ttl := sc.Config.Worker.IdleTTL(); ttl > 0 {
		sweeper, err := worker.NewIdleSweeper(sc.Pool, ttl, sc.Config.Worker.SweepSchedule(), sc.Logger)
		if err != nil {
			stopAll()
			return nil, err
		}
		stops = append(stops, sweeper.Start(ctx))
		sc.Logger.Debug("idle sweeper started",
			slog.Duration("ttl", ttl),
			slog.String("schedule", sc.Config.Worker.SweepSchedule()),
		)
	}

	if sc.Docker != nil {
		// A reaped sandbox takes its worker with it; the next query provisions
		// a fresh one.
		sc.Docker.OnReap(sc.Pool.Evict)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = sc.Docker.Run(ctx, sc.Config.Sandbox.ReapInterval())
		}()
		stops = append(stops, func() { <-done })
	}
	return stopAll, nil
}
