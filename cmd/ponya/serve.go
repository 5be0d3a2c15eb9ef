package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/ponya/internal/config"
	"github.com/jkaninda/ponya/internal/controller"
	"github.com/jkaninda/ponya/internal/engine/local"
	"github.com/jkaninda/ponya/internal/fixer"
	"github.com/jkaninda/ponya/internal/gateway/httpapi"
	wsgw "github.com/jkaninda/ponya/internal/gateway/ws"
	"github.com/jkaninda/ponya/internal/healer"
	"github.com/jkaninda/ponya/internal/janitor"
	"github.com/jkaninda/ponya/internal/observability"
	"github.com/jkaninda/ponya/internal/ratelimit"
	"github.com/jkaninda/ponya/internal/session"
	"github.com/jkaninda/ponya/internal/storage"
	pgstore "github.com/jkaninda/ponya/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/ponya/internal/storage/sqlite"
	"github.com/jkaninda/ponya/internal/workspace"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox controller server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `ponya --config path` and `ponya serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(goutils.Env("PONYA_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveAddr != "" {
		if cfg.Server == nil {
			cfg.Server = &config.ServerConfig{}
		}
		cfg.Server.Addr = serveAddr
	}

	logger.Info("starting ponya", slog.String("addr", cfg.Server.ListenAddr()))

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return fmt.Errorf("creating workspace directories: %w", err)
	}
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Storage.
	store, err := openStore(cfg, ws, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating storage: %w", err)
	}

	// Observability.
	observability.ServiceVersion = version
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer obs.Shutdown(context.Background())

	if cfg.Observability.HealthIncludeDB() {
		obs.AddHealthCheck("database", store.Ping)
	}

	var tracer trace.Tracer
	if ts := obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}

	// Sandbox engine and lifecycle controller.
	engCfg := local.Config{Root: ws.SandboxDir()}
	if cfg.Sandbox != nil && cfg.Sandbox.Root != "" {
		engCfg.Root = cfg.Sandbox.Root
	}
	eng := local.New(engCfg, logger)

	ctrlCfg := controller.Config{}
	if cfg.Sandbox != nil {
		ctrlCfg.InstallCommand = cfg.Sandbox.InstallCommand
		ctrlCfg.DevCommand = cfg.Sandbox.DevCommand
		ctrlCfg.BufferCap = cfg.Sandbox.OutputBufferLines
	}
	ctrl := controller.New(eng, store.PreWarm(), obs.MetricsOrNil(), logger, ctrlCfg)

	obs.AddHealthCheck("sandbox", func(context.Context) error {
		if ctrl.WarmPhase() == controller.WarmFailed {
			return errors.New("sandbox pre-warm failed")
		}
		return nil
	})

	// Pre-warm in the background; sessions created before it finishes wait
	// for it inside MountFiles.
	if cfg.Sandbox.PreWarmEnabled() {
		go func() {
			if err := ctrl.PreWarm(ctx); err != nil {
				logger.Warn("pre-warm failed", slog.String("error", err.Error()))
			}
		}()
	}

	// Fixer client.
	fixerOpts := []fixer.Option{
		fixer.WithHTTPClient(&http.Client{Timeout: cfg.Fixer.Timeout()}),
	}
	if cfg.Fixer.APIKey != "" {
		fixerOpts = append(fixerOpts, fixer.WithAPIKey(cfg.Fixer.APIKey))
	}
	fx := fixer.NewClient(cfg.Fixer.BaseURL, logger, fixerOpts...)

	// Session manager with the healing loop config.
	healerCfg := healer.Config{
		Disabled:    !cfg.Healer.HealingEnabled(),
		MaxAttempts: cfg.Healer.Attempts(),
		Debounce:    cfg.Healer.Debounce(),
		FixTimeout:  cfg.Fixer.Timeout(),
	}
	sessions := session.NewManager(ctrl, fx, store, obs.MetricsOrNil(), logger, healerCfg)

	// Rate limiter.
	var limiter *ratelimit.Limiter
	if cfg.RateLimit != nil && cfg.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		})
	}

	// Janitor.
	if cfg.Janitor.JanitorEnabled() {
		jan := janitor.New(sessions, ws, limiter, logger, janitor.Config{
			Schedule:     janitorSchedule(cfg),
			IdleTimeout:  cfg.Janitor.IdleTimeout(),
			UploadMaxAge: cfg.Janitor.UploadMaxAge(),
		})
		if err := jan.Start(); err != nil {
			return fmt.Errorf("starting janitor: %w", err)
		}
		defer jan.Stop()
	}

	// WebSocket preview server.
	wsServer := wsgw.NewServer(sessions, ctrl, cfg.Server.Key(), logger)

	// HTTP API gateway.
	gwCfg := httpapi.Config{
		ListenAddr:    cfg.Server.ListenAddr(),
		EnableDocs:    true,
		APIKey:        cfg.Server.Key(),
		MaxUploadSize: cfg.Server.MaxUploadBytes(),
		ReadTimeout:   cfg.Server.ReadTimeout(),
		WriteTimeout:  cfg.Server.WriteTimeout(),
		Metrics:       obs.MetricsOrNil(),
		Tracer:        tracer,
	}
	gwCfg.HealthChecker = obs.HealthOrNil()
	if m := obs.MetricsOrNil(); m != nil {
		gwCfg.MetricsRegistry = m.Registry
		if cfg.Observability != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}

	gw := httpapi.NewGateway(gwCfg, sessions, ctrl, limiter, logger).
		WithArchiveSaver(ws).
		WithHandler("/ws/preview", wsServer.Handler())

	// Start the gateway and wait for signal or server error.
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	ctrl.Reset()

	return nil
}

// loadConfig reads the config file, falling back to env-only defaults when
// the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default()
	}
	return config.Load(path)
}

func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace != "" {
		return workspace.New(cfg.Workspace)
	}
	return workspace.Default()
}

// openStore builds the configured storage backend.
func openStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.StorageDriver() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
	default:
		sqliteCfg := sqlitestore.Config{Path: ws.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				sqliteCfg.Path = cfg.Storage.SQLite.Path
			}
			sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqliteCfg, logger)
	}
}

func janitorSchedule(cfg *config.Config) string {
	if cfg.Janitor != nil {
		return cfg.Janitor.Schedule
	}
	return ""
}
