// Package bootstrap wires all dependencies and starts the kernel
// runtime: configuration, logging, persistence, the event bus, metrics,
// the kernel itself, and the administrative HTTP server.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/proteanlabs/protean/adapters/clock"
	"github.com/proteanlabs/protean/adapters/hasher"
	adminhttp "github.com/proteanlabs/protean/adapters/http"
	"github.com/proteanlabs/protean/adapters/idgen"
	"github.com/proteanlabs/protean/adapters/memory"
	"github.com/proteanlabs/protean/adapters/metrics"
	"github.com/proteanlabs/protean/adapters/sqlite"
	"github.com/proteanlabs/protean/config"
	"github.com/proteanlabs/protean/core/events"
	"github.com/proteanlabs/protean/core/kernel"
	"github.com/proteanlabs/protean/ports"
)

// App represents the running kernel runtime.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Config
	Kernel     *kernel.Kernel
	Pool       *Pool
	Bus        *events.Bus
	Metrics    *metrics.Collector
	Store      ports.KernelStore
	HTTPServer *http.Server

	admin  *adminhttp.Handler
	holder *config.Holder
	db     *sqlite.DB
}

// New creates and initializes the application from configuration.
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)
	logger.Info().Msg("initializing protean")

	a := &App{
		Logger: logger,
		Config: cfg,
		Pool:   NewPool(),
	}

	if err := a.initStore(); err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	a.Bus = events.NewBus(logger)

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
		logger.Info().Msg("prometheus metrics enabled")
	}

	if err := a.initKernel(); err != nil {
		return nil, fmt.Errorf("init kernel: %w", err)
	}

	a.wireMetrics()
	a.initHTTPServer()

	return a, nil
}

// initStore selects and opens the kernel store per configuration.
func (a *App) initStore() error {
	switch a.Config.Database.Driver {
	case "memory":
		a.Store = memory.NewKernelStore()
		a.Logger.Info().Msg("using in-memory kernel store")
		return nil

	case "sqlite":
		db, err := sqlite.Open(a.Config.Database.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return fmt.Errorf("migrate database: %w", err)
		}
		a.db = db
		a.Store = sqlite.NewKernelStore(db)
		a.Logger.Info().Str("dsn", a.Config.Database.DSN).Msg("using sqlite kernel store")
		return nil

	default:
		return fmt.Errorf("unsupported database driver %q", a.Config.Database.Driver)
	}
}

// initKernel creates the kernel, restoring the persisted executor when
// the store holds one. Module and policy records from a previous run
// are surfaced for the operator; live instances must be redeployed and
// reinstalled through actions.
func (a *App) initKernel() error {
	executor := kernel.Address(a.Config.Kernel.Executor)

	if loader, ok := a.Store.(ports.SnapshotLoader); ok {
		snap, err := loader.LoadSnapshot(context.Background())
		if err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if snap.Executor != "" {
			executor = snap.Executor
		}
		if len(snap.Modules) > 0 || len(snap.Policies) > 0 {
			a.Logger.Info().
				Int("modules", len(snap.Modules)).
				Int("policies", len(snap.Policies)).
				Msg("previous kernel state found; redeploy and reinstall through actions")
		}
	}

	var observer kernel.Observer
	if a.Metrics != nil {
		observer = a.Metrics
	}

	a.Kernel = kernel.New(kernel.Options{
		Address:  kernel.Address("kernel-" + idgen.UUID{}.New()),
		Executor: executor,
		Resolver: a.Pool,
		Store:    a.Store,
		Bus:      a.Bus,
		Observer: observer,
		Clock:    clock.Real{},
		Logger:   a.Logger,
	})

	a.Logger.Info().
		Str("kernel", string(a.Kernel.Address())).
		Str("executor", string(executor)).
		Msg("kernel ready")
	return nil
}

// wireMetrics drives the lifecycle gauges and the event counter from
// bus subscriptions.
func (a *App) wireMetrics() {
	if a.Metrics == nil {
		return
	}

	a.Bus.Subscribe("*", func(ctx context.Context, ev events.Event) error {
		a.Metrics.EventsTotal.WithLabelValues(ev.Name).Inc()
		return nil
	})
	a.Bus.Subscribe("module.*", func(ctx context.Context, ev events.Event) error {
		a.Metrics.ModulesInstalled.Set(float64(len(a.Kernel.Modules())))
		return nil
	})
	a.Bus.Subscribe("policy.*", func(ctx context.Context, ev events.Event) error {
		active := 0
		for _, rec := range a.Kernel.Policies() {
			if rec.Active {
				active++
			}
		}
		a.Metrics.PoliciesActive.Set(float64(active))
		return nil
	})
}

func (a *App) initHTTPServer() {
	var metricsHandler http.Handler
	if a.Metrics != nil {
		metricsHandler = promhttp.Handler()
	}

	a.admin = adminhttp.New(adminhttp.Options{
		Kernel:      a.Kernel,
		Logger:      a.Logger,
		Hasher:      hasher.NewBcrypt(0),
		TokenHash:   authTokenHash(a.Config),
		Metrics:     metricsHandler,
		MetricsPath: a.Config.Metrics.Path,
	})

	addr := a.Config.Server.Host + ":" + strconv.Itoa(a.Config.Server.Port)
	a.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      a.admin.Router(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

func authTokenHash(cfg *config.Config) string {
	if !cfg.Auth.Enabled {
		return ""
	}
	return cfg.Auth.TokenHash
}

// NewWithHotReload builds the application from a config file and keeps
// watching it: reloadable fields (log level, admin auth) take effect on
// change, the rest is logged as restart-only. SIGHUP also reloads.
func NewWithHotReload(path string) (*App, error) {
	holder, err := config.NewHolder(path, setupLogger(config.LoggingConfig{Level: "info", Format: "json"}))
	if err != nil {
		return nil, err
	}

	a, err := New(holder.Get())
	if err != nil {
		holder.Stop()
		return nil, err
	}
	a.holder = holder

	holder.OnChange(func(cfg *config.Config) {
		if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			zerolog.SetGlobalLevel(level)
		}
		a.admin.SetTokenHash(authTokenHash(cfg))
	})

	if err := holder.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch unavailable")
	}
	holder.WatchSignals()

	return a, nil
}

// Run starts the HTTP server and blocks until SIGINT or SIGTERM, then
// shuts down gracefully.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("admin server listening")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown stops the HTTP server and closes the store.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("http shutdown")
	}
	return a.Close()
}

// Close releases resources without touching the HTTP server. Safe to
// call more than once.
func (a *App) Close() error {
	if a.holder != nil {
		a.holder.Stop()
		a.holder = nil
	}
	if a.db != nil {
		err := a.db.Close()
		a.db = nil
		return err
	}
	return nil
}

// setupLogger builds the root logger from logging configuration.
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
