// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from a YAML file with TRIALGATE_* environment
// overrides, or from the environment alone.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/artpar/trialgate/adapters/clock"
	apihttp "github.com/artpar/trialgate/adapters/http"
	"github.com/artpar/trialgate/adapters/idgen"
	"github.com/artpar/trialgate/adapters/metrics"
	"github.com/artpar/trialgate/app"
	"github.com/artpar/trialgate/config"
	"github.com/artpar/trialgate/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Version is set at build time.
var Version = "dev"

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Holder
	Store      ports.Store
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Registry   *prometheus.Registry
	Cron       *cron.Cron

	Metering   *app.MeteringService
	Conversion *app.ConversionService
	Status     *app.StatusService
	Sweeper    *app.Sweeper

	closers []closer
}

// closer releases a resource on shutdown.
type closer struct {
	name  string
	close func() error
}

// Options overrides parts of the wiring. Zero values use the defaults.
type Options struct {
	Clock ports.Clock
	IDGen ports.IDGenerator
	// Billing replaces the configured provider.
	Billing ports.BillingProvider
}

// New loads configuration from path and creates the application. When
// path does not exist the configuration comes from the environment alone.
func New(path string) (*App, error) {
	holder, err := loadHolder(path)
	if err != nil {
		return nil, err
	}
	return NewWithHolder(holder, Options{})
}

// NewWithConfig creates the application from an already loaded config.
func NewWithConfig(cfg *config.Config, opts Options) (*App, error) {
	holder, err := config.NewStaticHolder(cfg, setupLogger(cfg.Logging))
	if err != nil {
		return nil, err
	}
	return NewWithHolder(holder, opts)
}

// NewWithHolder creates the application around a config holder.
func NewWithHolder(holder *config.Holder, opts Options) (*App, error) {
	cfg := holder.Get()
	logger := setupLogger(cfg.Logging)

	a := &App{
		Logger: logger,
		Config: holder,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store.store
	a.addCloser("database", store.close)

	locker, err := openLocker(ctx, cfg.Lock, logger)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.addCloser("lock", locker.close)

	billing := opts.Billing
	if billing == nil {
		billing, err = newBilling(cfg.Billing)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("billing provider: %w", err)
		}
	}
	logger.Info().Str("provider", billing.Name()).Msg("billing provider ready")

	var m ports.Metrics
	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Metrics = metrics.NewWithRegistry(a.Registry)
		holder.OnReload(a.Metrics.ObserveConfigReload)
		m = a.Metrics
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ids := opts.IDGen
	if ids == nil {
		ids = idgen.NewULID("per_")
	}

	deps := app.Deps{
		Store:     a.Store,
		Locker:    locker.locker,
		Billing:   billing,
		Publisher: newPublisher(cfg.Notify, logger),
		Variants:  holder,
		Clock:     clk,
		IDGen:     ids,
		Metrics:   m,
		Logger:    logger,
	}
	svcCfg := serviceConfig(cfg)

	a.Metering = app.NewMeteringService(deps, svcCfg)
	a.Conversion = app.NewConversionService(deps, svcCfg)
	a.Status = app.NewStatusService(deps, svcCfg)
	a.Sweeper = app.NewSweeper(a.Conversion)

	if cfg.Sweep.Enabled {
		a.Cron, err = newScheduler(cfg.Sweep, a.Sweeper, logger)
		if err != nil {
			a.closeAll()
			return nil, err
		}
	}

	health := apihttp.NewHealthHandler().
		Add("database", store.health).
		Add("lock", locker.health)

	routerCfg := apihttp.RouterConfig{
		Health:         health,
		RequestTimeout: cfg.Server.WriteTimeout,
		Version:        Version,
	}
	if a.Metrics != nil {
		routerCfg.Metrics = a.Metrics
		routerCfg.MetricsPath = cfg.Metrics.Path
		routerCfg.MetricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
	}

	handler := apihttp.NewHandler(a.Metering, a.Conversion, a.Status, logger)
	router := apihttp.NewRouter(handler, logger, routerCfg)

	a.HTTPServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info().
		Str("database", cfg.Database.Driver).
		Str("lock", cfg.Lock.Driver).
		Str("variants_version", holder.Table().Version()).
		Bool("sweep", cfg.Sweep.Enabled).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("application initialized")

	return a, nil
}

// serviceConfig maps the loaded configuration onto service tuning.
func serviceConfig(cfg *config.Config) app.Config {
	return app.Config{
		Thresholds:         cfg.Thresholds(),
		LockTimeout:        cfg.Metering.LockTimeout,
		BillingTimeout:     cfg.Billing.Timeout,
		PaidPeriod:         cfg.Metering.PaidPeriod,
		DuplicateCacheSize: cfg.Metering.DuplicateCacheSize,
		DuplicateCacheTTL:  cfg.Metering.DuplicateCacheTTL,
		BatchConcurrency:   cfg.Metering.BatchConcurrency,
		ExpireBatchSize:    cfg.Sweep.ExpireBatchSize,
		AppliedEventTTL:    cfg.Retention.AppliedEventTTL,
	}
}

func loadHolder(path string) (*config.Holder, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			if err != nil {
				return nil, err
			}
			return config.NewHolder(path, setupLogger(cfg.Logging))
		}
	}
	cfg, err := config.LoadWithFallback(path)
	if err != nil {
		return nil, err
	}
	return config.NewStaticHolder(cfg, setupLogger(cfg.Logging))
}

// Run starts the HTTP server and the sweep scheduler, and blocks until
// SIGINT or SIGTERM.
func (a *App) Run() error {
	if err := a.Config.WatchFile(); err != nil {
		a.Logger.Warn().Err(err).Msg("config file watch disabled")
	}
	a.Config.WatchSignals()

	if a.Cron != nil {
		a.Cron.Start()
		a.Logger.Info().Int("jobs", len(a.Cron.Entries())).Msg("sweep scheduler started")
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt or error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application. In-flight requests and sweeps
// finish before the store closes.
func (a *App) Shutdown() error {
	timeout := a.Config.Get().Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.Config.Stop()

	// Shutdown HTTP server
	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	// Wait for running sweeps
	if a.Cron != nil {
		select {
		case <-a.Cron.Stop().Done():
		case <-ctx.Done():
			a.Logger.Warn().Msg("sweep still running at shutdown")
		}
	}

	a.closeAll()

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func (a *App) addCloser(name string, fn func() error) {
	if fn != nil {
		a.closers = append(a.closers, closer{name: name, close: fn})
	}
}

// closeAll releases resources in reverse order of acquisition.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.Logger.Error().Err(err).Str("resource", c.name).Msg("close error")
		}
	}
	a.closers = nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "trialgate").Logger()
}
