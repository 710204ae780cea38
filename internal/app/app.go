package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/specialistvlad/smelter/internal/config"
	"github.com/specialistvlad/smelter/internal/ctxlog"
	"github.com/specialistvlad/smelter/internal/events"
	"github.com/specialistvlad/smelter/internal/executor"
	"github.com/specialistvlad/smelter/internal/fetch"
	"github.com/specialistvlad/smelter/internal/formula"
	"github.com/specialistvlad/smelter/internal/ledger"
	"github.com/specialistvlad/smelter/internal/metrics"
	"github.com/specialistvlad/smelter/internal/scheduler"
	"github.com/specialistvlad/smelter/internal/testrunner"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	ctx        context.Context
	outW       io.Writer
	logger     *slog.Logger
	config     *config.Config
	registry   *formula.Registry
	store      ledger.Store
	metrics    *metrics.Metrics
	scheduler  *scheduler.Scheduler
	httpServer *http.Server
	closers    []func() error

	runner         executor.Runner
	httpClient     *http.Client
	ledgerOverride ledger.Store
}

// Option customises how NewApp wires its components.
type Option func(*App)

// WithRunner replaces the subprocess runner used for build and test steps.
func WithRunner(r executor.Runner) Option {
	return func(a *App) { a.runner = r }
}

// WithHTTPClient replaces the client used to download sources.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithLedger replaces the ledger selected by the configuration.
func WithLedger(s ledger.Store) Option {
	return func(a *App) { a.ledgerOverride = s }
}

// NewApp loads the formulas and wires every component from a validated
// configuration. Close must be called when the App is no longer needed.
func NewApp(ctx context.Context, outW io.Writer, cfg *config.Config, opts ...Option) (*App, error) {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	a := &App{
		ctx:    ctx,
		outW:   outW,
		logger: logger,
		config: cfg,
		runner: executor.ExecRunner{},
	}
	for _, opt := range opts {
		opt(a)
	}

	reg, err := formula.Load(ctx, cfg.Formulas...)
	if err != nil {
		return nil, fmt.Errorf("failed to load formulas: %w", err)
	}
	a.registry = reg
	logger.Debug("Formulas loaded.", "count", reg.Len())

	if err := a.openLedger(); err != nil {
		a.Close()
		return nil, err
	}

	a.metrics = metrics.New()
	sinks := []events.Sink{events.LogSink{}, a.metrics}
	if cfg.EventsURL != "" {
		sink, err := events.DialSocketIO(ctx, cfg.EventsURL, events.SocketIOOptions{})
		if err != nil {
			// The event stream is an observer; an install never fails for it.
			logger.Warn("Event stream unavailable, continuing without it", "url", cfg.EventsURL, "error", err)
		} else {
			a.closers = append(a.closers, sink.Close)
			sinks = append(sinks, sink)
		}
	}

	var fetchOpts []fetch.Option
	if a.httpClient != nil {
		fetchOpts = append(fetchOpts, fetch.WithHTTPClient(a.httpClient))
	}
	a.scheduler = scheduler.New(reg, scheduler.Deps{
		Fetcher: fetch.New(cfg.CacheDir, fetchOpts...),
		Builder: executor.New(a.runner, executor.Options{
			StateDir:    cfg.StateDir,
			StepTimeout: time.Duration(cfg.StepTimeout),
			KeepFailed:  cfg.KeepFailed,
		}),
		Tester: testrunner.New(a.runner, testrunner.Options{
			StateDir: cfg.StateDir,
			Timeout:  time.Duration(cfg.TestTimeout),
		}),
		Ledger: a.store,
		Events: events.Multi(sinks...),
	}, scheduler.Options{
		Prefix:    cfg.Prefix,
		Target:    cfg.Target,
		Jobs:      cfg.Jobs,
		FetchJobs: cfg.FetchJobs,
	})

	a.healthCheckServer()
	return a, nil
}

// openLedger selects the file ledger or the Redis ledger.
func (a *App) openLedger() error {
	if a.ledgerOverride != nil {
		a.store = a.ledgerOverride
		return nil
	}
	if !a.config.UsesRedis() {
		store, err := ledger.NewFileStore(a.config.LedgerDir())
		if err != nil {
			return err
		}
		a.store = store
		a.logger.Debug("Using file ledger.", "dir", a.config.LedgerDir())
		return nil
	}

	opts, err := redis.ParseURL(a.config.Ledger)
	if err != nil {
		return fmt.Errorf("invalid ledger URL: %w", err)
	}
	store, err := ledger.NewRedisStore(opts, a.config.Prefix)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, store.Close)

	pingCtx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		return fmt.Errorf("ledger: redis at %s: %w", opts.Addr, err)
	}
	a.store = store
	a.logger.Debug("Using redis ledger.", "addr", opts.Addr, "db", opts.DB)
	return nil
}

// Close stops the health check server and releases every connection.
func (a *App) Close() error {
	errs := []error{a.closeHealthCheckServer()}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Context returns the App's base context carrying its logger.
func (a *App) Context() context.Context { return a.ctx }

// Registry returns the loaded formulas.
func (a *App) Registry() *formula.Registry { return a.registry }

// Ledger returns the installation ledger in use.
func (a *App) Ledger() ledger.Store { return a.store }

// Config returns the configuration the App was built from.
func (a *App) Config() *config.Config { return a.config }
