// Package server wires configuration into running components and owns their lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/qa-scanner/internal/api"
	"github.com/JakeFAU/qa-scanner/internal/browser"
	"github.com/JakeFAU/qa-scanner/internal/browser/headless"
	"github.com/JakeFAU/qa-scanner/internal/checks"
	"github.com/JakeFAU/qa-scanner/internal/checks/probe"
	"github.com/JakeFAU/qa-scanner/internal/config"
	"github.com/JakeFAU/qa-scanner/internal/forms"
	"github.com/JakeFAU/qa-scanner/internal/memory"
	"github.com/JakeFAU/qa-scanner/internal/metrics"
	"github.com/JakeFAU/qa-scanner/internal/orchestrator"
	"github.com/JakeFAU/qa-scanner/internal/qa"
	"github.com/JakeFAU/qa-scanner/internal/queue"
	"github.com/JakeFAU/qa-scanner/internal/scheduler"
	"github.com/JakeFAU/qa-scanner/internal/session"
	"github.com/JakeFAU/qa-scanner/internal/siteprovider"
	"github.com/JakeFAU/qa-scanner/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool         *browser.Pool
	monitor      *memory.Monitor
	orchestrator *orchestrator.Orchestrator
	broker       queue.Broker
	queue        *queue.Queue
	scheduler    *scheduler.Scheduler
	apiServer    *api.Server
	tracer       *telemetry.Provider
	pg           *pgxpool.Pool

	// closers release infrastructure clients in reverse order of creation.
	closers []closer
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

func (a *App) onClose(name string, fn func(ctx context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Build creates the application's dependencies without starting any of them.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	app.tracer, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.onClose("tracer", app.tracer.Shutdown)

	logger.Info("building application dependencies",
		zap.String("broker", cfg.Queue.Broker),
		zap.String("progress", cfg.Queue.Progress),
		zap.Strings("results", cfg.Storage.Results),
		zap.Int("pool_max", cfg.Browser.MaxSize),
	)

	results, err := setupResults(ctx, app)
	if err != nil {
		return nil, err
	}

	if err = app.buildScanner(results); err != nil {
		return nil, err
	}

	sites, err := setupSites(app)
	if err != nil {
		return nil, err
	}
	if app.broker, err = setupBroker(ctx, app); err != nil {
		return nil, err
	}
	progress, err := setupProgress(ctx, app)
	if err != nil {
		return nil, err
	}
	app.queue = queue.New(
		cfg.Queue.Settings,
		app.broker,
		progress,
		queue.NewJobHandler(app.orchestrator, sites, logger.Named("jobs")),
		logger.Named("queue"),
	)

	if len(cfg.Schedules) > 0 {
		app.scheduler, err = scheduler.New(cfg.Schedules, app.queue, logger.Named("scheduler"))
		if err != nil {
			return nil, fmt.Errorf("scheduler init failed: %w", err)
		}
	}

	app.apiServer = api.NewServer(api.Deps{
		Jobs:    app.queue,
		Scanner: app.orchestrator,
		Pool:    app.pool,
		Memory:  app.monitor,
	}, cfg.API, logger.Named("api"))
	return app, nil
}

// buildScanner assembles the pool, session runner, checkers, form tester, orchestrator
// and memory monitor.
func (a *App) buildScanner(results qa.ResultStore) error {
	cfg := a.cfg
	launcher := headless.NewLauncher(cfg.Launcher(), a.logger.Named("launcher"))
	pool, err := browser.NewPool(cfg.Pool(), launcher, a.logger.Named("pool"))
	if err != nil {
		return fmt.Errorf("browser pool init failed: %w", err)
	}
	a.pool = pool

	runner := session.NewRunner(pool, cfg.Session.AcquireTimeout, cfg.SessionOptions(), a.logger.Named("session"))
	pipeline := checks.NewPipeline(a.logger.Named("checks"),
		checks.NewLinks(cfg.Links(), probe.New(cfg.Prober())),
		checks.NewSEO(),
		checks.NewPerformance(cfg.Performance()),
		checks.NewAccessibility(cfg.Accessibility()),
	)
	tester := forms.NewTester(cfg.FormTester(), a.logger.Named("forms"))
	a.orchestrator = orchestrator.New(cfg.Orchestrator, runner, pipeline, tester, results, a.logger.Named("orchestrator"))

	var monitor *memory.Monitor
	monitor = memory.New(cfg.Monitor(), a.logger.Named("memory"),
		memory.WithExternalSampler(func() (uint64, error) {
			return memory.ProcessRSS(pool.PIDs())
		}),
		memory.WithCriticalHandler(func(_ context.Context, m memory.Measurement) {
			monitor.ForceReclaim()
			retired := pool.Shrink()
			a.logger.Warn("critical memory pressure, shrank browser pool",
				zap.Uint64("heap_used", m.HeapUsed),
				zap.Int("retired", retired),
			)
		}),
		memory.WithInFlight(a.orchestrator.InFlight),
	)
	a.monitor = monitor
	return nil
}

func setupSites(app *App) (qa.SiteProvider, error) {
	if len(app.cfg.Sites.Sites) == 0 {
		app.logger.Warn("no sites configured, jobs must list their URLs")
		return nil, nil
	}
	sites, err := siteprovider.NewStatic(app.cfg.Sites)
	if err != nil {
		return nil, fmt.Errorf("site provider init failed: %w", err)
	}
	app.logger.Info("site catalog loaded", zap.Int("sites", len(app.cfg.Sites.Sites)))
	return sites, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Scanner returns the orchestrator for one-shot scans.
func (a *App) Scanner() *orchestrator.Orchestrator {
	return a.orchestrator
}

// StartScanner starts the browser pool and the memory monitor.
func (a *App) StartScanner(ctx context.Context) error {
	if err := a.pool.Start(ctx); err != nil {
		return fmt.Errorf("start browser pool: %w", err)
	}
	a.monitor.Start(ctx)
	return nil
}

// Run starts every component and blocks until ctx is canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.StartScanner(ctx); err != nil {
		return errors.Join(err, a.Close(context.Background()))
	}

	// Jobs keep running through shutdown until the drain deadline.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		if err := a.queue.Run(workCtx); err != nil {
			a.logger.Error("queue stopped", zap.Error(err))
		}
	}()
	if a.scheduler != nil {
		a.scheduler.Start()
	}

	srv := &http.Server{
		Addr:              a.cfg.API.Addr,
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.cfg.API.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	if err := a.broker.Close(); err != nil {
		a.logger.Warn("broker close failed", zap.Error(err))
	}
	select {
	case <-queueDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("drain deadline reached, canceling running jobs")
		cancelWork()
		<-queueDone
	}
	return a.Close(shutdownCtx)
}

// Close stops the scanner and releases infrastructure. It is safe after a partial start.
func (a *App) Close(ctx context.Context) error {
	if a.monitor != nil {
		a.monitor.Stop()
	}
	var err error
	if a.pool != nil {
		if destroyErr := a.pool.Destroy(ctx); destroyErr != nil {
			err = fmt.Errorf("destroy browser pool: %w", destroyErr)
		}
	}
	a.closeInfrastructure(ctx)
	if syncErr := a.logger.Sync(); syncErr != nil {
		a.logger.Debug("logger sync failed", zap.Error(syncErr))
	}
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
