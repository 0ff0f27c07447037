// Package app wires configuration into the long-lived harvester services and
// exposes the operations the CLI and HTTP server drive.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/story-harvester/internal/api"
	"github.com/JakeFAU/story-harvester/internal/browser"
	"github.com/JakeFAU/story-harvester/internal/cancel"
	"github.com/JakeFAU/story-harvester/internal/clock/system"
	"github.com/JakeFAU/story-harvester/internal/config"
	"github.com/JakeFAU/story-harvester/internal/detector"
	"github.com/JakeFAU/story-harvester/internal/harvest"
	iduuid "github.com/JakeFAU/story-harvester/internal/id/uuid"
	"github.com/JakeFAU/story-harvester/internal/metrics"
	"github.com/JakeFAU/story-harvester/internal/orchestrator"
	"github.com/JakeFAU/story-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/story-harvester/internal/progress"
	"github.com/JakeFAU/story-harvester/internal/progress/sinks"
	"github.com/JakeFAU/story-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/story-harvester/internal/scoring"
	"github.com/JakeFAU/story-harvester/internal/session"
	"github.com/JakeFAU/story-harvester/internal/storage"
	"github.com/JakeFAU/story-harvester/internal/store"
	"github.com/JakeFAU/story-harvester/internal/usage"
	"github.com/JakeFAU/story-harvester/internal/worker"
)

// App holds the shared services for one process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    *store.Store
	history  *usage.History
	selector *usage.Selector
	worker   *worker.Worker
	runs     *RunManager

	registerer prometheus.Registerer
	orchOpts   []orchestrator.Option
	closers    []func() error
}

type options struct {
	launcher    session.Launcher
	backend     store.Backend
	oracle      scoring.Oracle
	publisher   harvest.Publisher
	registerer  prometheus.Registerer
	sessionOpts []session.Option
	workerOpts  []worker.Option
	orchOpts    []orchestrator.Option
}

// Option customizes NewApp, mostly so tests can avoid Chrome and the network.
type Option func(*options)

// WithLauncher replaces the chromedp browser launcher.
func WithLauncher(l session.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithBackend replaces the configured storage backend.
func WithBackend(b store.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithOracle replaces the Ollama client.
func WithOracle(oracle scoring.Oracle) Option {
	return func(o *options) { o.oracle = oracle }
}

// WithPublisher replaces the Pub/Sub publisher, even when pubsub is disabled.
func WithPublisher(p harvest.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithRegisterer sets where per-run progress collectors are registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithSessionOptions forwards options to every crawl session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// WithWorkerOptions forwards options to the source worker.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(o *options) { o.workerOpts = append(o.workerOpts, opts...) }
}

// WithOrchestratorOptions forwards options to every orchestrator run.
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(o *options) { o.orchOpts = append(o.orchOpts, opts...) }
}

// NewApp opens storage, the usage history and the optional publisher, then
// assembles the crawl pipeline. Call Close when done.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	a := &App{
		cfg:        cfg,
		logger:     logger,
		registerer: o.registerer,
		orchOpts:   o.orchOpts,
	}

	backend := o.backend
	if backend == nil {
		b, err := storage.Open(ctx, cfg.Storage, logger.Named("storage"))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		backend = b
	}
	st, err := store.New(backend, system.New(), iduuid.New(), logger.Named("store"))
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	history, err := usage.Open(ctx, cfg.Usage, logger.Named("usage"))
	if err != nil {
		_ = a.closeAll()
		return nil, fmt.Errorf("open usage history: %w", err)
	}
	a.history = history
	a.closers = append(a.closers, history.Close)
	a.selector = usage.NewSelector(st, history, cfg.SelectionRules(), logger.Named("selector"))

	publisher := o.publisher
	if publisher == nil && cfg.PubSub.Enabled {
		p, err := pubsub.Open(ctx, cfg.PubSub.Config)
		if err != nil {
			_ = a.closeAll()
			return nil, fmt.Errorf("open pubsub: %w", err)
		}
		publisher = p
		a.closers = append(a.closers, p.Close)
	}

	oracle := o.oracle
	if oracle == nil {
		oracle = scoring.NewOllamaClient(cfg.Scoring)
	}
	gate := scoring.NewGate(oracle, cfg.Scoring, logger.Named("scoring"))

	launcher := o.launcher
	if launcher == nil {
		launcher = browserLauncher(cfg.Browser, logger.Named("browser"))
	}
	sessions := session.NewFactory(
		launcher,
		st,
		detector.NewBlockHeuristic(cfg.Detector),
		cfg.Session,
		logger.Named("session"),
		append([]session.Option{session.WithNavigationGate(ratelimit.New(cfg.Navigation))}, o.sessionOpts...)...,
	)

	workerOpts := o.workerOpts
	if publisher != nil {
		workerOpts = append([]worker.Option{worker.WithPublisher(publisher)}, workerOpts...)
	}
	a.worker = worker.New(sessions, gate, st, cfg.Worker, logger.Named("worker"), workerOpts...)
	a.runs = NewRunManager(a, logger.Named("runs"))

	logger.Info("harvester ready",
		zap.String("storage", cfg.Storage.Backend),
		zap.Int("sources", len(cfg.Sources)),
		zap.Bool("pubsub", publisher != nil),
	)
	return a, nil
}

var _ session.Locator = (*browser.Browser)(nil)

// browserLauncher adapts browser.Launch to session.Launcher. A failed launch
// returns an untyped nil Page.
func browserLauncher(cfg browser.Config, logger *zap.Logger) session.Launcher {
	return func(ctx context.Context) (session.Page, error) {
		b, err := browser.Launch(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Store returns the persistent item store.
func (a *App) Store() harvest.ItemStore { return a.store }

// Selector returns the renderer-facing item selector.
func (a *App) Selector() api.Selector { return a.selector }

// Runs returns the background run manager used by the HTTP server.
func (a *App) Runs() *RunManager { return a.runs }

// CrawlRequest describes one acquisition pass. Zero values fall back to config.
type CrawlRequest struct {
	Count   int
	Sources []string
	RunID   uuid.UUID
	// TopUp skips the crawl while orchestrator.min_unused items are unused.
	TopUp bool
	// Sinks receive progress events in addition to the log and Prometheus sinks.
	Sinks []progress.Sink
}

// Crawl runs one acquisition pass to completion or cancellation. Only
// request and setup errors are returned; per-source failures end up in the
// report.
func (a *App) Crawl(ctx context.Context, req CrawlRequest, token *cancel.Token) (orchestrator.Report, error) {
	count := req.Count
	if count <= 0 {
		count = a.cfg.Orchestrator.Target
	}
	names := req.Sources
	if len(names) == 0 {
		names = a.cfg.Sources
	}
	srcs, err := harvest.ParseSources(names)
	if err != nil {
		return orchestrator.Report{}, fmt.Errorf("parse sources: %w", err)
	}
	if len(srcs) == 0 {
		return orchestrator.Report{}, errors.New("no sources to crawl")
	}
	unused := 0
	if req.TopUp && a.cfg.Orchestrator.MinUnused > 0 {
		stats, err := a.selector.Stats(ctx)
		if err != nil {
			return orchestrator.Report{}, fmt.Errorf("count unused items: %w", err)
		}
		unused = stats.Unused
		if unused >= a.cfg.Orchestrator.MinUnused {
			a.logger.Info("enough unused items, skipping crawl",
				zap.Int("unused", unused),
				zap.Int("min_unused", a.cfg.Orchestrator.MinUnused))
			return orchestrator.Report{UnusedBefore: unused, TopUpSkipped: true}, nil
		}
		a.logger.Info("topping up item pool",
			zap.Int("unused", unused),
			zap.Int("min_unused", a.cfg.Orchestrator.MinUnused),
			zap.Int("count", count))
	}
	runID := req.RunID
	if runID == uuid.Nil {
		if runID, err = uuid.NewV7(); err != nil {
			return orchestrator.Report{}, fmt.Errorf("generate run id: %w", err)
		}
	}

	promSink, err := sinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return orchestrator.Report{}, fmt.Errorf("progress metrics: %w", err)
	}
	all := append([]progress.Sink{sinks.NewLogSink(a.logger.Named("progress")), promSink}, req.Sinks...)
	hub := progress.NewHub(a.cfg.Progress, a.logger.Named("progress"), all...)
	reporter := progress.NewReporter(hub, runID)

	opts := append([]orchestrator.Option{orchestrator.WithReporter(reporter)}, a.orchOpts...)
	orch := orchestrator.New(a.worker, a.cfg.Orchestrator.Config, a.logger.Named("orchestrator"), opts...)
	report := orch.RunAll(ctx, srcs, count, token)
	report.UnusedBefore = unused

	closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelClose()
	if err := hub.Close(closeCtx); err != nil {
		a.logger.Warn("progress hub close failed", zap.Error(err))
	}
	return report, nil
}

// Serve runs the HTTP server until ctx is done, then drains in-flight
// requests and stops any active run.
func (a *App) Serve(ctx context.Context) error {
	srv := api.NewServer(a.store, a.selector, a.runs, a.cfg.SelectionRules(), a.logger.Named("api"))
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := a.runs.Stop(shutdownCtx); err != nil {
		a.logger.Warn("active run did not stop in time", zap.Error(err))
	}
	a.logger.Info("http server stopped")
	return nil
}

// Close releases storage, the usage history and the publisher.
func (a *App) Close() error {
	return a.closeAll()
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
