// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bissquit/agentic-notifier/internal/config"
	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/bissquit/agentic-notifier/internal/notifications/email"
	"github.com/bissquit/agentic-notifier/internal/pkg/ctxlog"
	"github.com/bissquit/agentic-notifier/internal/pkg/httputil"
	"github.com/bissquit/agentic-notifier/internal/pkg/metrics"
	"github.com/bissquit/agentic-notifier/internal/pkg/tracing"
	"github.com/bissquit/agentic-notifier/internal/rules"
	natssource "github.com/bissquit/agentic-notifier/internal/source/nats"
	"github.com/bissquit/agentic-notifier/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"
)

const maxRequestBody = 1 << 20

// App represents the application instance.
type App struct {
	config          *config.Config
	logger          *slog.Logger
	logOutput       io.Closer
	shutdownTracing tracing.ShutdownFunc

	ledger      notifications.Ledger
	collectDB   func()
	resolver    *rules.Resolver
	queue       *notifications.Queue
	pool        *notifications.Pool
	coordinator *notifications.Coordinator
	maintenance *notifications.Maintenance
	nc          *nats.Conn
	consumer    *natssource.Consumer

	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance. Nothing runs until Start or Run.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	logger, logOutput := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config:    cfg,
		logger:    logger,
		logOutput: logOutput,
	}
	defer func() {
		if err != nil {
			_ = app.release()
		}
	}()

	app.shutdownTracing, err = tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	app.ledger, app.collectDB, err = openLedger(ctx, cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	renderer, err := notifications.NewRenderer(cfg.Templates.Dir)
	if err != nil {
		return nil, fmt.Errorf("create renderer: %w", err)
	}

	ruleSet, err := rules.LoadFile(cfg.Rules.File)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	app.resolver, err = rules.NewResolver(ruleSet, renderer)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	transport, err := email.NewTransport(email.Config{
		Enabled:      cfg.SMTP.Enabled,
		SMTPHost:     cfg.SMTP.Host,
		SMTPPort:     cfg.SMTP.Port,
		SMTPUser:     cfg.SMTP.Username,
		SMTPPassword: cfg.SMTP.Password,
		FromAddress:  cfg.SMTP.From,
		TLSPolicy:    cfg.SMTP.TLSPolicy,
		Timeout:      cfg.SMTP.Timeout,
		RateLimit:    cfg.SMTP.RateLimit,
		Burst:        cfg.SMTP.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("create email transport: %w", err)
	}
	if !cfg.SMTP.Enabled {
		slog.Warn("email transport is disabled: notifications will be marked delivered without being sent")
	}

	var publisher notifications.ResultPublisher = notifications.NopPublisher{}
	var decisions notifications.DecisionPublisher = notifications.NopPublisher{}
	if cfg.Source.Enabled {
		app.nc, err = natssource.Connect(app.sourceConfig())
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		if cfg.Source.ResultsSubject != "" {
			publisher = natssource.NewResultPublisher(app.nc, cfg.Source.ResultsSubject)
		}
		if cfg.Source.DecisionsSubject != "" {
			decisions = natssource.NewDecisionPublisher(app.nc, cfg.Source.DecisionsSubject)
		}
	}

	app.queue = notifications.NewQueue(cfg.Queue.Capacity)
	app.pool = notifications.NewPool(notifications.WorkerConfig{
		NumWorkers:        cfg.Worker.Count,
		SendTimeout:       cfg.Worker.SendTimeout,
		ShutdownGrace:     cfg.Worker.ShutdownGrace,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		Jitter:            cfg.Retry.Jitter,
		Lease:             cfg.Ledger.Lease,
	}, app.queue, app.ledger, transport, renderer, publisher)
	app.coordinator = notifications.NewCoordinator(app.resolver, app.ledger, app.queue, app.pool, cfg.Ledger.Lease)
	app.coordinator.SetDecisionPublisher(decisions)

	app.maintenance, err = notifications.NewMaintenance(notifications.MaintenanceConfig{
		ReclaimInterval: cfg.Maintenance.ReclaimInterval,
		Lease:           cfg.Ledger.Lease,
		Retention:       cfg.Maintenance.Retention,
		PurgeInterval:   cfg.Maintenance.PurgeInterval,
		StatsInterval:   cfg.Maintenance.StatsInterval,
	}, app.ledger, app.queue)
	if err != nil {
		return nil, fmt.Errorf("create maintenance jobs: %w", err)
	}

	if app.nc != nil {
		app.consumer, err = natssource.NewConsumer(ctx, app.sourceConfig(), app.nc, app.coordinator, app.ledger)
		if err != nil {
			return nil, fmt.Errorf("create event source: %w", err)
		}
	}

	metrics.RecordBuildInfo(version.Version, version.GitCommit, cfg.Ledger.Driver)
	slog.Info("dispatch pipeline configured",
		"ledger", cfg.Ledger.Driver,
		"rules", app.resolver.Snapshot().Len(),
		"templates", len(renderer.IDs()),
		"email_enabled", cfg.SMTP.Enabled,
		"source_enabled", cfg.Source.Enabled,
	)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func (a *App) sourceConfig() natssource.Config {
	return natssource.Config{
		URL:            a.config.Source.URL,
		Stream:         a.config.Source.Stream,
		SubjectPrefix:  a.config.Source.SubjectPrefix,
		Partitions:     a.config.Source.Partitions,
		ConsumerPrefix: a.config.Source.ConsumerPrefix,
		FetchWait:      a.config.Source.FetchWait,
		NakDelay:       a.config.Source.NakDelay,
		AckWait:        a.config.Source.AckWait,
		ConnectTimeout: a.config.Source.ConnectTimeout,
	}
}

// Start launches the workers, the maintenance jobs and the event source.
func (a *App) Start(ctx context.Context) error {
	metricsCtx, metricsCancel := context.WithCancel(context.WithoutCancel(ctx))
	a.metricsCancel = metricsCancel
	if a.collectDB != nil {
		go a.collectDBMetrics(metricsCtx)
	}

	a.pool.Start(ctx)
	a.maintenance.Start()

	if a.consumer != nil {
		if err := a.consumer.Start(ctx); err != nil {
			return fmt.Errorf("start event source: %w", err)
		}
	}
	return nil
}

// Run starts the pipeline and the HTTP servers. It blocks until the control
// surface server stops.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops intake first, drains the workers and then releases the
// ledger and exporters.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	var errs []error

	if a.consumer != nil {
		a.consumer.Stop()
	}

	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}

	a.pool.Shutdown(ctx)

	if err := a.maintenance.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown maintenance: %w", err))
	}

	if err := a.metricsServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
	}

	if err := a.release(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// release closes the connections and exporters opened by New.
func (a *App) release() error {
	var errs []error

	if a.metricsCancel != nil {
		a.metricsCancel()
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain nats: %w", err))
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
	}
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	if a.logOutput != nil {
		_ = a.logOutput.Close()
	}

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	a.collectDB()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.collectDB()
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Coordinator returns the event coordinator.
func (a *App) Coordinator() *notifications.Coordinator {
	return a.coordinator
}

// Ledger returns the configured ledger.
func (a *App) Ledger() notifications.Ledger {
	return a.ledger
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.TracingMiddleware("control-surface"))
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	handler := notifications.NewHandler(a.coordinator, a.resolver, a.ledger, func() ([]rules.RoutingRule, error) {
		return rules.LoadFile(a.config.Rules.File)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.MaxBodyMiddleware(maxRequestBody))
		handler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.ledger.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Ledger unavailable")
		return
	}

	if a.nc != nil && !a.nc.IsConnected() {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "nats_status", a.nc.Status().String())
		httputil.Text(w, http.StatusServiceUnavailable, "Event source unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

// initLogger builds the process logger. When cfg.File is set, output goes to
// a size-rotated file and the returned closer releases it.
func initLogger(cfg config.LogConfig) (*slog.Logger, io.Closer) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	var closer io.Closer
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out, closer = rotating, rotating
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closer
}
