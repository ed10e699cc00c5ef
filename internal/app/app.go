// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bissquit/alarm-relay/internal/api"
	"github.com/bissquit/alarm-relay/internal/cleanup"
	"github.com/bissquit/alarm-relay/internal/config"
	"github.com/bissquit/alarm-relay/internal/dispatcher"
	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/ingest"
	amqpingest "github.com/bissquit/alarm-relay/internal/ingest/amqp"
	"github.com/bissquit/alarm-relay/internal/pkg/ctxlog"
	"github.com/bissquit/alarm-relay/internal/pkg/httputil"
	"github.com/bissquit/alarm-relay/internal/pkg/metrics"
	"github.com/bissquit/alarm-relay/internal/priority"
	"github.com/bissquit/alarm-relay/internal/queue"
	"github.com/bissquit/alarm-relay/internal/ratelimit"
	"github.com/bissquit/alarm-relay/internal/render"
	"github.com/bissquit/alarm-relay/internal/telegram"
	"github.com/bissquit/alarm-relay/internal/tenant"
	"github.com/bissquit/alarm-relay/internal/version"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	backend       *backend
	queue         *queue.Queue
	cache         *tenant.Cache
	dispatcher    *dispatcher.Dispatcher
	cleanup       *cleanup.Scheduler
	consumer      *amqpingest.Consumer
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
}

// New creates a new application instance and starts its background workers.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)
	build := version.Get()
	metrics.Build.WithLabelValues(build.Version, build.Commit).Set(1)

	connectTimeout := cfg.Database.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	connectCtx, connectCancel := context.WithTimeout(context.Background(), connectTimeout)
	defer connectCancel()

	b, err := openBackend(connectCtx, cfg, logger)
	if err != nil {
		return nil, err
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		backend:  b,
		bgCancel: bgCancel,
	}

	router, err := app.setup(bgCtx)
	if err != nil {
		bgCancel()
		app.stopWorkers()
		b.close()
		return nil, err
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
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

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"storage_backend", a.config.Storage.Backend,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Stop intake and dispatch before the storage goes away.
	a.stopWorkers()
	a.bgCancel()

	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.backend.close()

	return errors.Join(errs...)
}

func (a *App) stopWorkers() {
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.logger.Error("failed to close amqp consumer", "error", err)
		}
		a.consumer = nil
	}
	if a.dispatcher != nil {
		a.dispatcher.Stop()
		a.dispatcher = nil
	}
	if a.cleanup != nil {
		a.cleanup.Stop()
		a.cleanup = nil
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Queue returns the queue core. Used in tests to inspect entries.
func (a *App) Queue() *queue.Queue {
	return a.queue
}

func (a *App) setup(ctx context.Context) (*chi.Mux, error) {
	cfg := a.config

	tenantSource, fileSource, err := a.tenantSource()
	if err != nil {
		return nil, err
	}
	a.cache = tenant.NewCache(tenantSource, cfg.Priority.CacheTTL, tenant.WithLogger(a.logger))
	if fileSource != nil {
		go a.reloadTenantFile(ctx, fileSource)
	}

	a.queue = queue.New(a.backend.store,
		queue.WithMaxRetries(cfg.Dispatcher.MaxRetries),
		queue.WithLogger(a.logger),
	)
	resolver := priority.NewResolver(a.cache, a.logger)
	limiter := ratelimit.New(a.backend.store, a.cache, domain.RateControl{
		BatchSize:                  cfg.Dispatcher.BatchSize,
		DelayBetweenBatchesSeconds: cfg.Dispatcher.DelayBetweenBatchesSeconds,
		MaxRetries:                 cfg.Dispatcher.MaxRetries,
		RetryBackoff:               domain.BackoffStrategy(cfg.Dispatcher.RetryBackoff),
		BaseDelaySeconds:           cfg.Dispatcher.BaseDelaySeconds,
	}, ratelimit.WithLogger(a.logger))
	ingestService := ingest.NewService(a.queue, resolver, a.cache, a.logger)

	go a.collectQueueMetrics(ctx)

	if cfg.Dispatcher.Enabled {
		renderer, err := render.NewRenderer()
		if err != nil {
			return nil, fmt.Errorf("create renderer: %w", err)
		}

		client := telegram.NewClient(telegram.Config{
			APIURL:    cfg.Telegram.APIURL,
			RateLimit: cfg.Telegram.RateLimit,
			Timeout:   cfg.Telegram.Timeout,
		})

		if cfg.Telegram.BotToken == "" || cfg.Telegram.ChatID == "" {
			a.logger.Warn("no default telegram credentials: tenants without their own will have alarms failed")
		}

		a.dispatcher = dispatcher.New(dispatcher.Config{
			TickInterval:         cfg.Dispatcher.TickInterval,
			MaxConcurrentTenants: cfg.Dispatcher.MaxConcurrentTenants,
			SendTimeout:          cfg.Dispatcher.SendTimeout,
			Priorities:           toPriorities(cfg.Dispatcher.Priorities),
			DefaultCredentials: domain.TelegramCredentials{
				BotToken: cfg.Telegram.BotToken,
				ChatID:   cfg.Telegram.ChatID,
			},
			ClaimTTL: claimTTL(cfg.Cleanup),
		}, a.queue, limiter, a.cache, client, renderer, dispatcher.WithLogger(a.logger))
		a.dispatcher.Start(ctx)
	} else {
		a.logger.Warn("dispatcher is disabled: alarms will be queued but not sent")
	}

	if cfg.Cleanup.Enabled {
		a.cleanup, err = cleanup.New(cleanup.Config{
			Schedule:         cfg.Cleanup.Schedule,
			RecoverySchedule: cfg.Cleanup.RecoverySchedule,
			RetentionDays:    cfg.Cleanup.RetentionDays,
			StuckAfter:       cfg.Cleanup.StuckAfter,
		}, a.queue, a.logger)
		if err != nil {
			return nil, fmt.Errorf("create cleanup scheduler: %w", err)
		}
		if err := a.cleanup.Start(ctx); err != nil {
			return nil, fmt.Errorf("start cleanup scheduler: %w", err)
		}
	}

	if cfg.AMQP.Enabled {
		a.consumer = amqpingest.NewConsumer(amqpingest.Config{
			URL:             cfg.AMQP.URL,
			Exchange:        cfg.AMQP.Exchange,
			Queue:           cfg.AMQP.Queue,
			RoutingKey:      cfg.AMQP.RoutingKey,
			Prefetch:        cfg.AMQP.Prefetch,
			ConnectAttempts: cfg.AMQP.ConnectAttempts,
		}, ingestService, a.logger)
		if err := a.consumer.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect amqp consumer: %w", err)
		}
		if err := a.consumer.Start(ctx); err != nil {
			return nil, fmt.Errorf("start amqp consumer: %w", err)
		}
	}

	return a.setupRouter(api.NewHandler(ingestService, a.queue, a.cache, limiter)), nil
}

func (a *App) setupRouter(apiHandler *api.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.TokenAuthMiddleware(a.config.Auth.Tokens))
		apiHandler.RegisterRoutes(r)
		apiHandler.RegisterOpsRoutes(r)
	})

	return r
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.queue.Stats(ctx, "")
			if err != nil {
				a.logger.Error("failed to get queue stats", "error", err)
				continue
			}
			queue.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) reloadTenantFile(ctx context.Context, fs *tenant.FileSource) {
	interval := a.config.Priority.CacheTTL
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := fs.Reload(); err != nil {
				a.logger.Error("failed to reload tenant file, keeping previous contents", "error", err)
				continue
			}
			a.cache.InvalidateAll()
			a.logger.Debug("tenant file reloaded", "tenants", fs.Len())
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.backend.store.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Storage unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

// claimTTL is the stuck-recovery threshold when recovery runs, zero otherwise.
func claimTTL(cfg config.CleanupConfig) time.Duration {
	if !cfg.Enabled {
		return 0
	}
	return cfg.StuckAfter
}

func toPriorities(values []int) []domain.Priority {
	if len(values) == 0 {
		return nil
	}
	out := make([]domain.Priority, len(values))
	for i, v := range values {
		out[i] = domain.Priority(v)
	}
	return out
}

func initLogger(cfg config.LogConfig) *slog.Logger {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
