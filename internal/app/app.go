// Package app wires configuration, storage, the delivery pipeline and the
// HTTP surface into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abeyoshida/kuanalu-sub000/internal/config"
	"github.com/abeyoshida/kuanalu-sub000/internal/inbox"
	inboxpg "github.com/abeyoshida/kuanalu-sub000/internal/inbox/postgres"
	"github.com/abeyoshida/kuanalu-sub000/internal/mailer"
	mailerpg "github.com/abeyoshida/kuanalu-sub000/internal/mailer/postgres"
	"github.com/abeyoshida/kuanalu-sub000/internal/mailer/resend"
	"github.com/abeyoshida/kuanalu-sub000/internal/migrations"
	"github.com/abeyoshida/kuanalu-sub000/internal/pkg/httputil"
	"github.com/abeyoshida/kuanalu-sub000/internal/pkg/metrics"
	"github.com/abeyoshida/kuanalu-sub000/internal/pkg/postgres"
	"github.com/abeyoshida/kuanalu-sub000/internal/version"
)

const shutdownTimeout = 10 * time.Second

// App holds the assembled service.
type App struct {
	cfg           *config.Config
	logger        *slog.Logger
	pool          *pgxpool.Pool
	queueRepo     *mailerpg.Repository
	dispatcher    *mailer.Dispatcher
	server        *http.Server
	metricsServer *http.Server
}

// New builds the application: logger, database pool, migrations, the
// delivery pipeline and both HTTP servers. Nothing is listening yet;
// call Run.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
	pool, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if cfg.Database.Migrate {
		if err := migrations.Run(cfg.Database.URL); err != nil {
			pool.Close()
			return nil, err
		}
	}

	queueRepo := mailerpg.NewRepository(pool)
	inboxRepo := inboxpg.NewRepository(pool)

	sender, err := resend.NewSender(resend.Config{
		APIKey:  cfg.Mailer.Resend.APIKey,
		BaseURL: cfg.Mailer.Resend.BaseURL,
		Timeout: cfg.Mailer.Resend.Timeout,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	dispatcher := mailer.NewDispatcher(mailer.DispatcherConfig{
		InitialBackoff:    cfg.Mailer.Retry.InitialBackoff,
		MaxBackoff:        cfg.Mailer.Retry.MaxBackoff,
		BackoffMultiplier: cfg.Mailer.Retry.BackoffMultiplier,
		SendTimeout:       cfg.Mailer.Resend.Timeout,
	}, queueRepo, sender)

	producer := mailer.NewProducer(queueRepo, dispatcher, cfg.Mailer.FromAddress)

	mailerHandler := mailer.NewHandler(producer, dispatcher, queueRepo, mailer.DrainConfig{
		BatchSize:       cfg.Mailer.Drain.BatchSize,
		IncludeRetrying: cfg.Mailer.Drain.IncludeRetrying,
	})

	if cfg.Mailer.WebhookSecret == "" {
		logger.Warn("webhook secret not configured, signature verification is disabled")
	}
	webhookHandler := mailer.NewWebhookHandler(queueRepo, cfg.Mailer.WebhookSecret)

	inboxHandler := inbox.NewHandler(inbox.NewService(inboxRepo))

	a := &App{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		queueRepo:  queueRepo,
		dispatcher: dispatcher,
	}

	router := a.newRouter(mailerHandler, inboxHandler, webhookHandler)

	a.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	return a, nil
}

func (a *App) newRouter(mailerHandler *mailer.Handler, inboxHandler *inbox.Handler, webhookHandler *mailer.WebhookHandler) chi.Router {
	r := chi.NewRouter()

	r.Use(httputil.MetricsMiddleware)
	r.Use(httputil.CORSMiddleware(a.cfg.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.cfg.Server.WriteTimeout))

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	r.Get("/version", a.handleVersion)

	r.Route("/api/v1", func(r chi.Router) {
		mailerHandler.RegisterRoutes(r)
		inboxHandler.RegisterRoutes(r)
	})

	r.With(httputil.RateLimitMiddleware(a.cfg.Mailer.WebhookRPS, a.cfg.Mailer.WebhookBurst)).
		Post("/webhooks/resend", webhookHandler.Handle)

	return r
}

// Run starts both HTTP servers and the background loops, then blocks until
// the context is cancelled or a server fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		a.logger.Info("metrics server listening", "addr", a.metricsServer.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	go func() {
		a.logger.Info("server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go a.collectMetrics(ctx)
	go a.recoverStuckLoop(ctx)

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
		return a.shutdown()
	case err := <-errCh:
		a.shutdown() //nolint:errcheck // the listen failure is the root cause
		return err
	}
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	if err := a.metricsServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
	}
	a.pool.Close()

	if len(errs) == 0 {
		a.logger.Info("shutdown complete")
	}
	return errors.Join(errs...)
}

// collectMetrics periodically refreshes pool and queue gauges.
func (a *App) collectMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.pool)

			statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			stats, err := a.queueRepo.GetQueueStats(statsCtx)
			cancel()
			if err != nil {
				a.logger.Warn("failed to collect queue stats", "error", err)
				continue
			}
			mailer.RecordQueueStats(stats)
		}
	}
}

// recoverStuckLoop periodically returns items stranded in processing by a
// crashed dispatch pass back to pending.
func (a *App) recoverStuckLoop(ctx context.Context) {
	interval := a.cfg.Mailer.StuckAfter
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recoverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			recovered, err := a.dispatcher.RecoverStuck(recoverCtx, a.cfg.Mailer.StuckAfter)
			cancel()
			if err != nil {
				a.logger.Error("failed to recover stuck items", "error", err)
				continue
			}
			if recovered > 0 {
				a.logger.Warn("recovered stuck queue items", "count", recovered)
			}
		}
	}
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.pool.Ping(ctx); err != nil {
		httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleVersion(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"git_commit": version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
