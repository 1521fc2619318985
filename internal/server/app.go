// Package server initializes and runs the session authority: it opens the
// database, runs migrations, wires the lifecycle manager, token cache, sync
// client and rate limiter, starts the HTTP server, and drives the periodic
// sweeps until shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	_ "github.com/jackc/pgx/v5/stdlib"

	"sessiond/internal/logging"
	"sessiond/internal/server/config"
	"sessiond/internal/server/httpapi"
	"sessiond/internal/server/ratelimit"
	"sessiond/internal/server/repositories/repomanager"
	"sessiond/internal/server/services"
	"sessiond/internal/server/syncclient"
	"sessiond/internal/server/tokencache"
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	repos    repomanager.RepositoryManager
	sessions *services.SessionService
	cache    *tokencache.Cache
	sync     *syncclient.Client
	limiter  *ratelimit.Limiter
	server   *httpapi.Server
}

func NewApp(cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		})
		if err != nil {
			return nil, fmt.Errorf("sentry init: %w", err)
		}
	}

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("db migrations: %w", err)
	}

	cache := tokencache.New(cfg.TokenCacheTTL)
	syncClient := syncclient.New(syncclient.Options{
		BaseURL:          cfg.PeerBaseURL,
		ServiceKey:       cfg.PeerServiceKey,
		RequestTimeout:   cfg.PeerRequestTimeout,
		RetryBase:        cfg.SyncRetryBase,
		RetryCap:         cfg.SyncRetryCap,
		MaxAttempts:      cfg.SyncRetryAttempts,
		BreakerThreshold: cfg.BreakerFailureThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
		QueuePerAccount:  cfg.ReplayQueuePerAccount,
		QueueTTL:         cfg.ReplayQueueTTL,
	}, logger)

	sessions := services.NewSessionService(db, repos, cache, syncClient, cfg, logger)
	limiter := ratelimit.NewLimiter(repos.RateCounters(db), cfg.RateLimitWindow, cfg.RateLimitRequests, logger)
	server := httpapi.NewServer(cfg.EndpointAddr, sessions, limiter, cfg.ServiceKey, logger)

	return &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		repos:    repos,
		sessions: sessions,
		cache:    cache,
		sync:     syncClient,
		limiter:  limiter,
		server:   server,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// runSweeps drives the periodic maintenance loops until ctx is done.
func (app *App) runSweeps(ctx context.Context) {
	sessionTicker := time.NewTicker(app.config.SessionSweepInterval)
	cacheTicker := time.NewTicker(app.config.CacheSweepInterval)
	drainTicker := time.NewTicker(app.config.ReplayDrainInterval)
	counterTicker := time.NewTicker(app.config.CounterSweepInterval)
	defer sessionTicker.Stop()
	defer cacheTicker.Stop()
	defer drainTicker.Stop()
	defer counterTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sessionTicker.C:
			n, err := app.sessions.SweepExpiredSessions(ctx, app.config.SessionSweepGrace, app.config.SessionSweepBatch)
			if err != nil {
				app.logger.Error(ctx, "session sweep failed", "error", err.Error())
			} else if n > 0 {
				app.logger.Info(ctx, "expired sessions revoked", "count", n)
			}
		case <-cacheTicker.C:
			if n := app.cache.SweepExpired(); n > 0 {
				app.logger.Debug(ctx, "cache entries swept", "count", n)
			}
		case <-drainTicker.C:
			if n := app.sync.DrainReplay(ctx, app.config.SessionSweepBatch); n > 0 {
				app.logger.Info(ctx, "queued sync events replayed", "count", n)
			}
		case <-counterTicker.C:
			if _, err := app.limiter.SweepExpired(ctx, app.config.SessionSweepBatch); err != nil {
				app.logger.Error(ctx, "rate counter sweep failed", "error", err.Error())
			}
		}
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting app", "addr", app.config.EndpointAddr, "env", app.config.Environment)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.server.Start(ctx); err != nil {
			app.logger.Error(ctx, "http server failed", "error", err.Error())
			cancelFunc()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runSweeps(ctx)
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error(shutdownCtx, "http shutdown failed", "error", err.Error())
	}

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(shutdownCtx, "db close failed", "error", err.Error())
	}
	sentry.Flush(2 * time.Second)
	app.logger.Info(shutdownCtx, "app stopped")
}
