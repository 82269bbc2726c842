package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/quotagate/internal/adapters/api"
	"github.com/poyrazK/quotagate/internal/adapters/ratelimit"
	"github.com/poyrazK/quotagate/internal/adapters/repository"
	"github.com/poyrazK/quotagate/internal/core/ports"
	"github.com/poyrazK/quotagate/internal/core/services"
	"github.com/poyrazK/quotagate/internal/infrastructure/config"
	"github.com/poyrazK/quotagate/internal/infrastructure/logging"
	"github.com/poyrazK/quotagate/internal/infrastructure/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	memorySweepInterval = time.Minute
	dbStatsInterval     = 15 * time.Second
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
}

// app holds everything the gateway owns, in construction order.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	db        *sql.DB
	repo      ports.Repository
	store     ports.RateLimitStore
	usage     *services.UsageRecorder
	retention *services.RetentionScheduler
	handler   http.Handler
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("unable to open database: %w", err)
		}
		pg := repository.NewPostgresRepository(db)
		if err := pg.Ping(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("unable to reach database: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
		a.db, a.repo = db, pg
		logger.Info("using postgres repository")
	} else {
		a.repo = repository.NewMemoryRepository()
		logger.Warn("DATABASE_URL not set, using in-memory repository")
	}

	if cfg.RedisAddr != "" {
		rs := ratelimit.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
		a.store = rs
		logger.Info("using redis rate limit store", "addr", cfg.RedisAddr)
	} else {
		a.store = ratelimit.NewMemoryStore(time.Now, memorySweepInterval)
		logger.Warn("REDIS_ADDR not set, rate limits are local to this instance")
	}

	a.usage = services.NewUsageRecorder(a.repo, a.repo, services.UsageRecorderConfig{
		QueueSize:    cfg.UsageQueueSize,
		Workers:      cfg.UsageWorkers,
		WriteTimeout: cfg.UsageWriteTimeout,
	}, logger)
	a.retention = services.NewRetentionScheduler(a.usage, cfg.UsageCleanupSchedule, cfg.UsageRetentionDays, logger)

	gate := api.Gate{
		Keys: services.NewAPIKeyService(a.repo, a.usage, logger),
		Auth: services.NewAuthService(a.repo, services.AuthConfig{
			Secret:     cfg.JWTSecret,
			AccessTTL:  cfg.JWTAccessTTL,
			RefreshTTL: cfg.JWTRefreshTTL,
		}, logger),
		Limiter:     services.NewRateLimiter(a.store, time.Now, logger),
		Concurrency: services.NewConcurrencyLimiter(),
		Usage:       a.usage,
		FailOpen:    cfg.RateLimitFailOpen,
		Logger:      logger,
	}

	h := api.NewAPIHandler(gate).
		WithHealthCheck("database", a.repo).
		WithHealthCheck("ratelimit_store", a.store)
	if cfg.UpstreamURL != "" {
		target, err := url.Parse(cfg.UpstreamURL)
		if err != nil {
			return nil, fmt.Errorf("invalid UPSTREAM_URL: %w", err)
		}
		h.WithUpstream(target)
		logger.Info("proxying gated traffic", "upstream", target.String())
	}
	a.handler = api.NewRouter(h)
	return a, nil
}

// close releases resources in reverse construction order.
func (a *app) close(ctx context.Context) {
	a.retention.Stop()
	if err := a.usage.Close(ctx); err != nil {
		a.logger.Warn("usage recorder did not drain", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close rate limit store", "error", err)
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if err := a.retention.Start(ctx); err != nil {
		a.close(context.Background())
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.close(shutdownCtx)
		return err
	})
	if a.db != nil {
		g.Go(func() error {
			ticker := time.NewTicker(dbStatsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					metrics.DBConnectionsActive.Set(float64(a.db.Stats().InUse))
				}
			}
		})
	}
	return g.Wait()
}
