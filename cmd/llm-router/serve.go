package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/llm-router/config"
	"github.com/vnmchuo/llm-router/internal/auth"
	"github.com/vnmchuo/llm-router/internal/billing"
	"github.com/vnmchuo/llm-router/internal/provider/vendors"
	"github.com/vnmchuo/llm-router/internal/proxy"
	"github.com/vnmchuo/llm-router/internal/router"
	"github.com/vnmchuo/llm-router/internal/telemetry"
	"github.com/vnmchuo/llm-router/pkg/ratelimit"
)

func runServe(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer(serviceName)

	svc, err := newService(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	var (
		authMiddleware auth.Middleware
		authCache      auth.Cache
		billingStore   billing.Store
		usage          proxy.UsageSink
		limiter        *ratelimit.Limiter
	)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		logger.Info("Redis connected")
		authCache = auth.NewRedisCache(rdb, auth.DefaultCacheTTL)
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	}

	if cfg.PostgresDSN != "" {
		pool, err := connectPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		logger.Info("PostgreSQL connected")

		authStore := auth.NewPostgresStore(pool)
		usageStore := billing.NewPostgresStore(pool)
		if err := authStore.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := usageStore.EnsureSchema(ctx); err != nil {
			return err
		}

		authMiddleware = auth.NewMiddleware(authStore, authCache, logger)
		billingStore = billing.NewBreakerStore(usageStore, logger)
		recorder := billing.NewRecorder(billingStore, billing.DefaultRecorderBuffer, logger)
		defer recorder.Close()
		usage = recorder
	} else {
		logger.Warn("POSTGRES_DSN not set: API is unauthenticated and usage is not logged")
	}

	handler := proxy.NewHandler(svc, usage, billingStore, limiter, tracer, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      proxy.NewRouter(handler, authMiddleware, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: router.DefaultCallTimeout*router.DefaultMaxAttempts + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("port", cfg.Port).Info("LLM Router starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("forced shutdown: %w", err)
		}
		return nil
	})
	if cfg.ProvidersFile != "" {
		g.Go(func() error {
			return config.Watch(ctx, cfg.ProvidersFile, logger, func() {
				reloadProviders(cfg, svc, logger)
			})
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func newService(cfg *config.Config, logger *logrus.Logger) (*router.Service, error) {
	profiles, routing, err := cfg.Providers()
	if err != nil {
		return nil, err
	}
	return router.NewService(profiles, routing, router.Options{
		Factory:     vendors.New,
		Logger:      logger,
		Tracer:      otel.GetTracerProvider().Tracer(serviceName),
		QueueDepth:  cfg.QueueDepth,
		QueuePacing: cfg.QueuePacing,
	})
}

// reloadProviders re-reads the providers file. An invalid file leaves the running set untouched.
func reloadProviders(cfg *config.Config, svc *router.Service, logger logrus.FieldLogger) {
	profiles, routing, err := config.ReadProvidersFile(cfg.ProvidersFile, cfg.Routing)
	if err == nil {
		err = svc.Reconfigure(profiles, routing)
	}
	if err != nil {
		logger.WithError(err).Error("Provider reload failed, keeping previous configuration")
	}
}

func connectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}
