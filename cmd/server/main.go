package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nidohq/nido-billing/internal"
	"github.com/nidohq/nido-billing/internal/billing"
	"github.com/nidohq/nido-billing/internal/events"
	"github.com/nidohq/nido-billing/internal/handler/api"
	"github.com/nidohq/nido-billing/internal/handler/webhook"
	"github.com/nidohq/nido-billing/internal/repository"
	"github.com/nidohq/nido-billing/internal/service"
	"github.com/nidohq/nido-billing/internal/tax"
	"github.com/nidohq/nido-billing/internal/telemetry"
	"github.com/nidohq/nido-billing/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// database/sql connection just for migrations.
	sqlDB, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("closing migration connection: %w", err)
	}
	logger.Info().Msg("database migrations applied")

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()
	store := repository.NewPostgresStore(pool)

	stripeCfg := billing.StripeConfig{
		APIKey:        cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
	}
	gateway, err := billing.NewStripeGateway(stripeCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize payment gateway: %w", err)
	}
	logger.Info().Bool("test_mode", stripeCfg.IsTestMode()).Msg("stripe gateway initialized")

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		publisher = nats
	}
	defer publisher.Close()

	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := cache.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer cache.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewBusinessMetrics(registry)

	taxCalc := tax.NewCanadaCalculator()

	entitlements := service.NewEntitlementService(store, cache, metrics, logger)
	subscriptions := service.NewSubscriptionService(store, gateway, taxCalc, publisher, entitlements, metrics, logger)
	trials := service.NewTrialService(store, publisher, entitlements, metrics, logger)
	ledger := service.NewLedgerService(store)
	paymentMethods := service.NewPaymentMethodService(store, gateway, logger)
	plans := service.NewPlanService(store)
	reconciler := service.NewReconciler(store, gateway, subscriptions, entitlements, metrics, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	apiHandler := api.NewHandler(subscriptions, trials, entitlements, ledger, paymentMethods, plans, taxCalc, logger)
	apiHandler.RegisterRoutes(e.Group("/v1"))

	webhookHandler := webhook.NewStripeHandler(gateway, reconciler, logger)
	e.POST("/webhooks/stripe", webhookHandler.Handle)

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	e.GET("/healthz", func(c echo.Context) error {
		if err := pool.Ping(c.Request().Context()); err != nil {
			return c.NoContent(http.StatusServiceUnavailable)
		}
		return c.NoContent(http.StatusOK)
	})

	sweeper := worker.NewSweeper(trials, reconciler, metrics, logger,
		cfg.TrialSweepInterval, cfg.ReconcileInterval)
	go sweeper.Run(ctx)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Info().Str("addr", addr).Msg("listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
