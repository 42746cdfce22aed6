// Package main is the entry point for the entitlement engine API server.
//
// It loads configuration, connects the PostgreSQL pool and AWS clients,
// wires the billing services into the HTTP chassis, and serves until a
// shutdown signal arrives. Graceful shutdown drains in-flight requests
// before closing the pool.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"entitlements/internal/api/handlers"
	"entitlements/internal/billing"
	"entitlements/internal/config"
	"entitlements/internal/core"
	"entitlements/internal/db"
	"entitlements/internal/external"
	"entitlements/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("entitlement engine starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}

	awsCfg, err := newAWSConfig(ctx, cfg)
	if err != nil {
		pool.Close()
		return fmt.Errorf("loading AWS configuration: %w", err)
	}

	// Repositories.
	userRepo := db.NewUserRepo(pool)
	ledgerRepo := db.NewLedgerRepo(pool)
	subRepo := db.NewSubscriptionRepo(pool)

	// Telemetry and notifications.
	metrics := billing.NewCloudWatchMetrics(
		cloudwatch.NewFromConfig(awsCfg),
		cfg.AWS.MetricNamespace,
		logger,
	)
	notifier := queue.NewNotifyPublisher(
		sqs.NewFromConfig(awsCfg),
		cfg.AWS.NotificationQueue,
		logger,
	)

	// Domain services.
	catalog := billing.NewCatalog(cfg.Payments.PlanRefs())
	evaluator := billing.NewEvaluator(catalog)
	ledger := billing.NewLedger(ledgerRepo, metrics, logger)
	prorator := billing.NewProrationCalculator(catalog)
	lifecycle := billing.NewLifecycle(subRepo, catalog, prorator, notifier, metrics, nil, logger)

	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 15 * time.Second},
		catalog,
		userRepo,
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			Logger:    logger,
		},
	)

	// HTTP chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.HealthProbes = []core.HealthProbe{
		dbProbe{pool: pool},
		queueProbe{client: sqs.NewFromConfig(awsCfg), queueURL: cfg.AWS.NotificationQueue},
	}
	srv.OnShutdown = append(srv.OnShutdown, func(context.Context) error {
		pool.Close()
		return nil
	})

	entitlementHandler := handlers.NewEntitlementHandler(userRepo, evaluator, ledger, metrics, srv.Validator, logger)
	billingHandler := handlers.NewBillingHandler(stripeClient, lifecycle, prorator, catalog, cfg, srv.Validator, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		lifecycle,
		ledger,
		notifier,
		userRepo,
		catalog,
		cfg.Billing.StripeWebhookSecret.Unmask(),
		logger,
	)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		entitlementHandler.RegisterRoutes,
		billingHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
	)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// newPool builds the pgx pool from the database config.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.AcquireTimeout)
	defer cancel()

	return pgxpool.NewWithConfig(connectCtx, poolCfg)
}

// newAWSConfig loads the default AWS config, pointing at a LocalStack
// endpoint when one is configured.
func newAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// dbProbe checks database connectivity for the health endpoint.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p dbProbe) Name() string { return "database" }

func (p dbProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// queueProbe checks the notification queue is reachable.
type queueProbe struct {
	client   *sqs.Client
	queueURL string
}

func (p queueProbe) Name() string { return "queue" }

func (p queueProbe) Check(ctx context.Context) error {
	_, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(p.queueURL),
	})
	return err
}

// runHTTPServer serves until SIGINT/SIGTERM, then drains with a 10 second
// deadline.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger builds the process-wide JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
