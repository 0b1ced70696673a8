// Package main is the entry point for the PawKeep notification engine.
//
// It loads configuration, connects the PostgreSQL pool, wires the repositories
// into the occurrence materializer, reminder scheduler, feeding engine, and
// budget checker, and runs two long-lived components side by side: the HTTP
// server (health and ops triggers) and the background task runner.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"pawkeep/internal/api"
	"pawkeep/internal/budget"
	"pawkeep/internal/config"
	"pawkeep/internal/db"
	"pawkeep/internal/events"
	"pawkeep/internal/feeding"
	"pawkeep/internal/push"
	"pawkeep/internal/reminders"
	"pawkeep/internal/scheduler"
	"pawkeep/internal/spend"
	"pawkeep/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("pawkeep engine starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	ruleRepo := db.NewRuleRepository(pool)
	eventRepo := db.NewEventRepository(pool)
	ledgerRepo := db.NewLedgerRepository(pool)
	budgetRepo := db.NewBudgetRepository(pool)
	directoryRepo := db.NewDirectoryRepository(pool)

	gatewayOpts := []push.GatewayOption{
		push.WithHTTPClient(&http.Client{Timeout: cfg.Push.Timeout}),
	}
	if cfg.Metrics.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Metrics.AWSRegion))
		if err != nil {
			return fmt.Errorf("loading AWS configuration: %w", err)
		}
		cwClient := cloudwatch.NewFromConfig(awsCfg)
		gatewayOpts = append(gatewayOpts, push.WithMetrics(push.NewCloudWatchMetrics(cwClient, logger)))
	}
	gateway := push.NewGateway(cfg.Push.Endpoint, cfg.Push.APIKey.Unmask(), logger, gatewayOpts...)

	spendClient := spend.NewClient(spend.ClientConfig{
		BaseURL: cfg.Spend.BaseURL,
		APIKey:  cfg.Spend.APIKey.Unmask(),
		Timeout: cfg.Spend.Timeout,
	}, logger)

	materializer := events.NewMaterializer(ruleRepo, eventRepo, logger)
	reminderSched := reminders.NewScheduler(
		eventRepo, ledgerRepo, directoryRepo, directoryRepo, directoryRepo, gateway, logger)
	feedingEngine := feeding.NewEngine(
		directoryRepo, ledgerRepo, directoryRepo, directoryRepo, directoryRepo, gateway, logger)
	budgetEngine := budget.NewEngine(
		budgetRepo, spendClient, directoryRepo, directoryRepo, gateway, logger)

	clock := types.RealClock{}
	tasks := scheduler.BuildTasks(materializer, reminderSched, feedingEngine, budgetEngine)
	runner := scheduler.NewRunner(tasks, clock, logger)

	srv := api.NewServer(cfg, logger, clock, materializer, pool)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("task runner starting", "tasks", len(tasks))
		return runner.Run(ctx)
	})

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("engine stopped cleanly")
	return nil
}

// newPool builds the pgx connection pool from the database configuration.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// slogLogger adapts *slog.Logger to the types.Logger interface.
type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Info(msg string, args ...any) { s.l.Info(msg, args...) }
func (s slogLogger) Warn(msg string, args ...any) { s.l.Warn(msg, args...) }
func (s slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }
func (s slogLogger) With(args ...any) types.Logger { return slogLogger{l: s.l.With(args...)} }

// newLogger creates a structured logger configured for the given log level.
func newLogger(level string) types.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slogLogger{l: slog.New(handler)}
}
