package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/billing-backend/internal/cron"
	"github.com/angelmondragon/billing-backend/internal/dispatch"
	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/db"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/metrics"
	"github.com/angelmondragon/billing-backend/pkg/migrate"
	"github.com/angelmondragon/billing-backend/pkg/outbox"
	"github.com/angelmondragon/billing-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "maintenance-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "maintenance-worker"

	logg = logger.New(logger.Options{
		ServiceName: "maintenance-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		_ = dbClient.Close()
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		_ = dbClient.Close()
		os.Exit(1)
	}

	runErr := run(cfg, logg, dbClient, redisClient)
	if err := multierr.Combine(redisClient.Close(), dbClient.Close()); err != nil {
		logg.Error(context.Background(), "error closing clients", err)
	}
	if runErr != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client) error {
	collector := metrics.NewMaintenanceMetrics(prometheus.DefaultRegisterer)

	outboxRetention, err := cron.NewRetentionJob(cron.RetentionJobParams{
		Name:      "outbox-retention",
		Logger:    logg,
		Purge:     outbox.NewRepository(dbClient.DB()).DeletePublishedBefore,
		Retention: cfg.Maintenance.OutboxRetention,
		Metrics:   collector,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox retention job", err)
		return err
	}
	deadLetterRetention, err := cron.NewRetentionJob(cron.RetentionJobParams{
		Name:      "dead-letter-retention",
		Logger:    logg,
		Purge:     dispatch.NewDeadLetterRepository(dbClient.DB()).DeleteBefore,
		Retention: cfg.Maintenance.DeadLetterRetention,
		Metrics:   collector,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create dead letter retention job", err)
		return err
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Jobs:     []cron.Job{outboxRetention, deadLetterRetention},
		Locker:   redisClient,
		LockTTL:  cfg.Maintenance.LockTTL,
		Metrics:  collector,
		Interval: cfg.Maintenance.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create maintenance service", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting maintenance worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "maintenance worker stopped unexpectedly", err)
		return err
	}

	logg.Info(ctx, "maintenance worker shutting down gracefully")
	return nil
}
