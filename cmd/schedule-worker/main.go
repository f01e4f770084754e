package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"scadenze/internal/amqp"
	"scadenze/internal/config"
	applog "scadenze/internal/log"
	"scadenze/internal/services"
	"scadenze/internal/storage"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := applog.New(applog.DefaultConfig()).WithComponent(applog.ComponentWorker)
	applog.SetDefault(logger)

	logger.Info("Starting schedule-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	// AMQP is optional. Without it the worker still regenerates schedules
	// and sweeps overdue payments, it just publishes no notifications.
	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without notifications", "error", err)
			amqpClient = nil
		} else {
			defer amqpClient.Close()
			logger.Info("AMQP client initialized", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
		}
	} else {
		logger.Info("AMQP disabled - due payment notifications will not be published")
	}

	generator := services.NewScheduleGenerator(repo)

	var notifier *services.Notifier
	if amqpClient != nil {
		notifier = services.NewNotifier(repo, amqpClient)
	} else {
		notifier = services.NewNotifier(repo, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runPass := func() {
		now := time.Now()
		passCtx, passCancel := context.WithTimeout(ctx, 10*time.Minute)
		defer passCancel()

		swept, err := generator.SweepOverdue(passCtx, 0, now)
		if err != nil {
			logger.Error("Overdue sweep failed", "error", err)
		} else {
			logger.Info("Overdue sweep complete", "payments_updated", swept)
		}

		userIDs, err := repo.ListUserIDsWithActiveSubscriptions(passCtx)
		if err != nil {
			logger.Error("Failed listing users with active subscriptions", "error", err)
			return
		}

		created := 0
		for _, userID := range userIDs {
			count, err := generator.RegenerateAllForUser(passCtx, userID, now)
			if err != nil {
				logger.Error("Schedule regeneration failed", "error", err, "user_id", userID)
				continue
			}
			created += count
		}
		logger.Info("Schedule regeneration complete", "users", len(userIDs), "payments_created", created)

		published, err := notifier.PublishDueNotifications(passCtx, now)
		if err != nil {
			logger.Error("Notification publishing failed", "error", err)
		} else {
			logger.Info("Notification publishing complete", "notifications_published", published)
		}
	}

	logger.Info("Schedule worker configured",
		"schedule", cfg.WorkerSchedule,
		"sqlite_db", cfg.SQLiteDBPath)

	// Run an initial pass on startup so a freshly deployed worker does not
	// wait a full day before catching up.
	logger.Info("Running initial schedule pass...")
	runPass()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.WorkerSchedule, runPass); err != nil {
		logger.Error("Failed to register cron schedule", "error", err, "schedule", cfg.WorkerSchedule)
		os.Exit(1)
	}
	scheduler.Start()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down schedule-worker...")
	cancel()

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
		logger.Info("Schedule-worker shutdown complete")
	case <-time.After(30 * time.Second):
		logger.Warn("Shutdown timeout reached")
	}
}
