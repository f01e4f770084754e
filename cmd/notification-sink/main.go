package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"scadenze/internal/amqp"
	"scadenze/internal/config"
	applog "scadenze/internal/log"
)

// notification-sink drains the payment notification queue and logs each
// reminder. Deployments that actually deliver reminders replace this
// binary with a consumer wired to a mailer or push gateway.
func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := applog.New(applog.DefaultConfig()).WithComponent(applog.ComponentAMQP)
	applog.SetDefault(logger)

	logger.Info("Starting notification-sink")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for the notification sink")
		os.Exit(1)
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	err = amqpClient.ConsumePaymentNotifications(ctx, func(msg *amqp.PaymentNotificationMessage) error {
		logger.Info("Payment reminder",
			"notification_type", string(msg.NotificationType),
			"user_email", msg.UserEmail,
			"payment_id", msg.Payment.ID,
			"subscription", msg.Payment.Subscription.Name,
			"amount", msg.Payment.Amount,
			"currency", msg.Payment.Subscription.Currency,
			"due_date", msg.Payment.DueDate)
		return nil
	})
	if err != nil && err != context.Canceled {
		logger.Error("Message consumption failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Notification-sink stopped gracefully")
}
