package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"scadenze/internal/amqp"
	"scadenze/internal/storage"
)

// dueSoonWindow is how far ahead a payment may be due and still warrant
// an early reminder.
const dueSoonWindow = 7 * 24 * time.Hour

// NotificationSource lists the unpaid payments that may need a
// reminder, joined with their owners.
type NotificationSource interface {
	ListUnpaidWithOwners(ctx context.Context) ([]storage.UnpaidPayment, error)
}

// NotificationPublisher hands a payment-notification request to the
// external delivery sink. Delivery itself is the sink's problem.
type NotificationPublisher interface {
	PublishPaymentNotification(ctx context.Context, msg *amqp.PaymentNotificationMessage) error
}

// Notifier classifies unpaid payments into notification types and
// publishes one request per payment that needs a reminder.
type Notifier struct {
	source    NotificationSource
	publisher NotificationPublisher
}

func NewNotifier(source NotificationSource, publisher NotificationPublisher) *Notifier {
	return &Notifier{source: source, publisher: publisher}
}

// ClassifyNotification decides which reminder an unpaid payment gets:
// overdue payments always notify, pending ones notify when due today,
// tomorrow, or within the next week. The second return value is false
// when no reminder is warranted.
func ClassifyNotification(status string, dueDate, now time.Time) (amqp.NotificationType, bool) {
	if status == "OVERDUE" {
		return amqp.NotifyOverdue, true
	}
	switch {
	case sameDay(dueDate, now):
		return amqp.NotifyDueToday, true
	case sameDay(dueDate, now.AddDate(0, 0, 1)):
		return amqp.NotifyDueTomorrow, true
	case dueDate.After(now) && dueDate.Before(now.Add(dueSoonWindow)):
		return amqp.NotifyDueSoon, true
	}
	return "", false
}

// PublishDueNotifications runs one notification pass: every unpaid
// payment is classified and, when a reminder is warranted, a request is
// published to the sink. Returns the number of requests published.
// Publish failures are logged and skipped so one bad payment cannot
// starve the rest of the batch.
func (n *Notifier) PublishDueNotifications(ctx context.Context, now time.Time) (int, error) {
	if n.publisher == nil {
		slog.WarnContext(ctx, "No notification publisher configured, skipping pass")
		return 0, nil
	}

	unpaid, err := n.source.ListUnpaidWithOwners(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unpaid payments: %w", err)
	}

	published := 0
	for _, up := range unpaid {
		if up.UserEmail == "" {
			slog.WarnContext(ctx, "Payment owner has no email address, skipping",
				"payment_id", up.Payment.ID)
			continue
		}

		notifType, ok := ClassifyNotification(string(up.Payment.Status), up.Payment.DueDate.Time, now)
		if !ok {
			continue
		}

		msg := amqp.NewPaymentNotificationMessage(
			up.UserEmail, up.UserName, notifType,
			amqp.PaymentPayload{
				ID:      up.Payment.ID,
				Amount:  up.Payment.Amount.Units(),
				DueDate: up.Payment.DueDate.String(),
				Status:  string(up.Payment.Status),
				Subscription: amqp.SubscriptionPayload{
					Name:     up.SubscriptionName,
					Currency: up.Currency,
					Type:     string(up.Type),
				},
			})
		if err := n.publisher.PublishPaymentNotification(ctx, msg); err != nil {
			slog.ErrorContext(ctx, "Failed to publish payment notification",
				"payment_id", up.Payment.ID,
				"notification_type", string(notifType),
				"error", err)
			continue
		}
		published++
	}

	slog.InfoContext(ctx, "Notification pass complete",
		"unpaid_checked", len(unpaid),
		"published", published)
	return published, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
