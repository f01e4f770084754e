// Package services holds the business logic of the tracker: schedule
// generation, overdue sweeping, financial aggregation, and notification
// classification.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"scadenze/internal/core"
	"scadenze/internal/storage"
)

// regenerateConcurrency bounds the parallel per-subscription
// regenerations in a bulk catch-up. Subscriptions are independent, so
// order does not matter.
const regenerateConcurrency = 4

// ScheduleStore is the durable-store surface the generator needs. It is
// implemented by *storage.SQLiteRepository and by in-memory fakes in
// tests.
type ScheduleStore interface {
	GetSubscription(ctx context.Context, id int64) (*core.Subscription, error)
	ListActiveSubscriptionIDs(ctx context.Context, userID int64) ([]int64, error)
	ReplaceUnpaidPayments(ctx context.Context, subscriptionID int64, payments []core.Payment) ([]core.Payment, error)
	MarkOverdue(ctx context.Context, userID int64, now time.Time) (int64, error)
}

// ScheduleGenerator expands subscriptions into concrete due-dated
// payments and keeps the unpaid tail in sync with edits.
type ScheduleGenerator struct {
	store ScheduleStore
}

func NewScheduleGenerator(store ScheduleStore) *ScheduleGenerator {
	return &ScheduleGenerator{store: store}
}

// RegenerateSchedule replaces a subscription's PENDING and OVERDUE
// payments with a freshly expanded schedule. PAID payments survive as
// history. A missing or non-ACTIVE subscription is a benign no-op that
// yields zero payments, since schedules are routinely regenerated right
// after a cancel.
func (g *ScheduleGenerator) RegenerateSchedule(ctx context.Context, subscriptionID int64, now time.Time) ([]core.Payment, error) {
	sub, err := g.store.GetSubscription(ctx, subscriptionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if sub.Status != core.StatusActive {
		return nil, nil
	}

	payments := ExpandSchedule(sub, now)

	// Replace even when the expansion is empty: a subscription whose
	// start date already reached the horizon must still lose its stale
	// unpaid entries.
	created, err := g.store.ReplaceUnpaidPayments(ctx, subscriptionID, payments)
	if err != nil {
		return nil, fmt.Errorf("replace unpaid payments: %w", err)
	}

	slog.InfoContext(ctx, "Schedule regenerated",
		"subscription_id", subscriptionID,
		"frequency", string(sub.Frequency),
		"payments_created", len(created))
	return created, nil
}

// RegenerateAllForUser regenerates every ACTIVE subscription the user
// owns and reports the total number of payments created. Subscriptions
// are processed concurrently since they are independent of each other.
func (g *ScheduleGenerator) RegenerateAllForUser(ctx context.Context, userID int64, now time.Time) (int, error) {
	ids, err := g.store.ListActiveSubscriptionIDs(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list active subscriptions: %w", err)
	}

	var total atomic.Int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(regenerateConcurrency)
	for _, id := range ids {
		eg.Go(func() error {
			created, err := g.RegenerateSchedule(egCtx, id, now)
			if err != nil {
				return fmt.Errorf("regenerate subscription %d: %w", id, err)
			}
			total.Add(int64(len(created)))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return int(total.Load()), err
	}

	slog.InfoContext(ctx, "Schedules regenerated for user",
		"user_id", userID,
		"subscriptions", len(ids),
		"payments_created", total.Load())
	return int(total.Load()), nil
}

// SweepOverdue marks lapsed PENDING payments OVERDUE. A userID of 0
// sweeps every user. Safe to repeat: swept payments no longer match the
// PENDING filter.
func (g *ScheduleGenerator) SweepOverdue(ctx context.Context, userID int64, now time.Time) (int64, error) {
	n, err := g.store.MarkOverdue(ctx, userID, now)
	if err != nil {
		return 0, fmt.Errorf("sweep overdue: %w", err)
	}
	return n, nil
}

// ExpandSchedule walks the subscription's recurrence from its start
// date up to the horizon (end date, or one year past the start) and
// emits one payment per step. A payment already due at generation time
// comes out OVERDUE, a future one PENDING. ONE_TIME subscriptions emit
// exactly one payment.
func ExpandSchedule(sub *core.Subscription, now time.Time) []core.Payment {
	horizon := sub.EndDate.Time
	if sub.EndDate.IsZero() {
		horizon = sub.StartDate.AddDate(1, 0, 0)
	}

	var payments []core.Payment
	cursor := sub.StartDate.Time
	for cursor.Before(horizon) && (sub.EndDate.IsZero() || cursor.Before(sub.EndDate.Time)) {
		status := core.PaymentOverdue
		if cursor.After(now) {
			status = core.PaymentPending
		}
		payments = append(payments, core.Payment{
			SubscriptionID: sub.ID,
			Amount:         sub.Amount,
			DueDate:        core.Date{Time: cursor},
			Status:         status,
		})

		if sub.Frequency == core.OneTime {
			break
		}
		cursor = nextDueDate(cursor, sub.Frequency)
	}
	return payments
}

func nextDueDate(current time.Time, frequency core.Frequency) time.Time {
	switch frequency {
	case core.Weekly:
		return current.AddDate(0, 0, 7)
	case core.Monthly:
		return current.AddDate(0, 1, 0)
	case core.Quarterly:
		return current.AddDate(0, 3, 0)
	case core.Yearly:
		return current.AddDate(1, 0, 0)
	default:
		return current.AddDate(0, 1, 0)
	}
}
