package services

import (
	"math"
	"time"

	"scadenze/internal/core"
)

// weeksPerMonth is the average number of weeks in a month, used to
// express a weekly amount as a monthly burden.
const weeksPerMonth = 4.33

// projectionMonths is the forward-looking window every total is framed
// over.
const projectionMonths = 12

// MonthlyEquivalent normalizes a subscription's amount to an average
// per-month figure regardless of its billing frequency. ONE_TIME items
// are not recurring and contribute zero.
func MonthlyEquivalent(sub core.Subscription) float64 {
	amount := sub.Amount.Units()
	switch sub.Frequency {
	case core.Monthly:
		return amount
	case core.Yearly:
		return amount / 12
	case core.Quarterly:
		return amount / 3
	case core.Weekly:
		return amount * weeksPerMonth
	case core.OneTime:
		return 0
	default:
		return 0
	}
}

// MonthsActive counts the whole calendar months from now through the
// end date inclusive, clamped to [0, 12]. The count is calendar-based
// and deliberately ignores the day of month: ending on the 1st or the
// 28th of the same month yields the same count.
func MonthsActive(end core.Date, now time.Time) int {
	if end.IsZero() {
		return projectionMonths
	}
	months := (end.Year()-now.Year())*12 + int(end.Month()-now.Month()) + 1
	if months < 0 {
		return 0
	}
	if months > projectionMonths {
		return projectionMonths
	}
	return months
}

// ComputeMonthlyTotal returns the user's average monthly recurring
// burden over the next 12 months. Subscriptions that end inside the
// window are pro-rated: one ending in 3 months contributes 3/12 of its
// monthly rate. ONE_TIME items are excluded from the recurring figure.
func ComputeMonthlyTotal(subs []core.Subscription, now time.Time) float64 {
	var total float64
	for _, sub := range subs {
		if sub.Status != core.StatusActive {
			continue
		}
		if lapsed(sub, now) {
			continue
		}
		if sub.Frequency == core.OneTime {
			continue
		}
		contribution := MonthlyEquivalent(sub) * float64(MonthsActive(sub.EndDate, now)) / projectionMonths
		total += sanitize(contribution)
	}
	return sanitize(total)
}

// ComputeYearlyTotal returns the forecasted cost over the next 12
// months. Recurring subscriptions contribute their monthly-equivalent
// times the months they remain active; a ONE_TIME item whose end date
// (its due date) falls inside the window contributes its full amount
// once.
func ComputeYearlyTotal(subs []core.Subscription, now time.Time) float64 {
	horizon := now.AddDate(1, 0, 0)

	var total float64
	for _, sub := range subs {
		if sub.Status != core.StatusActive {
			continue
		}
		if lapsed(sub, now) {
			continue
		}
		if sub.Frequency == core.OneTime {
			if !sub.EndDate.IsZero() && sub.EndDate.Before(horizon) {
				total += sanitize(sub.Amount.Units())
			}
			continue
		}
		contribution := MonthlyEquivalent(sub) * float64(MonthsActive(sub.EndDate, now))
		total += sanitize(contribution)
	}
	return sanitize(total)
}

// ComputeCategoryBreakdown sums the monthly-equivalent of each ACTIVE
// subscription per category. This is a plain snapshot with no window or
// pro-ration; categories with no active subscription are absent.
func ComputeCategoryBreakdown(subs []core.Subscription) map[core.SubscriptionType]float64 {
	totals := make(map[core.SubscriptionType]float64)
	for _, sub := range subs {
		if sub.Status != core.StatusActive {
			continue
		}
		totals[sub.Type] += sanitize(MonthlyEquivalent(sub))
	}
	return totals
}

// BuildDashboardSummary assembles the full aggregate view handed to the
// dashboard endpoint.
func BuildDashboardSummary(subs []core.Subscription, now time.Time) core.DashboardSummary {
	if subs == nil {
		subs = []core.Subscription{}
	}
	return core.DashboardSummary{
		Subscriptions: subs,
		MonthlyTotal:  ComputeMonthlyTotal(subs, now),
		YearlyTotal:   ComputeYearlyTotal(subs, now),
		TotalByType:   ComputeCategoryBreakdown(subs),
	}
}

// lapsed reports whether the subscription's end date is already behind
// the reference instant.
func lapsed(sub core.Subscription, now time.Time) bool {
	return !sub.EndDate.IsZero() && sub.EndDate.Before(now)
}

// sanitize substitutes zero for NaN or infinite values so a single bad
// amount cannot poison a whole total.
func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
