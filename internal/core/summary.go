package core

// DashboardSummary is the aggregate view of a user's subscriptions: the
// recurring monthly figure, the 12-month forward forecast, and the
// monthly-equivalent burden per category.
type DashboardSummary struct {
	Subscriptions []Subscription               `json:"subscriptions"`
	MonthlyTotal  float64                      `json:"monthlyTotal"`
	YearlyTotal   float64                      `json:"yearlyTotal"`
	TotalByType   map[SubscriptionType]float64 `json:"totalByType"`
}
