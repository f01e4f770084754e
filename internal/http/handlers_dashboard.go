package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"scadenze/internal/core"
	"scadenze/internal/services"
)

type dashboardResponse struct {
	Subscriptions []subscriptionResponse            `json:"subscriptions"`
	MonthlyTotal  float64                           `json:"monthlyTotal"`
	YearlyTotal   float64                           `json:"yearlyTotal"`
	TotalByType   map[core.SubscriptionType]float64 `json:"totalByType"`
}

func toDashboardResponse(summary core.DashboardSummary) dashboardResponse {
	subs := make([]subscriptionResponse, 0, len(summary.Subscriptions))
	for _, sub := range summary.Subscriptions {
		subs = append(subs, toSubscriptionResponse(sub))
	}
	return dashboardResponse{
		Subscriptions: subs,
		MonthlyTotal:  summary.MonthlyTotal,
		YearlyTotal:   summary.YearlyTotal,
		TotalByType:   summary.TotalByType,
	}
}

func cacheKeyForUser(userID int64) string {
	return "dashboard:" + strconv.FormatInt(userID, 10)
}

// handleDashboard serves GET /api/dashboard: the user's subscriptions
// plus the aggregated totals, cached briefly per user.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUserID(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	key := cacheKeyForUser(userID)
	if summary, ok := s.summaryCache.Get(key); ok {
		respondJSON(w, http.StatusOK, toDashboardResponse(summary))
		return
	}

	subs, err := s.repo.ListSubscriptions(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err, "failed to load dashboard")
		return
	}

	summary := services.BuildDashboardSummary(subs, time.Now())
	s.summaryCache.Set(key, summary)

	slog.DebugContext(r.Context(), "Dashboard summary computed",
		"user_id", userID,
		"subscriptions", len(subs))

	respondJSON(w, http.StatusOK, toDashboardResponse(summary))
}
