package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"scadenze/internal/core"
	"scadenze/internal/storage"
)

type paymentResponse struct {
	ID               int64   `json:"id"`
	SubscriptionID   int64   `json:"subscriptionId"`
	SubscriptionName string  `json:"subscriptionName,omitempty"`
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency,omitempty"`
	Type             string  `json:"type,omitempty"`
	DueDate          string  `json:"dueDate"`
	PaidDate         *string `json:"paidDate"`
	Status           string  `json:"status"`
}

func toPaymentResponse(p core.Payment) paymentResponse {
	resp := paymentResponse{
		ID:             p.ID,
		SubscriptionID: p.SubscriptionID,
		Amount:         p.Amount.Units(),
		DueDate:        p.DueDate.String(),
		Status:         string(p.Status),
	}
	if !p.PaidDate.IsEmpty() {
		paid := p.PaidDate.String()
		resp.PaidDate = &paid
	}
	return resp
}

func toPaymentWithSubscriptionResponse(p storage.PaymentWithSubscription) paymentResponse {
	resp := toPaymentResponse(p.Payment)
	resp.SubscriptionName = p.SubscriptionName
	resp.Currency = p.Currency
	resp.Type = string(p.Type)
	return resp
}

// handleListPayments serves GET /api/payments with optional status and
// year filters.
func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUserID(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var status core.PaymentStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status = core.PaymentStatus(raw)
		if !status.Valid() {
			respondError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
	}

	year := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("year")); raw != "" {
		y, err := strconv.Atoi(raw)
		if err != nil || y < 1970 || y > 9999 {
			respondError(w, http.StatusBadRequest, "invalid year filter")
			return
		}
		year = y
	}

	payments, err := s.repo.ListPayments(r.Context(), userID, status, year)
	if err != nil {
		respondServiceError(w, r, err, "failed to list payments")
		return
	}

	out := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, toPaymentWithSubscriptionResponse(p))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleMarkPaid serves POST /api/payments/{id}/mark-paid.
func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUserID(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	payment, err := s.repo.MarkPaymentPaid(r.Context(), id, userID, time.Now())
	if err != nil {
		respondServiceError(w, r, err, "failed to mark payment paid")
		return
	}

	s.summaryCache.Delete(cacheKeyForUser(userID))

	slog.InfoContext(r.Context(), "Payment marked paid",
		"payment_id", id,
		"user_id", userID)

	respondJSON(w, http.StatusOK, toPaymentResponse(*payment))
}

// handleUnmarkPaid serves POST /api/payments/{id}/unmark, reverting a
// paid payment to pending.
func (s *Server) handleUnmarkPaid(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUserID(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	payment, err := s.repo.UnmarkPaymentPaid(r.Context(), id, userID)
	if err != nil {
		respondServiceError(w, r, err, "failed to unmark payment")
		return
	}

	s.summaryCache.Delete(cacheKeyForUser(userID))

	slog.InfoContext(r.Context(), "Payment reverted to pending",
		"payment_id", id,
		"user_id", userID)

	respondJSON(w, http.StatusOK, toPaymentResponse(*payment))
}

// handleGeneratePayments serves POST /api/payments/generate, rebuilding
// the unpaid schedule of every active subscription of the caller.
func (s *Server) handleGeneratePayments(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUserID(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	created, err := s.generator.RegenerateAllForUser(r.Context(), userID, time.Now())
	if err != nil {
		respondServiceError(w, r, err, "failed to generate payments")
		return
	}

	s.summaryCache.Delete(cacheKeyForUser(userID))

	slog.InfoContext(r.Context(), "Payment schedules regenerated",
		"user_id", userID,
		"payments_created", created)

	respondJSON(w, http.StatusOK, map[string]int{"created": created})
}

// handleUpdateOverdue serves POST /api/payments/update-overdue, flipping
// the caller's past-due pending payments to overdue.
func (s *Server) handleUpdateOverdue(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUserID(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	updated, err := s.generator.SweepOverdue(r.Context(), userID, time.Now())
	if err != nil {
		respondServiceError(w, r, err, "failed to update overdue payments")
		return
	}

	s.summaryCache.Delete(cacheKeyForUser(userID))

	slog.InfoContext(r.Context(), "Overdue sweep completed",
		"user_id", userID,
		"payments_updated", updated)

	respondJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}
