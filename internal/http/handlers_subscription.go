package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"scadenze/internal/core"
	"scadenze/internal/storage"
)

type subscriptionRequest struct {
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	Amount    json.Number `json:"amount"`
	Currency  string      `json:"currency"`
	Frequency string      `json:"frequency"`
	StartDate string      `json:"startDate"`
	EndDate   string      `json:"endDate,omitempty"`
	Status    string      `json:"status,omitempty"`
}

type subscriptionResponse struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Frequency string  `json:"frequency"`
	StartDate string  `json:"startDate"`
	EndDate   *string `json:"endDate"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"createdAt"`
	UpdatedAt string  `json:"updatedAt"`
}

func toSubscriptionResponse(sub core.Subscription) subscriptionResponse {
	resp := subscriptionResponse{
		ID:        sub.ID,
		Name:      sub.Name,
		Type:      string(sub.Type),
		Amount:    sub.Amount.Units(),
		Currency:  sub.Currency,
		Frequency: string(sub.Frequency),
		StartDate: sub.StartDate.String(),
		Status:    string(sub.Status),
		CreatedAt: sub.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: sub.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if !sub.EndDate.IsEmpty() {
		end := sub.EndDate.String()
		resp.EndDate = &end
	}
	return resp
}

// applyRequest maps the request body onto a subscription, collecting
// format problems as field errors so validation reports them together.
func (req subscriptionRequest) apply(sub *core.Subscription) error {
	var vErr core.ValidationError

	sub.Name = sanitizeInput(req.Name)
	sub.Type = core.SubscriptionType(req.Type)
	sub.Currency = sanitizeInput(req.Currency)
	sub.Frequency = core.Frequency(req.Frequency)

	if req.Amount != "" {
		cents, err := core.ParseDecimalToCents(req.Amount.String())
		if err != nil {
			vErr.AddField("amount", "must be a positive decimal amount")
		} else {
			sub.Amount = core.Money{Cents: cents}
		}
	} else {
		vErr.AddField("amount", "is required")
	}

	if req.StartDate != "" {
		d, err := parseDate(req.StartDate)
		if err != nil {
			vErr.AddField("startDate", "must be a date in YYYY-MM-DD format")
		} else {
			sub.StartDate = d
		}
	} else {
		sub.StartDate = core.Date{}
	}

	if req.EndDate != "" {
		d, err := parseDate(req.EndDate)
		if err != nil {
			vErr.AddField("endDate", "must be a date in YYYY-MM-DD format")
		} else {
			sub.EndDate = d
		}
	} else {
		sub.EndDate = core.Date{}
	}

	if req.Status != "" {
		sub.Status = core.SubscriptionStatus(req.Status)
	} else if sub.Status == "" {
		sub.Status = core.StatusActive
	}

	if len(vErr.Fields) > 0 {
		return &vErr
	}
	return nil
}

// validateSubscription maps the request onto the subscription and runs
// domain validation, merging format and domain failures into one
// response so the client sees every problem at once.
func validateSubscription(req subscriptionRequest, sub *core.Subscription) error {
	var fields []core.FieldError
	if err := req.apply(sub); err != nil {
		var vErr *core.ValidationError
		if errors.As(err, &vErr) {
			fields = append(fields, vErr.Fields...)
		} else {
			return err
		}
	}
	if err := sub.Validate(); err != nil {
		var vErr *core.ValidationError
		if errors.As(err, &vErr) {
			fields = append(fields, vErr.Fields...)
		} else {
			return err
		}
	}
	if len(fields) > 0 {
		return &core.ValidationError{Fields: fields}
	}
	return nil
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUserID(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req subscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub := core.Subscription{UserID: userID}
	if err := validateSubscription(req, &sub); err != nil {
		respondServiceError(w, r, err, "invalid subscription")
		return
	}

	if err := s.repo.CreateSubscription(r.Context(), &sub); err != nil {
		respondServiceError(w, r, err, "failed to create subscription")
		return
	}

	// A fresh subscription gets its payment schedule immediately so the
	// payments list and dashboard reflect it without waiting for the worker.
	if _, err := s.generator.RegenerateSchedule(r.Context(), sub.ID, time.Now()); err != nil {
		slog.ErrorContext(r.Context(), "Failed generating schedule for new subscription",
			"error", err,
			"subscription_id", sub.ID)
	}

	s.summaryCache.Delete(cacheKeyForUser(userID))

	slog.InfoContext(r.Context(), "Subscription created",
		"subscription_id", sub.ID,
		"user_id", userID,
		"frequency", string(sub.Frequency),
		"amount_cents", sub.Amount.Cents)

	respondJSON(w, http.StatusCreated, toSubscriptionResponse(sub))
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUserID(r)
	if err != nil {
		respondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	subs, err := s.repo.ListSubscriptions(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err, "failed to list subscriptions")
		return
	}

	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toSubscriptionResponse(sub))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
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

	sub, err := s.ownedSubscription(r, id, userID)
	if err != nil {
		respondServiceError(w, r, err, "failed to load subscription")
		return
	}
	respondJSON(w, http.StatusOK, toSubscriptionResponse(*sub))
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
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

	sub, err := s.ownedSubscription(r, id, userID)
	if err != nil {
		respondServiceError(w, r, err, "failed to load subscription")
		return
	}

	var req subscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateSubscription(req, sub); err != nil {
		respondServiceError(w, r, err, "invalid subscription")
		return
	}

	if err := s.repo.UpdateSubscription(r.Context(), sub); err != nil {
		respondServiceError(w, r, err, "failed to update subscription")
		return
	}

	// Terms may have changed, so the unpaid schedule is rebuilt. When the
	// subscription is no longer ACTIVE the regeneration is a no-op and the
	// existing payments stay as they are.
	if sub.Status == core.StatusActive {
		if _, err := s.generator.RegenerateSchedule(r.Context(), sub.ID, time.Now()); err != nil {
			slog.ErrorContext(r.Context(), "Failed regenerating schedule after update",
				"error", err,
				"subscription_id", sub.ID)
		}
	}

	s.summaryCache.Delete(cacheKeyForUser(userID))

	slog.InfoContext(r.Context(), "Subscription updated",
		"subscription_id", sub.ID,
		"user_id", userID)

	respondJSON(w, http.StatusOK, toSubscriptionResponse(*sub))
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
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

	if _, err := s.ownedSubscription(r, id, userID); err != nil {
		respondServiceError(w, r, err, "failed to load subscription")
		return
	}

	if err := s.repo.DeleteSubscription(r.Context(), id); err != nil {
		respondServiceError(w, r, err, "failed to delete subscription")
		return
	}

	s.summaryCache.Delete(cacheKeyForUser(userID))

	slog.InfoContext(r.Context(), "Subscription deleted",
		"subscription_id", id,
		"user_id", userID)

	w.WriteHeader(http.StatusNoContent)
}

// ownedSubscription loads a subscription and hides other users' rows
// behind a not-found error.
func (s *Server) ownedSubscription(r *http.Request, id, userID int64) (*core.Subscription, error) {
	sub, err := s.repo.GetSubscription(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, storage.ErrNotFound
	}
	return sub, nil
}
