package http

import (
	"log/slog"
	"net/http"
	"net/mail"
)

type userRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type userResponse struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// handleCreateUser serves POST /api/users. Accounts are provisioned by
// the identity layer upstream, this endpoint only registers the local row.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	email := sanitizeInput(req.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		respondError(w, http.StatusBadRequest, "invalid email address")
		return
	}

	user, err := s.repo.CreateUser(r.Context(), email, sanitizeInput(req.Name))
	if err != nil {
		respondServiceError(w, r, err, "failed to create user")
		return
	}

	slog.InfoContext(r.Context(), "User created", "user_id", user.ID)

	respondJSON(w, http.StatusCreated, userResponse{ID: user.ID, Email: user.Email, Name: user.Name})
}
