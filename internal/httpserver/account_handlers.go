package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/VladimirBerl/bonusledger/internal/bonus"
	"github.com/VladimirBerl/bonusledger/internal/ledger"
)

type createUserRequest struct {
	ReferredBy *int64 `json:"referred_by,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.ReferredBy != nil {
		if _, err := s.store.GetUser(r.Context(), *req.ReferredBy); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				s.respondError(w, http.StatusBadRequest, errors.New("unknown referrer"))
				return
			}
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
	}
	user, err := s.store.CreateUser(r.Context(), req.ReferredBy)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	balance, err := s.store.Balance(r.Context(), userID)
	if errors.Is(err, ledger.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if _, err := s.store.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	entries, err := s.store.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

type spendRequest struct {
	Amount   int64  `json:"amount"`
	Tier     string `json:"tier"`
	Duration string `json:"duration"`
}

// handleSpend funds part of a purchase with points. This is an end-user
// flow: error bodies stay generic, detail goes to the log.
func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		s.respondGenericError(w, http.StatusBadRequest, r, err)
		return
	}
	var req spendRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondGenericError(w, http.StatusBadRequest, r, err)
		return
	}

	description := "subscription paid with points"
	if req.Tier != "" || req.Duration != "" {
		description = "subscription " + req.Tier + " (" + req.Duration + ") paid with points"
	}
	tx, balance, err := s.consumption.Spend(r.Context(), s.settings, userID, req.Amount, description)
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInsufficientBacking):
		s.respondGenericError(w, http.StatusBadRequest, r, err)
		return
	case errors.Is(err, ledger.ErrNotFound):
		s.respondGenericError(w, http.StatusNotFound, r, err)
		return
	case err != nil:
		s.respondGenericError(w, http.StatusInternalServerError, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"transaction": tx, "balance": balance})
}

type purchaseConfirmedRequest struct {
	PayerID    int64   `json:"payer_id"`
	Date       string  `json:"date"`
	AmountPaid float64 `json:"amount_paid"`
	Duration   string  `json:"duration"`
}

// handlePurchaseConfirmed is invoked by the billing flow for every
// confirmed non-trial payment. Redelivery of the same payment is safe.
func (s *Server) handlePurchaseConfirmed(w http.ResponseWriter, r *http.Request) {
	var req purchaseConfirmedRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondGenericError(w, http.StatusBadRequest, r, err)
		return
	}
	if req.PayerID <= 0 {
		s.respondGenericError(w, http.StatusBadRequest, r, errors.New("malformed payer id"))
		return
	}
	date, err := time.Parse(time.RFC3339, req.Date)
	if err != nil {
		s.respondGenericError(w, http.StatusBadRequest, r, err)
		return
	}
	if req.AmountPaid < 0 {
		s.respondGenericError(w, http.StatusBadRequest, r, errors.New("negative amount paid"))
		return
	}
	if req.Duration != "month" && req.Duration != "year" {
		s.respondGenericError(w, http.StatusBadRequest, r, errors.New("duration must be month or year"))
		return
	}

	tx, outcome, err := s.attributor.OnPurchaseConfirmed(r.Context(), s.settings, req.PayerID, bonus.Payment{
		Date:       date,
		AmountPaid: req.AmountPaid,
		Duration:   req.Duration,
	})
	if err != nil {
		s.respondGenericError(w, http.StatusInternalServerError, r, err)
		return
	}
	payload := map[string]any{"result": outcome}
	if tx != nil {
		payload["transaction"] = tx
	}
	s.respondJSON(w, http.StatusOK, payload)
}
