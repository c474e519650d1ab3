package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/VladimirBerl/bonusledger/internal/bonus"
	"github.com/VladimirBerl/bonusledger/internal/ledger"
)

type grantRequest struct {
	UserID      int64  `json:"user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	AdminID     *int64 `json:"admin_id,omitempty"`
}

// handleAdminGrant posts a manual credit or debit. Admin tooling gets the
// raw error detail.
func (s *Server) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("malformed user id"))
		return
	}

	tx, balance, err := s.accrual.Grant(r.Context(), s.settings, req.UserID, req.Amount, req.Description, req.AdminID)
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		s.respondError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, ledger.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err)
		return
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"transaction": tx, "balance": balance})
}

// handleAdminSweep runs an on-demand expiration sweep.
func (s *Server) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	result, err := s.sweeper.RunSweep(r.Context(), time.Now().UTC())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"sweep": result})
}

// handleAdminAudit compares a user's balance against their transaction log.
func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("user_id")
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("malformed user id"))
		return
	}

	report, err := bonus.AuditUser(r.Context(), s.store, userID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, ledger.ErrInconsistent):
		s.respondJSON(w, http.StatusConflict, map[string]any{"audit": report, "error": err.Error()})
		return
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"audit": report})
}

// handleAdminSettings exposes the monetary knobs to the purchase flow and
// admin tooling.
func (s *Server) handleAdminSettings(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"expiration_months":     s.settings.ExpirationMonths,
		"referral_rate":         s.settings.ReferralRate,
		"referral_purchase_cap": s.settings.ReferralPurchaseCap,
		"max_spend_percent":     s.settings.MaxSpendPercent,
		"reject_unbacked":       s.settings.RejectUnbacked,
	})
}
