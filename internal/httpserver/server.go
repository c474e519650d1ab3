// Package httpserver exposes the bonus ledger over REST. Admin endpoints
// surface raw error detail; user-facing purchase/spend endpoints return a
// generic failure message and keep the detail in the logs.
package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/VladimirBerl/bonusledger/internal/bonus"
	"github.com/VladimirBerl/bonusledger/internal/ledger"
	"github.com/VladimirBerl/bonusledger/internal/metrics"
)

// Server wires the engines into HTTP handlers.
type Server struct {
	store       ledger.Store
	accrual     *bonus.AccrualEngine
	consumption *bonus.ConsumptionEngine
	sweeper     *bonus.Sweeper
	attributor  *bonus.ReferralAttributor
	settings    bonus.Settings

	adminToken string
	logger     *log.Logger
	startedAt  time.Time
}

// Options carries the Server dependencies.
type Options struct {
	Store       ledger.Store
	Accrual     *bonus.AccrualEngine
	Consumption *bonus.ConsumptionEngine
	Sweeper     *bonus.Sweeper
	Attributor  *bonus.ReferralAttributor
	Settings    bonus.Settings
	AdminToken  string
	Logger      *log.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	return &Server{
		store:       opts.Store,
		accrual:     opts.Accrual,
		consumption: opts.Consumption,
		sweeper:     opts.Sweeper,
		attributor:  opts.Attributor,
		settings:    opts.Settings,
		adminToken:  opts.AdminToken,
		logger:      opts.Logger,
		startedAt:   time.Now(),
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/users", s.handleCreateUser)
		api.Get("/users/{id}/balance", s.handleBalance)
		api.Get("/users/{id}/transactions", s.handleTransactions)
		api.Post("/users/{id}/spend", s.handleSpend)
		api.Post("/purchases/confirmed", s.handlePurchaseConfirmed)

		api.Group(func(admin chi.Router) {
			admin.Use(s.adminMiddleware)
			admin.Post("/admin/grant", s.handleAdminGrant)
			admin.Post("/admin/sweep", s.handleAdminSweep)
			admin.Get("/admin/audit", s.handleAdminAudit)
			admin.Get("/admin/settings", s.handleAdminSettings)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// adminMiddleware checks X-Admin-Token when a token is configured.
func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" {
			token := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
			if token != s.adminToken {
				s.respondError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondGenericError hides ledger internals from end-user flows.
func (s *Server) respondGenericError(w http.ResponseWriter, status int, r *http.Request, err error) {
	if s.logger != nil {
		s.logger.Printf("[http] %s %s failed: %v", r.Method, r.URL.Path, err)
	}
	s.respondJSON(w, status, map[string]any{"error": "operation could not be completed"})
}

func (s *Server) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func userIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("malformed user id")
	}
	return id, nil
}
