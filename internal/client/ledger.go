package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/VladimirBerl/bonusledger/internal/bonus"
	"github.com/VladimirBerl/bonusledger/internal/ledger"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// LedgerClient communicates with a bonus ledger daemon.
type LedgerClient struct {
	baseURL    *url.URL
	adminToken string
	httpClient HTTPClient
}

// NewLedgerClient constructs a client using the provided base URL. The
// admin token may be empty when only user endpoints are needed.
func NewLedgerClient(baseURL, adminToken string, httpClient HTTPClient) (*LedgerClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &LedgerClient{baseURL: parsed, adminToken: adminToken, httpClient: httpClient}, nil
}

// GrantRequest is the admin grant payload.
type GrantRequest struct {
	UserID      int64  `json:"user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	AdminID     *int64 `json:"admin_id,omitempty"`
}

// SpendRequest funds part of a purchase with points.
type SpendRequest struct {
	Amount   int64  `json:"amount"`
	Tier     string `json:"tier,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// PurchaseConfirmation reports a confirmed subscription payment.
type PurchaseConfirmation struct {
	PayerID    int64   `json:"payer_id"`
	Date       string  `json:"date"`
	AmountPaid float64 `json:"amount_paid"`
	Duration   string  `json:"duration"`
}

// TransactionResult pairs a posted transaction with the resulting balance.
type TransactionResult struct {
	Transaction ledger.Transaction `json:"transaction"`
	Balance     int64              `json:"balance"`
}

// AttributionOutcome is the result of one purchase confirmation.
type AttributionOutcome struct {
	Result      string              `json:"result"`
	Transaction *ledger.Transaction `json:"transaction,omitempty"`
}

// Settings mirrors the /admin/settings payload.
type Settings struct {
	ExpirationMonths    int     `json:"expiration_months"`
	ReferralRate        float64 `json:"referral_rate"`
	ReferralPurchaseCap int     `json:"referral_purchase_cap"`
	MaxSpendPercent     int     `json:"max_spend_percent"`
	RejectUnbacked      bool    `json:"reject_unbacked"`
}

// errorResponse matches the standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

func (c *LedgerClient) post(ctx context.Context, path string, payload any, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, payload, out)
}

func (c *LedgerClient) get(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *LedgerClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	rel, err := url.Parse(path)
	if err != nil {
		return err
	}
	endpoint := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" {
		req.Header.Set("X-Admin-Token", c.adminToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		var errPayload errorResponse
		if err := json.Unmarshal(data, &errPayload); err == nil && strings.TrimSpace(errPayload.Error) != "" {
			return fmt.Errorf("bonusledger error: %s", errPayload.Error)
		}
		return fmt.Errorf("bonusledger error: status %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// CreateUser registers a ledger account, optionally attached to a referrer.
func (c *LedgerClient) CreateUser(ctx context.Context, referredBy *int64) (ledger.User, error) {
	var resp struct {
		User ledger.User `json:"user"`
	}
	payload := struct {
		ReferredBy *int64 `json:"referred_by,omitempty"`
	}{ReferredBy: referredBy}
	if err := c.post(ctx, "/api/v1/users", payload, &resp); err != nil {
		return ledger.User{}, err
	}
	return resp.User, nil
}

// Balance fetches a user's current point balance.
func (c *LedgerClient) Balance(ctx context.Context, userID int64) (int64, error) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	if err := c.get(ctx, fmt.Sprintf("/api/v1/users/%d/balance", userID), &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// Transactions retrieves a user's most recent ledger entries.
func (c *LedgerClient) Transactions(ctx context.Context, userID int64, limit int) ([]ledger.Transaction, error) {
	path := fmt.Sprintf("/api/v1/users/%d/transactions", userID)
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var resp struct {
		Transactions []ledger.Transaction `json:"transactions"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// Spend posts a point-funded purchase debit.
func (c *LedgerClient) Spend(ctx context.Context, userID int64, req SpendRequest) (TransactionResult, error) {
	var resp TransactionResult
	if err := c.post(ctx, fmt.Sprintf("/api/v1/users/%d/spend", userID), req, &resp); err != nil {
		return TransactionResult{}, err
	}
	return resp, nil
}

// ConfirmPurchase reports a confirmed payment for referral attribution.
// Redelivery of the same confirmation is safe.
func (c *LedgerClient) ConfirmPurchase(ctx context.Context, conf PurchaseConfirmation) (AttributionOutcome, error) {
	var resp AttributionOutcome
	if err := c.post(ctx, "/api/v1/purchases/confirmed", conf, &resp); err != nil {
		return AttributionOutcome{}, err
	}
	return resp, nil
}

// Grant posts a manual admin credit or debit.
func (c *LedgerClient) Grant(ctx context.Context, req GrantRequest) (TransactionResult, error) {
	var resp TransactionResult
	if err := c.post(ctx, "/api/v1/admin/grant", req, &resp); err != nil {
		return TransactionResult{}, err
	}
	return resp, nil
}

// Sweep triggers an on-demand expiration sweep.
func (c *LedgerClient) Sweep(ctx context.Context) (bonus.SweepResult, error) {
	var resp struct {
		Sweep bonus.SweepResult `json:"sweep"`
	}
	if err := c.post(ctx, "/api/v1/admin/sweep", nil, &resp); err != nil {
		return bonus.SweepResult{}, err
	}
	return resp.Sweep, nil
}

// Audit checks a user's balance against their transaction log.
func (c *LedgerClient) Audit(ctx context.Context, userID int64) (bonus.AuditReport, error) {
	var resp struct {
		Audit bonus.AuditReport `json:"audit"`
	}
	if err := c.get(ctx, fmt.Sprintf("/api/v1/admin/audit?user_id=%d", userID), &resp); err != nil {
		return bonus.AuditReport{}, err
	}
	return resp.Audit, nil
}

// GetSettings fetches the active monetary settings.
func (c *LedgerClient) GetSettings(ctx context.Context) (Settings, error) {
	var resp Settings
	if err := c.get(ctx, "/api/v1/admin/settings", &resp); err != nil {
		return Settings{}, err
	}
	return resp, nil
}
