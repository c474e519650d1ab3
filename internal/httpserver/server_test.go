package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/VladimirBerl/bonusledger/internal/bonus"
	"github.com/VladimirBerl/bonusledger/internal/client"
	"github.com/VladimirBerl/bonusledger/internal/ledger"
	"github.com/VladimirBerl/bonusledger/internal/ledger/sqlite"
)

const testAdminToken = "test-admin-token"

func newTestServer(t *testing.T) (*httptest.Server, *client.LedgerClient, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := New(Options{
		Store:       store,
		Accrual:     bonus.NewAccrualEngine(store, nil),
		Consumption: bonus.NewConsumptionEngine(store, nil),
		Sweeper:     bonus.NewSweeper(store, nil, time.Hour),
		Attributor:  bonus.NewReferralAttributor(store, nil, nil),
		Settings:    bonus.DefaultSettings(),
		AdminToken:  testAdminToken,
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	api, err := client.NewLedgerClient(ts.URL, testAdminToken, nil)
	if err != nil {
		t.Fatalf("NewLedgerClient: %v", err)
	}
	return ts, api, store
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestUserLifecycle(t *testing.T) {
	_, api, _ := newTestServer(t)
	ctx := context.Background()

	user, err := api.CreateUser(ctx, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	grant, err := api.Grant(ctx, client.GrantRequest{UserID: user.ID, Amount: 500, Description: "welcome"})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if grant.Balance != 500 || grant.Transaction.Kind != ledger.KindAdminGrant {
		t.Fatalf("unexpected grant result %+v", grant)
	}

	balance, err := api.Balance(ctx, user.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 500 {
		t.Fatalf("expected balance 500, got %d", balance)
	}

	spent, err := api.Spend(ctx, user.ID, client.SpendRequest{Amount: 200, Tier: "basic", Duration: "month"})
	if err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if spent.Balance != 300 || spent.Transaction.Amount != -200 {
		t.Fatalf("unexpected spend result %+v", spent)
	}

	entries, err := api.Transactions(ctx, user.ID, 10)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != ledger.KindPurchaseSpend {
		t.Fatalf("expected newest-first ordering, got %#v", entries[0])
	}
}

func TestAdminAuthRequired(t *testing.T) {
	ts, _, _ := newTestServer(t)

	body := bytes.NewReader([]byte(`{"user_id":1,"amount":10,"description":"x"}`))
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/admin/grant", body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", "wrong")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCreateUserUnknownReferrer(t *testing.T) {
	ts, _, _ := newTestServer(t)

	body := bytes.NewReader([]byte(`{"referred_by":4242}`))
	resp, err := http.Post(ts.URL+"/api/v1/users", "application/json", body)
	if err != nil {
		t.Fatalf("POST /users: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestBalanceNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/users/999/balance")
	if err != nil {
		t.Fatalf("GET balance: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestTransactionsNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/users/999/transactions")
	if err != nil {
		t.Fatalf("GET transactions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSpendErrorsStayGeneric(t *testing.T) {
	ts, api, _ := newTestServer(t)
	ctx := context.Background()

	user, err := api.CreateUser(ctx, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	body := bytes.NewReader([]byte(`{"amount":0}`))
	url := ts.URL + "/api/v1/users/" + strconv.FormatInt(user.ID, 10) + "/spend"
	resp, err := http.Post(url, "application/json", body)
	if err != nil {
		t.Fatalf("POST spend: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error != "operation could not be completed" {
		t.Fatalf("end-user error bodies must stay generic, got %q", payload.Error)
	}
}

func TestPurchaseConfirmedFlow(t *testing.T) {
	_, api, _ := newTestServer(t)
	ctx := context.Background()

	referrer, err := api.CreateUser(ctx, nil)
	if err != nil {
		t.Fatalf("CreateUser referrer: %v", err)
	}
	payer, err := api.CreateUser(ctx, &referrer.ID)
	if err != nil {
		t.Fatalf("CreateUser payer: %v", err)
	}

	conf := client.PurchaseConfirmation{
		PayerID:    payer.ID,
		Date:       "2025-06-01T10:00:00Z",
		AmountPaid: 1000,
		Duration:   "month",
	}
	outcome, err := api.ConfirmPurchase(ctx, conf)
	if err != nil {
		t.Fatalf("ConfirmPurchase: %v", err)
	}
	if outcome.Result != "applied" || outcome.Transaction == nil {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.Transaction.Amount != 200 || outcome.Transaction.UserID != referrer.ID {
		t.Fatalf("unexpected commission %+v", outcome.Transaction)
	}

	replay, err := api.ConfirmPurchase(ctx, conf)
	if err != nil {
		t.Fatalf("ConfirmPurchase replay: %v", err)
	}
	if replay.Result != "duplicate" || replay.Transaction != nil {
		t.Fatalf("unexpected replay outcome %+v", replay)
	}

	balance, err := api.Balance(ctx, referrer.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 200 {
		t.Fatalf("expected referrer balance 200, got %d", balance)
	}
}

func TestPurchaseConfirmedValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	for _, body := range []string{
		`{"payer_id":0,"date":"2025-06-01T10:00:00Z","amount_paid":10,"duration":"month"}`,
		`{"payer_id":1,"date":"yesterday","amount_paid":10,"duration":"month"}`,
		`{"payer_id":1,"date":"2025-06-01T10:00:00Z","amount_paid":-1,"duration":"month"}`,
		`{"payer_id":1,"date":"2025-06-01T10:00:00Z","amount_paid":10,"duration":"weekly"}`,
	} {
		resp, err := http.Post(ts.URL+"/api/v1/purchases/confirmed", "application/json", bytes.NewReader([]byte(body)))
		if err != nil {
			t.Fatalf("POST confirmed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestAdminSweepAuditSettings(t *testing.T) {
	_, api, _ := newTestServer(t)
	ctx := context.Background()

	user, err := api.CreateUser(ctx, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := api.Grant(ctx, client.GrantRequest{UserID: user.ID, Amount: 100, Description: "seed"}); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	sweep, err := api.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if sweep.Expired != 0 {
		t.Fatalf("fresh accrual must not expire, got %+v", sweep)
	}

	report, err := api.Audit(ctx, user.ID)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if !report.Consistent || report.Balance != 100 {
		t.Fatalf("unexpected audit %+v", report)
	}

	settings, err := api.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if settings.ReferralRate != 0.20 || settings.ReferralPurchaseCap != 5 || settings.MaxSpendPercent != 30 {
		t.Fatalf("unexpected settings %+v", settings)
	}
}
