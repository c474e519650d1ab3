package bonus

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/VladimirBerl/bonusledger/internal/ledger"
	"github.com/VladimirBerl/bonusledger/internal/metrics"
)

// AccrualEngine posts credit transactions. Positive grants become
// time-boxed accruals with a consumable remaining counter; negative grants
// are plain debits that reduce the balance without touching any accrual.
type AccrualEngine struct {
	store  ledger.Store
	logger *log.Logger
}

// NewAccrualEngine creates an accrual engine over the given store.
func NewAccrualEngine(store ledger.Store, logger *log.Logger) *AccrualEngine {
	return &AccrualEngine{store: store, logger: logger}
}

// Grant posts an admin adjustment and returns the created transaction and
// the user's new balance. Grants are intentionally not idempotent: each
// call is a distinct, deliberate credit or debit.
func (e *AccrualEngine) Grant(ctx context.Context, set Settings, userID, amount int64, description string, adminID *int64) (ledger.Transaction, int64, error) {
	if amount == 0 {
		return ledger.Transaction{}, 0, ledger.ErrInvalidAmount
	}

	var (
		created ledger.Transaction
		balance int64
	)
	err := e.store.WithUser(ctx, userID, func(tx ledger.Tx) error {
		user, err := tx.User(ctx, userID)
		if err != nil {
			return err
		}
		created, err = appendGrant(ctx, tx, time.Now().UTC(), set, grantRequest{
			userID:      userID,
			amount:      amount,
			kind:        ledger.KindAdminGrant,
			description: description,
			adminID:     adminID,
		})
		if err != nil {
			return err
		}
		balance = user.Balance + amount
		return nil
	})
	if err != nil {
		return ledger.Transaction{}, 0, err
	}

	metrics.GrantsTotal.WithLabelValues(string(ledger.KindAdminGrant)).Inc()
	if amount > 0 {
		metrics.PointsGranted.Add(float64(amount))
	}
	if e.logger != nil {
		e.logger.Printf("[accrual] grant user=%d amount=%d balance=%d", userID, amount, balance)
	}
	return created, balance, nil
}

// grantRequest describes one credit/debit to append inside a transaction.
type grantRequest struct {
	userID       int64
	amount       int64
	kind         ledger.Kind
	description  string
	adminID      *int64
	sourceUserID *int64
}

// appendGrant builds and appends the grant transaction inside tx. Positive
// amounts become accruals expiring ExpirationMonths from now; negative
// amounts are plain debits with no remaining tracking.
func appendGrant(ctx context.Context, tx ledger.Tx, now time.Time, set Settings, req grantRequest) (ledger.Transaction, error) {
	if req.amount == 0 {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	t := ledger.Transaction{
		UserID:       req.userID,
		Amount:       req.amount,
		Kind:         req.kind,
		Description:  req.description,
		AdminID:      req.adminID,
		SourceUserID: req.sourceUserID,
		CreatedAt:    now,
	}
	if req.amount > 0 {
		expiresAt := now.AddDate(0, set.ExpirationMonths, 0)
		remaining := req.amount
		t.ExpiresAt = &expiresAt
		t.Remaining = &remaining
	}
	created, err := tx.Append(ctx, t)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("append grant: %w", err)
	}
	return created, nil
}
