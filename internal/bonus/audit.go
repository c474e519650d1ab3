package bonus

import (
	"context"
	"fmt"

	"github.com/VladimirBerl/bonusledger/internal/ledger"
)

// AuditReport compares a user's cached balance with the sum of their
// transaction amounts.
type AuditReport struct {
	UserID     int64 `json:"user_id"`
	Balance    int64 `json:"balance"`
	LogTotal   int64 `json:"log_total"`
	Consistent bool  `json:"consistent"`
}

// AuditUser recomputes the transaction-log total for a user and compares
// it to the cached balance. A mismatch should never occur under correct
// operation; when it does, the report carries both figures and the
// returned error wraps ledger.ErrInconsistent.
func AuditUser(ctx context.Context, store ledger.Store, userID int64) (AuditReport, error) {
	balance, err := store.Balance(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}
	total, err := store.SumAmounts(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{
		UserID:     userID,
		Balance:    balance,
		LogTotal:   total,
		Consistent: balance == total,
	}
	if !report.Consistent {
		return report, fmt.Errorf("user %d: balance %d, log total %d: %w", userID, balance, total, ledger.ErrInconsistent)
	}
	return report, nil
}
