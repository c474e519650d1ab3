package bonus

import (
	"context"
	"log"
	"time"

	"github.com/VladimirBerl/bonusledger/internal/ledger"
	"github.com/VladimirBerl/bonusledger/internal/metrics"
)

// ConsumptionEngine debits a user's balance by consuming outstanding
// accruals oldest-first when a purchase is paid partly with points.
type ConsumptionEngine struct {
	store  ledger.Store
	logger *log.Logger
}

// NewConsumptionEngine creates a consumption engine over the given store.
func NewConsumptionEngine(store ledger.Store, logger *log.Logger) *ConsumptionEngine {
	return &ConsumptionEngine{store: store, logger: logger}
}

// Spend consumes amount points from the user's active accruals in FIFO
// order and posts one aggregate purchase_spend debit. The debit amount is
// trusted to the caller: by default it is posted in full even when the
// accrual walk could not locate enough backing. With Settings.RejectUnbacked
// the call fails with ErrInsufficientBacking instead.
func (e *ConsumptionEngine) Spend(ctx context.Context, set Settings, userID, amount int64, description string) (ledger.Transaction, int64, error) {
	if amount <= 0 {
		return ledger.Transaction{}, 0, ledger.ErrInvalidAmount
	}

	var (
		created ledger.Transaction
		balance int64
		short   int64
	)
	err := e.store.WithUser(ctx, userID, func(tx ledger.Tx) error {
		user, err := tx.User(ctx, userID)
		if err != nil {
			return err
		}

		accruals, err := tx.ActiveAccruals(ctx, userID)
		if err != nil {
			return err
		}
		needed := amount
		for _, accrual := range accruals {
			if needed == 0 {
				break
			}
			take := *accrual.Remaining
			if take > needed {
				take = needed
			}
			if err := tx.ConsumeAccrual(ctx, accrual.ID, take); err != nil {
				return err
			}
			needed -= take
		}
		if needed > 0 && set.RejectUnbacked {
			return ledger.ErrInsufficientBacking
		}
		short = needed

		created, err = tx.Append(ctx, ledger.Transaction{
			UserID:      userID,
			Amount:      -amount,
			Kind:        ledger.KindPurchaseSpend,
			Description: description,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		balance = user.Balance - amount
		return nil
	})
	if err != nil {
		return ledger.Transaction{}, 0, err
	}

	metrics.SpendsTotal.Inc()
	metrics.PointsSpent.Add(float64(amount))
	if e.logger != nil {
		if short > 0 {
			e.logger.Printf("[spend] user=%d amount=%d balance=%d unbacked=%d", userID, amount, balance, short)
		} else {
			e.logger.Printf("[spend] user=%d amount=%d balance=%d", userID, amount, balance)
		}
	}
	return created, balance, nil
}
