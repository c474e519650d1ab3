package bonus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/VladimirBerl/bonusledger/internal/ledger"
	"github.com/VladimirBerl/bonusledger/internal/metrics"
)

// Sweeper zeroes out accruals past their expiry and posts matching debits.
// A sweep is idempotent: an accrual whose remaining counter is already zero
// is skipped, so re-running over the same window produces no new rows.
type Sweeper struct {
	store    ledger.Store
	logger   *log.Logger
	interval time.Duration
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Scanned int   `json:"scanned"`
	Expired int   `json:"expired"`
	Points  int64 `json:"points_expired"`
	Skipped int   `json:"skipped"`
}

// NewSweeper creates a sweeper running at the given interval.
func NewSweeper(store ledger.Store, logger *log.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{store: store, logger: logger, interval: interval}
}

// RunSweep expires every accrual with expires_at <= now and remaining > 0.
// Each user's step runs inside that user's transactional boundary, so a
// sweep cannot race a concurrently-arriving grant or spend for the same
// user. Per-record failures are logged and skipped; only the initial scan
// can fail the pass as a whole.
func (s *Sweeper) RunSweep(ctx context.Context, now time.Time) (SweepResult, error) {
	start := time.Now()
	var result SweepResult

	expired, err := s.store.ExpiredAccruals(ctx, now)
	if err != nil {
		return result, fmt.Errorf("scan expired accruals: %w", err)
	}
	result.Scanned = len(expired)

	for _, accrual := range expired {
		err := s.expireOne(ctx, accrual, &result)
		if errors.Is(err, ledger.ErrNotFound) {
			result.Skipped++
			if s.logger != nil {
				s.logger.Printf("[sweep] skipping accrual=%d user=%d: %v", accrual.ID, accrual.UserID, err)
			}
			continue
		}
		if err != nil {
			result.Skipped++
			if s.logger != nil {
				s.logger.Printf("[sweep] accrual=%d user=%d failed: %v", accrual.ID, accrual.UserID, err)
			}
		}
	}

	metrics.SweepRuns.Inc()
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if s.logger != nil {
		s.logger.Printf("[sweep] done scanned=%d expired=%d points=%d skipped=%d",
			result.Scanned, result.Expired, result.Points, result.Skipped)
	}
	return result, nil
}

// expireOne zeroes a single accrual inside its user's transaction. The
// remaining counter is re-read inside the transaction, so an accrual
// consumed or swept since the scan is a no-op.
func (s *Sweeper) expireOne(ctx context.Context, stale ledger.Transaction, result *SweepResult) error {
	var expired int64
	err := s.store.WithUser(ctx, stale.UserID, func(tx ledger.Tx) error {
		user, err := tx.User(ctx, stale.UserID)
		if err != nil {
			return err
		}

		accruals, err := tx.ActiveAccruals(ctx, stale.UserID)
		if err != nil {
			return err
		}
		var remaining int64
		for _, a := range accruals {
			if a.ID == stale.ID {
				remaining = *a.Remaining
				break
			}
		}
		if remaining == 0 {
			return nil
		}

		// Balance floors at zero even when the accrual math implies a
		// larger deficit (unbacked spends can leave it short).
		newBalance := user.Balance - remaining
		if newBalance < 0 {
			newBalance = 0
		}

		if err := tx.ConsumeAccrual(ctx, stale.ID, remaining); err != nil {
			return err
		}
		if _, err := tx.Append(ctx, ledger.Transaction{
			UserID:      stale.UserID,
			Amount:      -remaining,
			Kind:        ledger.KindExpiration,
			Description: fmt.Sprintf("bonus granted %s expired", stale.CreatedAt.UTC().Format("2006-01-02")),
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, stale.UserID, newBalance); err != nil {
			return err
		}

		expired = remaining
		return nil
	})
	if err != nil {
		return err
	}
	if expired > 0 {
		result.Expired++
		result.Points += expired
		metrics.PointsExpired.Add(float64(expired))
	}
	return nil
}

// Run executes a sweep immediately, then on every tick until stopCh closes.
func (s *Sweeper) Run(ctx context.Context, stopCh <-chan struct{}) {
	if _, err := s.RunSweep(ctx, time.Now().UTC()); err != nil && s.logger != nil {
		s.logger.Printf("[sweep] startup sweep failed: %v", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.logger != nil {
		s.logger.Printf("[sweep] background loop started interval=%s", s.interval)
	}
	for {
		select {
		case <-ticker.C:
			if _, err := s.RunSweep(ctx, time.Now().UTC()); err != nil && s.logger != nil {
				s.logger.Printf("[sweep] scheduled sweep failed: %v", err)
			}
		case <-stopCh:
			if s.logger != nil {
				s.logger.Printf("[sweep] background loop stopped")
			}
			return
		}
	}
}
