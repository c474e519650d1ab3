package bonus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/VladimirBerl/bonusledger/internal/idempotency"
	"github.com/VladimirBerl/bonusledger/internal/ledger"
	"github.com/VladimirBerl/bonusledger/internal/metrics"
)

// Payment is a confirmed, non-trial subscription payment reported by the
// billing flow. Date must be stable across redeliveries of the same
// payment: together with the payer id it forms the attribution key.
type Payment struct {
	Date       time.Time `json:"date"`
	AmountPaid float64   `json:"amount_paid"`
	Duration   string    `json:"duration"` // "month" or "year"
}

// AttributionResult names the outcome of one purchase confirmation.
type AttributionResult string

const (
	AttributionApplied    AttributionResult = "applied"
	AttributionDuplicate  AttributionResult = "duplicate"
	AttributionCapped     AttributionResult = "capped"
	AttributionNoReferrer AttributionResult = "no_referrer"
	AttributionZeroBonus  AttributionResult = "zero_bonus"
)

// ReferralAttributor credits a referrer when a referred user's purchase is
// confirmed. Duplicate deliveries are tolerated: the attribution table's
// (payer, purchase date) key is authoritative, with an optional cache in
// front to short-circuit replays without touching the database.
type ReferralAttributor struct {
	store  ledger.Store
	cache  idempotency.Store // may be nil
	logger *log.Logger

	// cacheTTL bounds how long replays are short-circuited from memory.
	cacheTTL time.Duration
}

// NewReferralAttributor creates an attributor. cache may be nil.
func NewReferralAttributor(store ledger.Store, cache idempotency.Store, logger *log.Logger) *ReferralAttributor {
	return &ReferralAttributor{store: store, cache: cache, logger: logger, cacheTTL: 24 * time.Hour}
}

// SetCacheTTL overrides how long replayed confirmations are served from
// the cache. Non-positive values keep the default.
func (a *ReferralAttributor) SetCacheTTL(ttl time.Duration) {
	if ttl > 0 {
		a.cacheTTL = ttl
	}
}

// OnPurchaseConfirmed applies referral attribution for one confirmed
// payment. It returns the referrer-side accrual when one was created, and
// the outcome in every case. Unknown payer or referrer is a logged no-op,
// not an error: confirmations arrive from an external flow and must not
// poison its retry loop.
func (a *ReferralAttributor) OnPurchaseConfirmed(ctx context.Context, set Settings, payerID int64, payment Payment) (*ledger.Transaction, AttributionResult, error) {
	key := attributionKey(payerID, payment.Date)

	if a.cache != nil {
		seen, err := a.cache.Seen(ctx, key)
		if err != nil && a.logger != nil {
			a.logger.Printf("[referral] idempotency cache lookup failed: %v", err)
		}
		if err == nil && seen {
			metrics.AttributionsTotal.WithLabelValues(string(AttributionDuplicate)).Inc()
			return nil, AttributionDuplicate, nil
		}
	}

	payer, err := a.store.GetUser(ctx, payerID)
	if errors.Is(err, ledger.ErrNotFound) {
		if a.logger != nil {
			a.logger.Printf("[referral] payer=%d unknown, skipping", payerID)
		}
		metrics.AttributionsTotal.WithLabelValues(string(AttributionNoReferrer)).Inc()
		return nil, AttributionNoReferrer, nil
	}
	if err != nil {
		return nil, "", err
	}
	if payer.ReferredBy == nil {
		metrics.AttributionsTotal.WithLabelValues(string(AttributionNoReferrer)).Inc()
		return nil, AttributionNoReferrer, nil
	}
	referrerID := *payer.ReferredBy
	if _, err := a.store.GetUser(ctx, referrerID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			if a.logger != nil {
				a.logger.Printf("[referral] referrer=%d of payer=%d unknown, skipping", referrerID, payerID)
			}
			metrics.AttributionsTotal.WithLabelValues(string(AttributionNoReferrer)).Inc()
			return nil, AttributionNoReferrer, nil
		}
		return nil, "", err
	}

	var (
		created *ledger.Transaction
		outcome = AttributionApplied
	)
	err = a.store.WithUsers(ctx, []int64{payerID, referrerID}, func(tx ledger.Tx) error {
		// Re-read inside the transaction: the counter may have advanced
		// since the unlocked pre-checks.
		payer, err := tx.User(ctx, payerID)
		if err != nil {
			return err
		}
		if payer.ReferralPurchases >= set.ReferralPurchaseCap {
			outcome = AttributionCapped
			return nil
		}

		fresh, err := tx.RecordAttribution(ctx, payerID, payment.Date)
		if err != nil {
			return err
		}
		if !fresh {
			outcome = AttributionDuplicate
			return nil
		}

		bonus := int64(math.Round(payment.AmountPaid * set.ReferralRate))
		if bonus > 0 {
			t, err := appendGrant(ctx, tx, time.Now().UTC(), set, grantRequest{
				userID:       referrerID,
				amount:       bonus,
				kind:         ledger.KindReferral,
				description:  "referral bonus",
				sourceUserID: &payerID,
			})
			if err != nil {
				return err
			}
			created = &t
		} else {
			outcome = AttributionZeroBonus
		}

		// The counter advances whenever the cap was not yet reached,
		// even when the bonus rounded to zero.
		return tx.IncrementReferralPurchases(ctx, payerID)
	})
	if err != nil {
		metrics.AttributionsTotal.WithLabelValues("error").Inc()
		return nil, "", err
	}

	if a.cache != nil && (outcome == AttributionApplied || outcome == AttributionZeroBonus || outcome == AttributionDuplicate) {
		if err := a.cache.Mark(ctx, key, a.cacheTTL); err != nil && a.logger != nil {
			a.logger.Printf("[referral] idempotency cache mark failed: %v", err)
		}
	}

	metrics.AttributionsTotal.WithLabelValues(string(outcome)).Inc()
	if created != nil {
		metrics.GrantsTotal.WithLabelValues(string(ledger.KindReferral)).Inc()
		metrics.PointsGranted.Add(float64(created.Amount))
		if a.logger != nil {
			a.logger.Printf("[referral] payer=%d referrer=%d bonus=%d", payerID, referrerID, created.Amount)
		}
	}
	return created, outcome, nil
}

func attributionKey(payerID int64, date time.Time) string {
	return fmt.Sprintf("attribution:%d:%s", payerID, date.UTC().Format(time.RFC3339Nano))
}
