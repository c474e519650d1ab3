// Package bonus implements the bonus-point engines: admin/referral accruals,
// FIFO consumption, expiration sweeps, and referral attribution. The engines
// share one ledger.Store and perform each operation inside a single
// transactional boundary.
package bonus

// Settings carries the monetary knobs the engines need. It is passed
// explicitly into each call instead of being read from global state, so a
// settings change never affects an operation already in flight.
type Settings struct {
	// ExpirationMonths is the accrual lifetime granted to positive entries.
	ExpirationMonths int

	// ReferralRate is the commission applied to a referred purchase.
	ReferralRate float64

	// ReferralPurchaseCap limits how many purchases by one referred user
	// can produce commissions. The counter saturates at the cap.
	ReferralPurchaseCap int

	// MaxSpendPercent is the share of a purchase price payable with
	// points. It is advertised to the purchase flow but deliberately kept
	// separate from ReferralRate.
	MaxSpendPercent int

	// RejectUnbacked makes Spend fail when the active accruals cannot
	// cover the requested amount, instead of posting the debit anyway.
	RejectUnbacked bool
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		ExpirationMonths:    6,
		ReferralRate:        0.20,
		ReferralPurchaseCap: 5,
		MaxSpendPercent:     30,
		RejectUnbacked:      false,
	}
}
