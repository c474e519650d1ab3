package ledger

import (
	"context"
	"time"
)

// Kind represents the business reason a transaction was posted.
type Kind string

const (
	KindAdminGrant    Kind = "admin_grant"
	KindReferral      Kind = "referral"
	KindPurchaseSpend Kind = "purchase_spend"
	KindExpiration    Kind = "expiration"
	KindSystem        Kind = "system"
)

// Valid reports whether k is one of the known transaction kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAdminGrant, KindReferral, KindPurchaseSpend, KindExpiration, KindSystem:
		return true
	}
	return false
}

// Transaction is a single row in the append-only bonus ledger.
// Amount is signed: positive entries are accruals, negative entries are
// debits. Accruals additionally carry an expiry and a Remaining counter
// tracking the unconsumed, unexpired portion. Rows are immutable once
// written except for Remaining, which only ever decreases.
type Transaction struct {
	ID           int64      `json:"id"`
	UUID         string     `json:"uuid"`
	UserID       int64      `json:"user_id"`
	Amount       int64      `json:"amount"`
	Kind         Kind       `json:"kind"`
	Description  string     `json:"description"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Remaining    *int64     `json:"remaining,omitempty"`
	AdminID      *int64     `json:"admin_id,omitempty"`
	SourceUserID *int64     `json:"source_user_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// IsAccrual reports whether the transaction still tracks consumable backing.
func (t Transaction) IsAccrual() bool {
	return t.Amount > 0 && t.Remaining != nil
}

// User is an account holding a bonus balance. Balance is derived from the
// transaction log and cached on the row; the store keeps the two in sync
// inside a single transaction.
type User struct {
	ID                int64     `json:"id"`
	Balance           int64     `json:"balance"`
	ReferredBy        *int64    `json:"referred_by,omitempty"`
	ReferralPurchases int       `json:"referral_purchases"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Tx is the view of the store inside one transactional boundary. All
// mutations performed through a Tx commit or roll back together.
type Tx interface {
	// User loads a user row; postgres locks it for the duration of the
	// transaction so concurrent mutators for the same user serialize.
	User(ctx context.Context, id int64) (User, error)

	// Append inserts a transaction row and moves the cached balance by
	// Amount as one unit. ID, UUID and CreatedAt are filled in.
	Append(ctx context.Context, t Transaction) (Transaction, error)

	// SetBalance overrides the cached balance. Used only by the
	// expiration sweep, which floors the balance at zero.
	SetBalance(ctx context.Context, userID, balance int64) error

	// ActiveAccruals returns accruals with amount > 0 and remaining > 0
	// ordered by created_at ascending (oldest first), reflecting writes
	// already made in this transaction.
	ActiveAccruals(ctx context.Context, userID int64) ([]Transaction, error)

	// ConsumeAccrual decrements an accrual's remaining counter. The
	// counter can never go below zero.
	ConsumeAccrual(ctx context.Context, txID, amount int64) error

	// IncrementReferralPurchases bumps the referred user's purchase
	// counter by one.
	IncrementReferralPurchases(ctx context.Context, userID int64) error

	// RecordAttribution claims the (payerID, purchasedAt) idempotency key.
	// It returns false when the key was already claimed by an earlier
	// delivery of the same payment.
	RecordAttribution(ctx context.Context, payerID int64, purchasedAt time.Time) (bool, error)
}

// Store persists the bonus ledger across SQLite/Postgres backends.
type Store interface {
	// CreateUser registers a new account, optionally referred by another.
	CreateUser(ctx context.Context, referredBy *int64) (User, error)

	// GetUser returns a user outside any transaction.
	GetUser(ctx context.Context, id int64) (User, error)

	// Balance returns the cached balance for a user.
	Balance(ctx context.Context, userID int64) (int64, error)

	// ListTransactions returns the newest transactions for a user.
	ListTransactions(ctx context.Context, userID int64, limit int) ([]Transaction, error)

	// ExpiredAccruals returns accruals across all users whose expiry has
	// passed and whose remaining counter is still positive.
	ExpiredAccruals(ctx context.Context, now time.Time) ([]Transaction, error)

	// SumAmounts recomputes the transaction-log total for a user, for
	// conservation audits.
	SumAmounts(ctx context.Context, userID int64) (int64, error)

	// WithUser runs fn inside one transaction with the given user's
	// mutation lock held.
	WithUser(ctx context.Context, userID int64, fn func(Tx) error) error

	// WithUsers is WithUser over several users; locks are acquired in
	// ascending id order so concurrent attributions cannot deadlock.
	WithUsers(ctx context.Context, userIDs []int64, fn func(Tx) error) error

	Close() error
}
