package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/VladimirBerl/bonusledger/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db    *sql.DB
	locks *ledger.UserLocks
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
	}

	s := &Store{db: db, locks: ledger.NewUserLocks()}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0,
	referred_by BIGINT REFERENCES users(id),
	referral_purchases INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS transactions (
	id BIGSERIAL PRIMARY KEY,
	uuid UUID NOT NULL UNIQUE,
	user_id BIGINT NOT NULL REFERENCES users(id),
	amount BIGINT NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('admin_grant','referral','purchase_spend','expiration','system')),
	description TEXT,
	expires_at TIMESTAMPTZ,
	remaining BIGINT,
	admin_id BIGINT,
	source_user_id BIGINT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_expiry ON transactions(expires_at, remaining) WHERE remaining > 0;

CREATE TABLE IF NOT EXISTS referral_attributions (
	payer_id BIGINT NOT NULL,
	purchased_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (payer_id, purchased_at)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser registers a new account.
func (s *Store) CreateUser(ctx context.Context, referredBy *int64) (ledger.User, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO users(referred_by) VALUES($1) RETURNING id`, refValue(referredBy)).Scan(&id)
	if err != nil {
		return ledger.User{}, fmt.Errorf("create user: %w", err)
	}
	return s.GetUser(ctx, id)
}

// GetUser returns a user outside any transaction.
func (s *Store) GetUser(ctx context.Context, id int64) (ledger.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
SELECT id, balance, referred_by, referral_purchases, created_at, updated_at
FROM users WHERE id = $1`, id))
}

// Balance returns the cached balance for a user.
func (s *Store) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, ledger.ErrNotFound
	}
	return balance, err
}

// ListTransactions returns the newest transactions for a user.
func (s *Store) ListTransactions(ctx context.Context, userID int64, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, uuid, user_id, amount, kind, description, expires_at, remaining, admin_id, source_user_id, created_at
FROM transactions
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ExpiredAccruals returns accruals past their expiry that still hold backing.
func (s *Store) ExpiredAccruals(ctx context.Context, now time.Time) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, uuid, user_id, amount, kind, description, expires_at, remaining, admin_id, source_user_id, created_at
FROM transactions
WHERE remaining > 0 AND expires_at IS NOT NULL AND expires_at <= $1
ORDER BY user_id ASC, created_at ASC, id ASC`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// SumAmounts recomputes the transaction-log total for a user.
func (s *Store) SumAmounts(ctx context.Context, userID int64) (int64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE user_id = $1`, userID).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}

// WithUser runs fn inside one transaction with the user's mutation lock held.
func (s *Store) WithUser(ctx context.Context, userID int64, fn func(ledger.Tx) error) error {
	return s.WithUsers(ctx, []int64{userID}, fn)
}

// WithUsers runs fn inside one transaction holding every listed user's lock.
// The user rows themselves are additionally locked with SELECT ... FOR UPDATE
// on first access, so multiple daemon instances sharing one database still
// serialize per user.
func (s *Store) WithUsers(ctx context.Context, userIDs []int64, fn func(ledger.Tx) error) error {
	release := s.locks.Acquire(userIDs...)
	defer release()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&txView{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txView implements ledger.Tx on top of one *sql.Tx.
type txView struct {
	tx *sql.Tx
}

func (v *txView) User(ctx context.Context, id int64) (ledger.User, error) {
	return scanUser(v.tx.QueryRowContext(ctx, `
SELECT id, balance, referred_by, referral_purchases, created_at, updated_at
FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (v *txView) Append(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	if !t.Kind.Valid() {
		return ledger.Transaction{}, fmt.Errorf("invalid transaction kind %q", t.Kind)
	}
	t.UUID = uuid.NewString()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	err := v.tx.QueryRowContext(ctx, `
INSERT INTO transactions(uuid, user_id, amount, kind, description, expires_at, remaining, admin_id, source_user_id, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id`,
		t.UUID, t.UserID, t.Amount, string(t.Kind), t.Description,
		timeValue(t.ExpiresAt), refValue(t.Remaining), refValue(t.AdminID), refValue(t.SourceUserID), t.CreatedAt).Scan(&t.ID)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	res, err := v.tx.ExecContext(ctx, `
UPDATE users SET balance = balance + $1, updated_at = NOW() WHERE id = $2`, t.Amount, t.UserID)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("update balance: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return t, nil
}

func (v *txView) SetBalance(ctx context.Context, userID, balance int64) error {
	res, err := v.tx.ExecContext(ctx, `
UPDATE users SET balance = $1, updated_at = NOW() WHERE id = $2`, balance, userID)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (v *txView) ActiveAccruals(ctx context.Context, userID int64) ([]ledger.Transaction, error) {
	rows, err := v.tx.QueryContext(ctx, `
SELECT id, uuid, user_id, amount, kind, description, expires_at, remaining, admin_id, source_user_id, created_at
FROM transactions
WHERE user_id = $1 AND amount > 0 AND remaining > 0
ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (v *txView) ConsumeAccrual(ctx context.Context, txID, amount int64) error {
	if amount <= 0 {
		return ledger.ErrInvalidAmount
	}
	res, err := v.tx.ExecContext(ctx, `
UPDATE transactions SET remaining = remaining - $1 WHERE id = $2 AND remaining >= $1`, amount, txID)
	if err != nil {
		return fmt.Errorf("consume accrual: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("accrual %d cannot cover %d: %w", txID, amount, ledger.ErrInsufficientBacking)
	}
	return nil
}

func (v *txView) IncrementReferralPurchases(ctx context.Context, userID int64) error {
	res, err := v.tx.ExecContext(ctx, `
UPDATE users SET referral_purchases = referral_purchases + 1, updated_at = NOW() WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("increment referral purchases: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (v *txView) RecordAttribution(ctx context.Context, payerID int64, purchasedAt time.Time) (bool, error) {
	res, err := v.tx.ExecContext(ctx, `
INSERT INTO referral_attributions(payer_id, purchased_at)
VALUES($1, $2)
ON CONFLICT (payer_id, purchased_at) DO NOTHING`, payerID, purchasedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("record attribution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (ledger.User, error) {
	var u ledger.User
	var referredBy sql.NullInt64
	err := row.Scan(&u.ID, &u.Balance, &referredBy, &u.ReferralPurchases, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return ledger.User{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.User{}, err
	}
	if referredBy.Valid {
		id := referredBy.Int64
		u.ReferredBy = &id
	}
	return u, nil
}

func scanTransactions(rows *sql.Rows) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var kind string
		var expiresAt sql.NullTime
		var remaining, adminID, sourceUserID sql.NullInt64
		if err := rows.Scan(&t.ID, &t.UUID, &t.UserID, &t.Amount, &kind, &t.Description,
			&expiresAt, &remaining, &adminID, &sourceUserID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = ledger.Kind(kind)
		if expiresAt.Valid {
			at := expiresAt.Time
			t.ExpiresAt = &at
		}
		if remaining.Valid {
			n := remaining.Int64
			t.Remaining = &n
		}
		if adminID.Valid {
			n := adminID.Int64
			t.AdminID = &n
		}
		if sourceUserID.Valid {
			n := sourceUserID.Int64
			t.SourceUserID = &n
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func refValue(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
