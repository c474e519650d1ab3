package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/VladimirBerl/bonusledger/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db    *sql.DB
	locks *ledger.UserLocks
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	// Transactions must start as write transactions: a deferred tx that
	// upgrades to a write under WAL fails with SQLITE_BUSY instead of
	// waiting on busy_timeout.
	db, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
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
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	balance INTEGER NOT NULL DEFAULT 0,
	referred_by INTEGER REFERENCES users(id),
	referral_purchases INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE,
	user_id INTEGER NOT NULL REFERENCES users(id),
	amount INTEGER NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('admin_grant','referral','purchase_spend','expiration','system')),
	description TEXT,
	expires_at TIMESTAMP,
	remaining INTEGER,
	admin_id INTEGER,
	source_user_id INTEGER,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_created ON transactions(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_expiry ON transactions(expires_at, remaining);

CREATE TABLE IF NOT EXISTS referral_attributions (
	payer_id INTEGER NOT NULL,
	purchased_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
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
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO users(balance, referred_by, referral_purchases, created_at, updated_at)
VALUES(0, ?, 0, ?, ?)`, refValue(referredBy), now, now)
	if err != nil {
		return ledger.User{}, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.User{}, fmt.Errorf("create user id: %w", err)
	}
	return s.GetUser(ctx, id)
}

// GetUser returns a user outside any transaction.
func (s *Store) GetUser(ctx context.Context, id int64) (ledger.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
SELECT id, balance, referred_by, referral_purchases, created_at, updated_at
FROM users WHERE id = ?`, id))
}

// Balance returns the cached balance for a user.
func (s *Store) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = ?`, userID).Scan(&balance)
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
WHERE user_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, userID, limit)
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
WHERE remaining > 0 AND expires_at IS NOT NULL AND expires_at <= ?
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
SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE user_id = ?`, userID).Scan(&sum)
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
FROM users WHERE id = ?`, id))
}

func (v *txView) Append(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	if !t.Kind.Valid() {
		return ledger.Transaction{}, fmt.Errorf("invalid transaction kind %q", t.Kind)
	}
	t.UUID = uuid.NewString()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	res, err := v.tx.ExecContext(ctx, `
INSERT INTO transactions(uuid, user_id, amount, kind, description, expires_at, remaining, admin_id, source_user_id, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UUID, t.UserID, t.Amount, string(t.Kind), t.Description,
		timeValue(t.ExpiresAt), refValue(t.Remaining), refValue(t.AdminID), refValue(t.SourceUserID), t.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction id: %w", err)
	}

	upd, err := v.tx.ExecContext(ctx, `
UPDATE users SET balance = balance + ?, updated_at = ? WHERE id = ?`, t.Amount, time.Now().UTC(), t.UserID)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("update balance: %w", err)
	}
	if n, err := upd.RowsAffected(); err == nil && n == 0 {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return t, nil
}

func (v *txView) SetBalance(ctx context.Context, userID, balance int64) error {
	res, err := v.tx.ExecContext(ctx, `
UPDATE users SET balance = ?, updated_at = ? WHERE id = ?`, balance, time.Now().UTC(), userID)
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
WHERE user_id = ? AND amount > 0 AND remaining > 0
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
UPDATE transactions SET remaining = remaining - ? WHERE id = ? AND remaining >= ?`, amount, txID, amount)
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
UPDATE users SET referral_purchases = referral_purchases + 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), userID)
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
INSERT OR IGNORE INTO referral_attributions(payer_id, purchased_at, created_at)
VALUES(?, ?, ?)`, payerID, purchasedAt.UTC(), time.Now().UTC())
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
