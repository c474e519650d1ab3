package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/VladimirBerl/bonusledger/internal/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendUpdatesBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	err = store.WithUser(ctx, user.ID, func(tx ledger.Tx) error {
		_, err := tx.Append(ctx, ledger.Transaction{
			UserID: user.ID, Amount: 100, Kind: ledger.KindAdminGrant, Description: "welcome",
		})
		return err
	})
	if err != nil {
		t.Fatalf("WithUser: %v", err)
	}

	balance, err := store.Balance(ctx, user.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("expected balance 100, got %d", balance)
	}

	entries, err := store.ListTransactions(ctx, user.ID, 10)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Kind != ledger.KindAdminGrant || entries[0].Amount != 100 {
		t.Fatalf("unexpected entry %#v", entries[0])
	}
	if entries[0].UUID == "" {
		t.Fatalf("expected a uuid on the stored entry")
	}
}

func TestAppendRejectsInvalidKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	err = store.WithUser(ctx, user.ID, func(tx ledger.Tx) error {
		_, err := tx.Append(ctx, ledger.Transaction{UserID: user.ID, Amount: 1, Kind: "bogus"})
		return err
	})
	if err == nil {
		t.Fatalf("expected error for invalid kind")
	}
}

func TestAppendUnknownUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithUser(ctx, 9999, func(tx ledger.Tx) error {
		_, err := tx.Append(ctx, ledger.Transaction{UserID: 9999, Amount: 10, Kind: ledger.KindAdminGrant})
		return err
	})
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveAccrualsFIFO(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	base := time.Now().UTC().Add(-3 * time.Hour)
	amounts := []int64{100, 200, 300}
	err = store.WithUser(ctx, user.ID, func(tx ledger.Tx) error {
		for i, amount := range amounts {
			remaining := amount
			expires := base.AddDate(0, 6, 0)
			if _, err := tx.Append(ctx, ledger.Transaction{
				UserID:    user.ID,
				Amount:    amount,
				Kind:      ledger.KindAdminGrant,
				Remaining: &remaining,
				ExpiresAt: &expires,
				CreatedAt: base.Add(time.Duration(i) * time.Hour),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed accruals: %v", err)
	}

	err = store.WithUser(ctx, user.ID, func(tx ledger.Tx) error {
		accruals, err := tx.ActiveAccruals(ctx, user.ID)
		if err != nil {
			return err
		}
		if len(accruals) != 3 {
			t.Fatalf("expected 3 accruals, got %d", len(accruals))
		}
		for i, want := range amounts {
			if accruals[i].Amount != want {
				t.Fatalf("accrual %d: expected amount %d, got %d", i, want, accruals[i].Amount)
			}
		}
		// Drain the oldest; it must drop out of the active set.
		if err := tx.ConsumeAccrual(ctx, accruals[0].ID, 100); err != nil {
			return err
		}
		accruals, err = tx.ActiveAccruals(ctx, user.ID)
		if err != nil {
			return err
		}
		if len(accruals) != 2 || accruals[0].Amount != 200 {
			t.Fatalf("unexpected active set %#v", accruals)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithUser: %v", err)
	}
}

func TestConsumeAccrualBound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	var accrualID int64
	err = store.WithUser(ctx, user.ID, func(tx ledger.Tx) error {
		remaining := int64(50)
		created, err := tx.Append(ctx, ledger.Transaction{
			UserID: user.ID, Amount: 50, Kind: ledger.KindAdminGrant, Remaining: &remaining,
		})
		accrualID = created.ID
		return err
	})
	if err != nil {
		t.Fatalf("seed accrual: %v", err)
	}

	err = store.WithUser(ctx, user.ID, func(tx ledger.Tx) error {
		return tx.ConsumeAccrual(ctx, accrualID, 80)
	})
	if !errors.Is(err, ledger.ErrInsufficientBacking) {
		t.Fatalf("expected ErrInsufficientBacking, got %v", err)
	}

	err = store.WithUser(ctx, user.ID, func(tx ledger.Tx) error {
		if err := tx.ConsumeAccrual(ctx, accrualID, 0); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
		}
		return tx.ConsumeAccrual(ctx, accrualID, 50)
	})
	if err != nil {
		t.Fatalf("full consume: %v", err)
	}
}

func TestRecordAttributionDedupe(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	paidAt := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	record := func(at time.Time) bool {
		var fresh bool
		err := store.WithUser(ctx, user.ID, func(tx ledger.Tx) error {
			var err error
			fresh, err = tx.RecordAttribution(ctx, user.ID, at)
			return err
		})
		if err != nil {
			t.Fatalf("RecordAttribution: %v", err)
		}
		return fresh
	}

	if !record(paidAt) {
		t.Fatalf("first attribution should be fresh")
	}
	if record(paidAt) {
		t.Fatalf("replayed attribution should not be fresh")
	}
	if !record(paidAt.Add(time.Hour)) {
		t.Fatalf("distinct purchase date should be fresh")
	}
}

func TestWithUserRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	failure := errors.New("abort")
	err = store.WithUser(ctx, user.ID, func(tx ledger.Tx) error {
		if _, err := tx.Append(ctx, ledger.Transaction{UserID: user.ID, Amount: 77, Kind: ledger.KindAdminGrant}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected wrapped failure, got %v", err)
	}

	balance, err := store.Balance(ctx, user.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("rollback leaked balance %d", balance)
	}
	entries, err := store.ListTransactions(ctx, user.ID, 10)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rollback leaked %d entries", len(entries))
	}
}

func TestExpiredAccrualsScan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	now := time.Now().UTC()
	err = store.WithUser(ctx, user.ID, func(tx ledger.Tx) error {
		stale, fresh := now.Add(-time.Hour), now.Add(time.Hour)
		for _, grant := range []struct {
			amount  int64
			expires time.Time
		}{{40, stale}, {60, fresh}} {
			remaining := grant.amount
			expires := grant.expires
			if _, err := tx.Append(ctx, ledger.Transaction{
				UserID: user.ID, Amount: grant.amount, Kind: ledger.KindAdminGrant,
				Remaining: &remaining, ExpiresAt: &expires,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	expired, err := store.ExpiredAccruals(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredAccruals: %v", err)
	}
	if len(expired) != 1 || expired[0].Amount != 40 {
		t.Fatalf("unexpected expired set %#v", expired)
	}
}

func TestSumAmountsMatchesBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	err = store.WithUser(ctx, user.ID, func(tx ledger.Tx) error {
		for _, amount := range []int64{500, -120, 30} {
			kind := ledger.KindAdminGrant
			if amount < 0 {
				kind = ledger.KindPurchaseSpend
			}
			if _, err := tx.Append(ctx, ledger.Transaction{UserID: user.ID, Amount: amount, Kind: kind}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	balance, err := store.Balance(ctx, user.ID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	total, err := store.SumAmounts(ctx, user.ID)
	if err != nil {
		t.Fatalf("SumAmounts: %v", err)
	}
	if balance != 410 || total != 410 {
		t.Fatalf("expected 410/410, got balance=%d total=%d", balance, total)
	}
}

func TestCreateUserWithReferrer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	referrer, err := store.CreateUser(ctx, nil)
	if err != nil {
		t.Fatalf("CreateUser referrer: %v", err)
	}
	referred, err := store.CreateUser(ctx, &referrer.ID)
	if err != nil {
		t.Fatalf("CreateUser referred: %v", err)
	}
	if referred.ReferredBy == nil || *referred.ReferredBy != referrer.ID {
		t.Fatalf("unexpected referred_by %#v", referred.ReferredBy)
	}

	if _, err := store.GetUser(ctx, 424242); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// Writes to different users need no coordination from the caller. Each
// transaction takes the write lock up front, so concurrent writers queue
// on busy_timeout instead of failing with SQLITE_BUSY.
func TestConcurrentUsersDoNotBlock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	const opsPerWorker = 50

	users := make([]ledger.User, workers)
	for i := range users {
		user, err := store.CreateUser(ctx, nil)
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		users[i] = user
	}

	errCh := make(chan error, workers*opsPerWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			for j := 0; j < opsPerWorker; j++ {
				err := store.WithUser(ctx, userID, func(tx ledger.Tx) error {
					if _, err := tx.User(ctx, userID); err != nil {
						return err
					}
					_, err := tx.Append(ctx, ledger.Transaction{
						UserID: userID, Amount: 10, Kind: ledger.KindAdminGrant,
					})
					return err
				})
				if err != nil {
					errCh <- err
				}
			}
		}(users[i].ID)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent write: %v", err)
	}

	for _, user := range users {
		balance, err := store.Balance(ctx, user.ID)
		if err != nil {
			t.Fatalf("Balance: %v", err)
		}
		total, err := store.SumAmounts(ctx, user.ID)
		if err != nil {
			t.Fatalf("SumAmounts: %v", err)
		}
		want := int64(opsPerWorker * 10)
		if balance != want || total != want {
			t.Fatalf("user %d: expected %d/%d, got balance=%d total=%d", user.ID, want, want, balance, total)
		}
	}
}
