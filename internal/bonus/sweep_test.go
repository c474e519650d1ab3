package bonus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VladimirBerl/bonusledger/internal/ledger"
	"github.com/VladimirBerl/bonusledger/internal/metrics"
)

// commitFailStore reports every per-user transaction as failed after the
// closure has run, the way a commit lost to a dropped connection would.
type commitFailStore struct {
	ledger.Store
	err error
}

func (s *commitFailStore) WithUser(ctx context.Context, userID int64, fn func(ledger.Tx) error) error {
	if err := s.Store.WithUser(ctx, userID, fn); err != nil {
		return err
	}
	return s.err
}

func TestSweepExpiresStaleAccrual(t *testing.T) {
	store := newTestStore(t)
	accrue := NewAccrualEngine(store, nil)
	sweeper := NewSweeper(store, nil, time.Hour)
	set := DefaultSettings()
	user := createUser(t, store, nil)

	_, _, err := accrue.Grant(context.Background(), set, user.ID, 500, "seed", nil)
	require.NoError(t, err)

	future := time.Now().UTC().AddDate(0, set.ExpirationMonths+1, 0)
	result, err := sweeper.RunSweep(context.Background(), future)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, int64(500), result.Points)

	balance, err := store.Balance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	entries, err := store.ListTransactions(context.Background(), user.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.KindExpiration, entries[0].Kind)
	assert.Equal(t, int64(-500), entries[0].Amount)
	assert.Contains(t, entries[0].Description, "expired")

	report, err := AuditUser(context.Background(), store, user.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestSweepIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	accrue := NewAccrualEngine(store, nil)
	sweeper := NewSweeper(store, nil, time.Hour)
	set := DefaultSettings()
	user := createUser(t, store, nil)

	_, _, err := accrue.Grant(context.Background(), set, user.ID, 500, "seed", nil)
	require.NoError(t, err)

	future := time.Now().UTC().AddDate(0, set.ExpirationMonths+1, 0)
	_, err = sweeper.RunSweep(context.Background(), future)
	require.NoError(t, err)

	again, err := sweeper.RunSweep(context.Background(), future)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Scanned)
	assert.Equal(t, 0, again.Expired)

	entries, err := store.ListTransactions(context.Background(), user.ID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "repeat sweep must not add debits")
}

func TestSweepExpiresOnlyUnconsumedPart(t *testing.T) {
	store := newTestStore(t)
	accrue := NewAccrualEngine(store, nil)
	spend := NewConsumptionEngine(store, nil)
	sweeper := NewSweeper(store, nil, time.Hour)
	set := DefaultSettings()
	user := createUser(t, store, nil)

	_, _, err := accrue.Grant(context.Background(), set, user.ID, 100, "seed", nil)
	require.NoError(t, err)
	_, _, err = spend.Spend(context.Background(), set, user.ID, 40, "partial")
	require.NoError(t, err)

	future := time.Now().UTC().AddDate(0, set.ExpirationMonths+1, 0)
	result, err := sweeper.RunSweep(context.Background(), future)
	require.NoError(t, err)
	assert.Equal(t, int64(60), result.Points)

	balance, err := store.Balance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	report, err := AuditUser(context.Background(), store, user.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestSweepFloorsBalanceAtZero(t *testing.T) {
	store := newTestStore(t)
	accrue := NewAccrualEngine(store, nil)
	sweeper := NewSweeper(store, nil, time.Hour)
	set := DefaultSettings()
	user := createUser(t, store, nil)

	// A manual debit leaves the balance below the accrual's backing.
	_, _, err := accrue.Grant(context.Background(), set, user.ID, 100, "seed", nil)
	require.NoError(t, err)
	_, _, err = accrue.Grant(context.Background(), set, user.ID, -80, "correction", nil)
	require.NoError(t, err)

	future := time.Now().UTC().AddDate(0, set.ExpirationMonths+1, 0)
	result, err := sweeper.RunSweep(context.Background(), future)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, int64(100), result.Points)

	balance, err := store.Balance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance, "expiration must not push the balance negative")
}

func TestSweepSkipsUnexpiredAccruals(t *testing.T) {
	store := newTestStore(t)
	accrue := NewAccrualEngine(store, nil)
	sweeper := NewSweeper(store, nil, time.Hour)
	set := DefaultSettings()
	user := createUser(t, store, nil)

	_, _, err := accrue.Grant(context.Background(), set, user.ID, 500, "seed", nil)
	require.NoError(t, err)

	result, err := sweeper.RunSweep(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)

	balance, err := store.Balance(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestSweepFailedTransactionLeavesCountersAlone(t *testing.T) {
	store := newTestStore(t)
	accrue := NewAccrualEngine(store, nil)
	set := DefaultSettings()
	user := createUser(t, store, nil)

	_, _, err := accrue.Grant(context.Background(), set, user.ID, 500, "seed", nil)
	require.NoError(t, err)

	failing := &commitFailStore{Store: store, err: errors.New("connection reset")}
	sweeper := NewSweeper(failing, nil, time.Hour)

	before := testutil.ToFloat64(metrics.PointsExpired)
	future := time.Now().UTC().AddDate(0, set.ExpirationMonths+1, 0)
	result, err := sweeper.RunSweep(context.Background(), future)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 0, result.Expired)
	assert.Equal(t, int64(0), result.Points)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, before, testutil.ToFloat64(metrics.PointsExpired),
		"a failed transaction must not move the expiration counter")
}
