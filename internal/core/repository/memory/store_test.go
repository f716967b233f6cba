package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/Nzyazin/billpay/internal/core/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWallet(t *testing.T, s *Store, balance int64) *models.Wallet {
	t.Helper()
	now := time.Now().UTC()
	w := &models.Wallet{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		Balance:      balance,
		CurrencyCode: "NGN",
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.CreateWallet(context.Background(), w))
	return w
}

func debit(w *models.Wallet, ref string, amount int64, at time.Time) *models.Transaction {
	return &models.Transaction{
		ID:            uuid.New(),
		Reference:     ref,
		UserID:        w.UserID,
		WalletID:      w.ID,
		Direction:     models.DirectionDebit,
		Category:      models.CategoryAirtime,
		Amount:        amount,
		BalanceBefore: w.Balance,
		BalanceAfter:  w.Balance - amount,
		Status:        models.StatusPending,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func TestCreateWalletDuplicateUser(t *testing.T) {
	s := New()
	w := newWallet(t, s, 0)

	dup := *w
	dup.ID = uuid.New()
	err := s.CreateWallet(context.Background(), &dup)
	assert.ErrorIs(t, err, repository.ErrDuplicate)
}

func TestAtomicRollsBackOnError(t *testing.T) {
	s := New()
	w := newWallet(t, s, 1000)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
		require.NoError(t, tx.UpdateWalletBalance(ctx, w.ID, 400, time.Now()))
		require.NoError(t, tx.InsertTransaction(ctx, debit(w, "BPY-1", 600, time.Now())))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetWalletByUserID(ctx, w.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Balance)

	items, total, err := s.ListTransactions(ctx, models.TransactionFilter{UserID: w.UserID, Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, items)
}

func TestAtomicRejectsNegativeBalance(t *testing.T) {
	s := New()
	w := newWallet(t, s, 100)

	err := s.Atomic(context.Background(), func(ctx context.Context, tx repository.LedgerTx) error {
		return tx.UpdateWalletBalance(ctx, w.ID, -1, time.Now())
	})
	assert.ErrorIs(t, err, repository.ErrNegativeBalance)
}

func TestInsertTransactionUniqueReference(t *testing.T) {
	s := New()
	w := newWallet(t, s, 1000)
	ctx := context.Background()

	err := s.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
		if err := tx.InsertTransaction(ctx, debit(w, "BPY-1", 10, time.Now())); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, debit(w, "BPY-1", 10, time.Now()))
	})
	assert.ErrorIs(t, err, repository.ErrDuplicate)
}

func TestSumDebitsSinceSeesStagedRows(t *testing.T) {
	s := New()
	w := newWallet(t, s, 1000)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
		return tx.InsertTransaction(ctx, debit(w, "BPY-old", 100, now.Add(-48*time.Hour)))
	}))

	err := s.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
		settled := debit(w, "BPY-2", 200, now)
		settled.Status = models.StatusSuccess
		require.NoError(t, tx.InsertTransaction(ctx, settled))
		require.NoError(t, tx.InsertTransaction(ctx, debit(w, "BPY-3", 50, now)))

		withPending, err := tx.SumDebitsSince(ctx, w.ID, now.Add(-time.Hour), true)
		require.NoError(t, err)
		assert.Equal(t, int64(250), withPending)

		settledOnly, err := tx.SumDebitsSince(ctx, w.ID, now.Add(-time.Hour), false)
		require.NoError(t, err)
		assert.Equal(t, int64(200), settledOnly)
		return nil
	})
	require.NoError(t, err)
}

func TestListTransactionsNewestFirstWithPaging(t *testing.T) {
	s := New()
	w := newWallet(t, s, 1000)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, ref := range []string{"BPY-a", "BPY-b", "BPY-c"} {
		tr := debit(w, ref, 10, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
			return tx.InsertTransaction(ctx, tr)
		}))
	}

	page, total, err := s.ListTransactions(ctx, models.TransactionFilter{UserID: w.UserID, Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "BPY-c", page[0].Reference)
	assert.Equal(t, "BPY-b", page[1].Reference)

	page, _, err = s.ListTransactions(ctx, models.TransactionFilter{UserID: w.UserID, Page: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "BPY-a", page[0].Reference)
}

func TestListReconcileCandidates(t *testing.T) {
	s := New()
	w := newWallet(t, s, 1000)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)

	withID := debit(w, "BPY-1", 10, old)
	rid := "202401011200abcdef012345"
	withID.RequestID = &rid
	withoutID := debit(w, "BPY-2", 10, old)
	fresh := debit(w, "BPY-3", 10, time.Now())
	freshID := "202401011200abcdef999999"
	fresh.RequestID = &freshID

	require.NoError(t, s.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
		for _, tr := range []*models.Transaction{withID, withoutID, fresh} {
			if err := tx.InsertTransaction(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	}))

	got, err := s.ListReconcileCandidates(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "BPY-1", got[0].Reference)
}
