// Package memory хранит кошельки и проводки в памяти процесса.
// Используется в тестах и при DB_DRIVER=memory; семантика Atomic совпадает с postgres:
// изменения внутри fn видны только после успешного завершения.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/Nzyazin/billpay/internal/core/repository"
	"github.com/google/uuid"
)

type storedTx struct {
	seq int64
	t   models.Transaction
}

type Store struct {
	mu           sync.Mutex
	seq          int64
	currencies   map[string]models.Currency
	wallets      map[uuid.UUID]models.Wallet
	transactions map[uuid.UUID]storedTx
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		currencies:   map[string]models.Currency{models.DefaultCurrency.Code: models.DefaultCurrency},
		wallets:      make(map[uuid.UUID]models.Wallet),
		transactions: make(map[uuid.UUID]storedTx),
	}
}

// Atomic сериализует все единицы работы одним мьютексом.
// Внутри fn нельзя вызывать методы Store, только методы tx.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx repository.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:            s,
		wallets:      make(map[uuid.UUID]models.Wallet),
		transactions: make(map[uuid.UUID]models.Transaction),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for id, w := range tx.wallets {
		s.wallets[id] = w
	}
	for _, id := range tx.inserted {
		s.seq++
		s.transactions[id] = storedTx{seq: s.seq, t: tx.transactions[id]}
	}
	for id, t := range tx.transactions {
		if st, ok := s.transactions[id]; ok {
			st.t = t
			s.transactions[id] = st
		}
	}
	return nil
}

func (s *Store) CreateWallet(_ context.Context, wallet *models.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.currencies[wallet.CurrencyCode]; !ok {
		return fmt.Errorf("%w: currency %s", repository.ErrNotFound, wallet.CurrencyCode)
	}
	for _, w := range s.wallets {
		if w.UserID == wallet.UserID {
			return fmt.Errorf("%w: wallets_user_id_key", repository.ErrDuplicate)
		}
	}
	if _, ok := s.wallets[wallet.ID]; ok {
		return fmt.Errorf("%w: wallets_pkey", repository.ErrDuplicate)
	}
	if wallet.Balance < 0 {
		return repository.ErrNegativeBalance
	}
	s.wallets[wallet.ID] = *wallet
	return nil
}

func (s *Store) GetWalletByUserID(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.wallets {
		if w.UserID == userID {
			return &w, nil
		}
	}
	return nil, fmt.Errorf("%w: wallet for user %s", repository.ErrNotFound, userID)
}

func (s *Store) GetCurrencyByCode(_ context.Context, code string) (*models.Currency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.currencies[code]
	if !ok {
		return nil, fmt.Errorf("%w: currency with code %s", repository.ErrNotFound, code)
	}
	return &c, nil
}

func (s *Store) GetTransactionByID(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", repository.ErrNotFound, id)
	}
	t := cloneTransaction(st.t)
	return &t, nil
}

func (s *Store) GetTransactionByRequestID(_ context.Context, requestID string) (*models.Transaction, error) {
	return s.findTransaction(func(t *models.Transaction) bool {
		return t.RequestID != nil && *t.RequestID == requestID
	}, requestID)
}

func (s *Store) findTransaction(match func(t *models.Transaction) bool, key string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.transactions {
		if match(&st.t) {
			t := cloneTransaction(st.t)
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: transaction %s", repository.ErrNotFound, key)
}

func (s *Store) ListTransactions(_ context.Context, filter models.TransactionFilter) ([]models.Transaction, int, error) {
	filter.Normalize()

	s.mu.Lock()
	matched := s.sorted(func(t *models.Transaction) bool {
		return t.UserID == filter.UserID &&
			(filter.Category == "" || t.Category == filter.Category) &&
			(filter.Status == "" || t.Status == filter.Status) &&
			(filter.Direction == "" || t.Direction == filter.Direction)
	}, true)
	s.mu.Unlock()

	total := len(matched)
	start := filter.Offset()
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *Store) ListReconcileCandidates(_ context.Context, olderThan time.Time, limit int) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.sorted(func(t *models.Transaction) bool {
		return t.Status == models.StatusPending &&
			t.Direction == models.DirectionDebit &&
			t.RequestID != nil &&
			t.RefundedBy == nil &&
			t.CreatedAt.Before(olderThan)
	}, false)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *Store) TransactionStats(_ context.Context, userID uuid.UUID, recentSince time.Time) (*models.TransactionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &models.TransactionStats{CategoryBreakdown: []models.CategoryStat{}}
	byCategory := make(map[models.Category]*models.CategoryStat)
	for _, st := range s.transactions {
		t := st.t
		if t.UserID != userID {
			continue
		}
		if !t.CreatedAt.Before(recentSince) {
			stats.RecentTransactions++
		}
		if t.Direction != models.DirectionDebit || t.Status != models.StatusSuccess {
			continue
		}
		stats.TotalSpent += t.Amount
		cs, ok := byCategory[t.Category]
		if !ok {
			cs = &models.CategoryStat{Category: t.Category}
			byCategory[t.Category] = cs
		}
		cs.Total += t.Amount
		cs.Count++
	}
	for _, cs := range byCategory {
		stats.CategoryBreakdown = append(stats.CategoryBreakdown, *cs)
	}
	sort.Slice(stats.CategoryBreakdown, func(i, j int) bool {
		a, b := stats.CategoryBreakdown[i], stats.CategoryBreakdown[j]
		if a.Total != b.Total {
			return a.Total > b.Total
		}
		return a.Category < b.Category
	})
	return stats, nil
}

// sorted ожидает захваченный s.mu
func (s *Store) sorted(match func(t *models.Transaction) bool, newestFirst bool) []models.Transaction {
	var picked []storedTx
	for _, st := range s.transactions {
		if match(&st.t) {
			picked = append(picked, st)
		}
	}
	sort.Slice(picked, func(i, j int) bool {
		a, b := picked[i], picked[j]
		if !a.t.CreatedAt.Equal(b.t.CreatedAt) {
			if newestFirst {
				return a.t.CreatedAt.After(b.t.CreatedAt)
			}
			return a.t.CreatedAt.Before(b.t.CreatedAt)
		}
		if newestFirst {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})

	out := make([]models.Transaction, 0, len(picked))
	for _, st := range picked {
		out = append(out, cloneTransaction(st.t))
	}
	return out
}

type memTx struct {
	s            *Store
	wallets      map[uuid.UUID]models.Wallet
	transactions map[uuid.UUID]models.Transaction
	inserted     []uuid.UUID
}

func (m *memTx) wallet(id uuid.UUID) (models.Wallet, bool) {
	if w, ok := m.wallets[id]; ok {
		return w, true
	}
	w, ok := m.s.wallets[id]
	return w, ok
}

func (m *memTx) transaction(id uuid.UUID) (models.Transaction, bool) {
	if t, ok := m.transactions[id]; ok {
		return t, true
	}
	st, ok := m.s.transactions[id]
	return st.t, ok
}

// visible перечисляет проводки с учётом ещё не зафиксированных изменений
func (m *memTx) visible(fn func(t *models.Transaction)) {
	for id, st := range m.s.transactions {
		if t, ok := m.transactions[id]; ok {
			fn(&t)
			continue
		}
		t := st.t
		fn(&t)
	}
	for _, id := range m.inserted {
		t := m.transactions[id]
		fn(&t)
	}
}

func (m *memTx) LockWalletByUserID(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	for id := range m.s.wallets {
		w, _ := m.wallet(id)
		if w.UserID == userID {
			return &w, nil
		}
	}
	return nil, fmt.Errorf("%w: wallet for user %s", repository.ErrNotFound, userID)
}

func (m *memTx) LockWalletByID(_ context.Context, id uuid.UUID) (*models.Wallet, error) {
	w, ok := m.wallet(id)
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", repository.ErrNotFound, id)
	}
	return &w, nil
}

func (m *memTx) UpdateWalletBalance(_ context.Context, walletID uuid.UUID, balance int64, at time.Time) error {
	w, ok := m.wallet(walletID)
	if !ok {
		return fmt.Errorf("%w: wallet %s", repository.ErrNotFound, walletID)
	}
	if balance < 0 {
		return fmt.Errorf("%w: wallets_balance_non_negative", repository.ErrNegativeBalance)
	}
	w.Balance = balance
	activity := at
	w.LastActivityAt = &activity
	w.UpdatedAt = at
	m.wallets[walletID] = w
	return nil
}

func (m *memTx) InsertTransaction(_ context.Context, t *models.Transaction) error {
	if t.Amount <= 0 {
		return fmt.Errorf("amount must be positive: %d", t.Amount)
	}
	if _, ok := m.wallet(t.WalletID); !ok {
		return fmt.Errorf("%w: wallet %s", repository.ErrNotFound, t.WalletID)
	}
	if _, ok := m.transaction(t.ID); ok {
		return fmt.Errorf("%w: transactions_pkey", repository.ErrDuplicate)
	}
	if err := m.checkUnique(t); err != nil {
		return err
	}

	m.transactions[t.ID] = cloneTransaction(*t)
	m.inserted = append(m.inserted, t.ID)
	return nil
}

func (m *memTx) LockTransaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	t, ok := m.transaction(id)
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", repository.ErrNotFound, id)
	}
	t = cloneTransaction(t)
	return &t, nil
}

func (m *memTx) UpdateTransaction(_ context.Context, t *models.Transaction) error {
	current, ok := m.transaction(t.ID)
	if !ok {
		return fmt.Errorf("%w: transaction %s", repository.ErrNotFound, t.ID)
	}
	if err := m.checkUnique(t); err != nil {
		return err
	}

	current.Status = t.Status
	current.RequestID = t.RequestID
	current.ProviderResponse = append(models.RawPayload(nil), t.ProviderResponse...)
	current.FailureReason = t.FailureReason
	current.RefundedBy = t.RefundedBy
	current.UpdatedAt = t.UpdatedAt
	m.transactions[t.ID] = current
	return nil
}

func (m *memTx) checkUnique(t *models.Transaction) error {
	var conflict string
	m.visible(func(other *models.Transaction) {
		if conflict != "" || other.ID == t.ID {
			return
		}
		switch {
		case other.Reference == t.Reference:
			conflict = "transactions_reference_key"
		case t.RequestID != nil && other.RequestID != nil && *t.RequestID == *other.RequestID:
			conflict = "transactions_request_id_key"
		case t.RefundOf != nil && other.RefundOf != nil && *t.RefundOf == *other.RefundOf:
			conflict = "transactions_refund_of_key"
		}
	})
	if conflict != "" {
		return fmt.Errorf("%w: %s", repository.ErrDuplicate, conflict)
	}
	return nil
}

func (m *memTx) SumDebitsSince(_ context.Context, walletID uuid.UUID, since time.Time, includePending bool) (int64, error) {
	var total int64
	m.visible(func(t *models.Transaction) {
		if t.WalletID != walletID || t.Direction != models.DirectionDebit || t.RefundedBy != nil {
			return
		}
		if t.CreatedAt.Before(since) {
			return
		}
		if t.Status == models.StatusSuccess || (includePending && t.Status == models.StatusPending) {
			total += t.Amount
		}
	})
	return total, nil
}

func cloneTransaction(t models.Transaction) models.Transaction {
	if t.RequestID != nil {
		v := *t.RequestID
		t.RequestID = &v
	}
	if t.RefundOf != nil {
		v := *t.RefundOf
		t.RefundOf = &v
	}
	if t.RefundedBy != nil {
		v := *t.RefundedBy
		t.RefundedBy = &v
	}
	if t.ProviderResponse != nil {
		t.ProviderResponse = append(models.RawPayload(nil), t.ProviderResponse...)
	}
	return t
}
