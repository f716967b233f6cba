package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Nzyazin/billpay/internal/core/events"
	"github.com/Nzyazin/billpay/internal/core/logger"
	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/Nzyazin/billpay/internal/core/reference"
	"github.com/Nzyazin/billpay/internal/core/repository"
	"github.com/google/uuid"
)

const statsRecentWindow = 30 * 24 * time.Hour

// WalletUsecase - единственный путь изменения баланса.
// Проверка баланса, запись баланса и вставка проводки выполняются одной единицей работы.
type WalletUsecase interface {
	CreateWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	Currency() models.Currency

	CreditWallet(ctx context.Context, userID uuid.UUID, amount int64, category models.Category, description string) (*models.LedgerResult, error)
	// DebitWallet резервирует средства: баланс уменьшается сразу, проводка остаётся pending
	DebitWallet(ctx context.Context, userID uuid.UUID, amount int64, category models.Category, description string, meta models.DebitMetadata) (*models.LedgerResult, error)
	// SettleTransaction не двигает деньги, только переводит pending в конечный статус
	SettleTransaction(ctx context.Context, transactionID uuid.UUID, settlement models.Settlement) (*models.Transaction, error)
	RefundWallet(ctx context.Context, transactionID uuid.UUID, reason string) (*models.LedgerResult, error)
	// AnnotatePending сохраняет ответ провайдера на pending проводке без смены статуса
	AnnotatePending(ctx context.Context, transactionID uuid.UUID, raw models.RawPayload, note string) error

	GetTransaction(ctx context.Context, userID, transactionID uuid.UUID) (*models.Transaction, error)
	ListTransactions(ctx context.Context, filter models.TransactionFilter) (*models.TransactionPage, error)
	TransactionStats(ctx context.Context, userID uuid.UUID) (*models.TransactionStats, error)
}

type LedgerConfig struct {
	Currency models.Currency
	// DailySpendLimit в минимальных единицах, 0 отключает проверку
	DailySpendLimit         int64
	SpendLimitCountsPending bool
	// Location задаёт границу суток для лимита
	Location *time.Location
	Now      func() time.Time
}

type walletUsecase struct {
	store     repository.Store
	refs      *reference.Generator
	publisher events.Publisher
	log       logger.Logger
	cfg       LedgerConfig
}

func NewWalletUsecase(store repository.Store, refs *reference.Generator, publisher events.Publisher, log logger.Logger, cfg LedgerConfig) WalletUsecase {
	if cfg.Currency.Code == "" {
		cfg.Currency = models.DefaultCurrency
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if publisher == nil {
		publisher = events.NewLogPublisher(log)
	}
	return &walletUsecase{
		store:     store,
		refs:      refs,
		publisher: publisher,
		log:       log,
		cfg:       cfg,
	}
}

func (uc *walletUsecase) Currency() models.Currency {
	return uc.cfg.Currency
}

func (uc *walletUsecase) now() time.Time {
	return uc.cfg.Now().UTC()
}

func (uc *walletUsecase) CreateWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	if _, err := uc.store.GetWalletByUserID(ctx, userID); err == nil {
		return nil, ErrWalletAlreadyExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("get wallet: %w", err)
	}

	now := uc.now()
	wallet := &models.Wallet{
		ID:           uuid.New(),
		UserID:       userID,
		Balance:      0,
		CurrencyCode: uc.cfg.Currency.Code,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := uc.store.CreateWallet(ctx, wallet); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrWalletAlreadyExists
		}
		uc.log.Error("Wallet creation failed",
			logger.StringField("user_id", userID.String()),
			logger.ErrorField("error", err))
		return nil, fmt.Errorf("create wallet: %w", err)
	}

	uc.log.Info("Wallet created",
		logger.StringField("user_id", userID.String()),
		logger.StringField("wallet_id", wallet.ID.String()))
	return wallet, nil
}

func (uc *walletUsecase) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	wallet, err := uc.store.GetWalletByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWalletNotFound
		}
		uc.log.Error("Wallet lookup failed",
			logger.StringField("user_id", userID.String()),
			logger.ErrorField("error", err))
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return wallet, nil
}

func (uc *walletUsecase) CreditWallet(ctx context.Context, userID uuid.UUID, amount int64, category models.Category, description string) (*models.LedgerResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !category.Valid() || category == models.CategoryRefund {
		// возвраты только через RefundWallet
		return nil, ErrInvalidCategory
	}

	uc.log.Info("Starting credit",
		logger.StringField("user_id", userID.String()),
		logger.Int64Field("amount", amount),
		logger.StringField("category", string(category)))

	var result models.LedgerResult
	err := uc.store.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
		wallet, err := tx.LockWalletByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if !wallet.IsActive {
			return ErrWalletInactive
		}

		now := uc.now()
		t := &models.Transaction{
			ID:            uuid.New(),
			Reference:     uc.refs.New(reference.PrefixFunding),
			UserID:        userID,
			WalletID:      wallet.ID,
			Direction:     models.DirectionCredit,
			Category:      category,
			Amount:        amount,
			BalanceBefore: wallet.Balance,
			BalanceAfter:  wallet.Balance + amount,
			Status:        models.StatusSuccess,
			Description:   description,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := uc.apply(ctx, tx, wallet, t, now); err != nil {
			return err
		}

		result = models.LedgerResult{Wallet: wallet, Transaction: t}
		return nil
	})
	if err != nil {
		return nil, uc.ledgerError("Credit failed", userID, err)
	}

	uc.publish(ctx, models.NewTransactionEvent(models.EventCredited, result.Transaction, result.Wallet.Balance, result.Transaction.CreatedAt))
	return &result, nil
}

func (uc *walletUsecase) DebitWallet(ctx context.Context, userID uuid.UUID, amount int64, category models.Category, description string, meta models.DebitMetadata) (*models.LedgerResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !category.Valid() || category == models.CategoryFunding || category == models.CategoryRefund {
		return nil, ErrInvalidCategory
	}

	ref := strings.TrimSpace(meta.Reference)
	if ref == "" {
		ref = uc.refs.New(reference.PrefixPurchase)
	}

	var result models.LedgerResult
	err := uc.store.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
		wallet, err := tx.LockWalletByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if !wallet.IsActive {
			return ErrWalletInactive
		}
		if !wallet.HasSufficientBalance(amount) {
			uc.log.Warn("Insufficient funds",
				logger.StringField("user_id", userID.String()),
				logger.Int64Field("balance", wallet.Balance),
				logger.Int64Field("requested", amount))
			return ErrInsufficientFunds
		}

		now := uc.now()
		if err := uc.checkSpendLimit(ctx, tx, wallet, amount, now); err != nil {
			return err
		}

		t := &models.Transaction{
			ID:              uuid.New(),
			Reference:       ref,
			UserID:          userID,
			WalletID:        wallet.ID,
			Direction:       models.DirectionDebit,
			Category:        category,
			Amount:          amount,
			BalanceBefore:   wallet.Balance,
			BalanceAfter:    wallet.Balance - amount,
			Status:          models.StatusPending,
			ServiceProvider: meta.ServiceProvider,
			Recipient:       meta.Recipient,
			Description:     description,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if rid := strings.TrimSpace(meta.RequestID); rid != "" {
			t.RequestID = &rid
		}
		if err := uc.apply(ctx, tx, wallet, t, now); err != nil {
			return err
		}

		result = models.LedgerResult{Wallet: wallet, Transaction: t}
		return nil
	})
	if err != nil {
		return nil, uc.ledgerError("Debit failed", userID, err)
	}

	uc.log.Info("Funds reserved",
		logger.StringField("user_id", userID.String()),
		logger.StringField("reference", result.Transaction.Reference),
		logger.Int64Field("amount", amount),
		logger.Int64Field("balance", result.Wallet.Balance))
	uc.publish(ctx, models.NewTransactionEvent(models.EventReserved, result.Transaction, result.Wallet.Balance, result.Transaction.CreatedAt))
	return &result, nil
}

// apply пишет новый баланс и проводку; вызывается внутри Atomic
func (uc *walletUsecase) apply(ctx context.Context, tx repository.LedgerTx, wallet *models.Wallet, t *models.Transaction, now time.Time) error {
	if err := t.CheckBalances(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if err := tx.UpdateWalletBalance(ctx, wallet.ID, t.BalanceAfter, now); err != nil {
		return err
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return err
	}

	wallet.Balance = t.BalanceAfter
	wallet.LastActivityAt = &now
	wallet.UpdatedAt = now
	return nil
}

func (uc *walletUsecase) checkSpendLimit(ctx context.Context, tx repository.LedgerTx, wallet *models.Wallet, amount int64, now time.Time) error {
	if uc.cfg.DailySpendLimit <= 0 {
		return nil
	}

	local := now.In(uc.cfg.Location)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, uc.cfg.Location)

	spent, err := tx.SumDebitsSince(ctx, wallet.ID, dayStart, uc.cfg.SpendLimitCountsPending)
	if err != nil {
		return err
	}
	if spent+amount > uc.cfg.DailySpendLimit {
		uc.log.Warn("Daily spend limit exceeded",
			logger.StringField("user_id", wallet.UserID.String()),
			logger.Int64Field("spent_today", spent),
			logger.Int64Field("requested", amount),
			logger.Int64Field("limit", uc.cfg.DailySpendLimit))
		return ErrSpendLimitExceeded
	}
	return nil
}

func (uc *walletUsecase) SettleTransaction(ctx context.Context, transactionID uuid.UUID, settlement models.Settlement) (*models.Transaction, error) {
	if !settlement.Status.IsTerminal() {
		return nil, ErrInvalidStatus
	}

	var settled *models.Transaction
	err := uc.store.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
		t, err := tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() || t.IsRefunded() {
			return ErrAlreadySettled
		}

		t.Status = settlement.Status
		if len(settlement.ProviderResponse) > 0 {
			t.ProviderResponse = settlement.ProviderResponse
		}
		if t.RequestID == nil && settlement.RequestID != "" {
			rid := settlement.RequestID
			t.RequestID = &rid
		}
		if settlement.Status == models.StatusFailed {
			t.FailureReason = settlement.FailureReason
		} else {
			t.FailureReason = ""
		}
		t.UpdatedAt = uc.now()

		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return err
		}
		settled = t
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		if errors.Is(err, ErrAlreadySettled) {
			return nil, err
		}
		uc.log.Error("Settlement failed",
			logger.StringField("transaction_id", transactionID.String()),
			logger.ErrorField("error", err))
		return nil, fmt.Errorf("settle transaction: %w", err)
	}

	uc.log.Info("Transaction settled",
		logger.StringField("reference", settled.Reference),
		logger.StringField("status", string(settled.Status)))

	eventType := models.EventSettled
	if settled.Status == models.StatusFailed {
		eventType = models.EventFailed
	}
	uc.publish(ctx, models.NewTransactionEvent(eventType, settled, settled.BalanceAfter, settled.UpdatedAt))
	return settled, nil
}

func (uc *walletUsecase) RefundWallet(ctx context.Context, transactionID uuid.UUID, reason string) (*models.LedgerResult, error) {
	var result models.LedgerResult
	err := uc.store.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
		original, err := tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if original.Direction != models.DirectionDebit ||
			original.Status == models.StatusSuccess ||
			original.IsRefunded() {
			return ErrNotRefundable
		}

		wallet, err := tx.LockWalletByID(ctx, original.WalletID)
		if err != nil {
			return err
		}

		now := uc.now()
		originalID := original.ID
		refund := &models.Transaction{
			ID:              uuid.New(),
			Reference:       uc.refs.New(reference.PrefixRefund),
			UserID:          original.UserID,
			WalletID:        wallet.ID,
			Direction:       models.DirectionCredit,
			Category:        models.CategoryRefund,
			Amount:          original.Amount,
			BalanceBefore:   wallet.Balance,
			BalanceAfter:    wallet.Balance + original.Amount,
			Status:          models.StatusSuccess,
			ServiceProvider: original.ServiceProvider,
			Recipient:       original.Recipient,
			Description:     fmt.Sprintf("Refund for %s", original.Reference),
			RefundOf:        &originalID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := uc.apply(ctx, tx, wallet, refund, now); err != nil {
			return err
		}

		refundID := refund.ID
		original.Status = models.StatusFailed
		original.RefundedBy = &refundID
		if reason != "" {
			original.FailureReason = reason
		} else if original.FailureReason == "" {
			original.FailureReason = "refunded"
		}
		original.UpdatedAt = now
		if err := tx.UpdateTransaction(ctx, original); err != nil {
			return err
		}

		result = models.LedgerResult{Wallet: wallet, Transaction: refund, Original: original}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		if errors.Is(err, ErrNotRefundable) {
			return nil, err
		}
		if errors.Is(err, repository.ErrDuplicate) {
			// refund_of уникален: параллельный возврат успел раньше
			return nil, ErrNotRefundable
		}
		uc.log.Error("Refund failed",
			logger.StringField("transaction_id", transactionID.String()),
			logger.ErrorField("error", err))
		return nil, fmt.Errorf("refund transaction: %w", err)
	}

	uc.log.Info("Transaction refunded",
		logger.StringField("reference", result.Original.Reference),
		logger.StringField("refund_reference", result.Transaction.Reference),
		logger.Int64Field("amount", result.Transaction.Amount),
		logger.Int64Field("balance", result.Wallet.Balance))

	uc.publish(ctx,
		models.NewTransactionEvent(models.EventRefunded, result.Transaction, result.Wallet.Balance, result.Transaction.CreatedAt),
		models.NewTransactionEvent(models.EventFailed, result.Original, result.Wallet.Balance, result.Original.UpdatedAt),
	)
	return &result, nil
}

func (uc *walletUsecase) AnnotatePending(ctx context.Context, transactionID uuid.UUID, raw models.RawPayload, note string) error {
	err := uc.store.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
		t, err := tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return ErrAlreadySettled
		}
		if len(raw) > 0 {
			t.ProviderResponse = raw
		}
		t.FailureReason = note
		t.UpdatedAt = uc.now()
		return tx.UpdateTransaction(ctx, t)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTransactionNotFound
		}
		if errors.Is(err, ErrAlreadySettled) {
			return err
		}
		return fmt.Errorf("annotate transaction: %w", err)
	}
	return nil
}

func (uc *walletUsecase) GetTransaction(ctx context.Context, userID, transactionID uuid.UUID) (*models.Transaction, error) {
	t, err := uc.store.GetTransactionByID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if t.UserID != userID {
		return nil, ErrTransactionNotFound
	}
	return t, nil
}

func (uc *walletUsecase) ListTransactions(ctx context.Context, filter models.TransactionFilter) (*models.TransactionPage, error) {
	filter.Normalize()

	items, total, err := uc.store.ListTransactions(ctx, filter)
	if err != nil {
		uc.log.Error("Transaction listing failed",
			logger.StringField("user_id", filter.UserID.String()),
			logger.ErrorField("error", err))
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	if items == nil {
		items = []models.Transaction{}
	}

	return &models.TransactionPage{
		Transactions: items,
		Total:        total,
		TotalPages:   (total + filter.Limit - 1) / filter.Limit,
		CurrentPage:  filter.Page,
	}, nil
}

func (uc *walletUsecase) TransactionStats(ctx context.Context, userID uuid.UUID) (*models.TransactionStats, error) {
	stats, err := uc.store.TransactionStats(ctx, userID, uc.now().Add(-statsRecentWindow))
	if err != nil {
		return nil, fmt.Errorf("transaction stats: %w", err)
	}
	return stats, nil
}

func (uc *walletUsecase) publish(ctx context.Context, evts ...models.TransactionEvent) {
	for _, e := range evts {
		if err := uc.publisher.Publish(ctx, e); err != nil {
			uc.log.Warn("Event publish failed",
				logger.StringField("type", string(e.Type)),
				logger.StringField("reference", e.Reference),
				logger.ErrorField("error", err))
		}
	}
}

// ledgerError переводит ошибки хранилища в ошибки сервиса
func (uc *walletUsecase) ledgerError(msg string, userID uuid.UUID, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return ErrWalletNotFound
	case errors.Is(err, repository.ErrNegativeBalance):
		return ErrInsufficientFunds
	case errors.Is(err, repository.ErrDuplicate):
		return ErrDuplicateReference
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrSpendLimitExceeded),
		errors.Is(err, ErrWalletInactive),
		errors.Is(err, ErrInvalidAmount):
		return err
	}

	uc.log.Error(msg,
		logger.StringField("user_id", userID.String()),
		logger.ErrorField("error", err))
	return fmt.Errorf("%s: %w", strings.ToLower(msg), err)
}
