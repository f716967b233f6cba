package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicate       = errors.New("duplicate record")
	ErrNegativeBalance = errors.New("balance would become negative")
)

// Store - хранилище кошельков и журнала проводок.
// Бизнес-правил здесь нет: только персистентность, уникальность ссылок и balance >= 0.
type Store interface {
	// Atomic выполняет fn в одной транзакции БД; ошибка fn откатывает всё.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error

	CreateWallet(ctx context.Context, wallet *models.Wallet) error
	GetWalletByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	GetCurrencyByCode(ctx context.Context, code string) (*models.Currency, error)

	GetTransactionByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionByRequestID(ctx context.Context, requestID string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, int, error)
	// ListReconcileCandidates возвращает pending списания с request id, созданные до olderThan
	ListReconcileCandidates(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error)
	TransactionStats(ctx context.Context, userID uuid.UUID, recentSince time.Time) (*models.TransactionStats, error)
}

// LedgerTx - операции, доступные внутри Atomic. Lock* берут строку на запись.
type LedgerTx interface {
	LockWalletByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	LockWalletByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	UpdateWalletBalance(ctx context.Context, walletID uuid.UUID, balance int64, at time.Time) error

	InsertTransaction(ctx context.Context, t *models.Transaction) error
	LockTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	// UpdateTransaction сохраняет status, request_id, provider_response, failure_reason и refunded_by
	UpdateTransaction(ctx context.Context, t *models.Transaction) error

	// SumDebitsSince суммирует не возвращённые списания кошелька начиная с since
	SumDebitsSince(ctx context.Context, walletID uuid.UUID, since time.Time, includePending bool) (int64, error)
}
