package usecase

import "errors"

// Определение ошибок сервиса
var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidCategory     = errors.New("invalid transaction category")
	ErrInvalidStatus       = errors.New("settlement status must be success or failed")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletAlreadyExists = errors.New("wallet already exists")
	ErrWalletInactive      = errors.New("wallet is inactive")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrSpendLimitExceeded  = errors.New("daily spend limit exceeded")
	ErrDuplicateReference  = errors.New("duplicate transaction reference")
	ErrAlreadySettled      = errors.New("transaction already settled")
	ErrNotRefundable       = errors.New("transaction is not refundable")
	ErrVerificationFailed  = errors.New("customer verification failed")
	ErrUnsupportedNetwork  = errors.New("unsupported or undetectable network")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrNotReconcilable     = errors.New("transaction is not awaiting provider confirmation")
	ErrReconcileInProgress = errors.New("reconciliation already in progress")
	ErrReconcileTooEarly   = errors.New("transaction is too recent to requery")
)
