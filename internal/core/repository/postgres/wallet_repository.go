package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Nzyazin/billpay/internal/core/logger"
	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/Nzyazin/billpay/internal/core/repository"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const maxTxAttempts = 3

const walletColumns = `id, user_id, balance, currency_code, is_active, last_activity_at, created_at, updated_at`

type postgresStore struct {
	db  *sqlx.DB
	log logger.Logger
}

func NewPostgresStore(db *sqlx.DB, log logger.Logger) repository.Store {
	return &postgresStore{
		db:  db,
		log: log,
	}
}

func (r *postgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx repository.LedgerTx) error) error {
	var lastErr error

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := r.executeTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}

		lastErr = err
		r.log.Warn("Retrying ledger transaction",
			logger.IntField("attempt", attempt),
			logger.ErrorField("error", err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 20 * time.Millisecond):
		}
	}

	return fmt.Errorf("transaction failed after %d attempts: %w", maxTxAttempts, lastErr)
}

func (r *postgresStore) executeTx(ctx context.Context, fn func(ctx context.Context, tx repository.LedgerTx) error) (err error) {
	var isCommitted bool
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		r.log.Error("Error beginning transaction",
			logger.ErrorField("error", err))
		return fmt.Errorf("error beginning transaction: %w", err)
	}

	defer func() {
		if err != nil && !isCommitted {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.log.Error("Transaction rollback failed",
					logger.ErrorField("error", rbErr))
				err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
			} else {
				r.log.Debug("Transaction rolled back",
					logger.ErrorField("error", err))
			}
		}
	}()

	if err = fn(ctx, &ledgerTx{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		r.log.Error("Error committing transaction",
			logger.ErrorField("error", err))
		return fmt.Errorf("commit failed: %w", mapError(err))
	}

	isCommitted = true
	return nil
}

func (r *postgresStore) CreateWallet(ctx context.Context, wallet *models.Wallet) error {
	const query = `INSERT INTO wallets
        (id, user_id, balance, currency_code, is_active, last_activity_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		wallet.ID,
		wallet.UserID,
		wallet.Balance,
		wallet.CurrencyCode,
		wallet.IsActive,
		wallet.LastActivityAt,
		wallet.CreatedAt,
		wallet.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create wallet: %w", mapError(err))
	}
	return nil
}

func (r *postgresStore) GetWalletByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var wallet models.Wallet
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	err := r.db.GetContext(ctx, &wallet, query, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: wallet for user %s", repository.ErrNotFound, userID)
		}
		return nil, fmt.Errorf("error getting wallet: %w", err)
	}

	return &wallet, nil
}

func (r *postgresStore) GetCurrencyByCode(ctx context.Context, code string) (*models.Currency, error) {
	var currency models.Currency
	query := `SELECT code, name, minor_units FROM currencies WHERE code = $1`
	err := r.db.GetContext(ctx, &currency, query, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: currency with code %s", repository.ErrNotFound, code)
		}
		return nil, fmt.Errorf("error getting currency: %w", err)
	}

	return &currency, nil
}

type ledgerTx struct {
	tx *sqlx.Tx
}

func (l *ledgerTx) LockWalletByUserID(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return l.lockWallet(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
}

func (l *ledgerTx) LockWalletByID(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	return l.lockWallet(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id)
}

func (l *ledgerTx) lockWallet(ctx context.Context, query string, key uuid.UUID) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := l.tx.GetContext(ctx, &wallet, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: wallet %s", repository.ErrNotFound, key)
		}
		return nil, fmt.Errorf("lock wallet: %w", mapError(err))
	}
	return &wallet, nil
}

func (l *ledgerTx) UpdateWalletBalance(ctx context.Context, walletID uuid.UUID, balance int64, at time.Time) error {
	const query = `
        UPDATE wallets
        SET balance = $1, last_activity_at = $2, updated_at = $2
        WHERE id = $3
    `
	res, err := l.tx.ExecContext(ctx, query, balance, at, walletID)
	if err != nil {
		return fmt.Errorf("update balance: %w", mapError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: wallet %s", repository.ErrNotFound, walletID)
	}
	return nil
}

// isRetryableError: 40001 serialization failure, 40P01 deadlock detected
func isRetryableError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

func mapError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505":
		return fmt.Errorf("%w: %s", repository.ErrDuplicate, pqErr.Constraint)
	case "23514":
		if pqErr.Constraint == "wallets_balance_non_negative" {
			return fmt.Errorf("%w: %s", repository.ErrNegativeBalance, pqErr.Constraint)
		}
	}
	return err
}
