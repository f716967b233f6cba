package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/Nzyazin/billpay/internal/core/repository"
	"github.com/google/uuid"
)

const transactionColumns = `id, reference, request_id, user_id, wallet_id, direction, category,
        amount, balance_before, balance_after, status, service_provider, recipient,
        provider_response, description, failure_reason, refund_of, refunded_by,
        created_at, updated_at`

func (r *postgresStore) GetTransactionByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return r.getTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
}

func (r *postgresStore) GetTransactionByRequestID(ctx context.Context, requestID string) (*models.Transaction, error) {
	return r.getTransaction(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE request_id = $1`, requestID)
}

func (r *postgresStore) getTransaction(ctx context.Context, query string, key interface{}) (*models.Transaction, error) {
	var t models.Transaction
	if err := r.db.GetContext(ctx, &t, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: transaction %v", repository.ErrNotFound, key)
		}
		return nil, fmt.Errorf("error getting transaction: %w", err)
	}
	return &t, nil
}

func (r *postgresStore) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, int, error) {
	filter.Normalize()

	conditions := []string{"user_id = $1"}
	args := []interface{}{filter.UserID}
	if filter.Category != "" {
		args = append(args, filter.Category)
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Direction != "" {
		args = append(args, filter.Direction)
		conditions = append(conditions, fmt.Sprintf("direction = $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM transactions WHERE `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s
        ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset())

	transactions := make([]models.Transaction, 0, filter.Limit)
	if err := r.db.SelectContext(ctx, &transactions, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	return transactions, total, nil
}

func (r *postgresStore) ListReconcileCandidates(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
        WHERE status = 'pending'
          AND direction = 'debit'
          AND request_id IS NOT NULL
          AND refunded_by IS NULL
          AND created_at < $1
        ORDER BY created_at
        LIMIT $2`

	var transactions []models.Transaction
	if err := r.db.SelectContext(ctx, &transactions, query, olderThan, limit); err != nil {
		return nil, fmt.Errorf("list reconcile candidates: %w", err)
	}
	return transactions, nil
}

func (r *postgresStore) TransactionStats(ctx context.Context, userID uuid.UUID, recentSince time.Time) (*models.TransactionStats, error) {
	stats := &models.TransactionStats{CategoryBreakdown: []models.CategoryStat{}}

	const spentQuery = `SELECT COALESCE(SUM(amount), 0) FROM transactions
        WHERE user_id = $1 AND direction = 'debit' AND status = 'success'`
	if err := r.db.GetContext(ctx, &stats.TotalSpent, spentQuery, userID); err != nil {
		return nil, fmt.Errorf("total spent: %w", err)
	}

	const breakdownQuery = `SELECT category, SUM(amount) AS total, COUNT(*) AS count
        FROM transactions
        WHERE user_id = $1 AND direction = 'debit' AND status = 'success'
        GROUP BY category
        ORDER BY total DESC`
	if err := r.db.SelectContext(ctx, &stats.CategoryBreakdown, breakdownQuery, userID); err != nil {
		return nil, fmt.Errorf("category breakdown: %w", err)
	}

	const recentQuery = `SELECT COUNT(*) FROM transactions WHERE user_id = $1 AND created_at >= $2`
	if err := r.db.GetContext(ctx, &stats.RecentTransactions, recentQuery, userID, recentSince); err != nil {
		return nil, fmt.Errorf("recent transactions: %w", err)
	}

	return stats, nil
}

func (l *ledgerTx) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	query := `INSERT INTO transactions (` + transactionColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err := l.tx.ExecContext(ctx, query,
		t.ID,
		t.Reference,
		t.RequestID,
		t.UserID,
		t.WalletID,
		t.Direction,
		t.Category,
		t.Amount,
		t.BalanceBefore,
		t.BalanceAfter,
		t.Status,
		t.ServiceProvider,
		t.Recipient,
		t.ProviderResponse,
		t.Description,
		t.FailureReason,
		t.RefundOf,
		t.RefundedBy,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", mapError(err))
	}
	return nil
}

func (l *ledgerTx) LockTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var t models.Transaction
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	if err := l.tx.GetContext(ctx, &t, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: transaction %s", repository.ErrNotFound, id)
		}
		return nil, fmt.Errorf("lock transaction: %w", mapError(err))
	}
	return &t, nil
}

func (l *ledgerTx) UpdateTransaction(ctx context.Context, t *models.Transaction) error {
	const query = `
        UPDATE transactions
        SET status = $1,
            request_id = $2,
            provider_response = $3,
            failure_reason = $4,
            refunded_by = $5,
            updated_at = $6
        WHERE id = $7
    `
	res, err := l.tx.ExecContext(ctx, query,
		t.Status,
		t.RequestID,
		t.ProviderResponse,
		t.FailureReason,
		t.RefundedBy,
		t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", mapError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: transaction %s", repository.ErrNotFound, t.ID)
	}
	return nil
}

func (l *ledgerTx) SumDebitsSince(ctx context.Context, walletID uuid.UUID, since time.Time, includePending bool) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM transactions
        WHERE wallet_id = $1
          AND direction = 'debit'
          AND created_at >= $2
          AND refunded_by IS NULL
          AND (status = 'success' OR ($3 AND status = 'pending'))`

	var total int64
	if err := l.tx.GetContext(ctx, &total, query, walletID, since, includePending); err != nil {
		return 0, fmt.Errorf("sum debits: %w", err)
	}
	return total, nil
}
