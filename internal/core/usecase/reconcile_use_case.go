package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Nzyazin/billpay/internal/core/gateway"
	"github.com/Nzyazin/billpay/internal/core/guard"
	"github.com/Nzyazin/billpay/internal/core/logger"
	"github.com/Nzyazin/billpay/internal/core/metrics"
	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/Nzyazin/billpay/internal/core/repository"
	"github.com/google/uuid"
)

const (
	maxSweepBatch      = 500
	failedByProvider   = "provider reported failure"
	reconcileErrorMark = "error"
)

// ReconcileUsecase доводит pending покупки до конечного статуса по перезапросу у провайдера
type ReconcileUsecase interface {
	// Requery - перезапрос от владельца проводки
	Requery(ctx context.Context, userID, transactionID uuid.UUID) (*models.ReconcileOutcome, error)
	Reconcile(ctx context.Context, transactionID uuid.UUID) (*models.ReconcileOutcome, error)
	// ReconcileRequest находит проводку по request_id провайдера
	ReconcileRequest(ctx context.Context, requestID string) (*models.ReconcileOutcome, error)
	Sweep(ctx context.Context, limit int) (*models.SweepReport, error)
}

type ReconcileConfig struct {
	LockTTL time.Duration
	// MinAge не даёт перезапросить покупку, которая ещё может ждать провайдера.
	// Должен быть больше таймаута провайдера вместе с записью исхода.
	MinAge         time.Duration
	BatchSize      int
	RequeryTimeout time.Duration
	SettleTimeout  time.Duration
	Now            func() time.Time
}

type reconcileUsecase struct {
	store   repository.Store
	ledger  WalletUsecase
	gateway gateway.Gateway
	locker  guard.Locker
	metrics *metrics.Recorder
	log     logger.Logger
	cfg     ReconcileConfig
}

func NewReconcileUsecase(store repository.Store, ledger WalletUsecase, gw gateway.Gateway, locker guard.Locker, rec *metrics.Recorder, log logger.Logger, cfg ReconcileConfig) ReconcileUsecase {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RequeryTimeout <= 0 {
		cfg.RequeryTimeout = 30 * time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if locker == nil {
		locker = guard.NewLocalLocker()
	}
	return &reconcileUsecase{
		store:   store,
		ledger:  ledger,
		gateway: gw,
		locker:  locker,
		metrics: rec,
		log:     log,
		cfg:     cfg,
	}
}

func (uc *reconcileUsecase) Requery(ctx context.Context, userID, transactionID uuid.UUID) (*models.ReconcileOutcome, error) {
	t, err := uc.ledger.GetTransaction(ctx, userID, transactionID)
	if err != nil {
		return nil, err
	}
	return uc.reconcile(ctx, t)
}

func (uc *reconcileUsecase) Reconcile(ctx context.Context, transactionID uuid.UUID) (*models.ReconcileOutcome, error) {
	t, err := uc.load(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return uc.reconcile(ctx, t)
}

func (uc *reconcileUsecase) ReconcileRequest(ctx context.Context, requestID string) (*models.ReconcileOutcome, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return nil, ErrTransactionNotFound
	}
	t, err := uc.store.GetTransactionByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction by request id: %w", err)
	}
	return uc.reconcile(ctx, t)
}

func (uc *reconcileUsecase) Sweep(ctx context.Context, limit int) (*models.SweepReport, error) {
	started := uc.cfg.Now()
	if limit <= 0 {
		limit = uc.cfg.BatchSize
	}
	if limit > maxSweepBatch {
		limit = maxSweepBatch
	}

	candidates, err := uc.store.ListReconcileCandidates(ctx, started.Add(-uc.cfg.MinAge), limit)
	if err != nil {
		uc.log.Error("Failed to list reconcile candidates", logger.ErrorField("error", err))
		return nil, fmt.Errorf("list reconcile candidates: %w", err)
	}

	report := &models.SweepReport{}
	for i := range candidates {
		if ctx.Err() != nil {
			break
		}
		report.Processed++

		outcome, err := uc.reconcile(ctx, &candidates[i])
		switch {
		case err == nil:
		case errors.Is(err, ErrReconcileInProgress), errors.Is(err, ErrNotReconcilable), errors.Is(err, ErrReconcileTooEarly):
			report.Unchanged++
			continue
		default:
			report.Errors++
			continue
		}

		switch outcome.Result {
		case models.ReconcileSettled:
			report.Settled++
		case models.ReconcileRefunded:
			report.Refunded++
		default:
			report.Unchanged++
		}
	}
	report.Duration = uc.cfg.Now().Sub(started)

	uc.log.Info("Reconcile sweep finished",
		logger.IntField("processed", report.Processed),
		logger.IntField("settled", report.Settled),
		logger.IntField("refunded", report.Refunded),
		logger.IntField("unchanged", report.Unchanged),
		logger.IntField("errors", report.Errors),
		logger.AnyField("duration", report.Duration))
	return report, nil
}

func (uc *reconcileUsecase) load(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	t, err := uc.store.GetTransactionByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

func (uc *reconcileUsecase) reconcile(ctx context.Context, t *models.Transaction) (*models.ReconcileOutcome, error) {
	if t.Status != models.StatusPending || t.Direction != models.DirectionDebit ||
		t.RequestID == nil || t.IsRefunded() {
		return nil, ErrNotReconcilable
	}
	if uc.cfg.Now().Sub(t.CreatedAt) < uc.cfg.MinAge {
		return nil, ErrReconcileTooEarly
	}

	// тот же ключ держит покупка, пока ждёт провайдера
	release, err := uc.locker.Acquire(ctx, purchaseLockKey(*t.RequestID), uc.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, guard.ErrLockHeld) {
			return nil, ErrReconcileInProgress
		}
		uc.log.Error("Failed to acquire reconcile lock",
			logger.StringField("reference", t.Reference),
			logger.ErrorField("error", err))
		return nil, fmt.Errorf("acquire reconcile lock: %w", err)
	}
	defer release()

	rctx, cancel := context.WithTimeout(ctx, uc.cfg.RequeryTimeout)
	res, err := uc.gateway.RequeryStatus(rctx, *t.RequestID)
	cancel()
	if err != nil {
		uc.metrics.Reconciliation(reconcileErrorMark)
		uc.log.Warn("Requery failed",
			logger.StringField("reference", t.Reference),
			logger.StringField("request_id", *t.RequestID),
			logger.ErrorField("error", err))
		return nil, fmt.Errorf("requery status: %w", err)
	}

	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.SettleTimeout)
	defer scancel()

	outcome, err := uc.apply(sctx, t, res)
	if err != nil {
		uc.metrics.Reconciliation(reconcileErrorMark)
		return nil, err
	}
	uc.metrics.Reconciliation(string(outcome.Result))
	uc.log.Info("Transaction reconciled",
		logger.StringField("reference", t.Reference),
		logger.StringField("provider_status", string(res.Status)),
		logger.StringField("result", string(outcome.Result)))
	return outcome, nil
}

func (uc *reconcileUsecase) apply(ctx context.Context, t *models.Transaction, res *gateway.RequeryResult) (*models.ReconcileOutcome, error) {
	switch res.Status {
	case gateway.StatusDelivered:
		settled, err := uc.ledger.SettleTransaction(ctx, t.ID, models.Settlement{
			Status:           models.StatusSuccess,
			ProviderResponse: res.Raw,
		})
		if err != nil {
			return uc.raced(ctx, t, err)
		}
		return &models.ReconcileOutcome{Result: models.ReconcileSettled, Transaction: settled}, nil

	case gateway.StatusFailed:
		reason := res.Description
		if reason == "" {
			reason = failedByProvider
		}
		if len(res.Raw) > 0 {
			if err := uc.ledger.AnnotatePending(ctx, t.ID, res.Raw, reason); err != nil && !errors.Is(err, ErrAlreadySettled) {
				uc.log.Warn("Could not store requery response",
					logger.StringField("reference", t.Reference),
					logger.ErrorField("error", err))
			}
		}
		refund, err := uc.ledger.RefundWallet(ctx, t.ID, reason)
		if err != nil {
			return uc.raced(ctx, t, err)
		}
		return &models.ReconcileOutcome{Result: models.ReconcileRefunded, Transaction: refund.Original}, nil
	}

	if len(res.Raw) > 0 {
		if err := uc.ledger.AnnotatePending(ctx, t.ID, res.Raw, pendingNote); err == nil {
			t.ProviderResponse = res.Raw
		}
	}
	return &models.ReconcileOutcome{Result: models.ReconcileUnchanged, Transaction: t}, nil
}

// raced обрабатывает случай, когда проводку успели закрыть параллельно
func (uc *reconcileUsecase) raced(ctx context.Context, t *models.Transaction, err error) (*models.ReconcileOutcome, error) {
	if !errors.Is(err, ErrAlreadySettled) && !errors.Is(err, ErrNotRefundable) {
		return nil, err
	}

	uc.log.Warn("Transaction closed concurrently during reconciliation",
		logger.AnomalyField(),
		logger.StringField("reference", t.Reference),
		logger.ErrorField("error", err))
	current, lerr := uc.load(ctx, t.ID)
	if lerr != nil {
		return nil, lerr
	}
	return &models.ReconcileOutcome{Result: models.ReconcileUnchanged, Transaction: current}, nil
}
