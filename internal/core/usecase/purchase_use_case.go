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
	"github.com/Nzyazin/billpay/internal/core/reference"
	"github.com/google/uuid"
)

const (
	pendingNote = "awaiting provider confirmation"
	// lockSlack покрывает запись в журнал вокруг вызова провайдера
	lockSlack = 10 * time.Second
)

// purchaseLockKey общий для покупки и перезапроса: пока покупка ждёт провайдера, перезапрос её не трогает
func purchaseLockKey(requestID string) string {
	return "purchase:" + requestID
}

// PurchaseUsecase проводит покупку: проверка -> резерв -> провайдер -> списание или возврат.
// Неоднозначный ответ провайдера оставляет проводку pending до перезапроса.
type PurchaseUsecase interface {
	BuyAirtime(ctx context.Context, userID uuid.UUID, order models.AirtimeOrder) (*models.PurchaseResult, error)
	BuyData(ctx context.Context, userID uuid.UUID, order models.DataOrder) (*models.PurchaseResult, error)
	PayElectricity(ctx context.Context, userID uuid.UUID, order models.ElectricityOrder) (*models.PurchaseResult, error)
	SubscribeTV(ctx context.Context, userID uuid.UUID, order models.TVOrder) (*models.PurchaseResult, error)
	VerifyCustomer(ctx context.Context, req models.VerifyRequest) (*models.CustomerInfo, error)
	ServiceVariations(ctx context.Context, serviceID string) ([]models.ServiceVariation, error)
}

type PurchaseConfig struct {
	ProviderTimeout time.Duration
	VerifyTimeout   time.Duration
	// SettleTimeout ограничивает запись исхода, даже если запрос клиента уже отменён
	SettleTimeout time.Duration
}

type purchaseUsecase struct {
	ledger  WalletUsecase
	gateway gateway.Gateway
	locker  guard.Locker
	refs    *reference.Generator
	metrics *metrics.Recorder
	log     logger.Logger
	cfg     PurchaseConfig
}

func NewPurchaseUsecase(ledger WalletUsecase, gw gateway.Gateway, locker guard.Locker, refs *reference.Generator, rec *metrics.Recorder, log logger.Logger, cfg PurchaseConfig) PurchaseUsecase {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 30 * time.Second
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 15 * time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}
	if locker == nil {
		locker = guard.NewLocalLocker()
	}
	return &purchaseUsecase{
		ledger:  ledger,
		gateway: gw,
		locker:  locker,
		refs:    refs,
		metrics: rec,
		log:     log,
		cfg:     cfg,
	}
}

type purchasePlan struct {
	product     models.ProductKind
	amount      int64
	description string
	provider    string
	recipient   models.Recipient
	request     gateway.PurchaseRequest
	// account и variant уходят в проверку клиента для продуктов с RequiresVerification
	account string
	variant string
}

func (uc *purchaseUsecase) BuyAirtime(ctx context.Context, userID uuid.UUID, order models.AirtimeOrder) (*models.PurchaseResult, error) {
	phone, err := FormatPhoneNumber(order.Phone)
	if err != nil {
		return nil, err
	}
	network, serviceID, err := ResolveAirtimeService(order.Network, phone)
	if err != nil {
		return nil, err
	}
	amount, err := uc.amount(order.MinorAmount, order.Amount)
	if err != nil {
		return nil, err
	}

	return uc.execute(ctx, userID, purchasePlan{
		product:     models.ProductAirtime,
		amount:      amount,
		description: fmt.Sprintf("%s Airtime - %s", network, phone),
		provider:    network,
		recipient:   models.Recipient{Phone: phone},
		request: gateway.PurchaseRequest{
			Product:   models.ProductAirtime,
			ServiceID: serviceID,
			Amount:    amount,
			Phone:     phone,
		},
	})
}

func (uc *purchaseUsecase) BuyData(ctx context.Context, userID uuid.UUID, order models.DataOrder) (*models.PurchaseResult, error) {
	phone, err := FormatPhoneNumber(order.Phone)
	if err != nil {
		return nil, err
	}
	serviceID := strings.TrimSpace(order.ServiceID)
	variation := strings.TrimSpace(order.VariationCode)
	if serviceID == "" || variation == "" {
		return nil, fmt.Errorf("%w: serviceID and variationCode are required", ErrInvalidOrder)
	}
	amount, err := uc.planPrice(ctx, serviceID, variation, order.MinorAmount, order.Amount)
	if err != nil {
		return nil, err
	}

	return uc.execute(ctx, userID, purchasePlan{
		product:     models.ProductData,
		amount:      amount,
		description: fmt.Sprintf("Data Bundle - %s", phone),
		provider:    strings.ToUpper(serviceID),
		recipient:   models.Recipient{Phone: phone},
		request: gateway.PurchaseRequest{
			Product:       models.ProductData,
			ServiceID:     serviceID,
			BillersCode:   phone,
			VariationCode: variation,
			Amount:        amount,
			Phone:         phone,
		},
	})
}

func (uc *purchaseUsecase) PayElectricity(ctx context.Context, userID uuid.UUID, order models.ElectricityOrder) (*models.PurchaseResult, error) {
	meter := strings.TrimSpace(order.MeterNumber)
	serviceID := strings.TrimSpace(order.ServiceID)
	if meter == "" || serviceID == "" {
		return nil, fmt.Errorf("%w: meterNumber and serviceID are required", ErrInvalidOrder)
	}
	meterType := models.MeterPrepaid
	if strings.EqualFold(string(order.MeterType), string(models.MeterPostpaid)) {
		meterType = models.MeterPostpaid
	}
	phone, err := FormatPhoneNumber(order.Phone)
	if err != nil {
		return nil, err
	}
	amount, err := uc.amount(order.MinorAmount, order.Amount)
	if err != nil {
		return nil, err
	}

	return uc.execute(ctx, userID, purchasePlan{
		product:     models.ProductElectricity,
		amount:      amount,
		description: fmt.Sprintf("Electricity - %s", meter),
		provider:    strings.ToUpper(serviceID),
		recipient:   models.Recipient{MeterNumber: meter, Phone: phone},
		request: gateway.PurchaseRequest{
			Product:       models.ProductElectricity,
			ServiceID:     serviceID,
			BillersCode:   meter,
			VariationCode: string(meterType),
			Amount:        amount,
			Phone:         phone,
		},
		account: meter,
		variant: string(meterType),
	})
}

func (uc *purchaseUsecase) SubscribeTV(ctx context.Context, userID uuid.UUID, order models.TVOrder) (*models.PurchaseResult, error) {
	card := strings.TrimSpace(order.SmartCardNumber)
	serviceID := strings.TrimSpace(order.ServiceID)
	variation := strings.TrimSpace(order.VariationCode)
	if card == "" || serviceID == "" || variation == "" {
		return nil, fmt.Errorf("%w: smartCardNumber, serviceID and variationCode are required", ErrInvalidOrder)
	}
	phone, err := FormatPhoneNumber(order.Phone)
	if err != nil {
		return nil, err
	}
	amount, err := uc.planPrice(ctx, serviceID, variation, order.MinorAmount, order.Amount)
	if err != nil {
		return nil, err
	}

	return uc.execute(ctx, userID, purchasePlan{
		product:     models.ProductTV,
		amount:      amount,
		description: fmt.Sprintf("Cable TV - %s", card),
		provider:    strings.ToUpper(serviceID),
		recipient:   models.Recipient{SmartCardNumber: card, Phone: phone},
		request: gateway.PurchaseRequest{
			Product:       models.ProductTV,
			ServiceID:     serviceID,
			BillersCode:   card,
			VariationCode: variation,
			Amount:        amount,
			Phone:         phone,
		},
		account: card,
	})
}

func (uc *purchaseUsecase) VerifyCustomer(ctx context.Context, req models.VerifyRequest) (*models.CustomerInfo, error) {
	if strings.TrimSpace(req.ServiceID) == "" || strings.TrimSpace(req.AccountIdentifier) == "" {
		return nil, fmt.Errorf("%w: serviceID and accountIdentifier are required", ErrInvalidOrder)
	}

	vctx, cancel := context.WithTimeout(ctx, uc.cfg.VerifyTimeout)
	defer cancel()

	info, err := uc.gateway.VerifyCustomer(vctx, strings.TrimSpace(req.ServiceID), strings.TrimSpace(req.AccountIdentifier), req.Variant)
	if err != nil {
		return nil, uc.verificationError(req.ServiceID, err)
	}
	return info, nil
}

func (uc *purchaseUsecase) ServiceVariations(ctx context.Context, serviceID string) ([]models.ServiceVariation, error) {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return nil, fmt.Errorf("%w: serviceID is required", ErrInvalidOrder)
	}

	vctx, cancel := context.WithTimeout(ctx, uc.cfg.VerifyTimeout)
	defer cancel()

	variations, err := uc.gateway.ServiceVariations(vctx, serviceID)
	if err != nil {
		uc.log.Error("Service variations lookup failed",
			logger.StringField("service_id", serviceID),
			logger.ErrorField("error", err))
		return nil, fmt.Errorf("service variations: %w", err)
	}
	return variations, nil
}

func (uc *purchaseUsecase) amount(minor int64, raw string) (int64, error) {
	if minor > 0 {
		return minor, nil
	}
	if strings.TrimSpace(raw) == "" {
		return 0, ErrInvalidAmount
	}
	return ParseAmount(raw, uc.ledger.Currency())
}

// planPrice берёт цену тарифа из каталога провайдера. Сумма клиента решает только для тарифов без фиксированной цены,
// для фиксированных она должна совпасть с ценой или отсутствовать.
func (uc *purchaseUsecase) planPrice(ctx context.Context, serviceID, code string, minor int64, raw string) (int64, error) {
	variations, err := uc.ServiceVariations(ctx, serviceID)
	if err != nil {
		return 0, err
	}

	for _, v := range variations {
		if !strings.EqualFold(v.Code, code) {
			continue
		}
		if !v.FixedPrice {
			return uc.amount(minor, raw)
		}

		price, err := ParseAmount(v.Amount, uc.ledger.Currency())
		if err != nil {
			uc.log.Error("Provider returned unusable plan price",
				logger.StringField("service_id", serviceID),
				logger.StringField("variation_code", code),
				logger.StringField("amount", v.Amount))
			return 0, fmt.Errorf("price of plan %s: %w", code, err)
		}
		if minor <= 0 && strings.TrimSpace(raw) == "" {
			return price, nil
		}
		requested, err := uc.amount(minor, raw)
		if err != nil {
			return 0, err
		}
		if requested != price {
			return 0, fmt.Errorf("%w: plan %s costs %s", ErrInvalidOrder, code, FormatAmount(price, uc.ledger.Currency()))
		}
		return price, nil
	}
	return 0, fmt.Errorf("%w: unknown variationCode %s for %s", ErrInvalidOrder, code, serviceID)
}

func (uc *purchaseUsecase) verificationError(serviceID string, err error) error {
	uc.log.Warn("Customer verification failed",
		logger.StringField("service_id", serviceID),
		logger.ErrorField("error", err))
	if errors.Is(err, gateway.ErrVerificationFailed) {
		return fmt.Errorf("%w: %s", ErrVerificationFailed, gateway.MessageOf(err))
	}
	return fmt.Errorf("verify customer: %w", err)
}

func (uc *purchaseUsecase) execute(ctx context.Context, userID uuid.UUID, plan purchasePlan) (*models.PurchaseResult, error) {
	log := func(msg string, fields ...logger.Field) {
		uc.log.Info(msg, append([]logger.Field{
			logger.StringField("user_id", userID.String()),
			logger.StringField("product", string(plan.product)),
		}, fields...)...)
	}

	if plan.amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if plan.product.RequiresVerification() {
		vctx, cancel := context.WithTimeout(ctx, uc.cfg.VerifyTimeout)
		info, err := uc.gateway.VerifyCustomer(vctx, plan.request.ServiceID, plan.account, plan.variant)
		cancel()
		if err != nil {
			uc.metrics.Purchase(plan.product, models.OutcomeFailed)
			return nil, uc.verificationError(plan.request.ServiceID, err)
		}
		plan.recipient.CustomerName = info.CustomerName
		plan.recipient.Address = info.Address
	}

	requestID := uc.gateway.NewRequestID()

	// блокировка держится от резерва до записи исхода
	release, err := uc.locker.Acquire(ctx, purchaseLockKey(requestID), uc.cfg.ProviderTimeout+uc.cfg.SettleTimeout+lockSlack)
	if err != nil {
		uc.metrics.Purchase(plan.product, models.OutcomeFailed)
		uc.log.Error("Failed to acquire purchase lock",
			logger.StringField("request_id", requestID),
			logger.ErrorField("error", err))
		return nil, fmt.Errorf("acquire purchase lock: %w", err)
	}
	defer release()

	debit, err := uc.ledger.DebitWallet(ctx, userID, plan.amount, plan.product.Category(), plan.description, models.DebitMetadata{
		Reference:       uc.refs.New(reference.PrefixPurchase),
		RequestID:       requestID,
		ServiceProvider: plan.provider,
		Recipient:       plan.recipient,
	})
	if err != nil {
		uc.metrics.Purchase(plan.product, models.OutcomeFailed)
		return nil, err
	}
	pending := debit.Transaction
	log("Funds reserved, calling provider",
		logger.StringField("reference", pending.Reference),
		logger.StringField("request_id", requestID))

	req := plan.request
	req.RequestID = requestID
	pctx, cancel := context.WithTimeout(ctx, uc.cfg.ProviderTimeout)
	res, perr := uc.gateway.Purchase(pctx, req)
	cancel()

	// исход записываем даже при отменённом запросе клиента
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), uc.cfg.SettleTimeout)
	defer scancel()

	var result *models.PurchaseResult
	switch {
	case perr == nil && res.Status == gateway.StatusDelivered:
		result = uc.completeDelivered(sctx, pending, debit.Wallet.Balance, res)
	case perr == nil:
		result = uc.keepPending(sctx, pending, debit.Wallet.Balance, res.Raw, pendingNote)
	case errors.Is(perr, gateway.ErrProviderRejected):
		result = uc.refundRejected(sctx, pending, debit.Wallet.Balance, perr)
	case gateway.IsAmbiguous(perr):
		uc.log.Warn("Ambiguous provider outcome, keeping reservation",
			logger.StringField("reference", pending.Reference),
			logger.StringField("request_id", requestID),
			logger.ErrorField("error", perr))
		result = uc.keepPending(sctx, pending, debit.Wallet.Balance, gateway.RawOf(perr), gateway.MessageOf(perr))
	default:
		// неизвестная ошибка: деньги могли уйти, поэтому тоже ждём перезапроса
		uc.log.Error("Unclassified provider error, keeping reservation",
			logger.AnomalyField(),
			logger.StringField("reference", pending.Reference),
			logger.StringField("request_id", requestID),
			logger.ErrorField("error", perr))
		result = uc.keepPending(sctx, pending, debit.Wallet.Balance, gateway.RawOf(perr), gateway.MessageOf(perr))
	}

	uc.metrics.Purchase(plan.product, result.Status)
	log("Purchase finished",
		logger.StringField("reference", pending.Reference),
		logger.StringField("outcome", string(result.Status)))
	return result, nil
}

func (uc *purchaseUsecase) completeDelivered(ctx context.Context, pending *models.Transaction, balance int64, res *gateway.PurchaseResult) *models.PurchaseResult {
	settled, err := uc.ledger.SettleTransaction(ctx, pending.ID, models.Settlement{
		Status:           models.StatusSuccess,
		ProviderResponse: res.Raw,
		RequestID:        res.RequestID,
	})
	if err != nil {
		uc.log.Warn("Provider delivered but settlement failed, left for reconciliation",
			logger.AnomalyField(),
			logger.StringField("reference", pending.Reference),
			logger.ErrorField("error", err))
		pending.ProviderResponse = res.Raw
		return &models.PurchaseResult{
			Status:      models.OutcomeProcessing,
			Transaction: pending,
			Balance:     balance,
			Token:       res.Token,
		}
	}

	return &models.PurchaseResult{
		Status:      models.OutcomeSuccess,
		Transaction: settled,
		Balance:     balance,
		Token:       res.Token,
	}
}

func (uc *purchaseUsecase) keepPending(ctx context.Context, pending *models.Transaction, balance int64, raw models.RawPayload, note string) *models.PurchaseResult {
	if err := uc.ledger.AnnotatePending(ctx, pending.ID, raw, note); err != nil {
		uc.log.Warn("Could not store provider response on pending transaction",
			logger.StringField("reference", pending.Reference),
			logger.ErrorField("error", err))
	} else {
		if len(raw) > 0 {
			pending.ProviderResponse = raw
		}
		pending.FailureReason = note
	}

	return &models.PurchaseResult{
		Status:      models.OutcomeProcessing,
		Transaction: pending,
		Balance:     balance,
	}
}

func (uc *purchaseUsecase) refundRejected(ctx context.Context, pending *models.Transaction, balance int64, perr error) *models.PurchaseResult {
	reason := gateway.MessageOf(perr)
	if raw := gateway.RawOf(perr); len(raw) > 0 {
		if err := uc.ledger.AnnotatePending(ctx, pending.ID, raw, reason); err != nil {
			uc.log.Warn("Could not store provider rejection",
				logger.StringField("reference", pending.Reference),
				logger.ErrorField("error", err))
		}
	}

	refund, err := uc.ledger.RefundWallet(ctx, pending.ID, reason)
	if err != nil {
		uc.log.Warn("Provider rejected but refund failed, left for reconciliation",
			logger.AnomalyField(),
			logger.StringField("reference", pending.Reference),
			logger.ErrorField("error", err))
		return &models.PurchaseResult{
			Status:      models.OutcomeProcessing,
			Transaction: pending,
			Balance:     balance,
			Reason:      reason,
		}
	}

	uc.log.Info("Provider rejected purchase, wallet refunded",
		logger.StringField("reference", pending.Reference),
		logger.StringField("reason", reason))
	return &models.PurchaseResult{
		Status:      models.OutcomeFailed,
		Transaction: refund.Original,
		Balance:     refund.Wallet.Balance,
		Reason:      reason,
	}
}
