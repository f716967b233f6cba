package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/Nzyazin/billpay/internal/core/logger"
	"github.com/Nzyazin/billpay/internal/core/metrics"
	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/Nzyazin/billpay/pkg/vtpass"
)

var tokenPrefix = regexp.MustCompile(`(?i)^\s*(token|pin)\s*:\s*`)

type vtpassGateway struct {
	client   *vtpass.Client
	currency models.Currency
	metrics  *metrics.Recorder
	log      logger.Logger
	now      func() time.Time
}

func NewVTpassGateway(client *vtpass.Client, currency models.Currency, rec *metrics.Recorder, log logger.Logger) Gateway {
	return &vtpassGateway{
		client:   client,
		currency: currency,
		metrics:  rec,
		log:      log,
		now:      time.Now,
	}
}

func (g *vtpassGateway) NewRequestID() string {
	return NewRequestID(g.now(), nil)
}

func (g *vtpassGateway) VerifyCustomer(ctx context.Context, serviceID, accountIdentifier, variant string) (*models.CustomerInfo, error) {
	start := time.Now()
	resp, err := g.client.VerifyMerchant(ctx, vtpass.VerifyRequest{
		BillersCode: accountIdentifier,
		ServiceID:   serviceID,
		Type:        variant,
	})
	g.metrics.ProviderCall("verify", time.Since(start).Seconds())
	if err != nil {
		perr := classifyTransport("", err)
		if errors.Is(perr, ErrProviderRejected) {
			perr.Kind = ErrVerificationFailed
		}
		return nil, perr
	}

	details := resp.Customer()
	name := strings.TrimSpace(details.CustomerName)
	if resp.Code != vtpass.CodeSuccess || details.Error != "" || details.WrongCode || name == "" {
		msg := details.Error
		if msg == "" {
			msg = "customer details not found"
		}
		g.log.Warn("Customer verification failed",
			logger.StringField("service_id", serviceID),
			logger.StringField("code", resp.Code),
			logger.StringField("reason", msg))
		return nil, &ProviderError{
			Kind:    ErrVerificationFailed,
			Code:    resp.Code,
			Message: msg,
			Raw:     models.RawPayload(resp.Raw),
		}
	}

	return &models.CustomerInfo{
		AccountIdentifier: accountIdentifier,
		CustomerName:      name,
		Address:           strings.TrimSpace(details.Address),
		Raw:               models.RawPayload(resp.Raw),
	}, nil
}

func (g *vtpassGateway) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = g.NewRequestID()
	}

	payReq := vtpass.PayRequest{
		RequestID:     requestID,
		ServiceID:     req.ServiceID,
		BillersCode:   req.BillersCode,
		VariationCode: req.VariationCode,
		Phone:         req.Phone,
	}
	if req.Amount > 0 {
		payReq.Amount = json.Number(g.currency.FromMinorUnits(req.Amount).String())
	}

	start := time.Now()
	resp, err := g.client.Pay(ctx, payReq)
	g.metrics.ProviderCall("pay", time.Since(start).Seconds())
	if err != nil {
		return nil, classifyTransport(requestID, err)
	}

	return classifyPurchase(requestID, resp)
}

func (g *vtpassGateway) RequeryStatus(ctx context.Context, requestID string) (*RequeryResult, error) {
	start := time.Now()
	resp, err := g.client.Requery(ctx, requestID)
	g.metrics.ProviderCall("requery", time.Since(start).Seconds())
	if err != nil {
		return nil, classifyTransport(requestID, err)
	}

	return classifyRequery(requestID, resp), nil
}

func (g *vtpassGateway) ServiceVariations(ctx context.Context, serviceID string) ([]models.ServiceVariation, error) {
	start := time.Now()
	resp, err := g.client.ServiceVariations(ctx, serviceID)
	g.metrics.ProviderCall("variations", time.Since(start).Seconds())
	if err != nil {
		return nil, classifyTransport("", err)
	}

	all := resp.All()
	variations := make([]models.ServiceVariation, 0, len(all))
	for _, v := range all {
		variations = append(variations, models.ServiceVariation{
			Code:       v.VariationCode,
			Name:       v.Name,
			Amount:     v.VariationAmount,
			FixedPrice: strings.EqualFold(v.FixedPrice, "yes"),
		})
	}
	return variations, nil
}

func classifyPurchase(requestID string, resp *vtpass.PayResponse) (*PurchaseResult, error) {
	raw := models.RawPayload(resp.Raw)
	txn := resp.Transaction()

	result := &PurchaseResult{
		RequestID:    requestID,
		ProviderCode: resp.Code,
		Description:  resp.ResponseDescription,
		Raw:          raw,
	}

	switch resp.Code {
	case vtpass.CodeSuccess:
		switch strings.ToLower(txn.Status) {
		case "delivered":
			result.Status = StatusDelivered
			result.Token = extractToken(resp)
			return result, nil
		case "failed", "reversed":
			return nil, rejected(requestID, resp)
		default:
			result.Status = StatusPending
			return result, nil
		}
	case vtpass.CodeProcessing:
		result.Status = StatusPending
		return result, nil
	case vtpass.CodeSystemError, vtpass.CodeDuplicateRequestID, vtpass.CodeRequestInProgress:
		return nil, &ProviderError{
			Kind:      ErrNetwork,
			Code:      resp.Code,
			Message:   resp.ResponseDescription,
			RequestID: requestID,
			Raw:       raw,
		}
	default:
		return nil, rejected(requestID, resp)
	}
}

func classifyRequery(requestID string, resp *vtpass.PayResponse) *RequeryResult {
	result := &RequeryResult{
		RequestID:    requestID,
		Status:       StatusUnknown,
		ProviderCode: resp.Code,
		Description:  resp.ResponseDescription,
		Raw:          models.RawPayload(resp.Raw),
	}

	switch resp.Code {
	case vtpass.CodeSuccess:
		switch strings.ToLower(resp.Transaction().Status) {
		case "delivered":
			result.Status = StatusDelivered
			result.Token = extractToken(resp)
		case "failed", "reversed":
			result.Status = StatusFailed
		}
	// 015: у провайдера нет записи с таким request id, заказ не принимался
	case vtpass.CodeTransactionFailed, vtpass.CodeInvalidRequestID:
		result.Status = StatusFailed
	}
	return result
}

func rejected(requestID string, resp *vtpass.PayResponse) *ProviderError {
	msg := resp.ResponseDescription
	if msg == "" {
		msg = "transaction failed"
	}
	return &ProviderError{
		Kind:      ErrProviderRejected,
		Code:      resp.Code,
		Message:   msg,
		RequestID: requestID,
		Raw:       models.RawPayload(resp.Raw),
	}
}

// classifyTransport раскладывает ошибки транспорта по таксономии gateway
func classifyTransport(requestID string, err error) *ProviderError {
	perr := &ProviderError{Kind: ErrNetwork, RequestID: requestID, Message: err.Error()}

	var netErr net.Error
	var apiErr *vtpass.APIError
	var decErr *vtpass.DecodeError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		perr.Kind = ErrProviderTimeout
	case errors.As(err, &apiErr):
		perr.Raw = models.RawPayload(apiErr.Body)
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusGatewayTimeout:
			perr.Kind = ErrProviderTimeout
		case apiErr.StatusCode >= 500:
			perr.Kind = ErrNetwork
		default:
			perr.Kind = ErrProviderRejected
		}
	case errors.As(err, &decErr):
		perr.Raw = models.RawPayload(decErr.Body)
	}
	return perr
}

func extractToken(resp *vtpass.PayResponse) string {
	for _, candidate := range []string{resp.Token, resp.MainToken, resp.PurchasedCode} {
		if t := strings.TrimSpace(tokenPrefix.ReplaceAllString(candidate, "")); t != "" {
			return t
		}
	}
	return ""
}
