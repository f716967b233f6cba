package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/Nzyazin/billpay/internal/core/logger"
	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/Nzyazin/billpay/internal/core/usecase"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type PurchaseHandler struct {
	purchases usecase.PurchaseUsecase
	currency  models.Currency
	log       logger.Logger
}

type PurchaseResponse struct {
	Status      models.PurchaseOutcome `json:"status"`
	Transaction *models.Transaction    `json:"transaction,omitempty"`
	Balance     string                 `json:"balance"`
	Token       string                 `json:"token,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

func NewPurchaseHandler(purchases usecase.PurchaseUsecase, currency models.Currency, log logger.Logger) *PurchaseHandler {
	return &PurchaseHandler{purchases: purchases, currency: currency, log: log}
}

// RegisterRoutes вешает только справочные маршруты; покупки идут через RegisterPurchaseRoutes
func (h *PurchaseHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/services/verify", h.VerifyCustomer).Methods(http.MethodPost)
	router.HandleFunc("/services/{serviceID}/variations", h.ServiceVariations).Methods(http.MethodGet)
}

// RegisterPurchaseRoutes ожидает роутер с ограничителем частоты
func (h *PurchaseHandler) RegisterPurchaseRoutes(router *mux.Router) {
	router.HandleFunc("/services/airtime", h.BuyAirtime).Methods(http.MethodPost)
	router.HandleFunc("/services/data", h.BuyData).Methods(http.MethodPost)
	router.HandleFunc("/services/electricity", h.PayElectricity).Methods(http.MethodPost)
	router.HandleFunc("/services/tv", h.SubscribeTV).Methods(http.MethodPost)
}

func (h *PurchaseHandler) BuyAirtime(w http.ResponseWriter, r *http.Request) {
	var order models.AirtimeOrder
	h.purchase(w, r, models.ProductAirtime, &order, &order.Amount, &order.MinorAmount,
		func(ctx context.Context, userID uuid.UUID) (*models.PurchaseResult, error) {
			return h.purchases.BuyAirtime(ctx, userID, order)
		})
}

func (h *PurchaseHandler) BuyData(w http.ResponseWriter, r *http.Request) {
	var order models.DataOrder
	h.purchase(w, r, models.ProductData, &order, &order.Amount, &order.MinorAmount,
		func(ctx context.Context, userID uuid.UUID) (*models.PurchaseResult, error) {
			return h.purchases.BuyData(ctx, userID, order)
		})
}

func (h *PurchaseHandler) PayElectricity(w http.ResponseWriter, r *http.Request) {
	var order models.ElectricityOrder
	h.purchase(w, r, models.ProductElectricity, &order, &order.Amount, &order.MinorAmount,
		func(ctx context.Context, userID uuid.UUID) (*models.PurchaseResult, error) {
			return h.purchases.PayElectricity(ctx, userID, order)
		})
}

func (h *PurchaseHandler) SubscribeTV(w http.ResponseWriter, r *http.Request) {
	var order models.TVOrder
	h.purchase(w, r, models.ProductTV, &order, &order.Amount, &order.MinorAmount,
		func(ctx context.Context, userID uuid.UUID) (*models.PurchaseResult, error) {
			return h.purchases.SubscribeTV(ctx, userID, order)
		})
}

func (h *PurchaseHandler) VerifyCustomer(w http.ResponseWriter, r *http.Request) {
	if _, ok := currentUser(w, r); !ok {
		return
	}

	var req models.VerifyRequest
	if err := decodeRequest(w, r, &req); err != nil {
		h.log.Warn("Failed to decode request body", logger.ErrorField("error", err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := h.purchases.VerifyCustomer(r.Context(), req)
	if err != nil {
		handleOperationError(w, h.log, err, logger.StringField("service_id", req.ServiceID))
		return
	}
	respondWithJSON(w, http.StatusOK, info)
}

func (h *PurchaseHandler) ServiceVariations(w http.ResponseWriter, r *http.Request) {
	serviceID := mux.Vars(r)["serviceID"]
	variations, err := h.purchases.ServiceVariations(r.Context(), serviceID)
	if err != nil {
		handleOperationError(w, h.log, err, logger.StringField("service_id", serviceID))
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"service_id": serviceID,
		"variations": variations,
	})
}

// purchase декодирует заказ в order, переводит amount в минимальные единицы и вызывает run
func (h *PurchaseHandler) purchase(
	w http.ResponseWriter,
	r *http.Request,
	product models.ProductKind,
	order interface{},
	amount *string,
	minor *int64,
	run func(ctx context.Context, userID uuid.UUID) (*models.PurchaseResult, error),
) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	if err := decodeRequest(w, r, order); err != nil {
		h.log.Warn("Failed to decode request body", logger.ErrorField("error", err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	// у тарифов data и tv цену знает каталог провайдера, amount можно не передавать
	planPriced := product == models.ProductData || product == models.ProductTV
	if !planPriced || strings.TrimSpace(*amount) != "" {
		if validationErr := validateAmount(*amount); validationErr != nil {
			h.log.Warn(validationErr.Message, validationErr.Fields...)
			respondWithError(w, http.StatusBadRequest, validationErr.Message)
			return
		}
		value, err := usecase.ParseAmount(strings.ReplaceAll(*amount, " ", ""), h.currency)
		if err != nil {
			handleOperationError(w, h.log, err, logger.StringField("amount", *amount))
			return
		}
		*minor = value
	}

	result, err := run(r.Context(), userID)
	if err != nil {
		handleOperationError(w, h.log, err,
			logger.StringField("user_id", userID.String()),
			logger.StringField("product", string(product)))
		return
	}

	code := http.StatusOK
	switch result.Status {
	case models.OutcomeProcessing:
		code = http.StatusAccepted
	case models.OutcomeFailed:
		code = http.StatusUnprocessableEntity
	}
	respondWithJSON(w, code, PurchaseResponse{
		Status:      result.Status,
		Transaction: result.Transaction,
		Balance:     usecase.FormatAmount(result.Balance, h.currency),
		Token:       result.Token,
		Error:       result.Reason,
	})
}
