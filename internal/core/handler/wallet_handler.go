package handler

import (
	"net/http"
	"strings"

	"github.com/Nzyazin/billpay/internal/core/logger"
	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/Nzyazin/billpay/internal/core/usecase"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type WalletHandler struct {
	usecase usecase.WalletUsecase
	log     logger.Logger
}

type WalletResponse struct {
	WalletID     uuid.UUID `json:"wallet_id"`
	Balance      string    `json:"balance"`
	BalanceMinor int64     `json:"balance_minor"`
	Currency     string    `json:"currency"`
	IsActive     bool      `json:"is_active"`
}

type OperationResponse struct {
	Error       string              `json:"error,omitempty"`
	Balance     string              `json:"balance"`
	WalletID    uuid.UUID           `json:"wallet_id"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
}

func NewWalletHandler(usecase usecase.WalletUsecase, log logger.Logger) *WalletHandler {
	return &WalletHandler{usecase: usecase, log: log}
}

// RegisterRoutes ожидает роутер под /api/v1 с Auth
func (h *WalletHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/wallet", h.CreateWallet).Methods(http.MethodPost)
	router.HandleFunc("/wallet/balance", h.GetBalance).Methods(http.MethodGet)
	router.HandleFunc("/wallet/credit", h.CreditWallet).Methods(http.MethodPost)
}

func (h *WalletHandler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	wallet, err := h.usecase.CreateWallet(r.Context(), userID)
	if err != nil {
		handleOperationError(w, h.log, err, logger.StringField("user_id", userID.String()))
		return
	}
	respondWithJSON(w, http.StatusCreated, h.walletResponse(wallet))
}

func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	wallet, err := h.usecase.GetWallet(r.Context(), userID)
	if err != nil {
		handleOperationError(w, h.log, err, logger.StringField("user_id", userID.String()))
		return
	}
	respondWithJSON(w, http.StatusOK, h.walletResponse(wallet))
}

func (h *WalletHandler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req models.FundingRequest
	if err := decodeRequest(w, r, &req); err != nil {
		h.log.Warn("Failed to decode request body", logger.ErrorField("error", err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if validationErr := validateAmount(req.Amount); validationErr != nil {
		h.log.Warn(validationErr.Message, validationErr.Fields...)
		respondWithError(w, http.StatusBadRequest, validationErr.Message)
		return
	}

	currency := h.usecase.Currency()
	amount, err := usecase.ParseAmount(strings.ReplaceAll(req.Amount, " ", ""), currency)
	if err != nil {
		handleOperationError(w, h.log, err, logger.StringField("amount", req.Amount))
		return
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Wallet funding"
	}

	result, err := h.usecase.CreditWallet(r.Context(), userID, amount, models.CategoryFunding, description)
	if err != nil {
		handleOperationError(w, h.log, err,
			logger.StringField("user_id", userID.String()),
			logger.StringField("amount", req.Amount))
		return
	}

	h.log.Info("Wallet credited",
		logger.StringField("user_id", userID.String()),
		logger.StringField("reference", result.Transaction.Reference),
		logger.StringField("new_balance", usecase.FormatAmount(result.Wallet.Balance, currency)))
	respondWithJSON(w, http.StatusOK, OperationResponse{
		Balance:     usecase.FormatAmount(result.Wallet.Balance, currency),
		WalletID:    result.Wallet.ID,
		Transaction: result.Transaction,
	})
}

func (h *WalletHandler) walletResponse(wallet *models.Wallet) WalletResponse {
	return WalletResponse{
		WalletID:     wallet.ID,
		Balance:      usecase.FormatAmount(wallet.Balance, h.usecase.Currency()),
		BalanceMinor: wallet.Balance,
		Currency:     wallet.CurrencyCode,
		IsActive:     wallet.IsActive,
	}
}
