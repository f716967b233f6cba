package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/Nzyazin/billpay/internal/core/gateway"
	"github.com/Nzyazin/billpay/internal/core/logger"
	"github.com/Nzyazin/billpay/internal/core/middleware"
	"github.com/Nzyazin/billpay/internal/core/usecase"
	"github.com/google/uuid"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type ValidationError struct {
	Message string
	Fields  []logger.Field
}

var amountRegexp = regexp.MustCompile(`^\s*\d{1,9}([.,]\d{1,2})?\s*$`)

func validateAmount(amount string) *ValidationError {
	cleaned := strings.ReplaceAll(amount, " ", "")
	if !amountRegexp.MatchString(cleaned) {
		return &ValidationError{
			Message: "Invalid amount format",
			Fields:  []logger.Field{logger.StringField("amount", amount)},
		}
	}
	return nil
}

func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request payload")
	}
	return nil
}

// currentUser отвечает 401, если Auth не положил пользователя в контекст
func currentUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, false
	}
	return userID, true
}

// handleOperationError переводит ошибки сервиса в HTTP статус
func handleOperationError(w http.ResponseWriter, log logger.Logger, err error, fields ...logger.Field) {
	code, message := http.StatusInternalServerError, "Failed to process operation"
	switch {
	case errors.Is(err, usecase.ErrWalletNotFound):
		code, message = http.StatusNotFound, "Wallet not found"
	case errors.Is(err, usecase.ErrTransactionNotFound):
		code, message = http.StatusNotFound, "Transaction not found"
	case errors.Is(err, usecase.ErrWalletAlreadyExists):
		code, message = http.StatusConflict, "Wallet already exists"
	case errors.Is(err, usecase.ErrDuplicateReference):
		code, message = http.StatusConflict, "Duplicate transaction reference"
	case errors.Is(err, usecase.ErrReconcileInProgress):
		code, message = http.StatusConflict, "Reconciliation already in progress"
	case errors.Is(err, usecase.ErrNotReconcilable):
		code, message = http.StatusConflict, "Transaction is not awaiting provider confirmation"
	case errors.Is(err, usecase.ErrReconcileTooEarly):
		code, message = http.StatusConflict, "Transaction is too recent to requery, try again later"
	case errors.Is(err, usecase.ErrInsufficientFunds):
		code, message = http.StatusPaymentRequired, "insufficient funds"
	case errors.Is(err, usecase.ErrVerificationFailed):
		code, message = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, usecase.ErrSpendLimitExceeded):
		code, message = http.StatusUnprocessableEntity, "Daily spend limit exceeded"
	case errors.Is(err, usecase.ErrWalletInactive):
		code, message = http.StatusUnprocessableEntity, "Wallet is inactive"
	case errors.Is(err, usecase.ErrInvalidAmount):
		code, message = http.StatusBadRequest, "Invalid amount"
	case errors.Is(err, usecase.ErrInvalidCategory),
		errors.Is(err, usecase.ErrInvalidOrder),
		errors.Is(err, usecase.ErrUnsupportedNetwork):
		code, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, gateway.ErrNetwork), errors.Is(err, gateway.ErrProviderTimeout):
		code, message = http.StatusBadGateway, "Service provider unavailable"
	}

	fields = append(fields, logger.ErrorField("error", err))
	if code >= http.StatusInternalServerError {
		log.Error("Failed to process operation", fields...)
	} else {
		log.Warn(message, fields...)
	}
	respondWithError(w, code, message)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Internal Server Error"}`)) // Fallback response
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
