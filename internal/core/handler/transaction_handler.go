package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Nzyazin/billpay/internal/core/logger"
	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/Nzyazin/billpay/internal/core/usecase"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type TransactionHandler struct {
	ledger    usecase.WalletUsecase
	reconcile usecase.ReconcileUsecase
	log       logger.Logger
}

func NewTransactionHandler(ledger usecase.WalletUsecase, reconcile usecase.ReconcileUsecase, log logger.Logger) *TransactionHandler {
	return &TransactionHandler{ledger: ledger, reconcile: reconcile, log: log}
}

func (h *TransactionHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/wallet/history", h.ListTransactions).Methods(http.MethodGet)
	router.HandleFunc("/transactions", h.ListTransactions).Methods(http.MethodGet)
	router.HandleFunc("/transactions/stats", h.Stats).Methods(http.MethodGet)
	router.HandleFunc("/transactions/{id}", h.GetTransaction).Methods(http.MethodGet)
	router.HandleFunc("/transactions/{id}/requery", h.Requery).Methods(http.MethodPost)
}

// RegisterInternalRoutes ожидает роутер под /internal/v1
func (h *TransactionHandler) RegisterInternalRoutes(router *mux.Router) {
	router.HandleFunc("/reconcile/sweep", h.Sweep).Methods(http.MethodPost)
	router.HandleFunc("/transactions/{id}/reconcile", h.Reconcile).Methods(http.MethodPost)
}

func (h *TransactionHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	filter, validationErr := parseFilter(r)
	if validationErr != nil {
		h.log.Warn(validationErr.Message, validationErr.Fields...)
		respondWithError(w, http.StatusBadRequest, validationErr.Message)
		return
	}
	filter.UserID = userID

	page, err := h.ledger.ListTransactions(r.Context(), filter)
	if err != nil {
		handleOperationError(w, h.log, err, logger.StringField("user_id", userID.String()))
		return
	}
	respondWithJSON(w, http.StatusOK, page)
}

func (h *TransactionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	stats, err := h.ledger.TransactionStats(r.Context(), userID)
	if err != nil {
		handleOperationError(w, h.log, err, logger.StringField("user_id", userID.String()))
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := h.transactionID(w, r)
	if !ok {
		return
	}

	t, err := h.ledger.GetTransaction(r.Context(), userID, id)
	if err != nil {
		handleOperationError(w, h.log, err, logger.StringField("transaction_id", id.String()))
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

func (h *TransactionHandler) Requery(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	id, ok := h.transactionID(w, r)
	if !ok {
		return
	}

	outcome, err := h.reconcile.Requery(r.Context(), userID, id)
	if err != nil {
		handleOperationError(w, h.log, err,
			logger.StringField("user_id", userID.String()),
			logger.StringField("transaction_id", id.String()))
		return
	}
	respondWithJSON(w, http.StatusOK, outcome)
}

// Reconcile - перезапрос оператором без проверки владельца; {id} - uuid проводки или request_id провайдера
func (h *TransactionHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(mux.Vars(r)["id"])

	var (
		outcome *models.ReconcileOutcome
		err     error
	)
	if id, perr := uuid.Parse(raw); perr == nil {
		outcome, err = h.reconcile.Reconcile(r.Context(), id)
	} else {
		outcome, err = h.reconcile.ReconcileRequest(r.Context(), raw)
	}
	if err != nil {
		handleOperationError(w, h.log, err, logger.StringField("id", raw))
		return
	}
	respondWithJSON(w, http.StatusOK, outcome)
}

func (h *TransactionHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondWithError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	report, err := h.reconcile.Sweep(r.Context(), limit)
	if err != nil {
		handleOperationError(w, h.log, err)
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (h *TransactionHandler) transactionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.log.Warn("Invalid transaction id", logger.StringField("id", mux.Vars(r)["id"]))
		respondWithError(w, http.StatusBadRequest, "Invalid transaction id")
		return uuid.Nil, false
	}
	return id, true
}

func parseFilter(r *http.Request) (models.TransactionFilter, *ValidationError) {
	q := r.URL.Query()
	var filter models.TransactionFilter

	for key, dst := range map[string]*int{"page": &filter.Page, "limit": &filter.Limit} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, &ValidationError{
				Message: "Invalid " + key,
				Fields:  []logger.Field{logger.StringField(key, raw)},
			}
		}
		*dst = n
	}

	if c := strings.ToLower(strings.TrimSpace(q.Get("category"))); c != "" {
		filter.Category = models.Category(c)
		if !filter.Category.Valid() {
			return filter, &ValidationError{
				Message: "Invalid category",
				Fields:  []logger.Field{logger.StringField("category", c)},
			}
		}
	}
	if s := strings.ToLower(strings.TrimSpace(q.Get("status"))); s != "" {
		filter.Status = models.TransactionStatus(s)
		if !filter.Status.Valid() {
			return filter, &ValidationError{
				Message: "Invalid status",
				Fields:  []logger.Field{logger.StringField("status", s)},
			}
		}
	}
	switch d := models.Direction(strings.ToLower(strings.TrimSpace(q.Get("type")))); d {
	case "":
	case models.DirectionCredit, models.DirectionDebit:
		filter.Direction = d
	default:
		return filter, &ValidationError{
			Message: "Invalid type",
			Fields:  []logger.Field{logger.StringField("type", string(d))},
		}
	}

	filter.Normalize()
	return filter, nil
}
