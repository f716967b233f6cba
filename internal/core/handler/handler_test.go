package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Nzyazin/billpay/internal/core/events"
	"github.com/Nzyazin/billpay/internal/core/gateway"
	"github.com/Nzyazin/billpay/internal/core/middleware"
	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/Nzyazin/billpay/internal/core/reference"
	"github.com/Nzyazin/billpay/internal/core/repository/memory"
	"github.com/Nzyazin/billpay/internal/core/usecase"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubPurchases struct {
	result  *models.PurchaseResult
	err     error
	airtime models.AirtimeOrder
	data    models.DataOrder
}

func (s *stubPurchases) BuyAirtime(_ context.Context, _ uuid.UUID, order models.AirtimeOrder) (*models.PurchaseResult, error) {
	s.airtime = order
	return s.result, s.err
}

func (s *stubPurchases) BuyData(_ context.Context, _ uuid.UUID, order models.DataOrder) (*models.PurchaseResult, error) {
	s.data = order
	return s.result, s.err
}

func (s *stubPurchases) PayElectricity(context.Context, uuid.UUID, models.ElectricityOrder) (*models.PurchaseResult, error) {
	return s.result, s.err
}

func (s *stubPurchases) SubscribeTV(context.Context, uuid.UUID, models.TVOrder) (*models.PurchaseResult, error) {
	return s.result, s.err
}

func (s *stubPurchases) VerifyCustomer(_ context.Context, req models.VerifyRequest) (*models.CustomerInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.CustomerInfo{AccountIdentifier: req.AccountIdentifier, CustomerName: "ADA OBI"}, nil
}

func (s *stubPurchases) ServiceVariations(_ context.Context, serviceID string) ([]models.ServiceVariation, error) {
	return []models.ServiceVariation{{Code: serviceID + "-1gb", Name: "1GB", Amount: "1000"}}, nil
}

type stubReconcile struct {
	outcome   *models.ReconcileOutcome
	err       error
	limit     int
	byID      uuid.UUID
	byRequest string
}

func (s *stubReconcile) Requery(context.Context, uuid.UUID, uuid.UUID) (*models.ReconcileOutcome, error) {
	return s.outcome, s.err
}

func (s *stubReconcile) Reconcile(_ context.Context, id uuid.UUID) (*models.ReconcileOutcome, error) {
	s.byID = id
	return s.outcome, s.err
}

func (s *stubReconcile) ReconcileRequest(_ context.Context, requestID string) (*models.ReconcileOutcome, error) {
	s.byRequest = requestID
	return s.outcome, s.err
}

func (s *stubReconcile) Sweep(_ context.Context, limit int) (*models.SweepReport, error) {
	s.limit = limit
	return &models.SweepReport{Processed: 2, Settled: 1, Unchanged: 1}, nil
}

type apiFixture struct {
	router    *mux.Router
	ledger    usecase.WalletUsecase
	purchases *stubPurchases
	reconcile *stubReconcile
	userID    uuid.UUID
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	log := zap.NewNop()
	ledger := usecase.NewWalletUsecase(memory.New(), reference.NewGenerator(), &events.Recorder{}, log, usecase.LedgerConfig{})
	f := &apiFixture{
		router:    mux.NewRouter(),
		ledger:    ledger,
		purchases: &stubPurchases{},
		reconcile: &stubReconcile{},
		userID:    uuid.New(),
	}

	api := f.router.PathPrefix("/api/v1").Subrouter()
	NewWalletHandler(ledger, log).RegisterRoutes(api)
	NewTransactionHandler(ledger, f.reconcile, log).RegisterRoutes(api)
	ph := NewPurchaseHandler(f.purchases, models.DefaultCurrency, log)
	ph.RegisterRoutes(api)
	ph.RegisterPurchaseRoutes(api)
	NewTransactionHandler(ledger, f.reconcile, log).RegisterInternalRoutes(f.router.PathPrefix("/internal/v1").Subrouter())
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req = req.WithContext(middleware.WithUserID(req.Context(), f.userID))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func TestWalletLifecycle(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodGet, "/api/v1/wallet/balance", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/wallet", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created WalletResponse
	decode(t, rec, &created)
	assert.Equal(t, "0.00", created.Balance)
	assert.Equal(t, "NGN", created.Currency)

	rec = f.do(t, http.MethodPost, "/api/v1/wallet", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/wallet/credit", `{"amount":"1 500,50","description":"card top up"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var credited OperationResponse
	decode(t, rec, &credited)
	assert.Equal(t, "1500.50", credited.Balance)
	assert.Equal(t, created.WalletID, credited.WalletID)
	require.NotNil(t, credited.Transaction)
	assert.Equal(t, models.CategoryFunding, credited.Transaction.Category)

	rec = f.do(t, http.MethodGet, "/api/v1/wallet/balance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var balance WalletResponse
	decode(t, rec, &balance)
	assert.Equal(t, int64(150050), balance.BalanceMinor)
}

func TestCreditValidation(t *testing.T) {
	f := newAPI(t)
	f.do(t, http.MethodPost, "/api/v1/wallet", "")

	for _, body := range []string{`{"amount":"abc"}`, `{"amount":"1.005"}`, `{"amount":"0"}`, `not json`} {
		rec := f.do(t, http.MethodPost, "/api/v1/wallet/credit", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestUnauthenticatedRequest(t *testing.T) {
	f := newAPI(t)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/wallet/balance", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTransactionsEndpoints(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()
	_, err := f.ledger.CreateWallet(ctx, f.userID)
	require.NoError(t, err)
	_, err = f.ledger.CreditWallet(ctx, f.userID, 100000, models.CategoryFunding, "top up")
	require.NoError(t, err)
	debit, err := f.ledger.DebitWallet(ctx, f.userID, 20000, models.CategoryAirtime, "MTN Airtime - 08031234567", models.DebitMetadata{RequestID: "REQ1"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/transactions?type=debit&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page models.TransactionPage
	decode(t, rec, &page)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, debit.Transaction.Reference, page.Transactions[0].Reference)

	rec = f.do(t, http.MethodGet, "/api/v1/wallet/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &page)
	assert.Equal(t, 2, page.Total)

	for _, q := range []string{"category=bogus", "status=done", "type=sideways", "page=x"} {
		rec = f.do(t, http.MethodGet, "/api/v1/transactions?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/transactions/"+debit.Transaction.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/transactions/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/transactions/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/transactions/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.TransactionStats
	decode(t, rec, &stats)
	assert.Equal(t, int64(2), stats.RecentTransactions)
}

func TestRequeryEndpoint(t *testing.T) {
	f := newAPI(t)
	id := uuid.New()

	f.reconcile.outcome = &models.ReconcileOutcome{Result: models.ReconcileSettled, Transaction: &models.Transaction{ID: id, Status: models.StatusSuccess}}
	rec := f.do(t, http.MethodPost, "/api/v1/transactions/"+id.String()+"/requery", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"result":"settled"`)

	f.reconcile.err = usecase.ErrReconcileInProgress
	rec = f.do(t, http.MethodPost, "/api/v1/transactions/"+id.String()+"/requery", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.reconcile.err = fmt.Errorf("requery status: %w", gateway.ErrNetwork)
	rec = f.do(t, http.MethodPost, "/api/v1/transactions/"+id.String()+"/requery", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSweepEndpoint(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/internal/v1/reconcile/sweep?limit=25", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 25, f.reconcile.limit)
	var report models.SweepReport
	decode(t, rec, &report)
	assert.Equal(t, 2, report.Processed)

	rec = f.do(t, http.MethodPost, "/internal/v1/reconcile/sweep?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperatorReconcileEndpoint(t *testing.T) {
	f := newAPI(t)
	id := uuid.New()
	f.reconcile.outcome = &models.ReconcileOutcome{Result: models.ReconcileRefunded, Transaction: &models.Transaction{ID: id, Status: models.StatusFailed}}

	rec := f.do(t, http.MethodPost, "/internal/v1/transactions/"+id.String()+"/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, f.reconcile.byID)
	assert.Contains(t, rec.Body.String(), `"result":"refunded"`)

	rec = f.do(t, http.MethodPost, "/internal/v1/transactions/202403101200000001/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "202403101200000001", f.reconcile.byRequest)

	f.reconcile.err = usecase.ErrReconcileTooEarly
	rec = f.do(t, http.MethodPost, "/internal/v1/transactions/"+id.String()+"/reconcile", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.reconcile.err = usecase.ErrTransactionNotFound
	rec = f.do(t, http.MethodPost, "/internal/v1/transactions/unknown/reconcile", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPurchaseStatusCodes(t *testing.T) {
	tx := &models.Transaction{ID: uuid.New(), Reference: "BPY-1"}
	tests := []struct {
		name   string
		result *models.PurchaseResult
		err    error
		want   int
	}{
		{"success", &models.PurchaseResult{Status: models.OutcomeSuccess, Transaction: tx, Balance: 90000}, nil, http.StatusOK},
		{"processing", &models.PurchaseResult{Status: models.OutcomeProcessing, Transaction: tx, Balance: 90000}, nil, http.StatusAccepted},
		{"failed", &models.PurchaseResult{Status: models.OutcomeFailed, Transaction: tx, Balance: 100000, Reason: "TRANSACTION FAILED"}, nil, http.StatusUnprocessableEntity},
		{"insufficient funds", nil, usecase.ErrInsufficientFunds, http.StatusPaymentRequired},
		{"verification", nil, fmt.Errorf("%w: INVALID METER", usecase.ErrVerificationFailed), http.StatusUnprocessableEntity},
		{"bad order", nil, usecase.ErrUnsupportedNetwork, http.StatusBadRequest},
		{"no wallet", nil, usecase.ErrWalletNotFound, http.StatusNotFound},
		{"internal", nil, fmt.Errorf("connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPI(t)
			f.purchases.result, f.purchases.err = tt.result, tt.err

			rec := f.do(t, http.MethodPost, "/api/v1/services/airtime", `{"phone":"08031234567","amount":"100"}`)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.result != nil {
				var resp PurchaseResponse
				decode(t, rec, &resp)
				assert.Equal(t, tt.result.Status, resp.Status)
				assert.Equal(t, tt.result.Reason, resp.Error)
			}
		})
	}
}

func TestPurchaseConvertsAmount(t *testing.T) {
	f := newAPI(t)
	f.purchases.result = &models.PurchaseResult{Status: models.OutcomeSuccess, Balance: 1}

	rec := f.do(t, http.MethodPost, "/api/v1/services/airtime", `{"phone":"08031234567","network":"mtn","amount":"250,50"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(25050), f.purchases.airtime.MinorAmount)
	assert.Equal(t, "mtn", f.purchases.airtime.Network)

	rec = f.do(t, http.MethodPost, "/api/v1/services/airtime", `{"phone":"08031234567","amount":"-5"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/services/airtime", `{"phone":"08031234567"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlanPurchaseAmountOptional(t *testing.T) {
	f := newAPI(t)
	f.purchases.result = &models.PurchaseResult{Status: models.OutcomeSuccess, Balance: 1}

	rec := f.do(t, http.MethodPost, "/api/v1/services/data", `{"phone":"08031234567","serviceID":"mtn-data","variationCode":"mtn-1gb"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, f.purchases.data.MinorAmount)
	assert.Equal(t, "mtn-1gb", f.purchases.data.VariationCode)

	rec = f.do(t, http.MethodPost, "/api/v1/services/data", `{"phone":"08031234567","serviceID":"mtn-data","variationCode":"mtn-1gb","amount":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyAndVariations(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/api/v1/services/verify", `{"serviceID":"dstv","accountIdentifier":"7012345678"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ADA OBI")

	rec = f.do(t, http.MethodGet, "/api/v1/services/mtn-data/variations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mtn-data-1gb")

	f.purchases.err = fmt.Errorf("%w: INVALID SMARTCARD", usecase.ErrVerificationFailed)
	rec = f.do(t, http.MethodPost, "/api/v1/services/verify", `{"serviceID":"dstv","accountIdentifier":"1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
