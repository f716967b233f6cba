package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Nzyazin/billpay/pkg/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		requestID, _ := body["request_id"].(string)

		switch r.URL.Path {
		case "/pay", "/requery":
			w.Write([]byte(`{"code":"000","response_description":"TRANSACTION SUCCESSFUL","requestId":"` + requestID + `",
				"content":{"transactions":{"status":"delivered","transactionId":"vt-1"}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(providerURL string) *config.Config {
	return &config.Config{
		DB:        config.DBConfig{Driver: config.DriverMemory},
		HTTP:      config.HTTPConfig{Addr: ":0", ShutdownTimeout: 5 * time.Second},
		Provider:  config.ProviderConfig{BaseURL: providerURL, Timeout: 5 * time.Second, VerifyTimeout: 5 * time.Second},
		Redis:     config.RedisConfig{Prefix: "billpay", PurchasesPerMinute: 10, ReconcileLockTTL: time.Minute},
		Auth:      config.AuthConfig{JWTSecret: testSecret},
		Ledger:    config.LedgerConfig{Currency: "NGN", Timezone: "Africa/Lagos", SpendLimitCountsPending: true},
		Reconcile: config.ReconcileConfig{MinAge: 5 * time.Minute, BatchSize: 100},
	}
}

func signToken(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	return signRoleToken(t, userID, "")
}

func signRoleToken(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID.String(),
		"exp":  time.Now().Add(time.Hour).Unix(),
		"role": role,
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(context.Background(), testConfig(fakeProvider(t).URL), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func do(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServerPurchaseFlow(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	token := signToken(t, uuid.New())

	rec := do(t, h, http.MethodPost, "/api/v1/wallet", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/v1/wallet/credit", token, map[string]string{"amount": "5000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/v1/services/airtime", token, map[string]string{
		"phone":  "08031234567",
		"amount": "1500",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var purchase struct {
		Status      string `json:"status"`
		Balance     string `json:"balance"`
		Transaction struct {
			ID     uuid.UUID `json:"id"`
			Status string    `json:"status"`
		} `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &purchase))
	assert.Equal(t, "success", purchase.Status)
	assert.Equal(t, "success", purchase.Transaction.Status)

	rec = do(t, h, http.MethodGet, "/api/v1/wallet/balance", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance struct {
		BalanceMinor int64 `json:"balance_minor"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	assert.Equal(t, int64(350000), balance.BalanceMinor)

	rec = do(t, h, http.MethodGet, "/api/v1/transactions/"+purchase.Transaction.ID.String(), token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `billpay_purchases_total{outcome="success",product="airtime"} 1`)
	assert.Contains(t, body, `handler="/api/v1/services/airtime"`)
	assert.NotContains(t, body, purchase.Transaction.ID.String())
}

func TestServerRejectsMissingToken(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/wallet/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/internal/v1/reconcile/sweep", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServerHealthAndSweep(t *testing.T) {
	h := newTestServer(t).Handler()

	rec := do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/internal/v1/reconcile/sweep?limit=10", signToken(t, uuid.New()), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	operator := signRoleToken(t, uuid.New(), "operator")
	rec = do(t, h, http.MethodPost, "/internal/v1/reconcile/sweep?limit=10", operator, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/internal/v1/transactions/"+uuid.NewString()+"/reconcile", operator, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
}

func TestNewServerRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(fakeProvider(t).URL)
	cfg.Reconcile.Schedule = "not a schedule"

	_, err := NewServer(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}

func TestNewServerUnknownCurrency(t *testing.T) {
	cfg := testConfig(fakeProvider(t).URL)
	cfg.Ledger.Currency = "USD"

	_, err := NewServer(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "USD"))
}
