// Package vtpass - HTTP клиент API провайдера платежей.
// Клиент только передаёт запросы и разбирает конверт ответа; классификация исходов живёт в gateway.
package vtpass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Nzyazin/billpay/internal/core/logger"
)

const maxResponseBytes = 1 << 20

// Коды ответа провайдера, на которые опирается gateway
const (
	CodeSuccess            = "000"
	CodeProcessing         = "099"
	CodeInvalidRequestID   = "015"
	CodeTransactionFailed  = "016"
	CodeDuplicateRequestID = "014"
	CodeRequestInProgress  = "019"
	CodeSystemError        = "083"
)

type Client struct {
	BaseURL    string
	APIKey     string
	PublicKey  string
	SecretKey  string
	HTTPClient *http.Client
	log        logger.Logger
}

func NewClient(baseURL, apiKey, publicKey, secretKey string, timeout time.Duration, log logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		APIKey:    apiKey,
		PublicKey: publicKey,
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// PayRequest - тело POST /pay. Amount в основных единицах.
type PayRequest struct {
	RequestID     string      `json:"request_id"`
	ServiceID     string      `json:"serviceID"`
	BillersCode   string      `json:"billersCode,omitempty"`
	VariationCode string      `json:"variation_code,omitempty"`
	Amount        json.Number `json:"amount,omitempty"`
	Phone         string      `json:"phone,omitempty"`
}

type TransactionInfo struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	ProductName   string `json:"product_name"`
	UniqueElement string `json:"unique_element"`
}

// PayResponse - ответ /pay и /requery
type PayResponse struct {
	Code                string          `json:"code"`
	ResponseDescription string          `json:"response_description"`
	RequestID           string          `json:"requestId"`
	Content             json.RawMessage `json:"content"`
	PurchasedCode       string          `json:"purchased_code"`
	Token               string          `json:"token"`
	MainToken           string          `json:"mainToken"`
	Raw                 []byte          `json:"-"`
}

// Transaction достаёт content.transactions; при ином формате content возвращает пустое значение
func (r *PayResponse) Transaction() TransactionInfo {
	var content struct {
		Transactions TransactionInfo `json:"transactions"`
	}
	if len(r.Content) > 0 {
		_ = json.Unmarshal(r.Content, &content)
	}
	return content.Transactions
}

type VerifyRequest struct {
	BillersCode string `json:"billersCode"`
	ServiceID   string `json:"serviceID"`
	Type        string `json:"type,omitempty"`
}

type CustomerDetails struct {
	CustomerName string `json:"Customer_Name"`
	Address      string `json:"Address"`
	MeterNumber  string `json:"Meter_Number"`
	Error        string `json:"error"`
	WrongCode    bool   `json:"WrongBillersCode"`
}

type VerifyResponse struct {
	Code    string          `json:"code"`
	Content json.RawMessage `json:"content"`
	Raw     []byte          `json:"-"`
}

func (r *VerifyResponse) Customer() CustomerDetails {
	var details CustomerDetails
	if len(r.Content) > 0 {
		_ = json.Unmarshal(r.Content, &details)
	}
	return details
}

type Variation struct {
	VariationCode   string `json:"variation_code"`
	Name            string `json:"name"`
	VariationAmount string `json:"variation_amount"`
	FixedPrice      string `json:"fixedPrice"`
}

type VariationsResponse struct {
	ResponseDescription string `json:"response_description"`
	Content             struct {
		ServiceName string      `json:"ServiceName"`
		ServiceID   string      `json:"serviceID"`
		Variations  []Variation `json:"variations"`
		// провайдер отдаёт это поле с опечаткой
		Varations []Variation `json:"varations"`
	} `json:"content"`
}

func (r *VariationsResponse) All() []Variation {
	if len(r.Content.Variations) > 0 {
		return r.Content.Variations
	}
	return r.Content.Varations
}

// APIError - ответ провайдера с кодом HTTP вне 2xx
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vtpass api error: status %d", e.StatusCode)
}

// DecodeError - 2xx ответ, который не удалось разобрать
type DecodeError struct {
	Body []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode vtpass response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (c *Client) Pay(ctx context.Context, req PayRequest) (*PayResponse, error) {
	var resp PayResponse
	raw, err := c.do(ctx, http.MethodPost, "/pay", req, &resp)
	if err != nil {
		return nil, err
	}
	resp.Raw = raw
	return &resp, nil
}

func (c *Client) Requery(ctx context.Context, requestID string) (*PayResponse, error) {
	var resp PayResponse
	raw, err := c.do(ctx, http.MethodPost, "/requery", map[string]string{"request_id": requestID}, &resp)
	if err != nil {
		return nil, err
	}
	resp.Raw = raw
	return &resp, nil
}

func (c *Client) VerifyMerchant(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	var resp VerifyResponse
	raw, err := c.do(ctx, http.MethodPost, "/merchant-verify", req, &resp)
	if err != nil {
		return nil, err
	}
	resp.Raw = raw
	return &resp, nil
}

func (c *Client) ServiceVariations(ctx context.Context, serviceID string) (*VariationsResponse, error) {
	var resp VariationsResponse
	path := "/service-variations?serviceID=" + url.QueryEscape(serviceID)
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", c.APIKey)
	if method == http.MethodGet {
		req.Header.Set("public-key", c.PublicKey)
	} else {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("secret-key", c.SecretKey)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.log.Warn("Provider request failed",
			logger.StringField("method", method),
			logger.StringField("path", path),
			logger.ErrorField("error", err))
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug("Provider response",
		logger.StringField("method", method),
		logger.StringField("path", path),
		logger.IntField("status", resp.StatusCode),
		logger.AnyField("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("Provider returned non-2xx",
			logger.StringField("path", path),
			logger.IntField("status", resp.StatusCode))
		return raw, &APIError{StatusCode: resp.StatusCode, Body: raw}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return raw, &DecodeError{Body: raw, Err: err}
	}
	return raw, nil
}
