package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction определяет направление движения средств
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Category определяет причину проводки
type Category string

const (
	CategoryAirtime     Category = "airtime"
	CategoryData        Category = "data"
	CategoryElectricity Category = "electricity"
	CategoryTV          Category = "tv"
	CategoryFunding     Category = "funding"
	CategoryRefund      Category = "refund"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryAirtime, CategoryData, CategoryElectricity, CategoryTV,
		CategoryFunding, CategoryRefund:
		return true
	}
	return false
}

// TransactionStatus: pending -> success | failed, конечные статусы не меняются
type TransactionStatus string

const (
	StatusPending TransactionStatus = "pending"
	StatusSuccess TransactionStatus = "success"
	StatusFailed  TransactionStatus = "failed"
)

func (s TransactionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s TransactionStatus) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

// Recipient хранит данные получателя услуги
type Recipient struct {
	Phone           string `json:"phone,omitempty"`
	MeterNumber     string `json:"meter_number,omitempty"`
	SmartCardNumber string `json:"smart_card_number,omitempty"`
	CustomerName    string `json:"customer_name,omitempty"`
	Address         string `json:"address,omitempty"`
}

func (r Recipient) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *Recipient) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*r = Recipient{}
		return nil
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("unsupported recipient type %T", src)
	}
}

// RawPayload - ответ провайдера как есть, хранится только для аудита.
// Сервис кошелька его не разбирает.
type RawPayload []byte

func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid(p) {
		return json.Marshal(string(p))
	}
	return p, nil
}

func (p *RawPayload) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = nil
		return nil
	}
	*p = append((*p)[0:0], data...)
	return nil
}

func (p RawPayload) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	if !json.Valid(p) {
		b, err := json.Marshal(string(p))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return string(p), nil
}

func (p *RawPayload) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case []byte:
		*p = append(RawPayload(nil), v...)
	case string:
		*p = RawPayload(v)
	default:
		return fmt.Errorf("unsupported payload type %T", src)
	}
	return nil
}

type Transaction struct {
	ID               uuid.UUID         `json:"id" db:"id"`
	Reference        string            `json:"reference" db:"reference"`
	RequestID        *string           `json:"request_id,omitempty" db:"request_id"`
	UserID           uuid.UUID         `json:"user_id" db:"user_id"`
	WalletID         uuid.UUID         `json:"wallet_id" db:"wallet_id"`
	Direction        Direction         `json:"type" db:"direction"`
	Category         Category          `json:"category" db:"category"`
	Amount           int64             `json:"amount" db:"amount"` // в kobo
	BalanceBefore    int64             `json:"balance_before" db:"balance_before"`
	BalanceAfter     int64             `json:"balance_after" db:"balance_after"`
	Status           TransactionStatus `json:"status" db:"status"`
	ServiceProvider  string            `json:"service_provider,omitempty" db:"service_provider"`
	Recipient        Recipient         `json:"recipient" db:"recipient"`
	ProviderResponse RawPayload        `json:"provider_response,omitempty" db:"provider_response"`
	Description      string            `json:"description" db:"description"`
	FailureReason    string            `json:"failure_reason,omitempty" db:"failure_reason"`
	RefundOf         *uuid.UUID        `json:"refund_of,omitempty" db:"refund_of"`
	RefundedBy       *uuid.UUID        `json:"refunded_by,omitempty" db:"refunded_by"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

var (
	ErrNonPositiveAmount = errors.New("transaction amount must be positive")
	ErrBalanceMismatch   = errors.New("transaction balances do not match direction and amount")
)

// CheckBalances проверяет amount > 0 и balanceAfter = balanceBefore ± amount
func (t *Transaction) CheckBalances() error {
	if t.Amount <= 0 {
		return ErrNonPositiveAmount
	}
	switch t.Direction {
	case DirectionCredit:
		if t.BalanceAfter != t.BalanceBefore+t.Amount {
			return ErrBalanceMismatch
		}
	case DirectionDebit:
		if t.BalanceAfter != t.BalanceBefore-t.Amount {
			return ErrBalanceMismatch
		}
	default:
		return fmt.Errorf("unknown direction %q", t.Direction)
	}
	return nil
}

func (t *Transaction) IsRefunded() bool {
	return t.RefundedBy != nil
}

func (t *Transaction) RequestIDValue() string {
	if t.RequestID == nil {
		return ""
	}
	return *t.RequestID
}

// DebitMetadata - данные, которые оркестратор прикладывает к резервированию
type DebitMetadata struct {
	Reference       string
	RequestID       string
	ServiceProvider string
	Recipient       Recipient
}

// Settlement переводит pending проводку в конечный статус
type Settlement struct {
	Status           TransactionStatus
	ProviderResponse RawPayload
	RequestID        string
	FailureReason    string
}

type TransactionFilter struct {
	UserID    uuid.UUID
	Category  Category
	Status    TransactionStatus
	Direction Direction
	Page      int
	Limit     int
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalize выставляет значения страницы по умолчанию
func (f *TransactionFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
}

func (f TransactionFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	Total        int           `json:"total"`
	TotalPages   int           `json:"total_pages"`
	CurrentPage  int           `json:"current_page"`
}

type CategoryStat struct {
	Category Category `json:"category" db:"category"`
	Total    int64    `json:"total" db:"total"`
	Count    int64    `json:"count" db:"count"`
}

type TransactionStats struct {
	TotalSpent         int64          `json:"total_spent"`
	CategoryBreakdown  []CategoryStat `json:"category_breakdown"`
	RecentTransactions int64          `json:"recent_transactions"`
}
