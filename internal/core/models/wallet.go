package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet представляет кошелёк пользователя, один на пользователя
type Wallet struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	UserID         uuid.UUID  `json:"user_id" db:"user_id"`
	Balance        int64      `json:"balance" db:"balance"`        // в kobo
	CurrencyCode   string     `json:"currency" db:"currency_code"` // ISO 4217
	IsActive       bool       `json:"is_active" db:"is_active"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty" db:"last_activity_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

func (w *Wallet) HasSufficientBalance(amount int64) bool {
	return w.Balance >= amount
}

// FundingRequest представляет запрос на ручное пополнение кошелька
type FundingRequest struct {
	Amount        string          `json:"amount"`
	Description   string          `json:"description"`
	DecimalAmount decimal.Decimal `json:"-"`
}

// LedgerResult - состояние кошелька и проводка после операции
type LedgerResult struct {
	Wallet      *Wallet      `json:"wallet"`
	Transaction *Transaction `json:"transaction"`
	// Original заполняется только при возврате и указывает на возвращённое списание
	Original *Transaction `json:"original,omitempty"`
}
