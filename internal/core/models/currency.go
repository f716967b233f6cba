package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Currency struct {
	Code       string `json:"code" db:"code"`               // ISO 4217, например "NGN"
	Name       string `json:"name" db:"name"`               // Полное название валюты
	MinorUnits int64  `json:"minor_units" db:"minor_units"` // Число знаков после запятой: 2 для kobo
}

// DefaultCurrency - единственная валюта кошельков в первой версии
var DefaultCurrency = Currency{Code: "NGN", Name: "Nigerian Naira", MinorUnits: 2}

func (c Currency) multiplier() decimal.Decimal {
	return decimal.NewFromInt(10).Pow(decimal.NewFromInt(c.MinorUnits))
}

// ToMinorUnits переводит сумму в основных единицах в минимальные (naira -> kobo).
// Дробная часть глубже MinorUnits считается ошибкой, а не округляется.
func (c Currency) ToMinorUnits(amount decimal.Decimal) (int64, error) {
	if c.MinorUnits < 0 {
		return 0, fmt.Errorf("invalid currency minor units: %d", c.MinorUnits)
	}
	scaled := amount.Mul(c.multiplier())
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", amount.String(), c.MinorUnits)
	}
	return scaled.IntPart(), nil
}

// FromMinorUnits переводит минимальные единицы обратно в основные
func (c Currency) FromMinorUnits(minor int64) decimal.Decimal {
	if c.MinorUnits <= 0 {
		return decimal.NewFromInt(minor)
	}
	return decimal.NewFromInt(minor).Div(c.multiplier())
}

// Format возвращает сумму в основных единицах с фиксированным числом знаков
func (c Currency) Format(minor int64) string {
	return c.FromMinorUnits(minor).StringFixedBank(int32(c.MinorUnits))
}
