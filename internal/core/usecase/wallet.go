package usecase

import (
	"fmt"
	"strings"

	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/shopspring/decimal"
)

// ParseAmount переводит сумму в основных единицах ("1500", "99,50") в минимальные
func ParseAmount(amountStr string, currency models.Currency) (int64, error) {
	normalAmount := strings.ReplaceAll(strings.TrimSpace(amountStr), ",", ".")
	amount, err := decimal.NewFromString(normalAmount)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amountStr)
	}
	if !amount.IsPositive() {
		return 0, ErrInvalidAmount
	}

	minor, err := currency.ToMinorUnits(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if minor <= 0 {
		return 0, ErrInvalidAmount
	}
	return minor, nil
}

// FormatAmount возвращает сумму в основных единицах, например "1500.00"
func FormatAmount(minor int64, currency models.Currency) string {
	return currency.Format(minor)
}
