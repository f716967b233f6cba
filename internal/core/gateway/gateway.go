package gateway

import (
	"context"

	"github.com/Nzyazin/billpay/internal/core/models"
)

type DeliveryStatus string

const (
	StatusDelivered DeliveryStatus = "delivered"
	StatusPending   DeliveryStatus = "pending"
	StatusFailed    DeliveryStatus = "failed"
	StatusUnknown   DeliveryStatus = "unknown"
)

type PurchaseRequest struct {
	// RequestID берётся у вызывающего; пустой значит "сгенерировать"
	RequestID     string
	Product       models.ProductKind
	ServiceID     string
	BillersCode   string
	VariationCode string
	// Amount в минимальных единицах, 0 значит "цена тарифа"
	Amount int64
	Phone  string
}

// PurchaseResult возвращается только для Delivered или Pending; отказ приходит ошибкой
type PurchaseResult struct {
	RequestID    string
	Status       DeliveryStatus
	ProviderCode string
	Description  string
	Token        string
	Raw          models.RawPayload
}

type RequeryResult struct {
	RequestID    string
	Status       DeliveryStatus
	ProviderCode string
	Description  string
	Token        string
	Raw          models.RawPayload
}

// Gateway - адаптер к внешнему провайдеру. Purchase не повторяет запросы сам.
type Gateway interface {
	NewRequestID() string
	VerifyCustomer(ctx context.Context, serviceID, accountIdentifier, variant string) (*models.CustomerInfo, error)
	Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error)
	RequeryStatus(ctx context.Context, requestID string) (*RequeryResult, error)
	ServiceVariations(ctx context.Context, serviceID string) ([]models.ServiceVariation, error)
}
