package models

import "time"

// ProductKind - вид услуги, которую исполняет провайдер
type ProductKind string

const (
	ProductAirtime     ProductKind = "airtime"
	ProductData        ProductKind = "data"
	ProductElectricity ProductKind = "electricity"
	ProductTV          ProductKind = "tv"
)

func (k ProductKind) Category() Category {
	switch k {
	case ProductAirtime:
		return CategoryAirtime
	case ProductData:
		return CategoryData
	case ProductElectricity:
		return CategoryElectricity
	case ProductTV:
		return CategoryTV
	}
	return ""
}

// RequiresVerification: счётчик и смарт-карта проверяются до списания
func (k ProductKind) RequiresVerification() bool {
	return k == ProductElectricity || k == ProductTV
}

type MeterType string

const (
	MeterPrepaid  MeterType = "prepaid"
	MeterPostpaid MeterType = "postpaid"
)

// Заказы приходят из HTTP слоя; Amount в основных единицах, MinorAmount заполняет хендлер.

type AirtimeOrder struct {
	Phone       string `json:"phone"`
	Network     string `json:"network,omitempty"`
	Amount      string `json:"amount"`
	MinorAmount int64  `json:"-"`
}

type DataOrder struct {
	Phone         string `json:"phone"`
	ServiceID     string `json:"serviceID"`
	VariationCode string `json:"variationCode"`
	Amount        string `json:"amount"`
	MinorAmount   int64  `json:"-"`
}

type ElectricityOrder struct {
	MeterNumber string    `json:"meterNumber"`
	ServiceID   string    `json:"serviceID"`
	MeterType   MeterType `json:"meterType"`
	Phone       string    `json:"phone"`
	Amount      string    `json:"amount"`
	MinorAmount int64     `json:"-"`
}

type TVOrder struct {
	SmartCardNumber string `json:"smartCardNumber"`
	ServiceID       string `json:"serviceID"`
	VariationCode   string `json:"variationCode"`
	Phone           string `json:"phone"`
	Amount          string `json:"amount"`
	MinorAmount     int64  `json:"-"`
}

type VerifyRequest struct {
	ServiceID         string `json:"serviceID"`
	AccountIdentifier string `json:"accountIdentifier"`
	Variant           string `json:"variant,omitempty"`
}

// CustomerInfo - результат проверки номера счётчика или смарт-карты
type CustomerInfo struct {
	AccountIdentifier string     `json:"account_identifier"`
	CustomerName      string     `json:"customer_name"`
	Address           string     `json:"address,omitempty"`
	Raw               RawPayload `json:"raw,omitempty"`
}

// PurchaseOutcome - ровно один из трёх исходов покупки
type PurchaseOutcome string

const (
	OutcomeSuccess    PurchaseOutcome = "success"
	OutcomeFailed     PurchaseOutcome = "failed"
	OutcomeProcessing PurchaseOutcome = "processing"
)

type PurchaseResult struct {
	Status      PurchaseOutcome `json:"status"`
	Transaction *Transaction    `json:"transaction"`
	Balance     int64           `json:"-"`
	Token       string          `json:"token,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// ReconcileResult описывает, что сделал перезапрос статуса
type ReconcileResult string

const (
	ReconcileSettled   ReconcileResult = "settled"
	ReconcileRefunded  ReconcileResult = "refunded"
	ReconcileUnchanged ReconcileResult = "unchanged"
)

type ReconcileOutcome struct {
	Result      ReconcileResult `json:"result"`
	Transaction *Transaction    `json:"transaction"`
}

type SweepReport struct {
	Processed int           `json:"processed"`
	Settled   int           `json:"settled"`
	Refunded  int           `json:"refunded"`
	Unchanged int           `json:"unchanged"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// ServiceVariation - тариф провайдера (пакет данных, подписка ТВ)
type ServiceVariation struct {
	Code       string `json:"variation_code"`
	Name       string `json:"name"`
	Amount     string `json:"amount"`
	FixedPrice bool   `json:"fixed_price"`
}
