package gateway

import (
	"errors"
	"fmt"

	"github.com/Nzyazin/billpay/internal/core/models"
)

var (
	// ErrNetwork - ответа нет или он непригоден, исход покупки неизвестен
	ErrNetwork = errors.New("provider network error")
	// ErrProviderTimeout - истёк срок ожидания, исход покупки неизвестен
	ErrProviderTimeout = errors.New("provider timeout")
	// ErrProviderRejected - провайдер явно отказал, заказ не исполнен
	ErrProviderRejected   = errors.New("provider rejected request")
	ErrVerificationFailed = errors.New("customer verification failed")
)

// ProviderError несёт детали ответа; Unwrap возвращает один из sentinel выше
type ProviderError struct {
	Kind      error
	Code      string
	Message   string
	RequestID string
	Raw       models.RawPayload
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%v: code %s: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Kind }

// IsAmbiguous сообщает, что провайдер мог исполнить заказ
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrProviderTimeout)
}

// RawOf возвращает сохранённый ответ провайдера из ошибки, если он есть
func RawOf(err error) models.RawPayload {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Raw
	}
	return nil
}

// MessageOf возвращает описание ошибки провайдера для пользователя
func MessageOf(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
