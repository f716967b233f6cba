package models

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventCredited EventType = "transaction.credited"
	EventReserved EventType = "transaction.reserved"
	EventSettled  EventType = "transaction.settled"
	EventFailed   EventType = "transaction.failed"
	EventRefunded EventType = "transaction.refunded"
)

// TransactionEvent публикуется после фиксации изменения в журнале
type TransactionEvent struct {
	Type          EventType         `json:"type"`
	TransactionID uuid.UUID         `json:"transaction_id"`
	Reference     string            `json:"reference"`
	UserID        uuid.UUID         `json:"user_id"`
	Direction     Direction         `json:"direction"`
	Category      Category          `json:"category"`
	Amount        int64             `json:"amount"`
	Status        TransactionStatus `json:"status"`
	BalanceAfter  int64             `json:"balance_after"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

func NewTransactionEvent(eventType EventType, t *Transaction, balanceAfter int64, at time.Time) TransactionEvent {
	return TransactionEvent{
		Type:          eventType,
		TransactionID: t.ID,
		Reference:     t.Reference,
		UserID:        t.UserID,
		Direction:     t.Direction,
		Category:      t.Category,
		Amount:        t.Amount,
		Status:        t.Status,
		BalanceAfter:  balanceAfter,
		OccurredAt:    at,
	}
}
