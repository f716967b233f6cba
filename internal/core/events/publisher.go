package events

import (
	"context"
	"sync"

	"github.com/Nzyazin/billpay/internal/core/logger"
	"github.com/Nzyazin/billpay/internal/core/models"
)

// Publisher отправляет события журнала после фиксации транзакции.
// Ошибка публикации не откатывает проводку.
type Publisher interface {
	Publish(ctx context.Context, event models.TransactionEvent) error
}

// Producer - транспорт, в который пишет amqpPublisher
type Producer interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

type amqpPublisher struct {
	producer Producer
	exchange string
}

func NewAMQPPublisher(producer Producer, exchange string) Publisher {
	return &amqpPublisher{producer: producer, exchange: exchange}
}

func (p *amqpPublisher) Publish(ctx context.Context, event models.TransactionEvent) error {
	return p.producer.Publish(ctx, p.exchange, string(event.Type), event)
}

type logPublisher struct {
	log logger.Logger
}

// NewLogPublisher используется, когда брокер не настроен
func NewLogPublisher(log logger.Logger) Publisher {
	return &logPublisher{log: log}
}

func (p *logPublisher) Publish(_ context.Context, event models.TransactionEvent) error {
	p.log.Info("Transaction event",
		logger.StringField("type", string(event.Type)),
		logger.StringField("transaction_id", event.TransactionID.String()),
		logger.StringField("reference", event.Reference),
		logger.StringField("status", string(event.Status)),
		logger.Int64Field("amount", event.Amount),
		logger.Int64Field("balance_after", event.BalanceAfter))
	return nil
}

// Recorder запоминает события, удобно в тестах
type Recorder struct {
	mu     sync.Mutex
	events []models.TransactionEvent
}

func (r *Recorder) Publish(_ context.Context, event models.TransactionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []models.TransactionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.TransactionEvent(nil), r.events...)
}

func (r *Recorder) Types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]models.EventType, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}
